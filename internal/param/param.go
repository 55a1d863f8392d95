package param

import (
	"fmt"
	"math"
)

// Kind distinguishes how a parameter's candidate values are produced.
type Kind string

const (
	Continuous  Kind = "continuous"
	Categorical Kind = "categorical"
)

// Range is a closed interval [Low, High].
type Range struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// Contains reports whether v lies inside the interval.
func (r Range) Contains(v float64) bool {
	return v >= r.Low && v <= r.High
}

// Parameter is one named dimension of the search space.
//
// Continuous parameters use InitialValue and ValidRange. Categorical parameters
// use Values and InitialIndex; their candidates are numeric because the
// evaluation contract is a vector of floats.
type Parameter struct {
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	InitialValue float64   `json:"initialValue,omitempty"`
	ValidRange   Range     `json:"validRange,omitempty"`
	Values       []float64 `json:"values,omitempty"`
	InitialIndex int       `json:"initialIndex,omitempty"`
}

// NewContinuous returns a continuous parameter.
func NewContinuous(name string, initial, low, high float64) Parameter {
	return Parameter{
		Name:         name,
		Kind:         Continuous,
		InitialValue: initial,
		ValidRange:   Range{Low: low, High: high},
	}
}

// NewCategorical returns a categorical parameter.
func NewCategorical(name string, values []float64, initialIndex int) Parameter {
	return Parameter{
		Name:         name,
		Kind:         Categorical,
		Values:       append([]float64(nil), values...),
		InitialIndex: initialIndex,
	}
}

// Initial returns the value the parameter takes before any search.
func (p Parameter) Initial() float64 {
	if p.Kind == Categorical {
		return p.Values[p.InitialIndex]
	}
	return p.InitialValue
}

// Range returns the valid range of a continuous parameter. Categorical
// parameters report the span of their values and ok=false.
func (p Parameter) Range() (r Range, ok bool) {
	if p.Kind == Continuous {
		return p.ValidRange, true
	}
	if len(p.Values) == 0 {
		return Range{}, false
	}
	r = Range{Low: math.Inf(1), High: math.Inf(-1)}
	for _, v := range p.Values {
		r.Low = math.Min(r.Low, v)
		r.High = math.Max(r.High, v)
	}
	return r, false
}

// Check validates a single parameter.
func (p Parameter) Check() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "cannot be empty"}
	}
	switch p.Kind {
	case Continuous:
		r := p.ValidRange
		if math.IsNaN(r.Low) || math.IsNaN(r.High) || math.IsNaN(p.InitialValue) {
			return &ValidationError{Parameter: p.Name, Field: "valid_range", Reason: "contains NaN"}
		}
		if r.Low > r.High {
			return &ValidationError{
				Parameter: p.Name,
				Field:     "valid_range",
				Reason:    fmt.Sprintf("low %g is greater than high %g", r.Low, r.High),
			}
		}
		if !r.Contains(p.InitialValue) {
			return &ValidationError{
				Parameter: p.Name,
				Field:     "initial_value",
				Reason:    fmt.Sprintf("%g outside [%g, %g]", p.InitialValue, r.Low, r.High),
			}
		}
	case Categorical:
		if len(p.Values) == 0 {
			return &ValidationError{Parameter: p.Name, Field: "values", Reason: "cannot be empty"}
		}
		if p.InitialIndex < 0 || p.InitialIndex >= len(p.Values) {
			return &ValidationError{
				Parameter: p.Name,
				Field:     "initial_index",
				Reason:    fmt.Sprintf("%d outside [0, %d)", p.InitialIndex, len(p.Values)),
			}
		}
	default:
		return &ValidationError{Parameter: p.Name, Field: "kind", Reason: fmt.Sprintf("unknown kind %q", p.Kind)}
	}
	return nil
}

// Validate checks every parameter and that names are unique.
func Validate(params []Parameter) error {
	if len(params) == 0 {
		return &ValidationError{Field: "parameters", Reason: "at least one parameter is required"}
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if err := p.Check(); err != nil {
			return err
		}
		if seen[p.Name] {
			return &ValidationError{Parameter: p.Name, Field: "name", Reason: "duplicate parameter name"}
		}
		seen[p.Name] = true
	}
	return nil
}

// Names returns parameter names in declaration order.
func Names(params []Parameter) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

// Initials returns the initial values in declaration order.
func Initials(params []Parameter) []float64 {
	values := make([]float64, len(params))
	for i, p := range params {
		values[i] = p.Initial()
	}
	return values
}

// Named zips values with parameter names.
func Named(params []Parameter, values []float64) map[string]float64 {
	named := make(map[string]float64, len(params))
	for i, p := range params {
		named[p.Name] = values[i]
	}
	return named
}

// ErrInvalid matches any ValidationError via errors.Is.
var ErrInvalid = &ValidationError{}

// ValidationError reports an invalid parameter or optimizer setting.
type ValidationError struct {
	Parameter string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Parameter != "" {
		return "invalid configuration: parameter " + e.Parameter + ": " + e.Field + " " + e.Reason
	}
	return "invalid configuration: " + e.Field + " " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}
