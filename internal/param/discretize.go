package param

import "fmt"

// DefaultSamples is the number of candidates a continuous parameter is
// discretized into when no other value is configured.
const DefaultSamples = 3

// Candidates is the finite, ordered value list the sequential search walks for
// one parameter. Values[0] is always the parameter's initial value.
type Candidates struct {
	Name   string
	Values []float64
}

// Discretize turns a parameter into its candidate list.
//
// Continuous parameters become the initial value followed by numSamples-1
// evenly spaced points from low to high inclusive. Duplicates with the initial
// value are kept. Categorical parameters are reordered so the initial value
// comes first and the rest keep their relative order.
func Discretize(p Parameter, numSamples int) (Candidates, error) {
	if err := p.Check(); err != nil {
		return Candidates{}, err
	}
	switch p.Kind {
	case Continuous:
		if numSamples < 2 {
			return Candidates{}, &ValidationError{
				Parameter: p.Name,
				Field:     "num_samples",
				Reason:    fmt.Sprintf("must be at least 2, got %d", numSamples),
			}
		}
		values := make([]float64, 0, numSamples)
		values = append(values, p.InitialValue)
		values = append(values, Linspace(p.ValidRange.Low, p.ValidRange.High, numSamples-1)...)
		return Candidates{Name: p.Name, Values: values}, nil
	default:
		return Candidates{Name: p.Name, Values: InitialFirst(p.Values, p.InitialIndex)}, nil
	}
}

// DiscretizeAll discretizes every parameter, preserving declaration order.
func DiscretizeAll(params []Parameter, numSamples int) ([]Candidates, error) {
	if err := Validate(params); err != nil {
		return nil, err
	}
	out := make([]Candidates, len(params))
	for i, p := range params {
		c, err := Discretize(p, numSamples)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// InitialFirst moves values[index] to the front.
func InitialFirst(values []float64, index int) []float64 {
	out := make([]float64, 0, len(values))
	out = append(out, values[index])
	out = append(out, values[:index]...)
	return append(out, values[index+1:]...)
}

// Linspace returns n evenly spaced values from low to high inclusive.
// A single point is the start of the interval.
func Linspace(low, high float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{low}
	}
	out := make([]float64, n)
	step := (high - low) / float64(n-1)
	for i := range out {
		out[i] = low + float64(i)*step
	}
	out[n-1] = high
	return out
}
