package opt

import (
	"context"
	"encoding/json"
	"math"

	"github.com/cwbudde/simcalib/internal/param"
)

// Problem is a black-box objective over an ordered parameter list.
// Evaluate must be safe for concurrent use and report failures as NaN.
type Problem interface {
	Parameters() []param.Parameter
	Evaluate(ctx context.Context, values []float64) float64
}

// ProblemFunc wraps a plain function as a Problem.
type ProblemFunc struct {
	Params []param.Parameter
	Func   func(ctx context.Context, values []float64) float64
}

func (p ProblemFunc) Parameters() []param.Parameter { return p.Params }

func (p ProblemFunc) Evaluate(ctx context.Context, values []float64) float64 {
	return p.Func(ctx, values)
}

// Optimizer searches a Problem for the lowest objective value.
type Optimizer interface {
	Name() string
	Optimize(ctx context.Context) (*Result, error)
}

// Stop reasons.
const (
	StopAllFixed      = "all parameters fixed"
	StopNoImprovement = "no improvement"
	StopNoCandidates  = "no untried candidates"
	StopBudget        = "evaluation budget exhausted"
	StopConverged     = "converged"
)

// ParameterResult is the outcome for one parameter.
type ParameterResult struct {
	Name       string       `json:"name"`
	Best       float64      `json:"best"`
	Initial    float64      `json:"initial"`
	ValidRange *param.Range `json:"valid_range,omitempty"`
}

// Result summarises a finished optimization.
type Result struct {
	Optimizer        string            `json:"optimizer"`
	Parameters       []ParameterResult `json:"parameters"`
	BestObjective    float64           `json:"best_objective"`
	InitialObjective float64           `json:"initial_objective"`
	Evaluations      int               `json:"evaluations"`
	Steps            int               `json:"steps,omitempty"`
	Fixed            []string          `json:"fixed,omitempty"`
	StopReason       string            `json:"stop_reason"`
}

// NewResult fills the per-parameter entries from best values in declaration order.
func NewResult(name string, params []param.Parameter, best []float64) *Result {
	r := &Result{
		Optimizer:        name,
		Parameters:       make([]ParameterResult, len(params)),
		BestObjective:    math.NaN(),
		InitialObjective: math.NaN(),
	}
	for i, p := range params {
		pr := ParameterResult{Name: p.Name, Best: best[i], Initial: p.Initial()}
		if vr, ok := p.Range(); ok {
			pr.ValidRange = &vr
		}
		r.Parameters[i] = pr
	}
	return r
}

// Best returns the best value per parameter name.
func (r *Result) Best() map[string]float64 {
	out := make(map[string]float64, len(r.Parameters))
	for _, p := range r.Parameters {
		out[p.Name] = p.Best
	}
	return out
}

type resultJSON Result

// MarshalJSON writes NaN objectives as null.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		resultJSON
		BestObjective    *float64 `json:"best_objective"`
		InitialObjective *float64 `json:"initial_objective"`
	}{
		resultJSON:       resultJSON(r),
		BestObjective:    finite(r.BestObjective),
		InitialObjective: finite(r.InitialObjective),
	})
}

// UnmarshalJSON reads null objectives back as NaN.
func (r *Result) UnmarshalJSON(data []byte) error {
	var aux struct {
		resultJSON
		BestObjective    *float64 `json:"best_objective"`
		InitialObjective *float64 `json:"initial_objective"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Result(aux.resultJSON)
	r.BestObjective = orNaN(aux.BestObjective)
	r.InitialObjective = orNaN(aux.InitialObjective)
	return nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// Evaluation is one objective evaluation pushed to the recorder.
type Evaluation struct {
	Step      int
	Objective float64
	Values    []float64
}

// Progress summarises the search after a batch.
type Progress struct {
	Step          int     `json:"step"`
	Evaluations   int     `json:"evaluations"`
	BestObjective float64 `json:"best_objective"`
	Failures      int     `json:"failures,omitempty"`
}

// Recorder receives result rows and progress summaries. Implementations are
// called from the optimizer goroutine only.
type Recorder interface {
	RecordEvaluation(Evaluation)
	RecordProgress(Progress)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordEvaluation(Evaluation) {}
func (NopRecorder) RecordProgress(Progress)     {}
