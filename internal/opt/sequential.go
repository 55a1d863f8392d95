package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/cwbudde/simcalib/internal/param"
	"github.com/cwbudde/simcalib/internal/pool"
)

// SequentialName identifies the coordinate-descent optimizer.
const SequentialName = "sequential"

// SequentialOptions configure the coordinate-descent search.
type SequentialOptions struct {
	// NumSamples is the candidate count for continuous parameters, including
	// the initial value. Zero means param.DefaultSamples.
	NumSamples int
	// Workers bounds parallel evaluations. Zero means one per CPU.
	Workers  int
	Logger   *slog.Logger
	Recorder Recorder
	// Checkpoint, if set, is called with the search state after every step.
	Checkpoint func(State) error
}

// State is the resumable state of a sequential search.
type State struct {
	Fixed            []string             `json:"fixed"`
	Floating         map[string][]float64 `json:"floating"`
	Current          map[string]float64   `json:"current"`
	CurrentObjective float64              `json:"current_objective"`
	InitialObjective float64              `json:"initial_objective"`
	Step             int                  `json:"step"`
	Evaluations      int                  `json:"evaluations"`
	// Stopped is the stop reason once the search ended early. Resuming a
	// stopped state evaluates nothing.
	Stopped string `json:"stopped,omitempty"`
}

// Sequential fixes one parameter per step: every floating parameter is varied
// over its candidates while the others stay at their current values, and the
// single best change is kept. The search stops when everything is fixed or no
// change beats the current objective.
type Sequential struct {
	problem    Problem
	params     []param.Parameter
	candidates []param.Candidates
	opts       SequentialOptions
	logger     *slog.Logger
	recorder   Recorder
}

// NewSequential discretizes the problem's parameters. Invalid parameters or
// options are rejected before any evaluation.
func NewSequential(problem Problem, opts SequentialOptions) (*Sequential, error) {
	if opts.NumSamples == 0 {
		opts.NumSamples = param.DefaultSamples
	}
	if opts.NumSamples < 2 {
		return nil, &param.ValidationError{
			Field:  "num_samples",
			Reason: fmt.Sprintf("must be at least 2, got %d", opts.NumSamples),
		}
	}
	if opts.Workers <= 0 {
		opts.Workers = pool.DefaultWorkers()
	}
	params := problem.Parameters()
	candidates, err := param.DiscretizeAll(params, opts.NumSamples)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}

	return &Sequential{
		problem:    problem,
		params:     params,
		candidates: candidates,
		opts:       opts,
		logger:     logger,
		recorder:   recorder,
	}, nil
}

// Name implements Optimizer.
func (s *Sequential) Name() string { return SequentialName }

// Candidates returns the discretized parameters in declaration order.
func (s *Sequential) Candidates() []param.Candidates { return s.candidates }

// EvaluationBounds returns the fewest and most evaluations a full search can
// take, including the baseline.
func (s *Sequential) EvaluationBounds() (fewest, most int) {
	counts := make([]int, len(s.candidates))
	for i, c := range s.candidates {
		counts[i] = len(c.Values)
	}
	return EvaluationBounds(counts)
}

// EvaluationBounds computes the evaluation range for parameters with the
// given candidate counts. The most evaluations happen when the parameter with
// the fewest candidates is fixed first, the fewest when the largest is.
func EvaluationBounds(counts []int) (fewest, most int) {
	sorted := append([]int(nil), counts...)
	sort.Ints(sorted)
	most = 1 + suffixCost(sorted)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))
	fewest = 1 + suffixCost(sorted)
	return fewest, most
}

func suffixCost(counts []int) int {
	total := 0
	for start := range counts {
		for _, n := range counts[start:] {
			total += n - 1
		}
	}
	return total
}

// Optimize runs the search from the initial parameter values.
func (s *Sequential) Optimize(ctx context.Context) (*Result, error) {
	fewest, most := s.EvaluationBounds()
	s.logger.Info(fmt.Sprintf("Using at least %d and at most %d function evaluations", fewest, most),
		"min_evaluations", fewest, "max_evaluations", most)

	state := State{
		Floating: make(map[string][]float64, len(s.candidates)),
		Current:  make(map[string]float64, len(s.candidates)),
	}
	for _, c := range s.candidates {
		state.Floating[c.Name] = c.Values
		state.Current[c.Name] = c.Values[0]
	}

	s.logger.Info("Evaluating initial parameters")
	baseline := s.problem.Evaluate(ctx, s.vector(state.Current))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if math.IsNaN(baseline) {
		s.logger.Error("Initial parameters failed, aborting")
		return nil, &AllFailedError{Optimizer: SequentialName, Stage: "baseline", Failures: 1}
	}
	s.logger.Info(fmt.Sprintf("Initial objective = %g", baseline), "initial_objective", baseline)

	state.CurrentObjective = baseline
	state.InitialObjective = baseline
	state.Evaluations = 1
	return s.run(ctx, state)
}

// Resume continues a search from a saved state without repeating the
// baseline or any completed step.
func (s *Sequential) Resume(ctx context.Context, state State) (*Result, error) {
	if err := s.checkState(state); err != nil {
		return nil, err
	}
	s.logger.Info("Resuming search", "step", state.Step, "fixed", len(state.Fixed), "floating", len(state.Floating),
		"current_objective", state.CurrentObjective)
	return s.run(ctx, state)
}

func (s *Sequential) checkState(state State) error {
	if len(state.Current) != len(s.params) {
		return fmt.Errorf("checkpoint has %d parameters, problem has %d", len(state.Current), len(s.params))
	}
	for _, p := range s.params {
		if _, ok := state.Current[p.Name]; !ok {
			return fmt.Errorf("checkpoint is missing parameter %s", p.Name)
		}
	}
	for _, name := range state.Fixed {
		if _, ok := state.Floating[name]; ok {
			return fmt.Errorf("parameter %s is both fixed and floating", name)
		}
	}
	if len(state.Fixed)+len(state.Floating) != len(s.params) {
		return fmt.Errorf("checkpoint fixed and floating sets do not cover the parameters")
	}
	if math.IsNaN(state.CurrentObjective) {
		return fmt.Errorf("checkpoint has no current objective")
	}
	return nil
}

// candidate is one batch entry: parameter name, its new value, and the full
// vector to evaluate.
type candidate struct {
	name   string
	value  float64
	values []float64
}

func (s *Sequential) run(ctx context.Context, state State) (*Result, error) {
	if state.Stopped != "" {
		s.logger.Info("Search already stopped", "step", state.Step, "stop_reason", state.Stopped)
		return s.result(state, state.Stopped), nil
	}
	s.logger.Info("Optimizing")
	stop := StopAllFixed

	for len(state.Floating) > 0 {
		state.Step++
		step := state.Step

		batch := s.batch(state)
		s.logger.Info("Step started", "step", step, "n_param_sets", len(batch))
		if len(batch) == 0 {
			s.logger.Info("No untried candidates left. Stopping", "step", step)
			stop = StopNoCandidates
			state.Stopped = stop
			s.checkpoint(state)
			break
		}

		results := pool.Map(ctx, s.opts.Workers, batch, func(ctx context.Context, c candidate) float64 {
			return s.problem.Evaluate(ctx, c.values)
		})
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		best := math.Inf(1)
		bestIdx := -1
		failures := 0
		for i, v := range results {
			s.recorder.RecordEvaluation(Evaluation{Step: step, Objective: v, Values: batch[i].values})
			if math.IsNaN(v) {
				failures++
			} else if bestIdx < 0 || v < best {
				best = v
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			s.logger.Error("All simulations failed. Aborting", "step", step, "failures", failures)
			return nil, &AllFailedError{Optimizer: SequentialName, Stage: "batch", Step: step, Failures: failures}
		}

		state.Evaluations += len(batch)
		s.logger.Info("Step evaluated", "step", step, "total_function_evaluations", state.Evaluations)
		if failures > 0 {
			s.logger.Warn("Some simulations failed", "step", step, "n_failed_runs", failures)
		}
		s.logger.Info("Step best", "step", step, "best_objective", best)
		s.recorder.RecordProgress(Progress{
			Step:          step,
			Evaluations:   state.Evaluations,
			BestObjective: math.Min(best, state.CurrentObjective),
			Failures:      failures,
		})

		if best >= state.CurrentObjective {
			s.logger.Info("No improvement in objective. Stopping", "step", step)
			stop = StopNoImprovement
			state.Stopped = stop
			s.checkpoint(state)
			break
		}

		winner := batch[bestIdx]
		state.CurrentObjective = best
		state.Current[winner.name] = winner.value
		delete(state.Floating, winner.name)
		state.Fixed = append(state.Fixed, winner.name)
		s.logger.Info(fmt.Sprintf("Fixing %s to %g", winner.name, winner.value),
			"step", step, "parameter", winner.name, "value", winner.value)
		s.checkpoint(state)
	}

	return s.result(state, stop), nil
}

// batch enumerates floating parameters in declaration order and their
// candidates in order, skipping values equal to the current one.
func (s *Sequential) batch(state State) []candidate {
	var batch []candidate
	for _, p := range s.params {
		values, floating := state.Floating[p.Name]
		if !floating {
			continue
		}
		for _, v := range values {
			if v == state.Current[p.Name] {
				continue
			}
			vec := s.vector(state.Current)
			vec[s.index(p.Name)] = v
			batch = append(batch, candidate{name: p.Name, value: v, values: vec})
		}
	}
	return batch
}

func (s *Sequential) index(name string) int {
	for i, p := range s.params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (s *Sequential) vector(current map[string]float64) []float64 {
	vec := make([]float64, len(s.params))
	for i, p := range s.params {
		vec[i] = current[p.Name]
	}
	return vec
}

func (s *Sequential) checkpoint(state State) {
	if s.opts.Checkpoint == nil {
		return
	}
	if err := s.opts.Checkpoint(state); err != nil {
		s.logger.Warn("Failed to save checkpoint", "step", state.Step, "error", err)
	}
}

func (s *Sequential) result(state State, stop string) *Result {
	r := NewResult(SequentialName, s.params, s.vector(state.Current))
	r.BestObjective = state.CurrentObjective
	r.InitialObjective = state.InitialObjective
	r.Evaluations = state.Evaluations
	r.Steps = state.Step
	r.Fixed = append([]string(nil), state.Fixed...)
	r.StopReason = stop
	return r
}
