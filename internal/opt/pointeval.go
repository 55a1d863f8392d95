package opt

import (
	"context"
	"log/slog"
	"math"
	"sync"
)

// pointEvaluator adapts a Problem to optimizers that call a plain objective
// function in scaled coordinates, one point at a time. Consecutive runs of
// generation evaluations form a batch: failures are replaced by a penalty
// from the batch's worst finite value, and once attempts batches in a row
// produced no finite value the search is aborted. Later calls then return
// immediately without running the simulator.
type pointEvaluator struct {
	ctx        context.Context
	name       string
	problem    Problem
	scale      *scaler
	recorder   Recorder
	logger     *slog.Logger
	generation int
	budget     int
	attempts   int

	mu       sync.Mutex
	done     int
	failures int
	bestX    []float64
	bestF    float64

	// current batch
	batchFinite   int
	batchFailures int
	batchWorst    float64
	// worst finite value of the last batch that had one
	lastWorst float64

	failedBatches int
	aborted       *AllFailedError
}

func newPointEvaluator(ctx context.Context, name string, problem Problem, scale *scaler, opts EvolutionStrategyOptions,
	generation int, baselineX []float64, baseline float64) *pointEvaluator {
	if generation <= 0 {
		generation = 1
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &pointEvaluator{
		ctx:        ctx,
		name:       name,
		problem:    problem,
		scale:      scale,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
		generation: generation,
		budget:     opts.MaxEvals,
		attempts:   attempts,
		bestX:      append([]float64(nil), baselineX...),
		bestF:      baseline,
		batchWorst: math.Inf(-1),
		lastWorst:  baseline,
	}
}

// eval is the objective handed to the optimizer library.
func (e *pointEvaluator) eval(u []float64) float64 {
	e.mu.Lock()
	if e.aborted != nil || e.ctx.Err() != nil || (e.budget > 0 && e.done >= e.budget) {
		e.mu.Unlock()
		return math.MaxFloat64
	}
	e.mu.Unlock()

	x := e.scale.fromUnit(u)
	v := e.problem.Evaluate(e.ctx, x)
	if e.ctx.Err() != nil {
		return math.MaxFloat64
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	step := e.done/e.generation + 1
	e.done++
	e.recorder.RecordEvaluation(Evaluation{Step: step, Objective: v, Values: x})

	out := v
	if math.IsNaN(v) {
		e.failures++
		e.batchFailures++
		out = e.penalty()
	} else {
		e.batchFinite++
		if !math.IsInf(v, 0) && v > e.batchWorst {
			e.batchWorst = v
		}
		if v < e.bestF {
			e.bestF = v
			e.bestX = x
		}
	}

	if e.done%e.generation == 0 {
		e.closeBatch(step)
	}
	return out
}

// penalty is worse than the worst finite value of the current batch, or of
// the last batch that had one while the current batch has none yet.
func (e *pointEvaluator) penalty() float64 {
	if !math.IsInf(e.batchWorst, -1) {
		return penalty(e.batchWorst)
	}
	return penalty(e.lastWorst)
}

func (e *pointEvaluator) closeBatch(step int) {
	failures := e.batchFailures
	if e.batchFinite == 0 {
		e.failedBatches++
		if e.failedBatches >= e.attempts {
			e.logger.Error("All simulations failed. Aborting", "optimizer", e.name, "step", step, "attempts", e.attempts)
			e.aborted = &AllFailedError{
				Optimizer: e.name,
				Stage:     "batch",
				Step:      step - e.attempts + 1,
				Failures:  failures,
				Attempts:  e.attempts,
			}
		} else {
			e.logger.Warn("All simulations in batch failed, retrying",
				"optimizer", e.name, "step", step, "attempt", e.failedBatches, "max_attempts", e.attempts)
		}
	} else {
		e.failedBatches = 0
		if !math.IsInf(e.batchWorst, -1) {
			e.lastWorst = e.batchWorst
		}
	}
	e.batchFinite, e.batchFailures, e.batchWorst = 0, 0, math.Inf(-1)

	if e.aborted == nil {
		e.recorder.RecordProgress(Progress{
			Step:          step,
			Evaluations:   e.done + 1,
			BestObjective: e.bestF,
			Failures:      failures,
		})
	}
}

// err is the AllFailedError that aborted the search, if any.
func (e *pointEvaluator) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aborted == nil {
		return nil
	}
	return e.aborted
}

// best returns the best point in parameter units and its objective.
func (e *pointEvaluator) best() ([]float64, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.bestX...), e.bestF
}

// evaluations counts completed evaluations, excluding the baseline.
func (e *pointEvaluator) evaluations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// evaluateBaseline evaluates the initial values. A failure aborts the search.
func evaluateBaseline(ctx context.Context, name string, problem Problem, x0 []float64) (float64, error) {
	v := problem.Evaluate(ctx, x0)
	if err := ctx.Err(); err != nil {
		return math.NaN(), err
	}
	if math.IsNaN(v) {
		return v, &AllFailedError{Optimizer: name, Stage: "baseline", Failures: 1}
	}
	return v, nil
}
