package opt

import (
	"context"
	"log/slog"
	"math"

	"github.com/cwbudde/simcalib/internal/pool"
)

// DefaultMaxAttempts is how often a batch without any finite value is asked
// for again before the optimizer gives up.
const DefaultMaxAttempts = 3

// evaluateBatch evaluates points in parallel. The result is index-aligned.
func evaluateBatch(ctx context.Context, problem Problem, workers int, points [][]float64) []float64 {
	return pool.Map(ctx, workers, points, func(ctx context.Context, x []float64) float64 {
		return problem.Evaluate(ctx, x)
	})
}

// batchAttempt is the outcome of evaluateWithRetry.
type batchAttempt struct {
	points   [][]float64
	values   []float64
	attempts int
}

// evaluateWithRetry asks for a batch and evaluates it. While every value is
// NaN the batch is asked for again, at most attempts times in total. Every
// evaluated batch is passed to record. The last batch is returned together
// with an AllFailedError when all attempts failed.
func evaluateWithRetry(
	ctx context.Context,
	name string,
	step int,
	problem Problem,
	workers, attempts int,
	ask func(attempt int) [][]float64,
	record func(points [][]float64, values []float64),
	logger *slog.Logger,
) (batchAttempt, error) {
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var last batchAttempt
	for attempt := 1; attempt <= attempts; attempt++ {
		points := ask(attempt)
		values := evaluateBatch(ctx, problem, workers, points)
		if err := ctx.Err(); err != nil {
			return last, err
		}
		last = batchAttempt{points: points, values: values, attempts: attempt}
		if record != nil {
			record(points, values)
		}
		if countFinite(values) > 0 {
			return last, nil
		}
		logger.Warn("All simulations in batch failed, retrying",
			"optimizer", name, "step", step, "attempt", attempt, "max_attempts", attempts)
	}
	logger.Error("All simulations failed. Aborting", "optimizer", name, "step", step, "attempts", attempts)
	return last, &AllFailedError{
		Optimizer: name,
		Stage:     "batch",
		Step:      step,
		Failures:  len(last.values),
		Attempts:  attempts,
	}
}

func countFinite(values []float64) int {
	n := 0
	for _, v := range values {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// penalty is the value substituted for a failed evaluation when worst is the
// worst finite value seen.
func penalty(worst float64) float64 {
	return worst + math.Max(math.Abs(worst), 1)
}

// penalize replaces NaNs by a value worse than the worst finite value of the
// batch. A batch without finite values is returned unchanged.
func penalize(values []float64) (out []float64, failures int) {
	out = append([]float64(nil), values...)
	worst := math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) {
			failures++
		} else if !math.IsInf(v, 0) && v > worst {
			worst = v
		}
	}
	if failures == 0 || failures == len(values) || math.IsInf(worst, -1) {
		return out, failures
	}
	p := penalty(worst)
	for i, v := range out {
		if math.IsNaN(v) {
			out[i] = p
		}
	}
	return out, failures
}
