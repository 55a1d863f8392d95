package opt

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/cwbudde/simcalib/internal/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// Sphere function: f(x) = sum(x_i^2), minimum at origin
func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func planeParams() []param.Parameter {
	return []param.Parameter{
		param.NewContinuous("x", 3, -5, 5),
		param.NewContinuous("y", -2, -5, 5),
	}
}

// firstOnly succeeds for the first (baseline) call and fails afterwards.
func firstOnly() func([]float64) float64 {
	var n atomic.Int64
	return func(v []float64) float64 {
		if n.Inc() == 1 {
			return sphere(v)
		}
		return math.NaN()
	}
}

func TestPenalize(t *testing.T) {
	tests := []struct {
		name     string
		in       []float64
		want     []float64
		failures int
	}{
		{"no failures", []float64{1, 2}, []float64{1, 2}, 0},
		{"positive worst", []float64{1, math.NaN(), 3}, []float64{1, 6, 3}, 1},
		{"negative worst", []float64{-5, math.NaN(), -7}, []float64{-5, 0, -7}, 1},
		{"small worst", []float64{0.5, math.NaN()}, []float64{0.5, 1.5}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, failures := penalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.failures, failures)
		})
	}

	got, failures := penalize([]float64{math.NaN(), math.NaN()})
	assert.Equal(t, 2, failures)
	assert.True(t, math.IsNaN(got[0]) && math.IsNaN(got[1]), "all-failed batch is left alone")
}

// scripted returns the values in order, then NaN.
func scripted(values ...float64) func([]float64) float64 {
	var n atomic.Int64
	return func([]float64) float64 {
		i := int(n.Inc()) - 1
		if i < len(values) {
			return values[i]
		}
		return math.NaN()
	}
}

func TestPointEvaluatorPenalizesPerBatch(t *testing.T) {
	problem, _ := countingProblem(planeParams(), scripted(math.NaN(), 10, math.NaN(), math.NaN(), -1, 1))
	scale, err := newScaler("test", planeParams())
	require.NoError(t, err)
	rec := &memRecorder{}
	opts := EvolutionStrategyOptions{Recorder: rec}
	opts.defaults()

	e := newPointEvaluator(context.Background(), "test", problem, scale, opts, 3, []float64{3, -2}, 2)
	u := []float64{0, 0}

	assert.Equal(t, 4.0, e.eval(u), "no finite value in the batch yet, baseline is the worst")
	assert.Equal(t, 10.0, e.eval(u))
	assert.Equal(t, 20.0, e.eval(u), "worst of this batch")
	assert.Equal(t, 20.0, e.eval(u), "worst of the previous batch")
	assert.Equal(t, -1.0, e.eval(u))
	assert.Equal(t, 1.0, e.eval(u))

	require.NoError(t, e.err())
	_, best := e.best()
	assert.Equal(t, -1.0, best)
	require.Len(t, rec.progress, 2)
	assert.Equal(t, 2, rec.progress[0].Failures)
	assert.Equal(t, 1, rec.progress[1].Failures)
	assert.Equal(t, 7, rec.progress[1].Evaluations)
}

func TestPointEvaluatorAbortsAfterFailedBatches(t *testing.T) {
	problem, calls := countingProblem(planeParams(), scripted(1, 2, math.NaN(), math.NaN(), math.NaN(), math.NaN(), 5))
	scale, err := newScaler("test", planeParams())
	require.NoError(t, err)
	opts := EvolutionStrategyOptions{MaxAttempts: 2}
	opts.defaults()

	e := newPointEvaluator(context.Background(), "test", problem, scale, opts, 2, []float64{3, -2}, 13)
	for i := 0; i < 10; i++ {
		e.eval([]float64{0, 0})
	}

	var failed *AllFailedError
	require.ErrorAs(t, e.err(), &failed)
	assert.Equal(t, 2, failed.Step)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, int64(6), calls.Load(), "no simulation runs after the abort")
	assert.Equal(t, 6, e.evaluations())
}

func TestEvaluateWithRetryGivesUp(t *testing.T) {
	problem, calls := countingProblem(planeParams(), func([]float64) float64 { return math.NaN() })
	asks := 0
	recorded := 0

	_, err := evaluateWithRetry(context.Background(), "test", 4, problem, 2, 3,
		func(int) [][]float64 {
			asks++
			return [][]float64{{0, 0}, {1, 1}}
		},
		func(points [][]float64, _ []float64) { recorded += len(points) },
		slog.Default())

	var failed *AllFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, 4, failed.Step)
	assert.Equal(t, 2, failed.Failures)
	assert.Equal(t, 3, asks)
	assert.Equal(t, 6, recorded)
	assert.Equal(t, int64(6), calls.Load())
}

func TestEvaluateWithRetryRecovers(t *testing.T) {
	var attempt atomic.Int64
	problem := ProblemFunc{Params: planeParams(), Func: func(_ context.Context, v []float64) float64 {
		if attempt.Load() < 2 {
			return math.NaN()
		}
		return sphere(v)
	}}

	batch, err := evaluateWithRetry(context.Background(), "test", 1, problem, 1, 3,
		func(a int) [][]float64 {
			attempt.Store(int64(a))
			return [][]float64{{1, 2}}
		}, nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 2, batch.attempts)
	assert.Equal(t, []float64{5}, batch.values)
}

func TestScalerRoundTrip(t *testing.T) {
	s, err := newScaler("test", []param.Parameter{
		param.NewContinuous("a", 0, -2, 6),
		param.NewContinuous("b", 1, 1, 1),
	})
	require.NoError(t, err)

	u := s.toUnit([]float64{2, 1})
	assert.Equal(t, []float64{0, 0}, u)
	assert.Equal(t, []float64{2, 1}, s.fromUnit(u))
	assert.Equal(t, []float64{6, 1}, s.fromUnit([]float64{3, 0}), "points outside the box are clamped")
}

func TestContinuousAdaptersRejectCategorical(t *testing.T) {
	problem, _ := countingProblem(abcParams(), negSum)

	_, err := NewCMAES(problem, EvolutionStrategyOptions{})
	assert.True(t, errors.Is(err, param.ErrInvalid), "cma: %v", err)

	_, err = NewMayfly(problem, EvolutionStrategyOptions{})
	assert.True(t, errors.Is(err, param.ErrInvalid), "mayfly: %v", err)

	_, err = NewBayesian(problem, BayesianOptions{})
	assert.True(t, errors.Is(err, param.ErrInvalid), "bayesian: %v", err)
}

func TestMayflyRejectsSmallPopulation(t *testing.T) {
	problem, _ := countingProblem(planeParams(), sphere)
	_, err := NewMayfly(problem, EvolutionStrategyOptions{Population: 10})
	assert.True(t, errors.Is(err, param.ErrInvalid))
}

func TestContinuousAdaptersBaselineFailure(t *testing.T) {
	problem, _ := countingProblem(planeParams(), func([]float64) float64 { return math.NaN() })

	cma, err := NewCMAES(problem, EvolutionStrategyOptions{MaxEvals: 20})
	require.NoError(t, err)
	mf, err := NewMayfly(problem, EvolutionStrategyOptions{MaxEvals: 100})
	require.NoError(t, err)
	by, err := NewBayesian(problem, BayesianOptions{MaxEvals: 20})
	require.NoError(t, err)

	for _, o := range []Optimizer{cma, mf, by} {
		_, err := o.Optimize(context.Background())
		var failed *AllFailedError
		require.ErrorAs(t, err, &failed, o.Name())
		assert.Equal(t, "baseline", failed.Stage, o.Name())
		assert.Equal(t, o.Name(), failed.Optimizer)
	}
}

func TestCMAESOnSphere(t *testing.T) {
	problem, calls := countingProblem(planeParams(), sphere)
	rec := &memRecorder{}

	cma, err := NewCMAES(problem, EvolutionStrategyOptions{MaxEvals: 600, Workers: 2, Seed: 1, Recorder: rec})
	require.NoError(t, err)

	result, err := cma.Optimize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CMAESName, result.Optimizer)
	assert.Equal(t, 13.0, result.InitialObjective)
	assert.Less(t, result.BestObjective, 0.5)
	assert.LessOrEqual(t, result.Evaluations, 601)
	assert.Equal(t, int64(result.Evaluations), calls.Load())
	assert.Len(t, rec.evaluations, result.Evaluations-1)
	for _, v := range result.Best() {
		assert.InDelta(t, 0, v, 1)
	}
}

func TestCMAESRetriesGenerationThenFails(t *testing.T) {
	problem, calls := countingProblem(planeParams(), firstOnly())
	rec := &memRecorder{}

	cma, err := NewCMAES(problem, EvolutionStrategyOptions{MaxEvals: 200, Population: 6, Workers: 2, Seed: 3, Recorder: rec})
	require.NoError(t, err)

	_, err = cma.Optimize(context.Background())

	var failed *AllFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Step)
	assert.Equal(t, DefaultMaxAttempts, failed.Attempts)
	assert.Equal(t, 6, failed.Failures)
	assert.Equal(t, int64(1+3*6), calls.Load())
	assert.Len(t, rec.evaluations, 18)
	assert.Empty(t, rec.progress)
}

func TestCMAESRecoversFromFailedGeneration(t *testing.T) {
	var calls atomic.Int64
	problem := ProblemFunc{Params: planeParams(), Func: func(_ context.Context, v []float64) float64 {
		// baseline, then one failed generation of 6
		if n := calls.Inc(); n > 1 && n <= 7 {
			return math.NaN()
		}
		return sphere(v)
	}}

	cma, err := NewCMAES(problem, EvolutionStrategyOptions{MaxEvals: 60, Population: 6, Workers: 1, Seed: 3})
	require.NoError(t, err)

	result, err := cma.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopBudget, result.StopReason)
	assert.Equal(t, 61, result.Evaluations)
	assert.Equal(t, 9, result.Steps, "the retried generation counts once")
	assert.Less(t, result.BestObjective, result.InitialObjective)
}

func TestMayflyRetriesBatchThenFails(t *testing.T) {
	problem, calls := countingProblem(planeParams(), firstOnly())

	mf, err := NewMayfly(problem, EvolutionStrategyOptions{MaxEvals: 3000, Population: 20, Seed: 1})
	require.NoError(t, err)

	_, err = mf.Optimize(context.Background())

	var failed *AllFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Step)
	assert.Equal(t, DefaultMaxAttempts, failed.Attempts)
	assert.Equal(t, int64(1+3*20), calls.Load())
}

func TestMayflyOnSphere(t *testing.T) {
	problem, _ := countingProblem(planeParams(), sphere)

	mf, err := NewMayfly(problem, EvolutionStrategyOptions{MaxEvals: 3000, Population: 20, Seed: 42})
	require.NoError(t, err)

	result, err := mf.Optimize(context.Background())
	require.NoError(t, err)

	assert.Less(t, result.BestObjective, 1.0)
	assert.LessOrEqual(t, result.Evaluations, 3001)
	assert.Equal(t, StopBudget, result.StopReason)
}

func TestMayflyDeterministic(t *testing.T) {
	run := func() *Result {
		problem, _ := countingProblem(planeParams(), sphere)
		mf, err := NewMayfly(problem, EvolutionStrategyOptions{MaxEvals: 600, Population: 20, Seed: 123})
		require.NoError(t, err)
		result, err := mf.Optimize(context.Background())
		require.NoError(t, err)
		return result
	}

	first, second := run(), run()
	assert.Equal(t, first.BestObjective, second.BestObjective)
	assert.Equal(t, first.Best(), second.Best())
}

func TestBayesianOnSphere(t *testing.T) {
	problem, _ := countingProblem(planeParams(), sphere)
	rec := &memRecorder{}

	by, err := NewBayesian(problem, BayesianOptions{MaxEvals: 60, Workers: 4, Seed: 7, Recorder: rec})
	require.NoError(t, err)

	result, err := by.Optimize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 61, result.Evaluations)
	assert.Equal(t, 15, result.Steps)
	assert.Equal(t, StopBudget, result.StopReason)
	assert.Less(t, result.BestObjective, 2.0)
	assert.Len(t, rec.evaluations, 60)
	require.Len(t, rec.progress, 15)
	for i := 1; i < len(rec.progress); i++ {
		assert.LessOrEqual(t, rec.progress[i].BestObjective, rec.progress[i-1].BestObjective)
	}
}

func TestBayesianRetriesThenFails(t *testing.T) {
	problem, calls := countingProblem(planeParams(), firstOnly())
	rec := &memRecorder{}

	by, err := NewBayesian(problem, BayesianOptions{MaxEvals: 40, Workers: 2, Seed: 1, Recorder: rec})
	require.NoError(t, err)

	_, err = by.Optimize(context.Background())

	var failed *AllFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, DefaultMaxAttempts, failed.Attempts)
	assert.Equal(t, 1, failed.Step)
	assert.Equal(t, int64(1+3*2), calls.Load())
	assert.Len(t, rec.evaluations, 6)
}

func TestBayesianConvergence(t *testing.T) {
	problem, _ := countingProblem(planeParams(), func([]float64) float64 { return 1 })

	by, err := NewBayesian(problem, BayesianOptions{
		MaxEvals:    1000,
		Workers:     2,
		Seed:        5,
		Convergence: ConvergenceConfig{Enabled: true, Patience: 3, Threshold: 0.01},
	})
	require.NoError(t, err)

	result, err := by.Optimize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StopConverged, result.StopReason)
	assert.Equal(t, 4, result.Steps)
	assert.Equal(t, 9, result.Evaluations)
}

func TestConvergenceTracker(t *testing.T) {
	tr := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 2, Threshold: 0.1}, nil)

	assert.False(t, tr.Update(-10))
	assert.False(t, tr.Update(-12), "20% better")
	assert.False(t, tr.Update(-12.5))
	assert.True(t, tr.Update(-12.6))
	assert.Equal(t, -12.6, tr.Best())
	assert.False(t, tr.Update(-20), "a significant improvement resets the stale count")
	assert.False(t, tr.Update(-20.1))
	assert.True(t, tr.Update(-20.2))
	assert.Equal(t, -20.2, tr.Best())

	disabled := NewConvergenceTracker(ConvergenceConfig{}, nil)
	for i := 0; i < 10; i++ {
		assert.False(t, disabled.Update(1))
	}
}
