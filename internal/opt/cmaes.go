package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/optimize"

	"github.com/cwbudde/simcalib/internal/param"
	"github.com/cwbudde/simcalib/internal/pool"
)

// Names of the evolution strategy optimizers.
const (
	CMAESName  = "cma"
	MayflyName = "mayfly"
)

// EvolutionStrategyOptions configure the CMA-ES and mayfly adapters.
type EvolutionStrategyOptions struct {
	// MaxEvals is the evaluation budget, excluding the baseline.
	MaxEvals int
	// Population is the number of points per generation. Zero picks the
	// optimizer's default.
	Population int
	Seed       uint64
	// Sigma is the initial step size in scaled coordinates, where every
	// parameter spans [-1, 1].
	Sigma float64
	// MaxAttempts bounds how often a generation without any finite value
	// is evaluated before the search fails. Zero means DefaultMaxAttempts.
	MaxAttempts int
	Workers     int
	Logger      *slog.Logger
	Recorder    Recorder
}

// DefaultMaxEvals is the evaluation budget when none is configured.
const DefaultMaxEvals = 200

func (o *EvolutionStrategyOptions) defaults() {
	if o.MaxEvals <= 0 {
		o.MaxEvals = DefaultMaxEvals
	}
	if o.Sigma <= 0 {
		o.Sigma = 0.3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Workers <= 0 {
		o.Workers = pool.DefaultWorkers()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Recorder == nil {
		o.Recorder = NopRecorder{}
	}
}

// CMAES runs gonum's CMA-ES with Cholesky updates.
type CMAES struct {
	problem Problem
	params  []param.Parameter
	scale   *scaler
	opts    EvolutionStrategyOptions
}

// NewCMAES rejects categorical parameters.
func NewCMAES(problem Problem, opts EvolutionStrategyOptions) (*CMAES, error) {
	params := problem.Parameters()
	scale, err := newScaler(CMAESName, params)
	if err != nil {
		return nil, err
	}
	if opts.Population < 0 {
		return nil, &param.ValidationError{Field: "population", Reason: "cannot be negative"}
	}
	if opts.MaxAttempts < 0 {
		return nil, &param.ValidationError{Field: "max_attempts", Reason: "cannot be negative"}
	}
	opts.defaults()
	return &CMAES{problem: problem, params: params, scale: scale, opts: opts}, nil
}

// Name implements Optimizer.
func (c *CMAES) Name() string { return CMAESName }

// Optimize implements Optimizer. gonum's CMA-ES is driven one generation
// at a time: the generation is evaluated as a batch, re-evaluated while it has
// no finite value, and told back with failures replaced by a penalty.
func (c *CMAES) Optimize(ctx context.Context) (*Result, error) {
	logger := c.opts.Logger
	x0 := param.Initials(c.params)

	logger.Info("Evaluating initial parameters", "optimizer", CMAESName)
	baseline, err := evaluateBaseline(ctx, CMAESName, c.problem, x0)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("Initial objective = %g", baseline), "initial_objective", baseline)

	method := &optimize.CmaEsChol{
		InitStepSize: c.opts.Sigma,
		Population:   c.opts.Population,
		Src:          rand.NewPCG(c.opts.Seed, c.opts.Seed),
	}
	dim := c.scale.dim()
	generation := method.Init(dim, math.MaxInt)

	tasks := make([]optimize.Task, generation)
	for i := range tasks {
		tasks[i].Location = &optimize.Location{X: make([]float64, dim)}
	}
	copy(tasks[0].X, c.scale.toUnit(x0))

	operations := make(chan optimize.Task)
	results := make(chan optimize.Task)
	go method.Run(operations, results, tasks)
	// Every exit below happens while Run waits for a result.
	defer stopMethod(operations, results)

	logger.Info("Optimizing", "optimizer", CMAESName, "max_evaluations", c.opts.MaxEvals, "population", generation)

	var (
		evaluations int
		step        int
		stop        string
		bestX       = append([]float64(nil), x0...)
		bestF       = baseline
	)
	for {
		step++
		pending := make([]optimize.Task, generation)
		points := make([][]float64, generation)
		for range pending {
			task := <-operations
			pending[task.ID] = task
			points[task.ID] = c.scale.fromUnit(task.X)
		}

		record := func(points [][]float64, values []float64) {
			for i, v := range values {
				c.opts.Recorder.RecordEvaluation(Evaluation{Step: step, Objective: v, Values: points[i]})
			}
			evaluations += len(values)
		}
		batch, err := evaluateWithRetry(ctx, CMAESName, step, c.problem, c.opts.Workers, c.opts.MaxAttempts,
			func(int) [][]float64 { return points }, record, logger)
		if err != nil {
			return nil, err
		}

		values, failures := penalize(batch.values)
		for i, v := range batch.values {
			if !math.IsNaN(v) && v < bestF {
				bestF = v
				bestX = points[i]
			}
		}
		if failures > 0 {
			logger.Warn("Some simulations failed", "optimizer", CMAESName, "step", step, "n_failed_runs", failures)
		}
		for i, task := range pending {
			task.F = values[i]
			results <- task
		}
		next := <-operations

		c.opts.Recorder.RecordProgress(Progress{
			Step:          step,
			Evaluations:   evaluations + 1,
			BestObjective: bestF,
			Failures:      failures,
		})

		if next.Op == optimize.MethodDone {
			stop = StopConverged
			break
		}
		if evaluations+generation > c.opts.MaxEvals {
			stop = StopBudget
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results <- next
	}

	r := NewResult(CMAESName, c.params, bestX)
	r.BestObjective = bestF
	r.InitialObjective = baseline
	r.Evaluations = evaluations + 1
	r.Steps = step
	r.StopReason = stop
	logger.Info("Optimization finished", "optimizer", CMAESName, "best_objective", bestF,
		"evaluations", r.Evaluations, "stop_reason", stop)
	return r, nil
}

// stopMethod ends a gonum Method that is waiting for a result and drains
// what it sends while shutting down.
func stopMethod(operations <-chan optimize.Task, results chan<- optimize.Task) {
	results <- optimize.Task{Op: optimize.PostIteration}
	close(results)
	for range operations {
	}
}
