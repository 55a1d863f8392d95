package opt

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/mayfly"

	"github.com/cwbudde/simcalib/internal/param"
)

// minMayflyPopulation is the smallest population the mayfly library accepts.
const minMayflyPopulation = 20

// Mayfly wraps the mayfly evolutionary optimizer. The library evaluates one
// point at a time, so Workers is not used and every Population evaluations
// count as one batch.
type Mayfly struct {
	problem Problem
	params  []param.Parameter
	scale   *scaler
	opts    EvolutionStrategyOptions
}

// NewMayfly rejects categorical parameters.
func NewMayfly(problem Problem, opts EvolutionStrategyOptions) (*Mayfly, error) {
	params := problem.Parameters()
	scale, err := newScaler(MayflyName, params)
	if err != nil {
		return nil, err
	}
	if opts.MaxAttempts < 0 {
		return nil, &param.ValidationError{Field: "max_attempts", Reason: "cannot be negative"}
	}
	if opts.Population == 0 {
		opts.Population = minMayflyPopulation
	}
	if opts.Population < minMayflyPopulation {
		return nil, &param.ValidationError{
			Field:  "population",
			Reason: fmt.Sprintf("must be at least %d for mayfly", minMayflyPopulation),
		}
	}
	opts.defaults()
	return &Mayfly{problem: problem, params: params, scale: scale, opts: opts}, nil
}

// Name implements Optimizer.
func (m *Mayfly) Name() string { return MayflyName }

// iterations spreads the budget over generations. Each mayfly iteration
// evaluates the males, the females and their offspring.
func (m *Mayfly) iterations() int {
	n := m.opts.MaxEvals / (3 * m.opts.Population)
	if n < 1 {
		n = 1
	}
	return n
}

// Optimize implements Optimizer.
func (m *Mayfly) Optimize(ctx context.Context) (*Result, error) {
	logger := m.opts.Logger
	x0 := param.Initials(m.params)

	logger.Info("Evaluating initial parameters", "optimizer", MayflyName)
	baseline, err := evaluateBaseline(ctx, MayflyName, m.problem, x0)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("Initial objective = %g", baseline), "initial_objective", baseline)

	eval := newPointEvaluator(ctx, MayflyName, m.problem, m.scale, m.opts, m.opts.Population, x0, baseline)

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = eval.eval
	config.ProblemSize = m.scale.dim()
	config.MaxIterations = m.iterations()
	config.NPop = m.opts.Population
	// Scaled coordinates share one box.
	config.LowerBound = -1
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(int64(m.opts.Seed)))

	logger.Info("Optimizing", "optimizer", MayflyName, "max_evaluations", m.opts.MaxEvals,
		"population", m.opts.Population, "iterations", config.MaxIterations)
	_, err = mayfly.Optimize(config)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if failed := eval.err(); failed != nil {
		return nil, failed
	}
	if err != nil {
		return nil, fmt.Errorf("mayfly: %w", err)
	}

	bestX, bestF := eval.best()
	r := NewResult(MayflyName, m.params, bestX)
	r.BestObjective = bestF
	r.InitialObjective = baseline
	r.Evaluations = eval.evaluations() + 1
	r.Steps = int(math.Ceil(float64(eval.evaluations()) / float64(m.opts.Population)))
	r.StopReason = StopBudget
	logger.Info("Optimization finished", "optimizer", MayflyName, "best_objective", bestF,
		"evaluations", r.Evaluations)
	return r, nil
}
