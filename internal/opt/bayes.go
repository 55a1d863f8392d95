package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cwbudde/simcalib/internal/param"
	"github.com/cwbudde/simcalib/internal/pool"
)

// BayesianName identifies the Bayesian optimizer.
const BayesianName = "bayesian"

// BayesianOptions configure the batch Bayesian optimizer.
type BayesianOptions struct {
	// MaxEvals is the evaluation budget, excluding the baseline.
	MaxEvals int
	// BatchSize is the number of points asked for per step. Zero means
	// Workers.
	BatchSize int
	// InitialPoints are sampled uniformly before the surrogate is used.
	// Zero means 2 per dimension, at least one batch.
	InitialPoints int
	// Candidates is the number of random points scored by expected
	// improvement per ask.
	Candidates int
	// LengthScale of the squared exponential kernel in scaled coordinates.
	LengthScale float64
	// MaxAttempts bounds re-asks of a batch without any finite value.
	MaxAttempts int
	Seed        uint64
	Convergence ConvergenceConfig
	Workers     int
	Logger      *slog.Logger
	Recorder    Recorder
}

// Bayesian is a batch ask/tell optimizer with a Gaussian process surrogate
// and expected improvement acquisition.
type Bayesian struct {
	problem Problem
	params  []param.Parameter
	scale   *scaler
	opts    BayesianOptions
	rng     *rand.Rand
}

// NewBayesian rejects categorical parameters.
func NewBayesian(problem Problem, opts BayesianOptions) (*Bayesian, error) {
	params := problem.Parameters()
	scale, err := newScaler(BayesianName, params)
	if err != nil {
		return nil, err
	}
	if opts.LengthScale < 0 {
		return nil, &param.ValidationError{Field: "length_scale", Reason: "cannot be negative"}
	}
	if opts.MaxEvals <= 0 {
		opts.MaxEvals = DefaultMaxEvals
	}
	if opts.Workers <= 0 {
		opts.Workers = pool.DefaultWorkers()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Workers
	}
	if opts.InitialPoints <= 0 {
		opts.InitialPoints = max(2*len(params), opts.BatchSize)
	}
	if opts.Candidates <= 0 {
		opts.Candidates = 512
	}
	if opts.LengthScale == 0 {
		opts.LengthScale = 0.3
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	return &Bayesian{
		problem: problem,
		params:  params,
		scale:   scale,
		opts:    opts,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Name implements Optimizer.
func (b *Bayesian) Name() string { return BayesianName }

// Optimize implements Optimizer.
func (b *Bayesian) Optimize(ctx context.Context) (*Result, error) {
	logger := b.opts.Logger
	x0 := param.Initials(b.params)

	logger.Info("Evaluating initial parameters", "optimizer", BayesianName)
	baseline, err := evaluateBaseline(ctx, BayesianName, b.problem, x0)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("Initial objective = %g", baseline), "initial_objective", baseline)

	obs := &observations{}
	obs.add(b.scale.toUnit(x0), baseline)
	bestX, bestF := x0, baseline
	evaluations := 1
	tracker := NewConvergenceTracker(b.opts.Convergence, logger)
	stop := StopBudget
	steps := 0

	logger.Info("Optimizing", "optimizer", BayesianName, "max_evaluations", b.opts.MaxEvals,
		"batch_size", b.opts.BatchSize)
	for step := 1; ; step++ {
		n := min(b.opts.BatchSize, b.opts.MaxEvals-(evaluations-1))
		if n <= 0 {
			break
		}

		var asked [][]float64
		ask := func(attempt int) [][]float64 {
			if attempt > 1 || obs.len() < b.opts.InitialPoints {
				asked = b.randomPoints(n)
			} else {
				asked = b.suggest(obs, n)
			}
			points := make([][]float64, len(asked))
			for i, u := range asked {
				points[i] = b.scale.fromUnit(u)
			}
			return points
		}
		record := func(points [][]float64, values []float64) {
			evaluations += len(points)
			for i, x := range points {
				b.opts.Recorder.RecordEvaluation(Evaluation{Step: step, Objective: values[i], Values: x})
			}
		}

		batch, err := evaluateWithRetry(ctx, BayesianName, step, b.problem, b.opts.Workers,
			b.opts.MaxAttempts, ask, record, logger)
		if err != nil {
			return nil, err
		}

		steps = step
		told, failures := penalize(batch.values)
		for i, u := range asked {
			obs.add(u, told[i])
			if v := batch.values[i]; !math.IsNaN(v) && v < bestF {
				bestF = v
				bestX = batch.points[i]
			}
		}
		if failures > 0 {
			logger.Warn("Some simulations failed", "step", step, "n_failed_runs", failures)
		}
		logger.Info("Step evaluated", "step", step, "total_function_evaluations", evaluations,
			"best_objective", bestF)
		b.opts.Recorder.RecordProgress(Progress{
			Step:          step,
			Evaluations:   evaluations,
			BestObjective: bestF,
			Failures:      failures,
		})

		if tracker.Update(bestF) {
			stop = StopConverged
			break
		}
	}

	r := NewResult(BayesianName, b.params, bestX)
	r.BestObjective = bestF
	r.InitialObjective = baseline
	r.Evaluations = evaluations
	r.Steps = steps
	r.StopReason = stop
	logger.Info("Optimization finished", "optimizer", BayesianName, "best_objective", bestF,
		"evaluations", evaluations, "stop_reason", stop)
	return r, nil
}

func (b *Bayesian) randomPoints(n int) [][]float64 {
	points := make([][]float64, n)
	for i := range points {
		u := make([]float64, b.scale.dim())
		for j := range u {
			u[j] = 2*b.rng.Float64() - 1
		}
		points[i] = u
	}
	return points
}

// suggest picks the n random candidates with the highest expected
// improvement, keeping chosen points apart so a batch does not collapse onto
// one optimum.
func (b *Bayesian) suggest(obs *observations, n int) [][]float64 {
	gp, err := fitGP(obs.x, obs.y, b.opts.LengthScale)
	if err != nil {
		b.opts.Logger.Warn("Surrogate fit failed, sampling randomly", "error", err)
		return b.randomPoints(n)
	}

	candidates := b.randomPoints(b.opts.Candidates)
	type scored struct {
		u  []float64
		ei float64
	}
	ranked := make([]scored, len(candidates))
	for i, u := range candidates {
		ranked[i] = scored{u: u, ei: gp.expectedImprovement(u)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].ei > ranked[j].ei })

	minDist := b.opts.LengthScale / 2
	var chosen [][]float64
	for _, c := range ranked {
		if len(chosen) == n {
			break
		}
		far := true
		for _, u := range chosen {
			if floats.Distance(u, c.u, 2) < minDist {
				far = false
				break
			}
		}
		if far {
			chosen = append(chosen, c.u)
		}
	}
	if len(chosen) < n {
		chosen = append(chosen, b.randomPoints(n-len(chosen))...)
	}
	return chosen
}

// observations are told points in scaled coordinates.
type observations struct {
	x [][]float64
	y []float64
}

// add ignores infinite objectives, which the surrogate cannot model.
func (o *observations) add(u []float64, y float64) {
	if math.IsInf(y, 0) || math.IsNaN(y) {
		return
	}
	o.x = append(o.x, u)
	o.y = append(o.y, y)
}

func (o *observations) len() int { return len(o.y) }

// gaussianProcess is a zero-mean GP on standardized objectives.
type gaussianProcess struct {
	x           [][]float64
	alpha       *mat.VecDense
	chol        mat.Cholesky
	lengthScale float64
	best        float64
}

func fitGP(x [][]float64, y []float64, lengthScale float64) (*gaussianProcess, error) {
	n := len(y)
	mean, std := stat.MeanStdDev(y, nil)
	if std < 1e-12 || math.IsNaN(std) {
		std = 1
	}
	z := make([]float64, n)
	for i, v := range y {
		z[i] = (v - mean) / std
	}

	gp := &gaussianProcess{x: x, lengthScale: lengthScale, best: floats.Min(z)}
	jitter := 1e-8
	for {
		k := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				k.SetSym(i, j, gp.kernel(x[i], x[j]))
			}
			k.SetSym(i, i, 1+jitter)
		}
		if gp.chol.Factorize(k) {
			break
		}
		jitter *= 100
		if jitter > 1e-2 {
			return nil, fmt.Errorf("kernel matrix of %d points is not positive definite", n)
		}
	}

	gp.alpha = mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(gp.alpha, mat.NewVecDense(n, z)); err != nil {
		return nil, err
	}
	return gp, nil
}

func (gp *gaussianProcess) kernel(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return math.Exp(-d * d / (2 * gp.lengthScale * gp.lengthScale))
}

// predict returns the standardized posterior mean and standard deviation.
func (gp *gaussianProcess) predict(u []float64) (float64, float64) {
	n := len(gp.x)
	ks := mat.NewVecDense(n, nil)
	for i, x := range gp.x {
		ks.SetVec(i, gp.kernel(u, x))
	}
	mu := mat.Dot(ks, gp.alpha)

	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, ks); err != nil {
		return mu, 0
	}
	variance := 1 - mat.Dot(ks, v)
	if variance < 1e-12 {
		variance = 1e-12
	}
	return mu, math.Sqrt(variance)
}

func (gp *gaussianProcess) expectedImprovement(u []float64) float64 {
	mu, sd := gp.predict(u)
	improvement := gp.best - mu
	z := improvement / sd
	return improvement*distuv.UnitNormal.CDF(z) + sd*distuv.UnitNormal.Prob(z)
}
