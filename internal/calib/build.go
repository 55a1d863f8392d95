// Package calib wires a configuration into a calibration run: problem,
// optimizer, recorders and the run store.
package calib

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/generate"
	"github.com/cwbudde/simcalib/internal/objective"
	"github.com/cwbudde/simcalib/internal/opt"
	"github.com/cwbudde/simcalib/internal/param"
	"github.com/cwbudde/simcalib/internal/runner"
	"github.com/cwbudde/simcalib/internal/sandbox"
)

// BuildProblem returns the problem described by cfg. For simulator configs
// the sandbox is returned as well; it is nil for analytic configs.
func BuildProblem(cfg *config.Config, params []param.Parameter, workDir string, debug bool, logger *slog.Logger) (opt.Problem, *sandbox.Problem, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Analytic != "" {
		analytic, err := objective.NewAnalytic(params, cfg.Analytic)
		if err != nil {
			return nil, nil, fmt.Errorf("analytic objective: %w", err)
		}
		return analytic, nil, nil
	}
	if cfg.Simulator == nil {
		return nil, nil, fmt.Errorf("config %s has neither simulator nor analytic objective", cfg.Name)
	}

	exec, err := buildRunner(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	gen, err := buildGenerator(cfg, params)
	if err != nil {
		return nil, nil, err
	}
	obj, err := buildObjective(cfg)
	if err != nil {
		return nil, nil, err
	}

	sb, err := sandbox.New(params, gen, exec, obj, sandbox.Options{
		BaseDir: workDir,
		Debug:   debug,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return sb, sb, nil
}

func buildRunner(cfg *config.Config, logger *slog.Logger) (*runner.Exec, error) {
	timeout, err := cfg.Simulator.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	binary := cfg.Simulator.Binary
	if strings.ContainsRune(binary, filepath.Separator) {
		binary = cfg.Path(binary)
	}
	exec := &runner.Exec{
		Binary:  binary,
		Args:    cfg.Simulator.Args,
		Env:     cfg.Simulator.Env,
		Timeout: timeout,
		Logger:  logger,
	}
	if err := exec.Validate(); err != nil {
		return nil, err
	}
	return exec, nil
}

// buildGenerator renders every template and copies the extra files. The
// first template is the simulator's input file. A placeholder that names no
// parameter is a config error.
func buildGenerator(cfg *config.Config, params []param.Parameter) (sandbox.Generator, error) {
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
	}
	var multi generate.Multi
	for _, in := range cfg.Inputs {
		tmpl, err := generate.NewTemplate(cfg.Path(in.Template), in.OutFile, in.CommentPrefix)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Template, err)
		}
		names, err := tmpl.Placeholders()
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Template, err)
		}
		for _, name := range names {
			if !known[name] {
				return nil, fmt.Errorf("input %s: placeholder {%s} is not a parameter", in.Template, name)
			}
		}
		multi = append(multi, tmpl)
	}
	if len(cfg.Files) > 0 {
		files := make(generate.Files, len(cfg.Files))
		for i, f := range cfg.Files {
			files[i] = cfg.Path(f)
		}
		multi = append(multi, files)
	}
	if len(multi) == 1 {
		return multi[0], nil
	}
	return multi, nil
}

func buildObjective(cfg *config.Config) (sandbox.Objective, error) {
	terms := make([]objective.Term, len(cfg.Objectives))
	for i, oc := range cfg.Objectives {
		var delim rune
		if oc.Delimiter != "" {
			delim, _ = utf8.DecodeRuneInString(oc.Delimiter)
		}
		scalar, err := objective.NewScalar(objective.ScalarConfig{
			Name:       oc.Name,
			OutputFile: oc.OutputFile,
			Output: objective.TableOptions{
				Delimiter:   delim,
				SkipRows:    oc.SkipRows,
				TimeColumn:  oc.TimeColumn,
				TimeColumns: oc.TimeColumns,
				ValueColumn: oc.Variable,
			},
			TargetFile: cfg.Path(oc.TargetFile),
			Target: objective.TableOptions{
				TimeColumn:  oc.TargetTimeColumn,
				ValueColumn: oc.TargetVariable,
			},
			Loss: oc.Loss,
		})
		if err != nil {
			return nil, err
		}
		terms[i] = objective.Term{Name: oc.Name, Objective: scalar, Weight: oc.Weight}
	}
	if len(terms) == 1 && cfg.Aggregate.Kind != objective.Expr {
		return terms[0].Objective, nil
	}
	return objective.NewAggregate(cfg.Aggregate.Kind, terms, cfg.Aggregate.Expression)
}

// OptimizerOptions are the run-level settings every optimizer receives.
type OptimizerOptions struct {
	Workers  int
	Logger   *slog.Logger
	Recorder opt.Recorder
	// Checkpoint is only used by the sequential search.
	Checkpoint func(opt.State) error
}

// BuildOptimizer constructs the optimizer selected by the config.
func BuildOptimizer(search config.Search, problem opt.Problem, o OptimizerOptions) (opt.Optimizer, error) {
	switch c := search.(type) {
	case *config.SequentialConfig:
		seq, err := opt.NewSequential(problem, opt.SequentialOptions{
			NumSamples: c.NumSamples,
			Workers:    o.Workers,
			Logger:     o.Logger,
			Recorder:   o.Recorder,
			Checkpoint: o.Checkpoint,
		})
		if err != nil {
			return nil, err
		}
		return seq, nil

	case *config.EvolutionStrategyConfig:
		es := opt.EvolutionStrategyOptions{
			MaxEvals:    c.MaxEvals,
			Population:  c.Population,
			Seed:        c.Seed,
			Sigma:       c.Sigma,
			MaxAttempts: c.MaxAttempts,
			Workers:     o.Workers,
			Logger:      o.Logger,
			Recorder:    o.Recorder,
		}
		if c.Method == config.KindMayfly {
			m, err := opt.NewMayfly(problem, es)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
		cma, err := opt.NewCMAES(problem, es)
		if err != nil {
			return nil, err
		}
		return cma, nil

	case *config.BayesianConfig:
		b, err := opt.NewBayesian(problem, opt.BayesianOptions{
			MaxEvals:      c.MaxEvals,
			BatchSize:     c.BatchSize,
			InitialPoints: c.InitialPoints,
			Candidates:    c.Candidates,
			LengthScale:   c.LengthScale,
			MaxAttempts:   c.MaxAttempts,
			Seed:          c.Seed,
			Convergence: opt.ConvergenceConfig{
				Enabled:   c.Patience > 0,
				Patience:  c.Patience,
				Threshold: c.Threshold,
			},
			Workers:  o.Workers,
			Logger:   o.Logger,
			Recorder: o.Recorder,
		})
		if err != nil {
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported optimizer %T", search)
	}
}

// Estimate returns the fewest and most evaluations a run of cfg can take,
// including the baseline. Budgeted optimizers report their budget for both.
func Estimate(cfg *config.Config) (fewest, most int, err error) {
	params, err := cfg.Params()
	if err != nil {
		return 0, 0, err
	}
	switch c := cfg.Search.(type) {
	case *config.SequentialConfig:
		n := c.NumSamples
		if n == 0 {
			n = param.DefaultSamples
		}
		candidates, err := param.DiscretizeAll(params, n)
		if err != nil {
			return 0, 0, err
		}
		counts := make([]int, len(candidates))
		for i, cand := range candidates {
			counts[i] = len(cand.Values)
		}
		fewest, most = opt.EvaluationBounds(counts)
		return fewest, most, nil
	case *config.EvolutionStrategyConfig:
		return budget(c.MaxEvals), budget(c.MaxEvals), nil
	case *config.BayesianConfig:
		return budget(c.MaxEvals), budget(c.MaxEvals), nil
	default:
		return 0, 0, fmt.Errorf("unsupported optimizer %T", cfg.Search)
	}
}

func budget(maxEvals int) int {
	if maxEvals <= 0 {
		maxEvals = opt.DefaultMaxEvals
	}
	return maxEvals + 1
}
