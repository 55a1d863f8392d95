// Package sandbox runs one simulator evaluation in an isolated working
// directory and reduces it to a scalar objective value.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/cwbudde/simcalib/internal/param"
	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// Generator writes the simulator input files for one parameter assignment
// into dir. The first returned path is handed to the Runner.
type Generator interface {
	Generate(dir string, params map[string]float64) ([]string, error)
}

// Runner executes the simulator on inputFile with dir as its output
// directory. A non-nil error means the run failed.
type Runner interface {
	Run(ctx context.Context, inputFile, dir string) error
}

// Objective scores the outputs found in dir. Lower is better.
type Objective interface {
	Score(dir string) (float64, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(dir string, params map[string]float64) ([]string, error)

func (f GeneratorFunc) Generate(dir string, params map[string]float64) ([]string, error) {
	return f(dir, params)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inputFile, dir string) error

func (f RunnerFunc) Run(ctx context.Context, inputFile, dir string) error {
	return f(ctx, inputFile, dir)
}

// ObjectiveFunc adapts a function to Objective.
type ObjectiveFunc func(dir string) (float64, error)

func (f ObjectiveFunc) Score(dir string) (float64, error) {
	return f(dir)
}

// Options configure where evaluation directories live.
type Options struct {
	// BaseDir is the parent of every evaluation directory. Empty means the
	// system temp directory.
	BaseDir string
	// Debug keeps evaluation directories and names them sequentially.
	Debug  bool
	Logger *slog.Logger
}

// Problem couples a parameter list with the generate, run and score steps.
// It holds no per-evaluation state, so Evaluate is safe for concurrent use.
type Problem struct {
	params    []param.Parameter
	generator Generator
	runner    Runner
	objective Objective
	baseDir   string
	debug     bool
	seq       *atomic.Int64
	logger    *slog.Logger
}

// New validates the parameters and returns a Problem.
func New(params []param.Parameter, generator Generator, runner Runner, objective Objective, opts Options) (*Problem, error) {
	if err := param.Validate(params); err != nil {
		return nil, err
	}
	if generator == nil || runner == nil || objective == nil {
		return nil, errors.New("sandbox: generator, runner and objective are required")
	}
	baseDir := opts.BaseDir
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox base directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Problem{
		params:    append([]param.Parameter(nil), params...),
		generator: generator,
		runner:    runner,
		objective: objective,
		baseDir:   baseDir,
		debug:     opts.Debug,
		seq:       atomic.NewInt64(0),
		logger:    logger,
	}, nil
}

// Parameters returns the declared parameters in order.
func (p *Problem) Parameters() []param.Parameter {
	return p.params
}

// Evaluate scores one assignment. Any failure is reported as NaN.
func (p *Problem) Evaluate(ctx context.Context, values []float64) float64 {
	if len(values) != len(p.params) {
		p.logger.Error("Parameter vector length mismatch", "expected", len(p.params), "got", len(values))
		return math.NaN()
	}

	dir, release, err := p.acquire()
	if err != nil {
		p.logger.Error("Failed to create evaluation directory", "error", err)
		return math.NaN()
	}
	defer release()

	return p.EvaluateIn(ctx, dir, values)
}

// EvaluateIn runs generate, run and score inside an existing directory that
// the caller owns.
func (p *Problem) EvaluateIn(ctx context.Context, dir string, values []float64) float64 {
	named := param.Named(p.params, values)
	if p.debug {
		if err := writeParams(dir, named); err != nil {
			p.logger.Warn("Failed to write debug parameters", "dir", dir, "error", err)
		}
	}

	files, err := p.Generate(dir, values)
	if err != nil {
		p.logger.Warn("Input generation failed", "dir", dir, "error", err)
		return math.NaN()
	}

	if err := p.runner.Run(ctx, files[0], dir); err != nil {
		p.logger.Warn("Simulation failed", "dir", dir, "error", err)
		return math.NaN()
	}

	score, err := p.objective.Score(dir)
	if err != nil {
		p.logger.Warn("Objective failed", "dir", dir, "error", err)
		return math.NaN()
	}
	if math.IsNaN(score) {
		p.logger.Warn("Objective returned NaN", "dir", dir)
	}
	return score
}

// Generate writes the input files for values into dir without running.
func (p *Problem) Generate(dir string, values []float64) ([]string, error) {
	if len(values) != len(p.params) {
		return nil, fmt.Errorf("expected %d values, got %d", len(p.params), len(values))
	}
	files, err := p.generator.Generate(dir, param.Named(p.params, values))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("generator produced no input files")
	}
	return files, nil
}

// acquire creates a fresh evaluation directory. The release function removes
// it unless the problem runs in debug mode.
func (p *Problem) acquire() (string, func(), error) {
	if p.debug {
		for {
			n := p.seq.Inc()
			dir := filepath.Join(p.baseDir, fmt.Sprintf("%06d", n))
			err := os.Mkdir(dir, 0755)
			if err == nil {
				p.logger.Debug("Keeping evaluation directory", "dir", dir)
				return dir, func() {}, nil
			}
			if !errors.Is(err, os.ErrExist) {
				return "", nil, err
			}
		}
	}

	dir := filepath.Join(p.baseDir, "eval-"+xid.New().String())
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", nil, err
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("Failed to remove evaluation directory", "dir", dir, "error", err)
		}
	}, nil
}

func writeParams(dir string, named map[string]float64) error {
	data, err := json.MarshalIndent(named, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "params.json"), data, 0644)
}
