package objective

import (
	"fmt"
	"path/filepath"
)

// ScalarConfig describes one simulated variable compared against a target.
type ScalarConfig struct {
	Name       string
	OutputFile string
	Output     TableOptions
	TargetFile string
	Target     TableOptions
	Loss       string
}

// Scalar scores one output variable against its observed target series.
// The target is loaded once and shared read-only between evaluations.
type Scalar struct {
	name       string
	outputFile string
	output     TableOptions
	target     Series
	loss       LossFunc
}

// NewScalar loads the target series and resolves the loss function.
func NewScalar(cfg ScalarConfig) (*Scalar, error) {
	if cfg.OutputFile == "" {
		return nil, fmt.Errorf("objective %s: output file is required", cfg.Name)
	}
	if cfg.Output.ValueColumn == "" {
		return nil, fmt.Errorf("objective %s: variable is required", cfg.Name)
	}
	loss, err := LookupLoss(cfg.Loss)
	if err != nil {
		return nil, fmt.Errorf("objective %s: %w", cfg.Name, err)
	}

	targetOpts := cfg.Target
	if targetOpts.ValueColumn == "" {
		targetOpts.ValueColumn = cfg.Output.ValueColumn
	}
	target, err := ReadSeries(cfg.TargetFile, targetOpts)
	if err != nil {
		return nil, fmt.Errorf("objective %s: failed to load target: %w", cfg.Name, err)
	}

	return NewScalarSeries(cfg.Name, cfg.OutputFile, cfg.Output, target, loss), nil
}

// NewScalarSeries builds a scalar objective from an in-memory target.
func NewScalarSeries(name, outputFile string, output TableOptions, target Series, loss LossFunc) *Scalar {
	return &Scalar{
		name:       name,
		outputFile: outputFile,
		output:     output,
		target:     target,
		loss:       loss,
	}
}

// Name returns the objective name.
func (s *Scalar) Name() string { return s.name }

// Score reads the simulated series from dir and returns its loss.
func (s *Scalar) Score(dir string) (float64, error) {
	actual, err := ReadSeries(filepath.Join(dir, s.outputFile), s.output)
	if err != nil {
		return 0, err
	}
	sim, obs, err := Align(actual, s.target)
	if err != nil {
		return 0, fmt.Errorf("objective %s: %w", s.name, err)
	}
	return s.loss(sim, obs), nil
}
