package config

import (
	"fmt"
)

// Optimizer kinds.
const (
	KindSequential = "sequential"
	KindCMA        = "cma"
	KindMayfly     = "mayfly"
	KindBayesian   = "bayesian"
)

// OptimizerConfig selects an optimizer by kind. Only the section matching
// Kind is read.
type OptimizerConfig struct {
	Kind       string                   `yaml:"kind" validate:"omitempty,oneof=sequential cma mayfly bayesian"`
	Sequential *SequentialConfig        `yaml:"sequential"`
	CMA        *EvolutionStrategyConfig `yaml:"cma"`
	Mayfly     *EvolutionStrategyConfig `yaml:"mayfly"`
	Bayesian   *BayesianConfig          `yaml:"bayesian"`
}

// Search is the resolved optimizer choice: one of *SequentialConfig,
// *EvolutionStrategyConfig or *BayesianConfig.
type Search interface {
	Kind() string
	search()
}

// SequentialConfig configures coordinate descent.
type SequentialConfig struct {
	NumSamples int `yaml:"num_samples" validate:"omitempty,gte=2"`
}

// EvolutionStrategyConfig configures CMA-ES or mayfly.
type EvolutionStrategyConfig struct {
	// Method is cma or mayfly, set from the optimizer kind.
	Method     string  `yaml:"-"`
	MaxEvals   int     `yaml:"max_evals" validate:"gte=0"`
	Population int     `yaml:"population" validate:"gte=0"`
	Seed       uint64  `yaml:"seed"`
	Sigma      float64 `yaml:"sigma" validate:"gte=0"`
	// MaxAttempts bounds evaluations of a generation without any finite value.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`
}

// BayesianConfig configures the batch Bayesian optimizer.
type BayesianConfig struct {
	MaxEvals      int     `yaml:"max_evals" validate:"gte=0"`
	BatchSize     int     `yaml:"batch_size" validate:"gte=0"`
	InitialPoints int     `yaml:"initial_points" validate:"gte=0"`
	Candidates    int     `yaml:"candidates" validate:"gte=0"`
	LengthScale   float64 `yaml:"length_scale" validate:"gte=0"`
	MaxAttempts   int     `yaml:"max_attempts" validate:"gte=0"`
	Seed          uint64  `yaml:"seed"`
	// Patience enables early stopping after this many batches without
	// relative improvement of at least Threshold. Zero disables it.
	Patience  int     `yaml:"patience" validate:"gte=0"`
	Threshold float64 `yaml:"threshold" validate:"gte=0"`
}

func (c *SequentialConfig) Kind() string        { return KindSequential }
func (c *EvolutionStrategyConfig) Kind() string { return c.Method }
func (c *BayesianConfig) Kind() string          { return KindBayesian }

func (*SequentialConfig) search()        {}
func (*EvolutionStrategyConfig) search() {}
func (*BayesianConfig) search()          {}

// Resolve returns the section selected by Kind, with defaults for a
// missing section.
func (o OptimizerConfig) Resolve() (Search, error) {
	switch o.Kind {
	case "", KindSequential:
		if o.Sequential == nil {
			return &SequentialConfig{}, nil
		}
		return o.Sequential, nil
	case KindCMA, KindMayfly:
		section := o.CMA
		if o.Kind == KindMayfly {
			section = o.Mayfly
		}
		es := EvolutionStrategyConfig{}
		if section != nil {
			es = *section
		}
		es.Method = o.Kind
		return &es, nil
	case KindBayesian:
		if o.Bayesian == nil {
			return &BayesianConfig{}, nil
		}
		return o.Bayesian, nil
	default:
		return nil, fmt.Errorf("unknown optimizer kind %q", o.Kind)
	}
}
