// Package config loads and validates calibration configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/simcalib/internal/param"
)

// Config is one calibration setup.
type Config struct {
	Name     string `yaml:"name" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	OutDir   string `yaml:"out_dir"`
	Workers  int    `yaml:"workers" validate:"gte=0"`
	Debug    bool   `yaml:"debug"`

	// Simulator runs an external binary per evaluation. Analytic replaces
	// the simulator by an expression over parameter names. Exactly one of
	// them is set.
	Simulator *SimulatorConfig `yaml:"simulator"`
	Analytic  string           `yaml:"analytic"`

	Inputs []InputConfig `yaml:"inputs" validate:"dive"`
	// Files are copied unchanged into every evaluation directory.
	Files []string `yaml:"files"`

	Parameters    []ParameterConfig `yaml:"parameters" validate:"dive"`
	ParameterFile string            `yaml:"parameter_file"`

	Objectives []ObjectiveConfig `yaml:"objectives" validate:"dive"`
	Aggregate  AggregateConfig   `yaml:"aggregate"`

	Optimizer OptimizerConfig `yaml:"optimizer"`

	// Search is the resolved optimizer variant.
	Search Search `yaml:"-"`

	// dir is the directory of the config file. Relative paths resolve
	// against it.
	dir string
}

// SimulatorConfig describes the external simulator.
type SimulatorConfig struct {
	Binary  string            `yaml:"binary" validate:"required"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Timeout string            `yaml:"timeout"`
}

// TimeoutDuration parses Timeout. Empty means no timeout.
func (s SimulatorConfig) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("simulator timeout: %w", err)
	}
	return d, nil
}

// InputConfig is one template rendered into every evaluation directory.
// The first input is the file handed to the simulator.
type InputConfig struct {
	Template      string `yaml:"template" validate:"required"`
	OutFile       string `yaml:"out_file"`
	CommentPrefix string `yaml:"comment_prefix"`
}

// ParameterConfig declares one parameter. It is also the format of a
// separate parameter file.
type ParameterConfig struct {
	Name         string    `yaml:"name" json:"name" validate:"required"`
	Type         string    `yaml:"type" json:"type" validate:"required,oneof=continuous categorical"`
	InitialValue *float64  `yaml:"initial_value" json:"initial_value"`
	ValidRange   []float64 `yaml:"valid_range" json:"valid_range" validate:"omitempty,len=2"`
	Values       []float64 `yaml:"values" json:"values"`
	InitialIndex int       `yaml:"initial_index" json:"initial_index" validate:"gte=0"`
}

// ObjectiveConfig compares one simulated variable with a target series.
type ObjectiveConfig struct {
	Name        string   `yaml:"name" validate:"required"`
	OutputFile  string   `yaml:"output_file" validate:"required"`
	Variable    string   `yaml:"variable" validate:"required"`
	TimeColumn  string   `yaml:"time_column"`
	TimeColumns []string `yaml:"time_columns"`
	SkipRows    int      `yaml:"skip_rows" validate:"gte=0"`
	Delimiter   string   `yaml:"delimiter" validate:"omitempty,len=1"`

	TargetFile       string `yaml:"target_file" validate:"required"`
	TargetVariable   string `yaml:"target_variable"`
	TargetTimeColumn string `yaml:"target_time_column"`

	Loss   string  `yaml:"loss" validate:"omitempty,oneof=mse mae ssd rmse"`
	Weight float64 `yaml:"weight" validate:"gte=0"`
}

// AggregateConfig combines several objectives.
type AggregateConfig struct {
	Kind       string `yaml:"kind" validate:"omitempty,oneof=sum mean weighted expression"`
	Expression string `yaml:"expression"`
}

// DefaultConfig returns a config with defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		OutDir:    "out",
		Workers:   runtime.NumCPU(),
		Aggregate: AggregateConfig{Kind: "sum"},
		Optimizer: OptimizerConfig{Kind: KindSequential},
	}
}

// LoadConfig reads, resolves and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return parse(data, filepath.Dir(abs))
}

// ParseConfigYAML parses config data. Relative paths resolve against the
// working directory.
func ParseConfigYAML(data []byte) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return parse(data, wd)
}

func parse(data []byte, dir string) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.dir = dir

	if cfg.ParameterFile != "" {
		params, err := loadParameterFile(cfg.Path(cfg.ParameterFile))
		if err != nil {
			return nil, err
		}
		cfg.Parameters = append(cfg.Parameters, params...)
	}

	cfg.applyEnvOverrides()
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	search, err := cfg.Optimizer.Resolve()
	if err != nil {
		return nil, err
	}
	cfg.Search = search
	return cfg, nil
}

// loadParameterFile reads a list of parameters from JSON or YAML. Both a
// bare list and a {parameters: [...]} document are accepted.
func loadParameterFile(path string) ([]ParameterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter file: %w", err)
	}
	var list []ParameterConfig
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc struct {
		Parameters []ParameterConfig `yaml:"parameters"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse parameter file: %w", err)
	}
	return doc.Parameters, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("SIMCALIB_OUT_DIR"); dir != "" {
		c.OutDir = dir
	}
	if level := os.Getenv("SIMCALIB_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if w := os.Getenv("SIMCALIB_WORKERS"); w != "" {
		if n, err := strconv.Atoi(w); err == nil && n > 0 {
			c.Workers = n
		}
	}
}

// Dir returns the directory relative paths resolve against.
func (c *Config) Dir() string { return c.dir }

// Path resolves p against the config directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Params converts the declared parameters.
func (c *Config) Params() ([]param.Parameter, error) {
	params := make([]param.Parameter, len(c.Parameters))
	for i, pc := range c.Parameters {
		p, err := pc.Parameter()
		if err != nil {
			return nil, err
		}
		params[i] = p
	}
	if err := param.Validate(params); err != nil {
		return nil, err
	}
	return params, nil
}

// Parameter converts one declaration.
func (pc ParameterConfig) Parameter() (param.Parameter, error) {
	switch param.Kind(pc.Type) {
	case param.Continuous:
		if pc.InitialValue == nil {
			return param.Parameter{}, &param.ValidationError{Parameter: pc.Name, Field: "initial_value", Reason: "is required"}
		}
		if len(pc.ValidRange) != 2 {
			return param.Parameter{}, &param.ValidationError{Parameter: pc.Name, Field: "valid_range", Reason: "needs two values"}
		}
		return param.NewContinuous(pc.Name, *pc.InitialValue, pc.ValidRange[0], pc.ValidRange[1]), nil
	case param.Categorical:
		return param.NewCategorical(pc.Name, pc.Values, pc.InitialIndex), nil
	default:
		return param.Parameter{}, &param.ValidationError{Parameter: pc.Name, Field: "type", Reason: fmt.Sprintf("unknown type %q", pc.Type)}
	}
}
