package store

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/cwbudde/simcalib/internal/opt"
)

// Run states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunConfig identifies what a run searches. A checkpoint can only be resumed
// by a configuration with the same optimizer and parameters.
type RunConfig struct {
	Name       string   `json:"name"`
	ConfigPath string   `json:"configPath"`
	Optimizer  string   `json:"optimizer"`
	Parameters []string `json:"parameters"`
	Workers    int      `json:"workers"`
}

// RunInfo is the metadata of a run, stored as run.json.
type RunInfo struct {
	RunID     string    `json:"runId"`
	Config    RunConfig `json:"config"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Progress at the last update. BestObjective is nil until a finite
	// objective is known.
	Step          int      `json:"step"`
	Evaluations   int      `json:"evaluations"`
	BestObjective *float64 `json:"bestObjective,omitempty"`
}

// NewRunInfo creates metadata for a run that starts now.
func NewRunInfo(runID string, config RunConfig) *RunInfo {
	now := time.Now()
	return &RunInfo{
		RunID:     runID,
		Config:    config,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Update records progress.
func (r *RunInfo) Update(p opt.Progress) {
	r.Step = p.Step
	r.Evaluations = p.Evaluations
	if !math.IsNaN(p.BestObjective) && !math.IsInf(p.BestObjective, 0) {
		best := p.BestObjective
		r.BestObjective = &best
	}
	r.UpdatedAt = time.Now()
}

// Finish records the final state.
func (r *RunInfo) Finish(status string, err error) {
	r.Status = status
	if err != nil {
		r.Error = err.Error()
	}
	r.UpdatedAt = time.Now()
}

// Checkpoint is the resumable state of a sequential search.
//
// Only the coordinate-descent search checkpoints. Its state is complete:
// fixed parameters, remaining candidates, the current assignment and its
// objective. A resumed search continues with the next step and produces the
// same result as an uninterrupted one.
//
// The population-based optimizers keep state inside third-party libraries
// that cannot be serialised. They are restarted instead.
type Checkpoint struct {
	// RunID is the unique identifier of the run
	RunID string `json:"runId"`

	// State is the search state after the last completed step
	State opt.State `json:"state"`

	// Timestamp records when this checkpoint was created
	Timestamp time.Time `json:"timestamp"`

	// Config is checked against the resuming configuration
	Config RunConfig `json:"config"`
}

// NewCheckpoint creates a checkpoint from search state.
func NewCheckpoint(runID string, state opt.State, config RunConfig) *Checkpoint {
	return &Checkpoint{
		RunID:     runID,
		State:     state,
		Timestamp: time.Now(),
		Config:    config,
	}
}

// Validate checks if the checkpoint has valid data.
// Returns an error if any required field is missing or invalid.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.Optimizer == "" {
		return &ValidationError{Field: "Config.Optimizer", Reason: "cannot be empty"}
	}
	if len(c.Config.Parameters) == 0 {
		return &ValidationError{Field: "Config.Parameters", Reason: "cannot be empty"}
	}
	s := c.State
	if s.Step < 0 {
		return &ValidationError{Field: "State.Step", Reason: "cannot be negative"}
	}
	if s.Evaluations < 1 {
		return &ValidationError{Field: "State.Evaluations", Reason: "must include the baseline"}
	}
	if len(s.Current) != len(c.Config.Parameters) {
		return &ValidationError{
			Field:  "State.Current",
			Reason: fmt.Sprintf("has %d values for %d parameters", len(s.Current), len(c.Config.Parameters)),
		}
	}
	for _, name := range c.Config.Parameters {
		if _, ok := s.Current[name]; !ok {
			return &ValidationError{Field: "State.Current", Reason: "is missing parameter " + name}
		}
	}
	for _, name := range s.Fixed {
		if _, ok := s.Floating[name]; ok {
			return &ValidationError{Field: "State.Fixed", Reason: name + " is also floating"}
		}
	}
	if len(s.Fixed)+len(s.Floating) != len(c.Config.Parameters) {
		return &ValidationError{Field: "State", Reason: "fixed and floating do not cover the parameters"}
	}
	return nil
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// IsCompatible checks if this checkpoint can be resumed with the given config.
// Returns an error if the configs are incompatible.
func (c *Checkpoint) IsCompatible(config RunConfig) error {
	if c.Config.Optimizer != config.Optimizer {
		return &CompatibilityError{
			Field:    "Optimizer",
			Expected: c.Config.Optimizer,
			Actual:   config.Optimizer,
		}
	}
	if !slices.Equal(c.Config.Parameters, config.Parameters) {
		return &CompatibilityError{
			Field:    "Parameters",
			Expected: strings.Join(c.Config.Parameters, ","),
			Actual:   strings.Join(config.Parameters, ","),
		}
	}
	return nil
}

// ErrIncompatible matches any CompatibilityError via errors.Is.
var ErrIncompatible = &CompatibilityError{}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}

func (e *CompatibilityError) Is(target error) bool {
	_, ok := target.(*CompatibilityError)
	return ok
}
