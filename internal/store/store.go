// Package store persists calibration runs on the filesystem.
package store

import "github.com/cwbudde/simcalib/internal/opt"

// Store defines the interface for run persistence operations.
// Implementations must be thread-safe and handle concurrent access gracefully.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if the run or the requested artifact doesn't exist
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveRun atomically writes run metadata, creating the run directory.
	SaveRun(info *RunInfo) error

	// LoadRun retrieves run metadata.
	LoadRun(runID string) (*RunInfo, error)

	// ListRuns returns metadata for all stored runs, oldest first.
	ListRuns() ([]RunInfo, error)

	// DeleteRun removes the run directory and every artifact in it.
	DeleteRun(runID string) error

	// SaveCheckpoint atomically saves the resumable search state of a run.
	// An existing checkpoint is overwritten.
	SaveCheckpoint(runID string, checkpoint *Checkpoint) error

	// LoadCheckpoint retrieves the checkpoint of a run.
	LoadCheckpoint(runID string) (*Checkpoint, error)

	// SaveResult atomically writes the final result of a run.
	SaveResult(runID string, result *opt.Result) error

	// LoadResult retrieves the final result of a run.
	LoadResult(runID string) (*opt.Result, error)

	// LoadTrace returns the progress history of a run, one entry per step.
	LoadTrace(runID string) ([]TraceEntry, error)

	// RunDir returns the directory holding the artifacts of a run.
	RunDir(runID string) string
}

// ErrNotFound is returned when a requested run or artifact does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run or artifact.
type NotFoundError struct {
	RunID    string
	Artifact string
}

func (e *NotFoundError) Error() string {
	what := "run"
	if e.Artifact != "" {
		what = e.Artifact
	}
	if e.RunID != "" {
		return what + " not found: " + e.RunID
	}
	return what + " not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
