package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cwbudde/simcalib/internal/opt"
)

// Artifact file names inside a run directory.
const (
	RunFile        = "run.json"
	CheckpointFile = "checkpoint.json"
	ResultFile     = "result.json"
	TraceFile      = "trace.jsonl"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Runs are stored in a directory structure: <baseDir>/runs/<runID>/
//
// Thread-safety: This implementation uses atomic file operations (rename)
// and does not require locks. Multiple goroutines can safely call methods
// concurrently.
type FSStore struct {
	baseDir string // Root directory for all run data (e.g., "./out")
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string { return fs.baseDir }

// RunDir returns the directory path for a given run ID.
func (fs *FSStore) RunDir(runID string) string {
	return runDir(fs.baseDir, runID)
}

func runDir(baseDir, runID string) string {
	return filepath.Join(baseDir, "runs", runID)
}

// writeJSON writes v to <runDir>/<name> using the temp file + rename pattern.
func (fs *FSStore) writeJSON(runID, name string, v any) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	dir := fs.RunDir(runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", name, err)
	}

	finalPath := filepath.Join(dir, name)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file for %s: %w", name, err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}

	slog.Debug("Run artifact saved", "runID", runID, "path", finalPath)
	return nil
}

// readJSON reads <runDir>/<name> into v. A missing file is a NotFoundError.
func (fs *FSStore) readJSON(runID, name string, v any) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	path := filepath.Join(fs.RunDir(runID), name)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &NotFoundError{RunID: runID, Artifact: name}
	} else if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to deserialize %s: %w", name, err)
	}
	return nil
}

// SaveRun atomically writes run metadata.
func (fs *FSStore) SaveRun(info *RunInfo) error {
	if info == nil {
		return fmt.Errorf("run info cannot be nil")
	}
	return fs.writeJSON(info.RunID, RunFile, info)
}

// LoadRun retrieves run metadata.
func (fs *FSStore) LoadRun(runID string) (*RunInfo, error) {
	var info RunInfo
	if err := fs.readJSON(runID, RunFile, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListRuns returns metadata for all stored runs, oldest first.
func (fs *FSStore) ListRuns() ([]RunInfo, error) {
	runsDir := filepath.Join(fs.baseDir, "runs")

	entries, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		// No runs exist yet, return empty slice
		return []RunInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []RunInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := fs.LoadRun(entry.Name())
		if err != nil {
			slog.Warn("Skipping run directory", "runID", entry.Name(), "error", err)
			continue
		}
		infos = append(infos, *info)
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	slog.Debug("Listed runs", "count", len(infos))
	return infos, nil
}

// DeleteRun removes the run directory and all contents.
func (fs *FSStore) DeleteRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}

	dir := fs.RunDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{RunID: runID}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}

	slog.Debug("Run deleted", "runID", runID, "path", dir)
	return nil
}

// SaveCheckpoint atomically saves a checkpoint for the given run.
func (fs *FSStore) SaveCheckpoint(runID string, checkpoint *Checkpoint) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	return fs.writeJSON(runID, CheckpointFile, checkpoint)
}

// LoadCheckpoint retrieves the checkpoint for the given run.
func (fs *FSStore) LoadCheckpoint(runID string) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := fs.readJSON(runID, CheckpointFile, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// SaveResult atomically writes the final result of a run.
func (fs *FSStore) SaveResult(runID string, result *opt.Result) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	return fs.writeJSON(runID, ResultFile, result)
}

// LoadResult retrieves the final result of a run.
func (fs *FSStore) LoadResult(runID string) (*opt.Result, error) {
	var result opt.Result
	if err := fs.readJSON(runID, ResultFile, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LoadTrace reads every progress entry written for a run.
func (fs *FSStore) LoadTrace(runID string) ([]TraceEntry, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID cannot be empty")
	}
	reader, err := NewTraceReader(fs.baseDir, runID)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return reader.ReadAll()
}
