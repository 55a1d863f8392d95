package calib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/opt"
	"github.com/cwbudde/simcalib/internal/param"
	"github.com/cwbudde/simcalib/internal/runlog"
	"github.com/cwbudde/simcalib/internal/store"
)

// Subdirectories of a run directory.
const (
	SetupDir    = "setup"
	EvaluateDir = "evaluate"
	DebugDir    = "debug"
)

// Options override config values for one run.
type Options struct {
	// ConfigPath is recorded in the run metadata.
	ConfigPath string
	// OutDir is the store root. Empty means the config's out_dir.
	OutDir string
	// Workers overrides the config when positive.
	Workers int
	// Debug keeps every evaluation directory.
	Debug bool
	// RunID names a new run. Empty means a fresh UUID.
	RunID string
	// CheckpointEvery saves the sequential state every N steps. Zero or
	// one checkpoints after every step.
	CheckpointEvery int
	Logger *slog.Logger
	// Recorder receives everything in addition to the run logs.
	Recorder opt.Recorder
}

// Outcome is a finished run.
type Outcome struct {
	RunID  string
	RunDir string
	Result *opt.Result
}

type session struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	store   *store.FSStore
	params  []param.Parameter
	workers int
	runID   string
	runDir  string

	mu   sync.Mutex
	info *store.RunInfo
}

func newSession(cfg *config.Config, opts Options) (*session, error) {
	if cfg.Search == nil {
		search, err := cfg.Optimizer.Resolve()
		if err != nil {
			return nil, err
		}
		cfg.Search = search
	}
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	outDir := opts.OutDir
	if outDir == "" {
		outDir = cfg.Path(cfg.OutDir)
	}
	st, err := store.NewFSStore(outDir)
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}

	return &session{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		store:   st,
		params:  params,
		workers: workers,
	}, nil
}

func (s *session) runConfig() store.RunConfig {
	return store.RunConfig{
		Name:       s.cfg.Name,
		ConfigPath: s.opts.ConfigPath,
		Optimizer:  s.cfg.Search.Kind(),
		Parameters: param.Names(s.params),
		Workers:    s.workers,
	}
}

func (s *session) debug() bool { return s.opts.Debug || s.cfg.Debug }

// workDir is where evaluation directories are created. Debug runs keep them
// inside the run directory.
func (s *session) workDir() string {
	if s.debug() {
		return filepath.Join(s.runDir, DebugDir)
	}
	return ""
}

// Run starts a new calibration run.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Outcome, error) {
	s, err := newSession(cfg, opts)
	if err != nil {
		return nil, err
	}
	s.runID = opts.RunID
	if s.runID == "" {
		s.runID = uuid.NewString()
	}
	s.runDir = s.store.RunDir(s.runID)
	if err := os.MkdirAll(s.runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	s.info = store.NewRunInfo(s.runID, s.runConfig())
	if err := s.store.SaveRun(s.info); err != nil {
		return nil, err
	}
	s.logger.Info("Starting calibration", "name", cfg.Name, "run_id", s.runID,
		"optimizer", cfg.Search.Kind(), "parameters", len(s.params), "workers", s.workers)

	result, err := s.execute(ctx, nil)
	return s.finish(result, err)
}

// Resume continues a checkpointed sequential run.
func Resume(ctx context.Context, cfg *config.Config, runID string, opts Options) (*Outcome, error) {
	s, err := newSession(cfg, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Search.Kind() != config.KindSequential {
		return nil, fmt.Errorf("only sequential runs can be resumed, config uses %s", cfg.Search.Kind())
	}

	checkpoint, err := s.store.LoadCheckpoint(runID)
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid checkpoint: %w", err)
	}
	if err := checkpoint.IsCompatible(s.runConfig()); err != nil {
		return nil, err
	}

	s.runID = runID
	s.runDir = s.store.RunDir(runID)
	s.info, err = s.store.LoadRun(runID)
	if errors.Is(err, store.ErrNotFound) {
		s.info = store.NewRunInfo(runID, s.runConfig())
	} else if err != nil {
		return nil, err
	}
	s.info.Status = store.StatusRunning
	s.info.Error = ""
	if err := s.store.SaveRun(s.info); err != nil {
		return nil, err
	}
	s.logger.Info("Resuming calibration", "name", cfg.Name, "run_id", runID,
		"step", checkpoint.State.Step, "evaluations", checkpoint.State.Evaluations)

	result, err := s.execute(ctx, &checkpoint.State)
	return s.finish(result, err)
}

// execute runs the optimizer with the run logs attached. A non-nil state
// resumes the sequential search from it.
func (s *session) execute(ctx context.Context, state *opt.State) (*opt.Result, error) {
	resume := state != nil
	problem, sb, err := BuildProblem(s.cfg, s.params, s.workDir(), s.debug(), s.logger)
	if err != nil {
		return nil, err
	}
	if sb != nil && !resume {
		setup := filepath.Join(s.runDir, SetupDir)
		if err := os.MkdirAll(setup, 0755); err != nil {
			return nil, fmt.Errorf("failed to create setup directory: %w", err)
		}
		if _, err := sb.Generate(setup, param.Initials(s.params)); err != nil {
			return nil, fmt.Errorf("failed to generate setup inputs: %w", err)
		}
	}

	csvLog, err := runlog.NewCSVLog(filepath.Join(s.runDir, runlog.ResultFile), param.Names(s.params), resume)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := csvLog.Close(); err != nil {
			s.logger.Warn("Failed to close result log", "error", err)
		}
	}()
	trace, err := store.NewTraceWriter(s.store.BaseDir(), s.runID, resume)
	if err != nil {
		return nil, err
	}
	defer trace.Close()

	recorder := runlog.Multi{
		csvLog,
		runlog.NewTraceLog(trace, s.logger),
		runlog.LogProgress{Logger: s.logger},
		runlog.ProgressFunc(s.progress),
	}
	if s.opts.Recorder != nil {
		recorder = append(recorder, s.opts.Recorder)
	}

	optimizer, err := BuildOptimizer(s.cfg.Search, problem, OptimizerOptions{
		Workers:    s.workers,
		Logger:     s.logger,
		Recorder:   recorder,
		Checkpoint: s.checkpoint,
	})
	if err != nil {
		return nil, err
	}

	var candidates []param.Candidates
	seq, isSequential := optimizer.(*opt.Sequential)
	if isSequential {
		candidates = seq.Candidates()
	}
	if err := runlog.WriteParameters(filepath.Join(s.runDir, runlog.ParametersFile), s.params, candidates); err != nil {
		s.logger.Warn("Failed to write parameter log", "error", err)
	}

	if resume {
		return seq.Resume(ctx, *state)
	}
	return optimizer.Optimize(ctx)
}

func (s *session) progress(p opt.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Update(p)
	if err := s.store.SaveRun(s.info); err != nil {
		s.logger.Warn("Failed to update run metadata", "run_id", s.runID, "error", err)
	}
}

func (s *session) checkpoint(state opt.State) error {
	final := state.Stopped != "" || len(state.Floating) == 0
	if every := s.opts.CheckpointEvery; every > 1 && state.Step%every != 0 && !final {
		return nil
	}
	cp := store.NewCheckpoint(s.runID, state, s.runConfig())
	if err := s.store.SaveCheckpoint(s.runID, cp); err != nil {
		return err
	}
	s.logger.Debug("Checkpoint saved", "run_id", s.runID, "step", state.Step)
	return nil
}

// finish records the outcome in run.json and result.json.
func (s *session) finish(result *opt.Result, runErr error) (*Outcome, error) {
	outcome := &Outcome{RunID: s.runID, RunDir: s.runDir, Result: result}

	status := store.StatusCompleted
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = store.StatusCancelled
	case runErr != nil:
		status = store.StatusFailed
	}

	s.mu.Lock()
	if result != nil {
		s.info.Update(opt.Progress{
			Step:          result.Steps,
			Evaluations:   result.Evaluations,
			BestObjective: result.BestObjective,
		})
	}
	s.info.Finish(status, runErr)
	saveErr := s.store.SaveRun(s.info)
	s.mu.Unlock()

	if runErr != nil {
		s.logger.Error("Calibration stopped", "run_id", s.runID, "status", status, "error", runErr)
		return outcome, runErr
	}
	if saveErr != nil {
		s.logger.Warn("Failed to save run metadata", "run_id", s.runID, "error", saveErr)
	}
	if err := s.store.SaveResult(s.runID, result); err != nil {
		return outcome, err
	}
	s.logger.Info("Calibration finished", "run_id", s.runID, "best_objective", result.BestObjective,
		"evaluations", result.Evaluations, "stop_reason", result.StopReason)
	return outcome, nil
}

// EvaluateBest runs the simulator once with the best parameters of a
// finished run. The evaluation directory is kept at <run>/evaluate.
func EvaluateBest(ctx context.Context, cfg *config.Config, runID string, opts Options) (float64, string, error) {
	s, err := newSession(cfg, opts)
	if err != nil {
		return 0, "", err
	}
	result, err := s.store.LoadResult(runID)
	if err != nil {
		return 0, "", err
	}
	best := result.Best()
	values := make([]float64, len(s.params))
	for i, p := range s.params {
		v, ok := best[p.Name]
		if !ok {
			return 0, "", fmt.Errorf("result of run %s has no value for parameter %s", runID, p.Name)
		}
		values[i] = v
	}

	dir := filepath.Join(s.store.RunDir(runID), EvaluateDir)
	if err := os.RemoveAll(dir); err != nil {
		return 0, "", fmt.Errorf("failed to clear evaluate directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, "", fmt.Errorf("failed to create evaluate directory: %w", err)
	}

	problem, sb, err := BuildProblem(cfg, s.params, "", false, s.logger)
	if err != nil {
		return 0, "", err
	}
	var v float64
	if sb != nil {
		v = sb.EvaluateIn(ctx, dir, values)
	} else {
		v = problem.Evaluate(ctx, values)
	}
	s.logger.Info("Evaluated best parameters", "run_id", runID, "objective", v, "dir", dir)
	return v, dir, nil
}
