package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/simcalib/internal/calib"
	"github.com/cwbudde/simcalib/internal/config"
	"github.com/cwbudde/simcalib/internal/opt"
)

// runJob executes a calibration job. The job ID doubles as the run ID, so
// the run directory under outDir carries the same name.
func runJob(ctx context.Context, jm *JobManager, outDir, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	// Stream clients get the final event before their channels close
	defer jm.broadcaster.CleanupJob(jobID)

	cfg, err := config.LoadConfig(job.Config.ConfigPath)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
		j.Name = cfg.Name
		j.Optimizer = cfg.Search.Kind()
	})
	if err != nil {
		return err
	}

	logger := slog.Default().With("job_id", jobID)
	logger.Info("Starting job", "config", job.Config.ConfigPath, "optimizer", cfg.Search.Kind())

	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	start := time.Now()
	outcome, err := calib.Run(ctx, cfg, calib.Options{
		ConfigPath:      job.Config.ConfigPath,
		OutDir:          outDir,
		Workers:         job.Config.Workers,
		Debug:           job.Config.Debug,
		RunID:           jobID,
		CheckpointEvery: job.Config.CheckpointEvery,
		Logger:          logger,
		Recorder:        &jobRecorder{jm: jm, jobID: jobID},
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		markJobCancelled(jm, jobID)
		return err
	}
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	result := outcome.Result
	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Result = result
		j.Step = result.Steps
		j.Evaluations = result.Evaluations
		j.BestObjective = objectivePtr(result.BestObjective)
		j.InitialObjective = objectivePtr(result.InitialObjective)
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	logger.Info("Job completed",
		"elapsed", time.Since(start),
		"initial_objective", result.InitialObjective,
		"best_objective", result.BestObjective,
		"evaluations", result.Evaluations,
	)

	broadcastJob(jm, jobID)
	return nil
}

// jobRecorder mirrors optimizer progress into the job and its stream.
type jobRecorder struct {
	jm    *JobManager
	jobID string
}

func (r *jobRecorder) RecordEvaluation(opt.Evaluation) {}

func (r *jobRecorder) RecordProgress(p opt.Progress) {
	err := r.jm.UpdateJob(r.jobID, func(j *Job) {
		j.Step = p.Step
		j.Evaluations = p.Evaluations
		j.Failures = p.Failures
		j.BestObjective = objectivePtr(p.BestObjective)
	})
	if err != nil {
		return
	}
	broadcastJob(r.jm, r.jobID)
}

func broadcastJob(jm *JobManager, jobID string) {
	if job, ok := jm.GetJob(jobID); ok {
		jm.broadcaster.Broadcast(jobEvent(job))
	}
}

// objectivePtr maps non-finite objectives to nil so they stay valid JSON.
func objectivePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
	broadcastJob(jm, jobID)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
	broadcastJob(jm, jobID)
}
