package runlog

import (
	"log/slog"
	"math"

	"github.com/cwbudde/simcalib/internal/opt"
	"github.com/cwbudde/simcalib/internal/store"
)

// Multi fans every call out to each recorder in order.
type Multi []opt.Recorder

func (m Multi) RecordEvaluation(e opt.Evaluation) {
	for _, r := range m {
		r.RecordEvaluation(e)
	}
}

func (m Multi) RecordProgress(p opt.Progress) {
	for _, r := range m {
		r.RecordProgress(p)
	}
}

// TraceLog appends progress to a run's trace.jsonl.
type TraceLog struct {
	writer *store.TraceWriter
	logger *slog.Logger
}

// NewTraceLog wraps an open trace writer. The caller closes the writer.
func NewTraceLog(writer *store.TraceWriter, logger *slog.Logger) *TraceLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &TraceLog{writer: writer, logger: logger}
}

func (t *TraceLog) RecordEvaluation(opt.Evaluation) {}

// RecordProgress writes and flushes one trace entry. Progress without a
// finite best objective is not traced.
func (t *TraceLog) RecordProgress(p opt.Progress) {
	if math.IsNaN(p.BestObjective) || math.IsInf(p.BestObjective, 0) {
		return
	}
	if err := t.writer.Write(store.NewTraceEntry(p)); err != nil {
		t.logger.Warn("Failed to write trace entry", "step", p.Step, "error", err)
		return
	}
	if err := t.writer.Flush(); err != nil {
		t.logger.Warn("Failed to flush trace", "error", err)
	}
}

// ProgressFunc adapts a function to a recorder that only sees progress.
type ProgressFunc func(opt.Progress)

func (f ProgressFunc) RecordEvaluation(opt.Evaluation) {}
func (f ProgressFunc) RecordProgress(p opt.Progress)   { f(p) }

// LogProgress reports progress on the info channel and failed evaluations
// on the warning channel.
type LogProgress struct {
	Logger *slog.Logger
}

func (l LogProgress) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogProgress) RecordEvaluation(e opt.Evaluation) {
	if math.IsNaN(e.Objective) {
		l.logger().Warn("Evaluation failed", "step", e.Step, "values", e.Values)
	}
}

func (l LogProgress) RecordProgress(p opt.Progress) {
	l.logger().Info("Optimization progress",
		"step", p.Step,
		"evaluations", p.Evaluations,
		"best_objective", p.BestObjective,
		"failures", p.Failures,
	)
}
