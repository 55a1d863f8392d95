// Package pool evaluates batches of independent items on a bounded set of
// workers and returns the results in input order.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Func computes one result. Implementations must not share mutable state
// across calls.
type Func[T any] func(ctx context.Context, item T) float64

// DefaultWorkers is the worker count used when none is configured.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// Stats summarises one Map call.
type Stats struct {
	Completed int64
	Panicked  int64
	Skipped   int64
}

type job[T any] struct {
	index int
	item  T
}

// Map applies fn to every item using at most workers goroutines.
//
// out[i] corresponds to items[i] regardless of completion order. A panic in fn
// yields NaN for that item only. Items not started before ctx is cancelled
// yield NaN.
func Map[T any](ctx context.Context, workers int, items []T, fn Func[T]) []float64 {
	out, _ := MapStats(ctx, workers, items, fn)
	return out
}

// MapStats is Map with counters for completed, panicked and skipped items.
func MapStats[T any](ctx context.Context, workers int, items []T, fn Func[T]) ([]float64, Stats) {
	out := make([]float64, len(items))
	if len(items) == 0 {
		return out, Stats{}
	}
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if workers > len(items) {
		workers = len(items)
	}

	var completed, panicked, skipped atomic.Int64
	jobs := make(chan job[T])

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i, item := range items {
			select {
			case jobs <- job[T]{index: i, item: item}:
			case <-gctx.Done():
				for j := i; j < len(items); j++ {
					out[j] = math.NaN()
					skipped.Inc()
				}
				return nil
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				if ctx.Err() != nil {
					out[j.index] = math.NaN()
					skipped.Inc()
					continue
				}
				v, ok := call(ctx, fn, j.item)
				if !ok {
					panicked.Inc()
				}
				out[j.index] = v
				completed.Inc()
			}
			return nil
		})
	}

	// Workers never return errors; Wait only joins them.
	_ = g.Wait()

	return out, Stats{
		Completed: completed.Load(),
		Panicked:  panicked.Load(),
		Skipped:   skipped.Load(),
	}
}

func call[T any](ctx context.Context, fn Func[T], item T) (v float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Evaluation panicked", "panic", fmt.Sprint(r))
			v, ok = math.NaN(), false
		}
	}()
	return fn(ctx, item), true
}
