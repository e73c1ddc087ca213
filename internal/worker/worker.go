// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One goroutine that owns at most one job at a time
//
// How it works:
//   1. Block on source.Next() until a runnable task is handed out
//   2. Run it through the Handler (checkpoints, retries, compensation)
//   3. Acknowledge the result back to the source
//   4. Repeat until the source closes or the pool context is cancelled
//
// Shutdown:
//   Cancelling the pool context does not abort an action in flight. The
//   handler observes the cancellation between actions and returns an
//   Interrupted result, leaving the job non-terminal for recovery.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id      int
	source  JobSource
	handler Handler
	busy    *atomic.Int32 // shared with the pool
	log     *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, source JobSource, handler Handler, busy *atomic.Int32) *Worker {
	return &Worker{
		id:      id,
		source:  source,
		handler: handler,
		busy:    busy,
		log:     slog.With("component", "worker", "worker_id", id),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.source.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrSourceClosed) && ctx.Err() == nil {
				w.log.Error("job source failed", "error", err)
			}
			return
		}
		task.WorkerID = w.id

		w.busy.Add(1)
		result := w.execute(ctx, task)
		w.busy.Add(-1)

		// 回報不受關機影響，否則鎖與等待者無法被釋放
		w.source.Acknowledge(context.WithoutCancel(ctx), result)
	}
}

// execute runs the handler and converts a panic into an interrupted result.
// The job stays non-terminal and keeps its locks until an operator looks at it.
func (w *Worker) execute(ctx context.Context, task Task) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("handler panic", "job_id", task.JobID, "panic", r)
			result = Result{
				JobID:       task.JobID,
				Interrupted: true,
				Error:       fmt.Errorf("worker %d: handler panic: %v", w.id, r),
				Duration:    time.Since(start),
			}
		}
	}()

	result = w.handler.Execute(ctx, task)
	result.JobID = task.JobID
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	return result
}
