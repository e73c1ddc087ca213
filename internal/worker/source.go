// ============================================================================
// Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Decouples the Pool from where runnable jobs come from and where
// results go. The scheduler owns the ready queue and implements JobSource;
// the executor runner implements Handler.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by JobSource.Next once the source will never
// produce another task. Workers exit when they see it.
var ErrSourceClosed = errors.New("job source closed")

// JobSource hands out runnable tasks and receives their results.
type JobSource interface {
	// Next blocks until a task is ready, the context is cancelled, or the
	// source is closed (ErrSourceClosed).
	Next(ctx context.Context) (Task, error)

	// Acknowledge reports the execution result of a task. Called exactly once
	// per task returned by Next.
	Acknowledge(ctx context.Context, result Result)
}

// Handler executes one task to completion (or interruption).
type Handler interface {
	Execute(ctx context.Context, task Task) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) Result

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, task Task) Result {
	return f(ctx, task)
}
