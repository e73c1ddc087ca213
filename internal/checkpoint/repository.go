// Package checkpoint defines the durable job/action record contract the
// engine depends on, and a small manager that stamps and writes checkpoints.
package checkpoint

import (
	"context"
	"errors"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Common errors returned by Repository implementations.
var (
	// ErrDuplicateJob indicates CreateJob was called with an id that already exists.
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrActionNotFound indicates no action row exists for (job, index).
	ErrActionNotFound = errors.New("action not found")

	// ErrClosed indicates the repository has been closed.
	ErrClosed = errors.New("repository closed")
)

// Repository is the persistence capability of the engine.
// Implementations must be safe for concurrent use. Every write is atomic:
// after a crash an observer sees either the previous or the new record.
type Repository interface {
	// CreateJob writes the job row and all of its action rows in one atomic write.
	// Returns ErrDuplicateJob if a job with the same id exists.
	CreateJob(ctx context.Context, job *types.Job) error

	// SaveJob overwrites the job row. Actions are ignored.
	// Returns types.ErrJobNotFound if the job does not exist.
	SaveJob(ctx context.Context, job *types.Job) error

	// LoadJob returns the job with its actions ordered by index.
	// Returns types.ErrJobNotFound if the job does not exist.
	LoadJob(ctx context.Context, id types.JobID) (*types.Job, error)

	// SaveAction overwrites one action row.
	// Returns types.ErrJobNotFound if the owning job does not exist.
	SaveAction(ctx context.Context, action *types.Action) error

	// LoadAction returns one action row.
	// Returns ErrActionNotFound if the row does not exist.
	LoadAction(ctx context.Context, id types.JobID, index int) (*types.Action, error)

	// LoadActions returns all action rows of a job ordered by index.
	LoadActions(ctx context.Context, id types.JobID) ([]*types.Action, error)

	// ListUnfinished returns every job not in a terminal status, with actions,
	// ordered by id.
	ListUnfinished(ctx context.Context) ([]*types.Job, error)

	// ListFinished returns terminal job rows (without actions) whose
	// FinishedAt is before the given unix millisecond time, ordered by id.
	ListFinished(ctx context.Context, before int64) ([]*types.Job, error)

	// LastJobID returns the highest job id ever created, or 0.
	LastJobID(ctx context.Context) (types.JobID, error)

	// DeleteJob removes the job and its actions. Deleting a missing job is not an error.
	DeleteJob(ctx context.Context, id types.JobID) error

	// Close releases the underlying storage.
	Close() error
}
