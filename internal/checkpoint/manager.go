package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Manager stamps and persists the per-action checkpoints the executor and
// compensation engine write. It owns no state besides the repository.
type Manager struct {
	repo Repository
	now  func() time.Time
	log  *slog.Logger
}

// NewManager wraps a repository.
func NewManager(repo Repository) *Manager {
	return &Manager{
		repo: repo,
		now:  time.Now,
		log:  slog.With("component", "checkpoint"),
	}
}

// Repository returns the wrapped repository.
func (m *Manager) Repository() Repository {
	return m.repo
}

// Begin durably records {job, index, RUNNING} before the action executes.
func (m *Manager) Begin(ctx context.Context, action *types.Action) error {
	action.Status = types.ActionRunning
	action.Attempts++
	action.Error = ""
	if action.StartedAt == 0 {
		action.StartedAt = m.now().UnixMilli()
	}
	if err := m.repo.SaveAction(ctx, action); err != nil {
		return fmt.Errorf("checkpoint begin job=%d action=%d: %w", action.JobID, action.Index, err)
	}
	m.log.Debug("action begin", "job_id", action.JobID, "index", action.Index, "name", action.Name, "attempt", action.Attempts)
	return nil
}

// Complete records the final COMPLETE status, snapshot and completion order in one write.
func (m *Manager) Complete(ctx context.Context, action *types.Action, snapshot map[string]string, seq int) error {
	action.Status = types.ActionComplete
	action.Snapshot = snapshot
	action.Error = ""
	action.CompletedSeq = seq
	action.FinishedAt = m.now().UnixMilli()
	if err := m.repo.SaveAction(ctx, action); err != nil {
		return fmt.Errorf("checkpoint complete job=%d action=%d: %w", action.JobID, action.Index, err)
	}
	return nil
}

// Fail records the final FAILED status and error in one write.
func (m *Manager) Fail(ctx context.Context, action *types.Action, cause error) error {
	action.Status = types.ActionFailed
	if cause != nil {
		action.Error = cause.Error()
	}
	action.FinishedAt = m.now().UnixMilli()
	if err := m.repo.SaveAction(ctx, action); err != nil {
		return fmt.Errorf("checkpoint fail job=%d action=%d: %w", action.JobID, action.Index, err)
	}
	return nil
}

// Reset puts an interrupted action back to PENDING. Used by the undo-interrupted
// recovery policy after its compensator ran.
func (m *Manager) Reset(ctx context.Context, action *types.Action) error {
	action.Status = types.ActionPending
	action.Error = ""
	action.StartedAt = 0
	action.FinishedAt = 0
	action.Compensation = types.CompensationNone
	action.CompensationError = ""
	return m.repo.SaveAction(ctx, action)
}

// Compensated records the outcome of an action's compensator.
func (m *Manager) Compensated(ctx context.Context, action *types.Action, status types.CompensationStatus, cause error) error {
	action.Compensation = status
	action.CompensationError = ""
	if cause != nil {
		action.CompensationError = cause.Error()
	}
	if err := m.repo.SaveAction(ctx, action); err != nil {
		return fmt.Errorf("checkpoint compensation job=%d action=%d: %w", action.JobID, action.Index, err)
	}
	return nil
}

// SaveJob stamps UpdatedAt (and FinishedAt for terminal statuses) and writes the job row.
func (m *Manager) SaveJob(ctx context.Context, job *types.Job) error {
	now := m.now().UnixMilli()
	job.UpdatedAt = now
	if job.Status.IsTerminal() && job.FinishedAt == 0 {
		job.FinishedAt = now
	}
	if job.Status == types.JobRunning && job.StartedAt == 0 {
		job.StartedAt = now
	}
	if err := m.repo.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("checkpoint job=%d status=%s: %w", job.ID, job.Status, err)
	}
	return nil
}

// NextCompletedSeq returns the completion order number for the next action to complete.
func NextCompletedSeq(job *types.Job) int {
	max := 0
	for _, a := range job.Actions {
		if a.CompletedSeq > max {
			max = a.CompletedSeq
		}
	}
	return max + 1
}
