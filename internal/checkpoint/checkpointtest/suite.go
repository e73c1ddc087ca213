// Package checkpointtest holds the behavioural test suite every
// checkpoint.Repository implementation must pass.
package checkpointtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Factory returns a fresh, empty repository. The suite closes it.
type Factory func(t *testing.T) checkpoint.Repository

// NewJob builds a job with n pending actions.
func NewJob(id types.JobID, n int) *types.Job {
	job := &types.Job{
		ID:        id,
		Procedure: "failover",
		Args:      map[string]string{"group": "g1"},
		Status:    types.JobEnqueued,
		Resources: []types.ResourceID{types.GroupResource("g1")},
		Exclusive: true,
		CreatedAt: time.Now().UnixMilli(),
	}
	for i := 0; i < n; i++ {
		job.Actions = append(job.Actions, &types.Action{
			JobID:       id,
			Index:       i,
			Name:        fmt.Sprintf("step%d", i),
			Params:      map[string]string{"i": fmt.Sprint(i)},
			Compensator: "undo",
			Status:      types.ActionPending,
		})
	}
	return job
}

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, factory) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, factory) })
	t.Run("SaveJobAndAction", func(t *testing.T) { testSaveJobAndAction(t, factory) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory) })
	t.Run("ListUnfinished", func(t *testing.T) { testListUnfinished(t, factory) })
	t.Run("ListFinished", func(t *testing.T) { testListFinished(t, factory) })
	t.Run("DeleteJob", func(t *testing.T) { testDeleteJob(t, factory) })
	t.Run("LastJobID", func(t *testing.T) { testLastJobID(t, factory) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, factory) })
}

func open(t *testing.T, factory Factory) checkpoint.Repository {
	t.Helper()
	repo := factory(t)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testCreateAndLoad(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	job := NewJob(1, 3)
	require.NoError(t, repo.CreateJob(ctx, job))

	loaded, err := repo.LoadJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "failover", loaded.Procedure)
	assert.Equal(t, types.JobEnqueued, loaded.Status)
	assert.Equal(t, []types.ResourceID{"group:g1"}, loaded.Resources)
	assert.True(t, loaded.Exclusive)
	assert.Equal(t, "g1", loaded.Group())
	require.Len(t, loaded.Actions, 3)
	for i, a := range loaded.Actions {
		assert.Equal(t, i, a.Index)
		assert.Equal(t, types.ActionPending, a.Status)
		assert.Equal(t, "undo", a.Compensator)
	}
}

func testDuplicateCreate(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	require.NoError(t, repo.CreateJob(ctx, NewJob(7, 1)))
	err := repo.CreateJob(ctx, NewJob(7, 2))
	assert.ErrorIs(t, err, checkpoint.ErrDuplicateJob)

	loaded, err := repo.LoadJob(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, loaded.Actions, 1, "failed create must not touch the existing job")
}

func testSaveJobAndAction(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	job := NewJob(2, 2)
	require.NoError(t, repo.CreateJob(ctx, job))

	a := job.Actions[0].Clone()
	a.Status = types.ActionComplete
	a.Attempts = 2
	a.CompletedSeq = 1
	a.Snapshot = map[string]string{"candidate": "s2"}
	require.NoError(t, repo.SaveAction(ctx, a))

	header := job.Header()
	header.Status = types.JobRunning
	header.StartedAt = 42
	require.NoError(t, repo.SaveJob(ctx, header))

	loadedAction, err := repo.LoadAction(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ActionComplete, loadedAction.Status)
	assert.Equal(t, 2, loadedAction.Attempts)
	assert.Equal(t, "s2", loadedAction.Snapshot["candidate"])

	loaded, err := repo.LoadJob(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, loaded.Status)
	assert.Equal(t, int64(42), loaded.StartedAt)
	require.Len(t, loaded.Actions, 2, "SaveJob must not drop action rows")
	assert.Equal(t, types.ActionComplete, loaded.Actions[0].Status)
	assert.Equal(t, types.ActionPending, loaded.Actions[1].Status)

	actions, err := repo.LoadActions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, actions, 2)
}

func testNotFound(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	_, err := repo.LoadJob(ctx, 99)
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	err = repo.SaveJob(ctx, NewJob(99, 0))
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	err = repo.SaveAction(ctx, &types.Action{JobID: 99, Index: 0, Status: types.ActionRunning})
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	require.NoError(t, repo.CreateJob(ctx, NewJob(3, 1)))
	_, err = repo.LoadAction(ctx, 3, 5)
	assert.ErrorIs(t, err, checkpoint.ErrActionNotFound)
}

func testListUnfinished(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	statuses := []types.JobStatus{
		types.JobRunning, types.JobComplete, types.JobWaitingLocks,
		types.JobCompensationFailed, types.JobCompensating,
	}
	for i, s := range statuses {
		job := NewJob(types.JobID(i+1), 2)
		job.Status = s
		require.NoError(t, repo.CreateJob(ctx, job))
	}

	jobs, err := repo.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, types.JobID(1), jobs[0].ID)
	assert.Equal(t, types.JobID(3), jobs[1].ID)
	assert.Equal(t, types.JobID(5), jobs[2].ID)
	assert.Len(t, jobs[0].Actions, 2)
}

func testListFinished(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	old := NewJob(1, 1)
	old.Status = types.JobComplete
	old.FinishedAt = 1000
	recent := NewJob(2, 1)
	recent.Status = types.JobCompensated
	recent.FinishedAt = 5000
	running := NewJob(3, 1)
	running.Status = types.JobRunning
	for _, j := range []*types.Job{old, recent, running} {
		require.NoError(t, repo.CreateJob(ctx, j))
	}

	jobs, err := repo.ListFinished(ctx, 2000)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobID(1), jobs[0].ID)

	jobs, err = repo.ListFinished(ctx, 10000)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func testDeleteJob(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	require.NoError(t, repo.CreateJob(ctx, NewJob(4, 3)))
	require.NoError(t, repo.DeleteJob(ctx, 4))

	_, err := repo.LoadJob(ctx, 4)
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	actions, err := repo.LoadActions(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, actions)

	assert.NoError(t, repo.DeleteJob(ctx, 4), "deleting twice is not an error")
}

func testLastJobID(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	id, err := repo.LastJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(0), id)

	require.NoError(t, repo.CreateJob(ctx, NewJob(3, 1)))
	require.NoError(t, repo.CreateJob(ctx, NewJob(10, 1)))
	require.NoError(t, repo.CreateJob(ctx, NewJob(5, 1)))

	id, err = repo.LastJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(10), id)

	// ids are never reused even after a purge
	require.NoError(t, repo.DeleteJob(ctx, 10))
	id, err = repo.LastJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(10), id)
}

func testConcurrentWrites(t *testing.T, factory Factory) {
	repo := open(t, factory)
	ctx := context.Background()

	const jobs = 8
	for i := 1; i <= jobs; i++ {
		require.NoError(t, repo.CreateJob(ctx, NewJob(types.JobID(i), 4)))
	}

	var wg sync.WaitGroup
	for i := 1; i <= jobs; i++ {
		wg.Add(1)
		go func(id types.JobID) {
			defer wg.Done()
			for idx := 0; idx < 4; idx++ {
				a := &types.Action{JobID: id, Index: idx, Name: fmt.Sprintf("step%d", idx), Status: types.ActionComplete, CompletedSeq: idx + 1}
				assert.NoError(t, repo.SaveAction(ctx, a))
			}
		}(types.JobID(i))
	}
	wg.Wait()

	for i := 1; i <= jobs; i++ {
		actions, err := repo.LoadActions(ctx, types.JobID(i))
		require.NoError(t, err)
		require.Len(t, actions, 4)
		for _, a := range actions {
			assert.Equal(t, types.ActionComplete, a.Status)
		}
	}
}
