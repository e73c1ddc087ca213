package compensation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/memstore"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

type undoLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *undoLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func setup(t *testing.T) (*Engine, checkpoint.Repository, *undoLog) {
	t.Helper()
	reg := procedure.NewRegistry()
	log := &undoLog{}
	require.NoError(t, reg.RegisterAction(procedure.Kind{Name: "undo", Do: func(ctx context.Context, ac *procedure.Context) (map[string]string, error) {
		log.add(ac.Snapshot["step"] + "|prior=" + ac.Prior["step"])
		return nil, nil
	}}))
	require.NoError(t, reg.RegisterAction(procedure.Kind{Name: "undoFails", Do: func(ctx context.Context, ac *procedure.Context) (map[string]string, error) {
		log.add("fail:" + ac.Snapshot["step"])
		return nil, errors.New("cannot undo")
	}}))
	require.NoError(t, reg.RegisterAction(procedure.Kind{Name: "undoPanics", Do: func(ctx context.Context, ac *procedure.Context) (map[string]string, error) {
		panic("bug")
	}}))

	repo := memstore.New()
	t.Cleanup(func() { _ = repo.Close() })
	return New(checkpoint.NewManager(repo), reg, farm.NewSimulator()), repo, log
}

// newJob builds a job whose first `done` actions completed in index order
func newJob(t *testing.T, repo checkpoint.Repository, compensators []string, done int) *types.Job {
	t.Helper()
	job := &types.Job{ID: 1, Procedure: "p", Status: types.JobCompensating}
	for i, c := range compensators {
		a := &types.Action{JobID: 1, Index: i, Name: "step", Compensator: c, Status: types.ActionPending}
		if i < done {
			a.Status = types.ActionComplete
			a.CompletedSeq = i + 1
			a.Snapshot = map[string]string{"step": string(rune('A' + i))}
		} else if i == done {
			a.Status = types.ActionFailed
		}
		job.Actions = append(job.Actions, a)
	}
	require.NoError(t, repo.CreateJob(context.Background(), job))
	return job
}

func TestReverseOrderOnlyCompletedActions(t *testing.T) {
	e, repo, log := setup(t)
	job := newJob(t, repo, []string{"undo", "undo", "undo", "undo"}, 3)

	res, err := e.Run(context.Background(), job)
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, []int{2, 1, 0}, res.Compensated)
	assert.Equal(t, []string{"C|prior=B", "B|prior=A", "A|prior="}, log.calls)

	stored, err := repo.LoadActions(context.Background(), 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Equal(t, types.CompensationDone, stored[i].Compensation)
	}
	assert.Equal(t, types.CompensationNone, stored[3].Compensation, "failed action is not compensated")
}

func TestMissingCompensatorIsSkipped(t *testing.T) {
	e, repo, log := setup(t)
	job := newJob(t, repo, []string{"undo", "", "undo"}, 2)

	res, err := e.Run(context.Background(), job)
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, []int{1}, res.Skipped)
	assert.Equal(t, []int{0}, res.Compensated)
	assert.Len(t, log.calls, 1)

	a, _ := repo.LoadAction(context.Background(), 1, 1)
	assert.Equal(t, types.CompensationSkipped, a.Compensation)
}

// TestBestEffortContinuesAfterFailure 某個回滾失敗時繼續執行其餘回滾
func TestBestEffortContinuesAfterFailure(t *testing.T) {
	e, repo, log := setup(t)
	job := newJob(t, repo, []string{"undo", "undoFails", "undoPanics", "undo"}, 3)

	res, err := e.Run(context.Background(), job)
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, types.ErrCompensationFailure)
	assert.ErrorContains(t, res.Err, "cannot undo")
	assert.ErrorContains(t, res.Err, "panic")
	assert.Equal(t, []int{2, 1}, res.Failed)
	assert.Equal(t, []int{0}, res.Compensated)
	assert.Equal(t, []string{"fail:B", "A|prior="}, log.calls)

	a, _ := repo.LoadAction(context.Background(), 1, 1)
	assert.Equal(t, types.CompensationFailed, a.Compensation)
	assert.Equal(t, "cannot undo", a.CompensationError)
}

// TestResumeSkipsAlreadyCompensated 崩潰後重新執行時不重複回滾
func TestResumeSkipsAlreadyCompensated(t *testing.T) {
	e, repo, log := setup(t)
	job := newJob(t, repo, []string{"undo", "undo", "undo"}, 3)
	job.Actions[2].Compensation = types.CompensationDone

	res, err := e.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 0}, res.Compensated)
	assert.Equal(t, []string{"B|prior=A", "A|prior="}, log.calls)
}

func TestPreviouslyFailedCompensationNotRetried(t *testing.T) {
	e, repo, log := setup(t)
	job := newJob(t, repo, []string{"undo", "undo"}, 2)
	job.Actions[1].Compensation = types.CompensationFailed
	job.Actions[1].CompensationError = "timeout"

	res, err := e.Run(context.Background(), job)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, types.ErrCompensationFailure)
	assert.Equal(t, []int{1}, res.Failed)
	assert.Equal(t, []string{"A|prior="}, log.calls)
}

func TestCancelledContextInterrupts(t *testing.T) {
	e, repo, log := setup(t)
	job := newJob(t, repo, []string{"undo", "undo"}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Run(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, log.calls)
}

func TestNothingToCompensate(t *testing.T) {
	e, repo, _ := setup(t)
	job := newJob(t, repo, []string{"undo"}, 0)

	res, err := e.Run(context.Background(), job)
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Compensated)
}

func TestUndoSingleAction(t *testing.T) {
	e, repo, log := setup(t)
	job := newJob(t, repo, []string{"undo", "undo"}, 1)
	job.Actions[1].Status = types.ActionRunning
	job.Actions[1].Snapshot = map[string]string{"step": "B"}

	require.NoError(t, e.Undo(context.Background(), job, job.Actions[1]))
	assert.Equal(t, []string{"B|prior=A"}, log.calls)
}
