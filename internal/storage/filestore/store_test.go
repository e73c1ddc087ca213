package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint/checkpointtest"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/wal"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

func openStore(t *testing.T, dir string, compactEvery int) *Store {
	t.Helper()
	s, err := Open(Options{Dir: dir, SyncWrites: true, CompactEvery: compactEvery})
	require.NoError(t, err)
	return s
}

func TestRepositorySuite(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Repository {
		return openStore(t, t.TempDir(), 0)
	})
}

func TestRepositorySuiteWithCompaction(t *testing.T) {
	checkpointtest.Run(t, func(t *testing.T) checkpoint.Repository {
		return openStore(t, t.TempDir(), 3)
	})
}

// TestReopenReplaysWAL 崩潰後重開：WAL 重放還原任務列與 Action 列
func TestReopenReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir, 0)
	job := checkpointtest.NewJob(1, 3)
	require.NoError(t, s.CreateJob(ctx, job))

	a := job.Actions[0].Clone()
	a.Status = types.ActionComplete
	a.CompletedSeq = 1
	require.NoError(t, s.SaveAction(ctx, a))

	b := job.Actions[1].Clone()
	b.Status = types.ActionRunning
	require.NoError(t, s.SaveAction(ctx, b))

	header := job.Header()
	header.Status = types.JobRunning
	require.NoError(t, s.SaveJob(ctx, header))
	require.NoError(t, s.Close())

	reopened := openStore(t, dir, 0)
	defer reopened.Close()

	unfinished, err := reopened.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	got := unfinished[0]
	assert.Equal(t, types.JobRunning, got.Status)
	assert.Equal(t, types.ActionComplete, got.Actions[0].Status)
	assert.Equal(t, types.ActionRunning, got.Actions[1].Status)
	assert.Equal(t, types.ActionPending, got.Actions[2].Status)
	assert.Equal(t, 1, got.FirstIncomplete())
}

// TestCompactThenReopen 壓實後重開：快照 + 旋轉後的 WAL
func TestCompactThenReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir, 0)
	require.NoError(t, s.CreateJob(ctx, checkpointtest.NewJob(1, 1)))
	require.NoError(t, s.Compact())

	// 壓實後繼續寫入
	require.NoError(t, s.CreateJob(ctx, checkpointtest.NewJob(2, 2)))
	require.NoError(t, s.DeleteJob(ctx, 1))
	require.NoError(t, s.Close())

	matches, err := filepath.Glob(filepath.Join(dir, walFile+".*.gz"))
	require.NoError(t, err)
	assert.Len(t, matches, 1, "rotated segment is kept compressed")

	reopened := openStore(t, dir, 0)
	defer reopened.Close()

	_, err = reopened.LoadJob(ctx, 1)
	assert.ErrorIs(t, err, types.ErrJobNotFound)
	job, err := reopened.LoadJob(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, job.Actions, 2)

	last, err := reopened.LastJobID(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(2), last)

	// 序號延續快照
	require.NoError(t, reopened.CreateJob(ctx, checkpointtest.NewJob(3, 1)))
	stats, err := reopened.WALStats()
	require.NoError(t, err)
	assert.Greater(t, stats.FirstSeq, uint64(1))
	assert.NoError(t, wal.ValidateWAL(filepath.Join(dir, walFile)))
}

// TestTornTailIsDiscarded 寫到一半的最後一筆紀錄視為未發生
func TestTornTailIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir, 0)
	require.NoError(t, s.CreateJob(ctx, checkpointtest.NewJob(1, 2)))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, walFile), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"ACTION","job_id":1,"index":0,"data":{"status":"COMPL`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openStore(t, dir, 0)
	defer reopened.Close()

	a, err := reopened.LoadAction(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, types.ActionPending, a.Status)

	// 截斷後可以正常追加
	a.Status = types.ActionRunning
	require.NoError(t, reopened.SaveAction(ctx, a))
	n, err := wal.CountRecords(filepath.Join(dir, walFile))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// TestSnapshotWrittenButWALNotRotated 快照寫完但 WAL 尚未旋轉就崩潰
func TestSnapshotWrittenButWALNotRotated(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openStore(t, dir, 0)
	require.NoError(t, s.CreateJob(ctx, checkpointtest.NewJob(1, 1)))
	data := s.tables.Snapshot()
	data.LastSeq = s.wal.GetLastSeq()
	require.NoError(t, s.snap.Write(data))
	require.NoError(t, s.Close())

	// 重放時 CREATE_JOB 的 seq <= LastSeq，不會被重複套用
	reopened := openStore(t, dir, 0)
	defer reopened.Close()
	job, err := reopened.LoadJob(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, job.Actions, 1)
}
