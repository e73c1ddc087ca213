package wal

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	return w, path
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := newTestWAL(t)
	defer w.Close()

	action := &types.Action{JobID: 1, Index: 0, Name: "stopOldMaster", Status: types.ActionRunning}
	_, err := w.Append(RecordCreateJob, 1, 0, CreateJobData{Job: &types.Job{ID: 1}, Actions: []*types.Action{action}})
	require.NoError(t, err)
	rec, err := w.Append(RecordAction, 1, 0, action)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)
	assert.NoError(t, VerifyChecksum(rec))

	var seen []RecordType
	require.NoError(t, w.Replay(func(r Record) error {
		seen = append(seen, r.Type)
		return nil
	}))
	assert.Equal(t, []RecordType{RecordCreateJob, RecordAction}, seen)
	assert.Equal(t, uint64(2), w.GetLastSeq())
}

func TestReopenContinuesSeq(t *testing.T) {
	w, path := newTestWAL(t)
	for i := 0; i < 3; i++ {
		_, err := w.Append(RecordJob, types.JobID(i+1), 0, map[string]int{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(3), reopened.GetLastSeq())

	rec, err := reopened.Append(RecordDeleteJob, 1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Seq)
}

func TestChecksumMismatchInMiddle(t *testing.T) {
	w, path := newTestWAL(t)
	for i := 0; i < 3; i++ {
		_, err := w.Append(RecordJob, types.JobID(i+1), 0, map[string]int{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	lines[1] = strings.Replace(lines[1], `"job_id":2`, `"job_id":9`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	err = ValidateWAL(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Line)
	assert.ErrorIs(t, ce.Cause, ErrChecksumMismatch)
	assert.ErrorIs(t, err, ErrChecksumMismatch, "cause stays reachable through the corruption error")
	var cs *ChecksumError
	require.ErrorAs(t, err, &cs)
	assert.Equal(t, uint64(2), cs.Seq)

	_, err = NewWAL(path, false)
	assert.ErrorIs(t, err, ErrCorruptedWAL, "a corrupted middle record must not be silently dropped")
}

func TestGarbledMiddleLineKeepsParseError(t *testing.T) {
	w, path := newTestWAL(t)
	for i := 0; i < 3; i++ {
		_, err := w.Append(RecordJob, types.JobID(i+1), 0, map[string]int{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	lines[1] = `{"seq":2,"type":`
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))

	err = ValidateWAL(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	var syn *json.SyntaxError
	assert.ErrorAs(t, err, &syn)

	_, err = NewWAL(path, false)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.ErrorAs(t, err, &syn)
}

func TestTornTailTruncated(t *testing.T) {
	w, path := newTestWAL(t)
	_, err := w.Append(RecordJob, 1, 0, map[string]string{"a": "b"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"JOB","job_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(1), reopened.GetLastSeq())

	_, err = reopened.Append(RecordJob, 2, 0, nil)
	require.NoError(t, err)
	assert.NoError(t, ValidateWAL(path))
	n, err := CountRecords(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRotateCompressesAndKeepsSeq(t *testing.T) {
	w, path := newTestWAL(t)
	defer w.Close()

	_, err := w.Append(RecordJob, 1, 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.Rotate())

	rec, err := w.Append(RecordJob, 2, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)

	segments, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	require.Len(t, segments, 1)

	last, err := GetLastRecord(segments[0])
	require.NoError(t, err)
	assert.Equal(t, types.JobID(1), last.JobID)

	count, err := CountRecords(path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDumpAndStats(t *testing.T) {
	w, path := newTestWAL(t)
	_, err := w.Append(RecordCreateJob, 1, 0, CreateJobData{Job: &types.Job{ID: 1}})
	require.NoError(t, err)
	_, err = w.Append(RecordAction, 1, 0, &types.Action{JobID: 1})
	require.NoError(t, err)
	_, err = w.Append(RecordAction, 2, 1, &types.Action{JobID: 2, Index: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "CREATE_JOB")

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Records)
	assert.Equal(t, 2, stats.ByType[RecordAction])
	assert.Equal(t, 2, stats.Jobs)
	assert.Equal(t, uint64(3), stats.LastSeq)
}

func TestGetLastRecordEmpty(t *testing.T) {
	w, path := newTestWAL(t)
	require.NoError(t, w.Close())
	_, err := GetLastRecord(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.Close())
	_, err := w.Append(RecordJob, 1, 0, nil)
	assert.ErrorIs(t, err, ErrWALClosed)
}
