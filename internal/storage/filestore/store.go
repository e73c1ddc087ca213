// Package filestore implements checkpoint.Repository on a local directory:
// an append-only checksummed WAL of checkpoint records plus a periodic JSON
// snapshot that compacts it.
package filestore

// ============================================================================
// 檔案後端
// 職責：
// 1. 每次寫入先追加 WAL 紀錄，再套用到記憶體表
// 2. 啟動時：載入快照 → 重放 seq > LastSeq 的 WAL 紀錄
// 3. 壓實：寫入快照（含 LastSeq）→ 旋轉 WAL
//
// 崩潰窗口：
// - 快照寫完但 WAL 尚未旋轉：重放時略過 seq <= LastSeq 的紀錄
// - WAL 尾行寫到一半：NewWAL 截斷殘缺尾行，該次寫入視為未發生
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/internal/snapshot"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/memstore"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/wal"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

const (
	walFile      = "checkpoint.wal"
	snapshotFile = "snapshot.json"
)

// Options 檔案後端設定
type Options struct {
	Dir          string // 資料目錄
	SyncWrites   bool   // 每筆紀錄 fsync
	CompactEvery int    // 每追加多少筆紀錄自動壓實，0 表示停用
}

// Store 檔案後端
type Store struct {
	mu           sync.Mutex
	tables       *memstore.Store
	wal          *wal.WAL
	snap         *snapshot.Manager
	appended     int
	compactEvery int
	log          *slog.Logger
}

var _ checkpoint.Repository = (*Store)(nil)

// WALPath 回傳資料目錄中的 WAL 檔案路徑
func WALPath(dir string) string {
	return filepath.Join(dir, walFile)
}

// Open 開啟或建立檔案後端並完成恢復
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("filestore: dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("filestore: create dir %s: %w", opts.Dir, err)
	}
	logger := slog.With("component", "filestore", "dir", opts.Dir)

	snap := snapshot.NewManager(filepath.Join(opts.Dir, snapshotFile))
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("filestore: load snapshot: %w", err)
	}

	w, err := wal.NewWAL(filepath.Join(opts.Dir, walFile), opts.SyncWrites)
	if err != nil {
		return nil, fmt.Errorf("filestore: open wal: %w", err)
	}

	tables := memstore.Restore(data)
	replayed := 0
	err = w.Replay(func(rec wal.Record) error {
		if rec.Seq <= data.LastSeq {
			return nil
		}
		replayed++
		return apply(tables, rec)
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("filestore: replay wal: %w", err)
	}
	w.AdvanceSeq(data.LastSeq)

	logger.Info("checkpoint store opened",
		"snapshot_jobs", len(data.Jobs),
		"snapshot_seq", data.LastSeq,
		"replayed", replayed,
		"jobs", tables.Len())

	return &Store{
		tables:       tables,
		wal:          w,
		snap:         snap,
		compactEvery: opts.CompactEvery,
		log:          logger,
	}, nil
}

// apply 將一筆 WAL 紀錄套用到記憶體表
func apply(tables *memstore.Store, rec wal.Record) error {
	ctx := context.Background()
	switch rec.Type {
	case wal.RecordCreateJob:
		var payload wal.CreateJobData
		if err := json.Unmarshal(rec.Data, &payload); err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		job := payload.Job
		job.Actions = payload.Actions
		return tables.CreateJob(ctx, job)
	case wal.RecordJob:
		var job types.Job
		if err := json.Unmarshal(rec.Data, &job); err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		return tables.SaveJob(ctx, &job)
	case wal.RecordAction:
		var action types.Action
		if err := json.Unmarshal(rec.Data, &action); err != nil {
			return fmt.Errorf("seq %d: %w", rec.Seq, err)
		}
		return tables.SaveAction(ctx, &action)
	case wal.RecordDeleteJob:
		return tables.DeleteJob(ctx, rec.JobID)
	default:
		return fmt.Errorf("seq %d: unknown record type %q", rec.Seq, rec.Type)
	}
}

// CreateJob implements checkpoint.Repository.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tables.Exists(job.ID) {
		return checkpoint.ErrDuplicateJob
	}
	payload := wal.CreateJobData{Job: job.Header(), Actions: job.Actions}
	if _, err := s.wal.Append(wal.RecordCreateJob, job.ID, 0, payload); err != nil {
		return err
	}
	if err := s.tables.CreateJob(ctx, job); err != nil {
		return err
	}
	return s.afterAppendLocked()
}

// SaveJob implements checkpoint.Repository.
func (s *Store) SaveJob(ctx context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tables.Exists(job.ID) {
		return types.ErrJobNotFound
	}
	if _, err := s.wal.Append(wal.RecordJob, job.ID, 0, job.Header()); err != nil {
		return err
	}
	if err := s.tables.SaveJob(ctx, job); err != nil {
		return err
	}
	return s.afterAppendLocked()
}

// SaveAction implements checkpoint.Repository.
func (s *Store) SaveAction(ctx context.Context, action *types.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tables.Exists(action.JobID) {
		return types.ErrJobNotFound
	}
	if _, err := s.wal.Append(wal.RecordAction, action.JobID, action.Index, action); err != nil {
		return err
	}
	if err := s.tables.SaveAction(ctx, action); err != nil {
		return err
	}
	return s.afterAppendLocked()
}

// DeleteJob implements checkpoint.Repository.
func (s *Store) DeleteJob(ctx context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.tables.Exists(id) {
		return nil
	}
	if _, err := s.wal.Append(wal.RecordDeleteJob, id, 0, nil); err != nil {
		return err
	}
	if err := s.tables.DeleteJob(ctx, id); err != nil {
		return err
	}
	return s.afterAppendLocked()
}

// LoadJob implements checkpoint.Repository.
func (s *Store) LoadJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return s.tables.LoadJob(ctx, id)
}

// LoadAction implements checkpoint.Repository.
func (s *Store) LoadAction(ctx context.Context, id types.JobID, index int) (*types.Action, error) {
	return s.tables.LoadAction(ctx, id, index)
}

// LoadActions implements checkpoint.Repository.
func (s *Store) LoadActions(ctx context.Context, id types.JobID) ([]*types.Action, error) {
	return s.tables.LoadActions(ctx, id)
}

// ListUnfinished implements checkpoint.Repository.
func (s *Store) ListUnfinished(ctx context.Context) ([]*types.Job, error) {
	return s.tables.ListUnfinished(ctx)
}

// ListFinished implements checkpoint.Repository.
func (s *Store) ListFinished(ctx context.Context, before int64) ([]*types.Job, error) {
	return s.tables.ListFinished(ctx, before)
}

// LastJobID implements checkpoint.Repository.
func (s *Store) LastJobID(ctx context.Context) (types.JobID, error) {
	return s.tables.LastJobID(ctx)
}

// Compact 寫入快照並旋轉 WAL
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	data := s.tables.Snapshot()
	data.LastSeq = s.wal.GetLastSeq()
	if err := s.snap.Write(data); err != nil {
		return fmt.Errorf("filestore: write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("filestore: rotate wal: %w", err)
	}
	s.appended = 0
	s.log.Info("checkpoint store compacted", "jobs", len(data.Jobs), "seq", data.LastSeq)
	return nil
}

func (s *Store) afterAppendLocked() error {
	s.appended++
	if s.compactEvery > 0 && s.appended >= s.compactEvery {
		// 壓實失敗不影響已寫入的紀錄
		if err := s.compactLocked(); err != nil {
			s.log.Warn("auto compaction failed", "error", err)
		}
	}
	return nil
}

// WALStats 回傳目前 WAL 檔案的統計資訊
func (s *Store) WALStats() (*wal.WALStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wal.GetWALStats(s.wal.Path())
}

// Close implements checkpoint.Repository.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables.Close()
	return s.wal.Close()
}
