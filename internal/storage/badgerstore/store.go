// Package badgerstore implements checkpoint.Repository on BadgerDB.
//
// Every repository write is one badger transaction, so a job row and all of
// its action rows are created atomically and each checkpoint update is
// all-or-nothing across a crash.
//
// Key layout:
//
//	job/<id:020d>               job row (JSON, no actions)
//	act/<id:020d>/<index:06d>   action row (JSON)
//	meta/last_job_id            highest id ever created (8 bytes, big endian)
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

const maxConflictRetries = 5

var (
	jobPrefix    = []byte("job/")
	lastJobIDKey = []byte("meta/last_job_id")
)

// Config holds configuration for the BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection. 0 disables.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is the BadgerDB-backed repository.
type Store struct {
	db     *badger.DB
	stopGC chan struct{}
	gcDone chan struct{}
	log    *slog.Logger
}

var _ checkpoint.Repository = (*Store)(nil)

// Open opens the database and starts the value log GC loop if configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerstore: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("badgerstore: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}

	s := &Store{db: db, log: slog.With("component", "badgerstore")}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens an in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// ============================================================================
// keys
// ============================================================================

func jobKey(id types.JobID) []byte {
	return []byte(fmt.Sprintf("job/%020d", uint64(id)))
}

func actionsPrefix(id types.JobID) []byte {
	return []byte(fmt.Sprintf("act/%020d/", uint64(id)))
}

func actionKey(id types.JobID, index int) []byte {
	return []byte(fmt.Sprintf("act/%020d/%06d", uint64(id), index))
}

// ============================================================================
// Repository
// ============================================================================

// CreateJob implements checkpoint.Repository.
func (s *Store) CreateJob(_ context.Context, job *types.Job) error {
	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return checkpoint.ErrDuplicateJob
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, jobKey(job.ID), job.Header()); err != nil {
			return err
		}
		for _, a := range job.Actions {
			if err := setJSON(txn, actionKey(job.ID, a.Index), a); err != nil {
				return err
			}
		}
		last, err := readLastID(txn)
		if err != nil {
			return err
		}
		if job.ID > last {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(job.ID))
			return txn.Set(lastJobIDKey, buf)
		}
		return nil
	})
}

// SaveJob implements checkpoint.Repository.
func (s *Store) SaveJob(_ context.Context, job *types.Job) error {
	return s.update(func(txn *badger.Txn) error {
		if err := requireJob(txn, job.ID); err != nil {
			return err
		}
		return setJSON(txn, jobKey(job.ID), job.Header())
	})
}

// SaveAction implements checkpoint.Repository.
func (s *Store) SaveAction(_ context.Context, action *types.Action) error {
	return s.update(func(txn *badger.Txn) error {
		if err := requireJob(txn, action.JobID); err != nil {
			return err
		}
		return setJSON(txn, actionKey(action.JobID, action.Index), action)
	})
}

// LoadJob implements checkpoint.Repository.
func (s *Store) LoadJob(_ context.Context, id types.JobID) (*types.Job, error) {
	var job *types.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = loadJob(txn, id)
		if err != nil {
			return err
		}
		job.Actions, err = loadActions(txn, id)
		return err
	})
	return job, err
}

// LoadAction implements checkpoint.Repository.
func (s *Store) LoadAction(_ context.Context, id types.JobID, index int) (*types.Action, error) {
	var action types.Action
	err := s.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, actionKey(id, index), &action)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return checkpoint.ErrActionNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// LoadActions implements checkpoint.Repository.
func (s *Store) LoadActions(_ context.Context, id types.JobID) ([]*types.Action, error) {
	var actions []*types.Action
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		actions, err = loadActions(txn, id)
		return err
	})
	return actions, err
}

// ListUnfinished implements checkpoint.Repository.
func (s *Store) ListUnfinished(_ context.Context) ([]*types.Job, error) {
	var out []*types.Job
	err := s.db.View(func(txn *badger.Txn) error {
		jobs, err := scanJobs(txn, func(j *types.Job) bool { return !j.Status.IsTerminal() })
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.Actions, err = loadActions(txn, j.ID); err != nil {
				return err
			}
		}
		out = jobs
		return nil
	})
	return out, err
}

// ListFinished implements checkpoint.Repository.
func (s *Store) ListFinished(_ context.Context, before int64) ([]*types.Job, error) {
	var out []*types.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = scanJobs(txn, func(j *types.Job) bool {
			return j.Status.IsTerminal() && j.FinishedAt < before
		})
		return err
	})
	return out, err
}

// LastJobID implements checkpoint.Repository.
func (s *Store) LastJobID(_ context.Context) (types.JobID, error) {
	var last types.JobID
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		last, err = readLastID(txn)
		return err
	})
	return last, err
}

// DeleteJob implements checkpoint.Repository.
func (s *Store) DeleteJob(_ context.Context, id types.JobID) error {
	return s.update(func(txn *badger.Txn) error {
		if err := txn.Delete(jobKey(id)); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = actionsPrefix(id)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// update runs fn in a read-write transaction, retrying on optimistic
// conflicts with concurrent writers of the same job.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

// ============================================================================
// txn helpers
// ============================================================================

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, b)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func requireJob(txn *badger.Txn, id types.JobID) error {
	_, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.ErrJobNotFound
	}
	return err
}

func readLastID(txn *badger.Txn) (types.JobID, error) {
	item, err := txn.Get(lastJobIDKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var last types.JobID
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupted %s", lastJobIDKey)
		}
		last = types.JobID(binary.BigEndian.Uint64(val))
		return nil
	})
	return last, err
}

func loadJob(txn *badger.Txn, id types.JobID) (*types.Job, error) {
	var job types.Job
	err := getJSON(txn, jobKey(id), &job)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func loadActions(txn *badger.Txn, id types.JobID) ([]*types.Action, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = actionsPrefix(id)
	it := txn.NewIterator(opts)
	defer it.Close()

	actions := []*types.Action{}
	for it.Rewind(); it.Valid(); it.Next() {
		var a types.Action
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &a)
		}); err != nil {
			return nil, err
		}
		actions = append(actions, &a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Index < actions[j].Index })
	return actions, nil
}

func scanJobs(txn *badger.Txn, keep func(*types.Job) bool) ([]*types.Job, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = jobPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []*types.Job
	for it.Rewind(); it.Valid(); it.Next() {
		var j types.Job
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &j)
		}); err != nil {
			return nil, err
		}
		if keep(&j) {
			out = append(out, &j)
		}
	}
	// zero-padded keys iterate in id order
	return out, nil
}
