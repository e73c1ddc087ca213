// Package pgstore implements checkpoint.Repository on PostgreSQL.
// Each repository write runs in a single SQL transaction.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Schema creates the tables the store uses. Provisioning is normally done by
// the operator; Migrate applies it for development and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS fabric_jobs (
	id          BIGINT PRIMARY KEY,
	procedure   TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  BIGINT NOT NULL,
	finished_at BIGINT NOT NULL DEFAULT 0,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fabric_jobs_status ON fabric_jobs (status);

CREATE TABLE IF NOT EXISTS fabric_actions (
	job_id     BIGINT NOT NULL REFERENCES fabric_jobs (id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	checkpoint JSONB NOT NULL,
	PRIMARY KEY (job_id, idx)
);

CREATE TABLE IF NOT EXISTS fabric_meta (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
`

var terminalStatuses = []string{
	string(types.JobComplete),
	string(types.JobFailed),
	string(types.JobCompensated),
	string(types.JobCompensationFailed),
}

// Store implements checkpoint.Repository with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ checkpoint.Repository = (*Store)(nil)

// New creates a store over an existing pool. The store does not own the pool
// unless it was created by Open.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and returns a store owning the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// querier is an interface satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateJob implements checkpoint.Repository.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job.Header())
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO fabric_jobs (id, procedure, status, created_at, finished_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, int64(job.ID), job.Procedure, string(job.Status), job.CreatedAt, job.FinishedAt, data)
	if err != nil {
		if isDuplicateKeyError(err) {
			return checkpoint.ErrDuplicateJob
		}
		return fmt.Errorf("insert job: %w", err)
	}

	batch := &pgx.Batch{}
	for _, a := range job.Actions {
		blob, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		batch.Queue(`
			INSERT INTO fabric_actions (job_id, idx, name, status, checkpoint)
			VALUES ($1, $2, $3, $4, $5)
		`, int64(job.ID), a.Index, a.Name, string(a.Status), blob)
	}
	batch.Queue(`
		INSERT INTO fabric_meta (key, value) VALUES ('last_job_id', $1)
		ON CONFLICT (key) DO UPDATE SET value = GREATEST(fabric_meta.value, EXCLUDED.value)
	`, int64(job.ID))

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert actions: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveJob implements checkpoint.Repository.
func (s *Store) SaveJob(ctx context.Context, job *types.Job) error {
	data, err := json.Marshal(job.Header())
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE fabric_jobs SET status = $2, finished_at = $3, data = $4 WHERE id = $1
	`, int64(job.ID), string(job.Status), job.FinishedAt, data)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrJobNotFound
	}
	return nil
}

// SaveAction implements checkpoint.Repository.
func (s *Store) SaveAction(ctx context.Context, action *types.Action) error {
	blob, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO fabric_actions (job_id, idx, name, status, checkpoint)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, idx) DO UPDATE
		SET name = EXCLUDED.name, status = EXCLUDED.status, checkpoint = EXCLUDED.checkpoint
	`, int64(action.JobID), action.Index, action.Name, string(action.Status), blob)
	if err != nil {
		if isForeignKeyError(err) {
			return types.ErrJobNotFound
		}
		return fmt.Errorf("upsert action: %w", err)
	}
	return nil
}

// LoadJob implements checkpoint.Repository.
func (s *Store) LoadJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM fabric_jobs WHERE id = $1`, int64(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.Actions, err = loadActions(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// LoadAction implements checkpoint.Repository.
func (s *Store) LoadAction(ctx context.Context, id types.JobID, index int) (*types.Action, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `
		SELECT checkpoint FROM fabric_actions WHERE job_id = $1 AND idx = $2
	`, int64(id), index).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load action: %w", err)
	}
	var a types.Action
	if err := json.Unmarshal(blob, &a); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return &a, nil
}

// LoadActions implements checkpoint.Repository.
func (s *Store) LoadActions(ctx context.Context, id types.JobID) ([]*types.Action, error) {
	return loadActions(ctx, s.pool, id)
}

func loadActions(ctx context.Context, q querier, id types.JobID) ([]*types.Action, error) {
	rows, err := q.Query(ctx, `
		SELECT checkpoint FROM fabric_actions WHERE job_id = $1 ORDER BY idx ASC
	`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	actions := []*types.Action{}
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		var a types.Action
		if err := json.Unmarshal(blob, &a); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// ListUnfinished implements checkpoint.Repository.
func (s *Store) ListUnfinished(ctx context.Context) ([]*types.Job, error) {
	jobs, err := s.queryJobs(ctx, `
		SELECT data FROM fabric_jobs WHERE NOT (status = ANY($1)) ORDER BY id ASC
	`, terminalStatuses)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Actions, err = loadActions(ctx, s.pool, j.ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// ListFinished implements checkpoint.Repository.
func (s *Store) ListFinished(ctx context.Context, before int64) ([]*types.Job, error) {
	return s.queryJobs(ctx, `
		SELECT data FROM fabric_jobs WHERE status = ANY($1) AND finished_at < $2 ORDER BY id ASC
	`, terminalStatuses, before)
}

func (s *Store) queryJobs(ctx context.Context, sql string, args ...any) ([]*types.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var j types.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// LastJobID implements checkpoint.Repository.
func (s *Store) LastJobID(ctx context.Context) (types.JobID, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT value FROM fabric_meta WHERE key = 'last_job_id'), 0)
	`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("get last job id: %w", err)
	}
	return types.JobID(last), nil
}

// DeleteJob implements checkpoint.Repository. Actions go with the job via ON DELETE CASCADE.
func (s *Store) DeleteJob(ctx context.Context, id types.JobID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM fabric_jobs WHERE id = $1`, int64(id)); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isDuplicateKeyError checks for unique_violation (23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyError checks for foreign_key_violation (23503).
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
