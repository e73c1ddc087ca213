// Package memstore provides an in-memory checkpoint.Repository.
// It is used by tests and as the table index behind the file backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Store is a thread-safe in-memory implementation of checkpoint.Repository.
// All values are deep-copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*types.Job      // job rows, Actions always nil
	actions map[types.JobID][]*types.Action // action rows ordered by index
	lastID  types.JobID
	closed  bool
}

var _ checkpoint.Repository = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[types.JobID]*types.Job),
		actions: make(map[types.JobID][]*types.Action),
	}
}

// Restore builds a store from snapshot tables.
func Restore(data types.SnapshotData) *Store {
	s := New()
	s.lastID = data.LastJobID
	for id, job := range data.Jobs {
		s.jobs[id] = job.Header()
		if id > s.lastID {
			s.lastID = id
		}
	}
	for id, actions := range data.Actions {
		if _, ok := s.jobs[id]; !ok {
			continue
		}
		s.actions[id] = cloneActions(actions)
		sortActions(s.actions[id])
	}
	return s
}

// Snapshot copies the tables into snapshot form.
func (s *Store) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := types.SnapshotData{
		Jobs:      make(map[types.JobID]*types.Job, len(s.jobs)),
		Actions:   make(map[types.JobID][]*types.Action, len(s.actions)),
		LastJobID: s.lastID,
	}
	for id, job := range s.jobs {
		data.Jobs[id] = job.Clone()
	}
	for id, actions := range s.actions {
		data.Actions[id] = cloneActions(actions)
	}
	return data
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Exists reports whether the job row exists.
func (s *Store) Exists(id types.JobID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[id]
	return ok
}

// CreateJob implements checkpoint.Repository.
func (s *Store) CreateJob(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrClosed
	}
	if _, exists := s.jobs[job.ID]; exists {
		return checkpoint.ErrDuplicateJob
	}
	s.jobs[job.ID] = job.Header()
	actions := cloneActions(job.Actions)
	sortActions(actions)
	s.actions[job.ID] = actions
	if job.ID > s.lastID {
		s.lastID = job.ID
	}
	return nil
}

// SaveJob implements checkpoint.Repository.
func (s *Store) SaveJob(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrClosed
	}
	if _, exists := s.jobs[job.ID]; !exists {
		return types.ErrJobNotFound
	}
	s.jobs[job.ID] = job.Header()
	return nil
}

// LoadJob implements checkpoint.Repository.
func (s *Store) LoadJob(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrClosed
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, types.ErrJobNotFound
	}
	out := job.Clone()
	out.Actions = cloneActions(s.actions[id])
	return out, nil
}

// SaveAction implements checkpoint.Repository.
func (s *Store) SaveAction(_ context.Context, action *types.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrClosed
	}
	if _, exists := s.jobs[action.JobID]; !exists {
		return types.ErrJobNotFound
	}
	actions := s.actions[action.JobID]
	for i, a := range actions {
		if a.Index == action.Index {
			actions[i] = action.Clone()
			return nil
		}
	}
	actions = append(actions, action.Clone())
	sortActions(actions)
	s.actions[action.JobID] = actions
	return nil
}

// LoadAction implements checkpoint.Repository.
func (s *Store) LoadAction(_ context.Context, id types.JobID, index int) (*types.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrClosed
	}
	for _, a := range s.actions[id] {
		if a.Index == index {
			return a.Clone(), nil
		}
	}
	return nil, checkpoint.ErrActionNotFound
}

// LoadActions implements checkpoint.Repository.
func (s *Store) LoadActions(_ context.Context, id types.JobID) ([]*types.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrClosed
	}
	return cloneActions(s.actions[id]), nil
}

// ListUnfinished implements checkpoint.Repository.
func (s *Store) ListUnfinished(_ context.Context) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrClosed
	}
	var out []*types.Job
	for id, job := range s.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		cp := job.Clone()
		cp.Actions = cloneActions(s.actions[id])
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListFinished implements checkpoint.Repository.
func (s *Store) ListFinished(_ context.Context, before int64) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, checkpoint.ErrClosed
	}
	var out []*types.Job
	for _, job := range s.jobs {
		if job.Status.IsTerminal() && job.FinishedAt < before {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LastJobID implements checkpoint.Repository.
func (s *Store) LastJobID(_ context.Context) (types.JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastID, nil
}

// DeleteJob implements checkpoint.Repository.
func (s *Store) DeleteJob(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return checkpoint.ErrClosed
	}
	delete(s.jobs, id)
	delete(s.actions, id)
	return nil
}

// Close implements checkpoint.Repository.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneActions(in []*types.Action) []*types.Action {
	if in == nil {
		return []*types.Action{}
	}
	out := make([]*types.Action, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

func sortActions(actions []*types.Action) {
	sort.Slice(actions, func(i, j int) bool { return actions[i].Index < actions[j].Index })
}
