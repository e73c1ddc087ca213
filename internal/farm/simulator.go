package farm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Call is one recorded invocation on the simulator.
type Call struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
	Err  string   `json:"err,omitempty"`
}

type fault struct {
	err   error
	times int // <= 0 means always
}

type simGroup struct {
	master  string
	members []string
}

// Simulator is an in-memory farm. Every method records a Call; failures can
// be injected per operation and target.
type Simulator struct {
	mu      sync.Mutex
	groups  map[string]*simGroup
	servers map[string]*Server
	faults  map[string]*fault // key op + "/" + target
	calls   []Call
	latency time.Duration
	log     *slog.Logger
}

// NewSimulator returns an empty farm.
func NewSimulator() *Simulator {
	return &Simulator{
		groups:  make(map[string]*simGroup),
		servers: make(map[string]*Server),
		faults:  make(map[string]*fault),
		log:     slog.With("component", "farm-sim"),
	}
}

// AddGroup creates a group whose first server becomes the master; the rest
// replicate from it.
func (s *Simulator) AddGroup(group string, servers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := &simGroup{}
	s.groups[group] = g
	for i, id := range servers {
		srv := &Server{ID: id, Group: group, Status: StatusRunning, Alive: true, Applied: 100}
		if i == 0 {
			g.master = id
		} else {
			srv.ReadOnly = true
			srv.Source = servers[0]
			srv.Applied = int64(100 - i)
		}
		s.servers[id] = srv
		g.members = append(g.members, id)
	}
}

// SetApplied sets a server's replication position.
func (s *Simulator) SetApplied(server string, applied int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if srv, ok := s.servers[server]; ok {
		srv.Applied = applied
	}
}

// Kill marks a server as not alive without changing its recorded status.
func (s *Simulator) Kill(server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if srv, ok := s.servers[server]; ok {
		srv.Alive = false
	}
}

// SetLatency delays every operation.
func (s *Simulator) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailNext makes the next n calls of op on target return err (every call
// when n <= 0). An empty target matches every target.
func (s *Simulator) FailNext(op, target string, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op+"/"+target] = &fault{err: err, times: n}
}

// FailAlways makes every call of op on target return err.
func (s *Simulator) FailAlways(op, target string, err error) {
	s.FailNext(op, target, err, -1)
}

// ClearFaults removes every injected failure.
func (s *Simulator) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*fault)
}

// Calls returns a copy of the call log.
func (s *Simulator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount counts successful and failed calls of op whose first argument is target
// (any target when target is empty).
func (s *Simulator) CallCount(op, target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op && (target == "" || (len(c.Args) > 0 && c.Args[0] == target)) {
			n++
		}
	}
	return n
}

// Server returns a copy of one server.
func (s *Simulator) Server(id string) (Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return Server{}, false
	}
	return *srv, true
}

// ============================================================================
// ServerAccess
// ============================================================================

func (s *Simulator) Master(ctx context.Context, group string) (string, error) {
	var master string
	err := s.do(ctx, "Master", []string{group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		master = g.master
		return nil
	})
	return master, err
}

func (s *Simulator) Servers(ctx context.Context, group string) ([]Server, error) {
	var out []Server
	err := s.do(ctx, "Servers", []string{group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		for _, id := range g.members {
			out = append(out, *s.servers[id])
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return nil
	})
	return out, err
}

func (s *Simulator) FindCandidate(ctx context.Context, group string) (string, error) {
	var chosen string
	err := s.do(ctx, "FindCandidate", []string{group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		var best *Server
		for _, id := range g.members {
			srv := s.servers[id]
			if id == g.master || !srv.Alive || srv.Status != StatusRunning {
				continue
			}
			if g.master != "" && srv.Source != g.master {
				continue
			}
			if best == nil || srv.Applied > best.Applied {
				best = srv
			}
		}
		if best == nil {
			return fmt.Errorf("%w: %s", ErrNoCandidate, group)
		}
		chosen = best.ID
		return nil
	})
	return chosen, err
}

func (s *Simulator) CheckCandidate(ctx context.Context, group, server string) error {
	return s.do(ctx, "CheckCandidate", []string{server, group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		srv, err := s.memberLocked(g, server)
		if err != nil {
			return err
		}
		switch {
		case g.master == server:
			return fmt.Errorf("%w: %s is already master", ErrBadCandidate, server)
		case !srv.Alive:
			return fmt.Errorf("%w: %s is not alive", ErrBadCandidate, server)
		case srv.Status != StatusRunning && srv.Status != StatusSpare:
			return fmt.Errorf("%w: %s is %s", ErrBadCandidate, server, srv.Status)
		}
		return nil
	})
}

func (s *Simulator) StopServer(ctx context.Context, server string) error {
	return s.do(ctx, "StopServer", []string{server}, func() error {
		srv, err := s.serverLocked(server)
		if err != nil {
			return err
		}
		srv.Alive = false
		return nil
	})
}

func (s *Simulator) StartServer(ctx context.Context, server string) error {
	return s.do(ctx, "StartServer", []string{server}, func() error {
		srv, err := s.serverLocked(server)
		if err != nil {
			return err
		}
		srv.Alive = true
		return nil
	})
}

func (s *Simulator) BlockWrites(ctx context.Context, group string) (string, error) {
	var master string
	err := s.do(ctx, "BlockWrites", []string{group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		master = g.master
		if master == "" {
			return nil
		}
		s.servers[master].ReadOnly = true
		g.master = ""
		return nil
	})
	return master, err
}

func (s *Simulator) UnblockWrites(ctx context.Context, group, server string) error {
	return s.do(ctx, "UnblockWrites", []string{server, group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		srv, err := s.memberLocked(g, server)
		if err != nil {
			return err
		}
		srv.ReadOnly = false
		srv.Source = ""
		g.master = server
		return nil
	})
}

func (s *Simulator) WaitSlavesCatchUp(ctx context.Context, group, master string) error {
	return s.do(ctx, "WaitSlavesCatchUp", []string{master, group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		m, err := s.memberLocked(g, master)
		if err != nil {
			return err
		}
		for _, id := range g.members {
			srv := s.servers[id]
			if srv.Source == master && srv.Alive {
				srv.Applied = m.Applied
			}
		}
		return nil
	})
}

func (s *Simulator) Promote(ctx context.Context, group, server string) error {
	return s.do(ctx, "Promote", []string{server, group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		srv, err := s.memberLocked(g, server)
		if err != nil {
			return err
		}
		srv.ReadOnly = false
		srv.Source = ""
		g.master = server
		return nil
	})
}

func (s *Simulator) Demote(ctx context.Context, group, server string) error {
	return s.do(ctx, "Demote", []string{server, group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		srv, err := s.memberLocked(g, server)
		if err != nil {
			return err
		}
		srv.ReadOnly = true
		if g.master == server {
			g.master = ""
		}
		return nil
	})
}

func (s *Simulator) ChangeMaster(ctx context.Context, server, master string) error {
	return s.do(ctx, "ChangeMaster", []string{server, master}, func() error {
		srv, err := s.serverLocked(server)
		if err != nil {
			return err
		}
		if _, err := s.serverLocked(master); err != nil {
			return err
		}
		srv.Source = master
		srv.ReadOnly = true
		return nil
	})
}

func (s *Simulator) SetStatus(ctx context.Context, server string, status ServerStatus) (ServerStatus, error) {
	var prev ServerStatus
	err := s.do(ctx, "SetStatus", []string{server, string(status)}, func() error {
		srv, err := s.serverLocked(server)
		if err != nil {
			return err
		}
		prev = srv.Status
		srv.Status = status
		return nil
	})
	return prev, err
}

func (s *Simulator) AddServer(ctx context.Context, group, server string) error {
	return s.do(ctx, "AddServer", []string{server, group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		if _, ok := s.servers[server]; ok {
			return fmt.Errorf("%w: %s", ErrServerExists, server)
		}
		srv := &Server{ID: server, Group: group, Status: StatusRunning, Alive: true}
		if g.master != "" {
			srv.ReadOnly = true
			srv.Source = g.master
			srv.Applied = s.servers[g.master].Applied
		}
		s.servers[server] = srv
		g.members = append(g.members, server)
		return nil
	})
}

func (s *Simulator) RemoveServer(ctx context.Context, group, server string) error {
	return s.do(ctx, "RemoveServer", []string{server, group}, func() error {
		g, err := s.groupLocked(group)
		if err != nil {
			return err
		}
		if _, err := s.memberLocked(g, server); err != nil {
			return err
		}
		if g.master == server {
			return fmt.Errorf("%w: %s", ErrServerIsMaster, server)
		}
		for i, m := range g.members {
			if m == server {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
		delete(s.servers, server)
		return nil
	})
}

// ============================================================================
// internals
// ============================================================================

// do records the call, applies an injected fault or runs fn under the lock.
func (s *Simulator) do(ctx context.Context, op string, args []string, fn func() error) error {
	s.mu.Lock()
	latency := s.latency
	s.mu.Unlock()
	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.injectedLocked(op, args)
	if err == nil {
		err = fn()
	}
	c := Call{Op: op, Args: args}
	if err != nil {
		c.Err = err.Error()
		s.log.Debug("farm call failed", "op", op, "args", args, "error", err)
	}
	s.calls = append(s.calls, c)
	return err
}

func (s *Simulator) injectedLocked(op string, args []string) error {
	keys := []string{op + "/"}
	if len(args) > 0 {
		keys = append([]string{op + "/" + args[0]}, keys...)
	}
	for _, k := range keys {
		f, ok := s.faults[k]
		if !ok {
			continue
		}
		if f.times > 0 {
			f.times--
			if f.times == 0 {
				delete(s.faults, k)
			}
		}
		return f.err
	}
	return nil
}

func (s *Simulator) groupLocked(id string) (*simGroup, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return g, nil
}

func (s *Simulator) serverLocked(id string) (*Server, error) {
	srv, ok := s.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return srv, nil
}

func (s *Simulator) memberLocked(g *simGroup, id string) (*Server, error) {
	srv, err := s.serverLocked(id)
	if err != nil {
		return nil, err
	}
	for _, m := range g.members {
		if m == id {
			return srv, nil
		}
	}
	return nil, fmt.Errorf("%w: %s not in group", ErrServerNotFound, id)
}

var _ ServerAccess = (*Simulator)(nil)
