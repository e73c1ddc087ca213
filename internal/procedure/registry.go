// Package procedure holds the explicit registry of action kinds and
// procedures. A procedure expands its arguments into an ordered chain of
// actions plus the resource set the job must lock.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// ErrDuplicate is returned when a name is registered twice.
var ErrDuplicate = errors.New("already registered")

// Context is what an action sees while it runs.
type Context struct {
	JobID     types.JobID
	Procedure string
	Index     int
	Attempt   int
	Args      map[string]string // job arguments
	Params    map[string]string // action parameters
	Prior     map[string]string // merged snapshots of earlier completed actions
	Snapshot  map[string]string // the compensated action's own snapshot (compensators only)
	Farm      farm.ServerAccess
	Log       *slog.Logger
}

// Arg looks a key up in Params, then Prior, then Args.
func (c *Context) Arg(key string) string {
	if v, ok := c.Params[key]; ok {
		return v
	}
	if v, ok := c.Prior[key]; ok {
		return v
	}
	return c.Args[key]
}

// ActionFunc runs one action. The returned map is checkpointed as the
// action's snapshot and made visible to later actions.
type ActionFunc func(ctx context.Context, ac *Context) (map[string]string, error)

// Kind is a registered action implementation.
type Kind struct {
	Name  string
	Do    ActionFunc
	Retry *types.RetrySpec // nil uses the engine default
}

// Step is one entry of a procedure's action chain.
type Step struct {
	Action      string            `json:"action"`
	Compensator string            `json:"compensator,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// Procedure is a named, registered action chain.
type Procedure struct {
	Name        string
	Description string
	Required    []string // required argument keys
	Exclusive   bool     // must lock at least one resource
	Resources   func(args map[string]string) []types.ResourceID
	Steps       func(args map[string]string) []Step
	Validate    func(args map[string]string) error // optional, runs after Required
}

// Plan is the expansion of a procedure for a concrete set of arguments.
type Plan struct {
	Procedure string
	Args      map[string]string
	Actions   []*types.Action
	Resources []types.ResourceID
	Exclusive bool
}

// Registry maps names to action kinds and procedures.
type Registry struct {
	mu         sync.RWMutex
	actions    map[string]Kind
	procedures map[string]Procedure
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actions:    make(map[string]Kind),
		procedures: make(map[string]Procedure),
	}
}

// RegisterAction adds an action kind.
func (r *Registry) RegisterAction(k Kind) error {
	if k.Name == "" || k.Do == nil {
		return fmt.Errorf("action kind needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.actions[k.Name]; ok {
		return fmt.Errorf("action %q: %w", k.Name, ErrDuplicate)
	}
	r.actions[k.Name] = k
	return nil
}

// RegisterProcedure adds a procedure.
func (r *Registry) RegisterProcedure(p Procedure) error {
	if p.Name == "" || p.Steps == nil {
		return fmt.Errorf("procedure needs a name and steps")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procedures[p.Name]; ok {
		return fmt.Errorf("procedure %q: %w", p.Name, ErrDuplicate)
	}
	r.procedures[p.Name] = p
	return nil
}

// Action returns a registered action kind.
func (r *Registry) Action(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.actions[name]
	return k, ok
}

// Procedure returns a registered procedure.
func (r *Registry) Procedure(name string) (Procedure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procedures[name]
	return p, ok
}

// Procedures lists registered procedures ordered by name.
func (r *Registry) Procedures() []Procedure {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Procedure, 0, len(r.procedures))
	for _, p := range r.procedures {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build expands a registered procedure.
func (r *Registry) Build(name string, args map[string]string) (*Plan, error) {
	p, ok := r.Procedure(name)
	if !ok {
		return nil, fmt.Errorf("%w: unknown procedure %q", types.ErrInvalidProcedure, name)
	}
	for _, key := range p.Required {
		if args[key] == "" {
			return nil, fmt.Errorf("%w: %s requires argument %q", types.ErrInvalidProcedure, name, key)
		}
	}
	if p.Validate != nil {
		if err := p.Validate(args); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrInvalidProcedure, name, err)
		}
	}
	var resources []types.ResourceID
	if p.Resources != nil {
		resources = p.Resources(args)
	}
	return r.Plan(name, p.Steps(args), resources, args, p.Exclusive)
}

// Plan validates an explicit action chain and turns it into action records.
//
// The chain must not be empty, every action and compensator must be
// registered, and an exclusive chain must name at least one resource.
func (r *Registry) Plan(name string, steps []Step, resources []types.ResourceID, args map[string]string, exclusive bool) (*Plan, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %s has no actions", types.ErrInvalidProcedure, name)
	}
	resources = types.CanonicalResources(resources)
	if exclusive && len(resources) == 0 {
		return nil, fmt.Errorf("%w: exclusive procedure %s has no resources", types.ErrInvalidProcedure, name)
	}

	actions := make([]*types.Action, 0, len(steps))
	for i, st := range steps {
		k, ok := r.Action(st.Action)
		if !ok {
			return nil, fmt.Errorf("%w: %q in %s", types.ErrUnknownAction, st.Action, name)
		}
		if st.Compensator != "" {
			if _, ok := r.Action(st.Compensator); !ok {
				return nil, fmt.Errorf("%w: compensator %q in %s", types.ErrUnknownAction, st.Compensator, name)
			}
		}
		a := &types.Action{
			Index:       i,
			Name:        st.Action,
			Params:      cloneMap(st.Params),
			Compensator: st.Compensator,
			Status:      types.ActionPending,
		}
		if k.Retry != nil {
			spec := *k.Retry
			a.Retry = &spec
		}
		actions = append(actions, a)
	}

	return &Plan{
		Procedure: name,
		Args:      cloneMap(args),
		Actions:   actions,
		Resources: resources,
		Exclusive: exclusive,
	}, nil
}

func cloneMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
