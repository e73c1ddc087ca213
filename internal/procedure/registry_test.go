package procedure

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

func noop(ctx context.Context, ac *Context) (map[string]string, error) { return nil, nil }

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAction(Kind{Name: "a", Do: noop}))
	assert.ErrorIs(t, r.RegisterAction(Kind{Name: "a", Do: noop}), ErrDuplicate)
	assert.Error(t, r.RegisterAction(Kind{Name: "b"}))

	p := Procedure{Name: "p", Steps: func(map[string]string) []Step { return []Step{{Action: "a"}} }}
	require.NoError(t, r.RegisterProcedure(p))
	assert.ErrorIs(t, r.RegisterProcedure(p), ErrDuplicate)
}

func TestBuildValidation(t *testing.T) {
	r := NewDefaultRegistry()

	_, err := r.Build("nope", nil)
	assert.ErrorIs(t, err, types.ErrInvalidProcedure)

	_, err = r.Build(ProcFailover, map[string]string{})
	assert.ErrorIs(t, err, types.ErrInvalidProcedure, "group is required")

	_, err = r.Plan("empty", nil, []types.ResourceID{types.GroupResource("g1")}, nil, true)
	assert.ErrorIs(t, err, types.ErrInvalidProcedure)

	_, err = r.Plan("nolocks", []Step{{Action: ActFindCandidate}}, nil, nil, true)
	assert.ErrorIs(t, err, types.ErrInvalidProcedure)

	_, err = r.Plan("shared", []Step{{Action: ActFindCandidate}}, nil, nil, false)
	assert.NoError(t, err, "non-exclusive chains may lock nothing")

	_, err = r.Plan("bad", []Step{{Action: "missing"}}, []types.ResourceID{"group:g1"}, nil, true)
	assert.ErrorIs(t, err, types.ErrUnknownAction)

	_, err = r.Plan("bad", []Step{{Action: ActFindCandidate, Compensator: "missing"}}, []types.ResourceID{"group:g1"}, nil, true)
	assert.ErrorIs(t, err, types.ErrUnknownAction)
}

func TestBuildFailoverPlan(t *testing.T) {
	r := NewDefaultRegistry()
	plan, err := r.Build(ProcFailover, map[string]string{"group": "g1"})
	require.NoError(t, err)

	assert.Equal(t, []types.ResourceID{"group:g1"}, plan.Resources)
	assert.True(t, plan.Exclusive)
	names := make([]string, len(plan.Actions))
	for i, a := range plan.Actions {
		names[i] = a.Name
		assert.Equal(t, i, a.Index)
		assert.Equal(t, types.ActionPending, a.Status)
	}
	assert.Equal(t, []string{ActFindCandidate, ActCheckCandidate, ActStopOldMaster, ActPromoteCandidate, ActReconfigureSlaves}, names)
	assert.Equal(t, ActRestartOldMaster, plan.Actions[2].Compensator)

	sw, err := r.Build(ProcSwitchover, map[string]string{"group": "g1"})
	require.NoError(t, err)
	require.NotNil(t, sw.Actions[3].Retry, "waitSlaves carries its retry spec")
	assert.Equal(t, 5, sw.Actions[3].Retry.MaxAttempts)
}

func TestProceduresSorted(t *testing.T) {
	var names []string
	for _, p := range NewDefaultRegistry().Procedures() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{ProcAddServer, ProcDemote, ProcFailover, ProcPromote, ProcRemoveServer,
		ProcServerLost, ProcSetServerStatus, ProcSwitchover}, names)
}

// run executes a plan in order the way the executor does, without checkpoints
func run(t *testing.T, r *Registry, plan *Plan, f farm.ServerAccess) ([]map[string]string, error) {
	t.Helper()
	ctx := context.Background()
	prior := map[string]string{}
	var snaps []map[string]string
	for _, a := range plan.Actions {
		k, ok := r.Action(a.Name)
		require.True(t, ok)
		snap, err := k.Do(ctx, &Context{
			Procedure: plan.Procedure, Index: a.Index, Args: plan.Args, Params: a.Params,
			Prior: copyMap(prior), Farm: f, Log: slog.Default(),
		})
		if err != nil {
			return snaps, err
		}
		snaps = append(snaps, snap)
		for k, v := range snap {
			prior[k] = v
		}
	}
	return snaps, nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestFailoverAgainstSimulator(t *testing.T) {
	r := NewDefaultRegistry()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2", "s3")
	sim.Kill("s1")

	plan, err := r.Build(ProcFailover, map[string]string{"group": "g1"})
	require.NoError(t, err)
	snaps, err := run(t, r, plan, sim)
	require.NoError(t, err)

	assert.Equal(t, "s2", snaps[0]["candidate"])
	assert.Equal(t, "s1", snaps[0]["old_master"])
	master, _ := sim.Master(context.Background(), "g1")
	assert.Equal(t, "s2", master)
	s1, _ := sim.Server("s1")
	assert.Equal(t, farm.StatusFaulty, s1.Status)
	s3, _ := sim.Server("s3")
	assert.Equal(t, "s2", s3.Source)
}

func TestFailoverCompensatorsRestoreMaster(t *testing.T) {
	r := NewDefaultRegistry()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2", "s3")
	ctx := context.Background()

	plan, _ := r.Build(ProcFailover, map[string]string{"group": "g1"})
	snaps, err := run(t, r, plan, sim)
	require.NoError(t, err)

	// undo in reverse order
	prior := map[string]string{}
	priors := make([]map[string]string, len(snaps))
	for i, s := range snaps {
		priors[i] = copyMap(prior)
		for k, v := range s {
			prior[k] = v
		}
	}
	for i := len(plan.Actions) - 1; i >= 0; i-- {
		a := plan.Actions[i]
		if a.Compensator == "" {
			continue
		}
		k, _ := r.Action(a.Compensator)
		_, err := k.Do(ctx, &Context{Args: plan.Args, Prior: priors[i], Snapshot: snaps[i], Farm: sim, Log: slog.Default()})
		require.NoError(t, err, a.Compensator)
	}

	master, _ := sim.Master(ctx, "g1")
	assert.Equal(t, "s1", master)
	s1, _ := sim.Server("s1")
	assert.Equal(t, farm.StatusRunning, s1.Status)
	assert.True(t, s1.Alive)
	s2, _ := sim.Server("s2")
	assert.True(t, s2.ReadOnly)
	assert.Equal(t, "s1", s2.Source)
}

func TestServerLostSkipsFailoverForSlave(t *testing.T) {
	r := NewDefaultRegistry()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2", "s3")

	plan, err := r.Build(ProcServerLost, map[string]string{"group": "g1", "server": "s3"})
	require.NoError(t, err)
	snaps, err := run(t, r, plan, sim)
	require.NoError(t, err)

	assert.Equal(t, "false", snaps[0]["was_master"])
	for _, s := range snaps[1:] {
		assert.Equal(t, "true", s["skipped"])
	}
	master, _ := sim.Master(context.Background(), "g1")
	assert.Equal(t, "s1", master)
	assert.Zero(t, sim.CallCount("Promote", ""))
}

func TestDemoteAndPromote(t *testing.T) {
	r := NewDefaultRegistry()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2")
	ctx := context.Background()

	plan, _ := r.Build(ProcDemote, map[string]string{"group": "g1"})
	_, err := run(t, r, plan, sim)
	require.NoError(t, err)
	master, _ := sim.Master(ctx, "g1")
	assert.Empty(t, master)
	s1, _ := sim.Server("s1")
	assert.Equal(t, farm.StatusSpare, s1.Status)

	plan, _ = r.Build(ProcPromote, map[string]string{"group": "g1", "candidate": "s2"})
	_, err = run(t, r, plan, sim)
	require.NoError(t, err)
	master, _ = sim.Master(ctx, "g1")
	assert.Equal(t, "s2", master)
}

func TestCheckCandidateFailureSurfaces(t *testing.T) {
	r := NewDefaultRegistry()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2")
	boom := errors.New("candidate has errant transactions")
	sim.FailAlways("CheckCandidate", "s2", boom)

	plan, _ := r.Build(ProcSwitchover, map[string]string{"group": "g1"})
	_, err := run(t, r, plan, sim)
	assert.ErrorIs(t, err, boom)
	assert.False(t, types.IsTransient(err))
}

func TestServerProceduresLockServerAndGroup(t *testing.T) {
	r := NewDefaultRegistry()
	for _, name := range []string{ProcSetServerStatus, ProcAddServer, ProcRemoveServer} {
		plan, err := r.Build(name, map[string]string{"group": "g1", "server": "s4", "status": "spare"})
		require.NoError(t, err, name)
		assert.Equal(t, []types.ResourceID{"group:g1", "server:s4"}, plan.Resources, name)
		assert.True(t, plan.Exclusive)
		require.Len(t, plan.Actions, 1)
	}

	_, err := r.Build(ProcSetServerStatus, map[string]string{"group": "g1", "server": "s2", "status": "broken"})
	assert.ErrorIs(t, err, types.ErrInvalidProcedure)
	assert.ErrorIs(t, err, farm.ErrBadStatus)

	_, err = r.Build(ProcAddServer, map[string]string{"group": "g1"})
	assert.ErrorIs(t, err, types.ErrInvalidProcedure, "server is required")
}

func TestSetServerStatusRules(t *testing.T) {
	r := NewDefaultRegistry()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2", "s3")

	set := func(server, status string) error {
		plan, err := r.Build(ProcSetServerStatus, map[string]string{"group": "g1", "server": server, "status": status})
		require.NoError(t, err)
		_, err = run(t, r, plan, sim)
		return err
	}

	require.NoError(t, set("s2", "spare"))
	srv, _ := sim.Server("s2")
	assert.Equal(t, farm.StatusSpare, srv.Status)

	err := set("s1", "offline")
	assert.ErrorIs(t, err, farm.ErrServerIsMaster)
	assert.False(t, types.IsTransient(err))

	require.NoError(t, set("s3", "faulty"))
	assert.Error(t, set("s3", "spare"), "faulty servers cannot become spares")

	sim.Kill("s3")
	assert.ErrorContains(t, set("s3", "running"), "unreachable")
	assert.ErrorIs(t, set("s9", "running"), farm.ErrServerNotFound)
}

func TestSetServerStatusCompensation(t *testing.T) {
	r := NewDefaultRegistry()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2")

	plan, err := r.Build(ProcSetServerStatus, map[string]string{"group": "g1", "server": "s2", "status": "offline"})
	require.NoError(t, err)
	snaps, err := run(t, r, plan, sim)
	require.NoError(t, err)

	k, _ := r.Action(plan.Actions[0].Compensator)
	_, err = k.Do(context.Background(), &Context{Args: plan.Args, Snapshot: snaps[0], Farm: sim, Log: slog.Default()})
	require.NoError(t, err)
	srv, _ := sim.Server("s2")
	assert.Equal(t, farm.StatusRunning, srv.Status)
}

func TestAddAndRemoveServerProcedures(t *testing.T) {
	r := NewDefaultRegistry()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2")
	args := map[string]string{"group": "g1", "server": "s4"}

	add, err := r.Build(ProcAddServer, args)
	require.NoError(t, err)
	snaps, err := run(t, r, add, sim)
	require.NoError(t, err)
	assert.Equal(t, "s4", snaps[0]["added"])
	srv, ok := sim.Server("s4")
	require.True(t, ok)
	assert.Equal(t, "s1", srv.Source)

	_, err = run(t, r, add, sim)
	assert.ErrorIs(t, err, farm.ErrServerExists)
	assert.False(t, types.IsTransient(err), "adding an existing server is not retried")

	_, err = sim.SetStatus(context.Background(), "s4", farm.StatusSpare)
	require.NoError(t, err)
	remove, err := r.Build(ProcRemoveServer, args)
	require.NoError(t, err)
	snaps, err = run(t, r, remove, sim)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"removed": "s4", "old_status": "SPARE"}, snaps[0])
	_, ok = sim.Server("s4")
	assert.False(t, ok)

	// 回滾重新加入並恢復狀態
	k, _ := r.Action(ActReaddServer)
	_, err = k.Do(context.Background(), &Context{Args: args, Snapshot: snaps[0], Farm: sim, Log: slog.Default()})
	require.NoError(t, err)
	srv, ok = sim.Server("s4")
	require.True(t, ok)
	assert.Equal(t, farm.StatusSpare, srv.Status)

	master, err := r.Build(ProcRemoveServer, map[string]string{"group": "g1", "server": "s1"})
	require.NoError(t, err)
	_, err = run(t, r, master, sim)
	assert.ErrorIs(t, err, farm.ErrServerIsMaster)
	assert.False(t, types.IsTransient(err))
}
