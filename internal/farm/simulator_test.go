package farm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFarm() *Simulator {
	s := NewSimulator()
	s.AddGroup("g1", "s1", "s2", "s3")
	return s
}

func TestFindAndCheckCandidate(t *testing.T) {
	ctx := context.Background()
	s := newFarm()

	master, err := s.Master(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "s1", master)

	cand, err := s.FindCandidate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "s2", cand, "s2 applied more transactions than s3")

	s.SetApplied("s3", 200)
	cand, _ = s.FindCandidate(ctx, "g1")
	assert.Equal(t, "s3", cand)

	require.NoError(t, s.CheckCandidate(ctx, "g1", "s3"))
	assert.ErrorIs(t, s.CheckCandidate(ctx, "g1", "s1"), ErrBadCandidate)
	assert.ErrorIs(t, s.CheckCandidate(ctx, "g1", "nope"), ErrServerNotFound)

	s.Kill("s2")
	s.Kill("s3")
	_, err = s.FindCandidate(ctx, "g1")
	assert.ErrorIs(t, err, ErrNoCandidate)
}

func TestSwitchoverSequence(t *testing.T) {
	ctx := context.Background()
	s := newFarm()

	blocked, err := s.BlockWrites(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "s1", blocked)
	master, _ := s.Master(ctx, "g1")
	assert.Empty(t, master)

	require.NoError(t, s.WaitSlavesCatchUp(ctx, "g1", "s1"))
	s3, _ := s.Server("s3")
	assert.Equal(t, int64(100), s3.Applied)

	require.NoError(t, s.Promote(ctx, "g1", "s2"))
	require.NoError(t, s.ChangeMaster(ctx, "s3", "s2"))
	require.NoError(t, s.ChangeMaster(ctx, "s1", "s2"))

	master, _ = s.Master(ctx, "g1")
	assert.Equal(t, "s2", master)
	s1, _ := s.Server("s1")
	assert.True(t, s1.ReadOnly)
	assert.Equal(t, "s2", s1.Source)
}

func TestUndoOperations(t *testing.T) {
	ctx := context.Background()
	s := newFarm()

	_, _ = s.BlockWrites(ctx, "g1")
	require.NoError(t, s.UnblockWrites(ctx, "g1", "s1"))
	master, _ := s.Master(ctx, "g1")
	assert.Equal(t, "s1", master)

	require.NoError(t, s.StopServer(ctx, "s1"))
	prev, err := s.SetStatus(ctx, "s1", StatusFaulty)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, prev)

	require.NoError(t, s.StartServer(ctx, "s1"))
	prev, _ = s.SetStatus(ctx, "s1", prev)
	assert.Equal(t, StatusFaulty, prev)

	require.NoError(t, s.Demote(ctx, "g1", "s1"))
	master, _ = s.Master(ctx, "g1")
	assert.Empty(t, master)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := newFarm()
	boom := errors.New("boom")

	s.FailNext("Promote", "s2", boom, 2)
	assert.ErrorIs(t, s.Promote(ctx, "g1", "s2"), boom)
	assert.ErrorIs(t, s.Promote(ctx, "g1", "s2"), boom)
	assert.NoError(t, s.Promote(ctx, "g1", "s2"))
	assert.Equal(t, 3, s.CallCount("Promote", "s2"))

	s.FailAlways("StopServer", "", boom)
	assert.ErrorIs(t, s.StopServer(ctx, "s1"), boom)
	assert.ErrorIs(t, s.StopServer(ctx, "s3"), boom)
	s.ClearFaults()
	assert.NoError(t, s.StopServer(ctx, "s1"))

	calls := s.Calls()
	assert.Equal(t, "boom", calls[0].Err)
	assert.Equal(t, []string{"s2", "g1"}, calls[0].Args)
}

func TestUnknownGroup(t *testing.T) {
	s := NewSimulator()
	_, err := s.Servers(context.Background(), "gx")
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestAddAndRemoveServer(t *testing.T) {
	ctx := context.Background()
	s := newFarm()

	require.NoError(t, s.AddServer(ctx, "g1", "s4"))
	srv, ok := s.Server("s4")
	require.True(t, ok)
	assert.Equal(t, "s1", srv.Source)
	assert.True(t, srv.ReadOnly)
	assert.Equal(t, StatusRunning, srv.Status)
	assert.Equal(t, int64(100), srv.Applied, "new member starts caught up with the master")

	assert.ErrorIs(t, s.AddServer(ctx, "g1", "s2"), ErrServerExists)
	assert.ErrorIs(t, s.AddServer(ctx, "gx", "s9"), ErrGroupNotFound)

	servers, err := s.Servers(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, servers, 4)

	assert.ErrorIs(t, s.RemoveServer(ctx, "g1", "s1"), ErrServerIsMaster)
	assert.ErrorIs(t, s.RemoveServer(ctx, "g1", "nope"), ErrServerNotFound)
	require.NoError(t, s.RemoveServer(ctx, "g1", "s4"))
	_, ok = s.Server("s4")
	assert.False(t, ok)
	assert.Equal(t, 1, s.CallCount("RemoveServer", "s4"))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("spare")
	require.NoError(t, err)
	assert.Equal(t, StatusSpare, st)

	_, err = ParseStatus("broken")
	assert.ErrorIs(t, err, ErrBadStatus)
}
