package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/memstore"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

func setup(t *testing.T, sim *farm.Simulator) (*engine.Engine, *Client) {
	t.Helper()

	cfg := engine.DefaultConfig()
	cfg.ScanInterval = 5 * time.Millisecond
	eng, err := engine.New(cfg, engine.Deps{Repository: memstore.New(), Farm: sim})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(eng)
	gs := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(srv.log)))
	Register(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return eng, client
}

func TestSubmitAndWait(t *testing.T) {
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2", "s3")
	_, client := setup(t, sim)
	ctx := context.Background()

	id, err := client.SubmitProcedure(ctx, procedure.ProcFailover, map[string]string{"group": "g1"})
	require.NoError(t, err)
	assert.Equal(t, types.JobID(1), id)

	job, err := client.WaitForJob(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, job.Status)
	assert.Equal(t, "g1", job.Args["group"])
	require.Len(t, job.Actions, 5)
	assert.Equal(t, types.ActionComplete, job.Actions[4].Status)
	assert.Equal(t, "s2", job.Result["master"])

	got, err := client.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.Actions[3].Snapshot, got.Actions[3].Snapshot)
}

func TestWaitTimeoutReturnsSnapshot(t *testing.T) {
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2")
	sim.SetLatency(200 * time.Millisecond)
	_, client := setup(t, sim)
	ctx := context.Background()

	id, err := client.SubmitProcedure(ctx, procedure.ProcFailover, map[string]string{"group": "g1"})
	require.NoError(t, err)

	job, err := client.WaitForJob(ctx, id, 10*time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrWaitTimeout)
	require.NotNil(t, job)
	assert.False(t, job.Status.IsTerminal())
}

func TestErrorMapping(t *testing.T) {
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2")
	_, client := setup(t, sim)
	ctx := context.Background()

	_, err := client.SubmitProcedure(ctx, "unknown", nil)
	assert.ErrorIs(t, err, types.ErrInvalidProcedure)

	_, err = client.SubmitProcedure(ctx, procedure.ProcFailover, nil)
	assert.ErrorIs(t, err, types.ErrInvalidProcedure)

	_, err = client.GetJob(ctx, 42)
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	assert.ErrorIs(t, client.Cancel(ctx, 42), types.ErrJobNotFound)

	id, err := client.SubmitProcedure(ctx, procedure.ProcFailover, map[string]string{"group": "g1"})
	require.NoError(t, err)
	_, err = client.WaitForJob(ctx, id, 5*time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, client.Cancel(ctx, id), jobmanager.ErrJobFinished)
}

func TestPublishEvent(t *testing.T) {
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2", "s3")
	eng, client := setup(t, sim)
	ctx := context.Background()

	id, err := client.PublishEvent(ctx, types.EventServerLost, map[string]string{"group": "g1", "server": "s1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		job, err := eng.GetJob(ctx, 1)
		return err == nil && job.Status == types.JobComplete
	}, 5*time.Second, 10*time.Millisecond)

	_, err = client.PublishEvent(ctx, types.EventJobComplete, nil)
	assert.ErrorIs(t, err, types.ErrInvalidProcedure, "job events cannot be injected")
}

func TestLookupServers(t *testing.T) {
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2", "s3")
	_, client := setup(t, sim)
	ctx := context.Background()

	view, err := client.LookupServers(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, "g1", view.Group)
	assert.Equal(t, "s1", view.Master)
	require.Len(t, view.Servers, 3)
	assert.Equal(t, int64(99), view.Servers[1].Applied)
	assert.Equal(t, farm.StatusRunning, view.Servers[2].Status)

	id, err := client.SubmitProcedure(ctx, procedure.ProcSetServerStatus,
		map[string]string{"group": "g1", "server": "s3", "status": "offline"})
	require.NoError(t, err)
	job, err := client.WaitForJob(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, types.JobComplete, job.Status, job.Error)

	view, err = client.LookupServers(ctx, "g1", "OFFLINE")
	require.NoError(t, err)
	require.Len(t, view.Servers, 1)
	assert.Equal(t, "s3", view.Servers[0].ID)

	_, err = client.LookupServers(ctx, "gx", "")
	assert.ErrorIs(t, err, farm.ErrGroupNotFound)
	_, err = client.LookupServers(ctx, "g1", "broken")
	assert.ErrorIs(t, err, farm.ErrBadStatus)
	_, err = client.LookupServers(ctx, "", "")
	assert.ErrorIs(t, err, types.ErrInvalidProcedure)
}
