// ============================================================================
// Fabric Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: throughput across independent groups and recovery time
//
// TestSystemThroughput:
//   - 100 groups, one failover each, 8 workers
//   - farm latency 2ms per operation
//   - disjoint groups run in parallel, so wall time must stay well below
//     the serial sum of every action's latency
//
// TestRecoveryPerformance:
//   - 500 submitted jobs checkpointed in badger, engine stopped early
//   - measure Start() on a fresh engine (recovery scan + re-admission)
//   - target: < 3 seconds
//
// Notes:
//   - skipped with -short
//   - CI environment may be slower than local
//
// ============================================================================

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}
	const groups = 100
	const latency = 2 * time.Millisecond

	dir := t.TempDir()
	repo := backends[1].open(t, dir)
	defer repo.Close()

	sim := newFarm(groups)
	sim.SetLatency(latency)
	e := startEngine(t, testConfig(8), repo, sim)
	defer e.Stop()

	start := time.Now()
	ids := make([]types.JobID, 0, groups)
	for i := 1; i <= groups; i++ {
		id, err := e.SubmitProcedure(context.Background(), procedure.ProcFailover, map[string]string{"group": groupName(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		job, err := e.WaitForJob(context.Background(), id, 60*time.Second)
		require.NoError(t, err)
		require.Equal(t, types.JobComplete, job.Status)
	}
	elapsed := time.Since(start)

	serial := time.Duration(len(sim.Calls())) * latency
	t.Logf("%d failovers in %v (%.1f jobs/s), %d farm calls, serial estimate %v",
		groups, elapsed, float64(groups)/elapsed.Seconds(), len(sim.Calls()), serial)
	assert.Less(t, elapsed, serial, "independent groups should overlap")
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}
	const jobs = 500

	dir := t.TempDir()
	sim := newFarm(jobs)
	sim.SetLatency(10 * time.Millisecond)

	repo := backends[1].open(t, dir)
	e := startEngine(t, testConfig(1), repo, sim)
	for i := 1; i <= jobs; i++ {
		_, err := e.SubmitProcedure(context.Background(), procedure.ProcFailover, map[string]string{"group": groupName(i)})
		require.NoError(t, err)
	}
	e.Stop()
	require.NoError(t, repo.Close())

	repo = backends[1].open(t, dir)
	defer repo.Close()
	unfinished, err := repo.ListUnfinished(context.Background())
	require.NoError(t, err)
	t.Logf("unfinished after stop: %d", len(unfinished))
	require.Greater(t, len(unfinished), jobs/2)

	sim.SetLatency(0)
	start := time.Now()
	e = startEngine(t, testConfig(8), repo, sim)
	recovery := time.Since(start)
	defer e.Stop()

	t.Logf("recovery of %d jobs took %v", len(unfinished), recovery)
	assert.Less(t, recovery, 3*time.Second)

	last, err := e.WaitForJob(context.Background(), types.JobID(jobs), 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, last.Status)
}
