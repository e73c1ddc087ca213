package lockmanager

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

var (
	g1 = types.GroupResource("g1")
	g2 = types.GroupResource("g2")
	s1 = types.ServerResource("s1")
)

func TestAcquireFreeResources(t *testing.T) {
	m := New()
	ok, err := m.AcquireAll(1, []types.ResourceID{g2, g1, g1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []types.ResourceID{g1, g2}, m.HeldBy(1), "deduplicated and canonically ordered")

	holder, held := m.Holder(g1)
	assert.True(t, held)
	assert.Equal(t, types.JobID(1), holder)
}

func TestEmptyAndDuplicateRequests(t *testing.T) {
	m := New()
	_, err := m.AcquireAll(1, nil)
	assert.ErrorIs(t, err, ErrNoResources)

	ok, err := m.AcquireAll(1, []types.ResourceID{g1})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = m.AcquireAll(1, []types.ResourceID{g2})
	assert.ErrorIs(t, err, ErrAlreadyQueued)
}

// TestAllOrNothing 取得失敗時不持有任何資源
func TestAllOrNothing(t *testing.T) {
	m := New()
	ok, _ := m.AcquireAll(1, []types.ResourceID{g1})
	require.True(t, ok)

	ok, err := m.AcquireAll(2, []types.ResourceID{g1, g2})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, m.HeldBy(2))
	_, held := m.Holder(g2)
	assert.False(t, held, "g2 must stay free while job 2 waits for g1")
	assert.Equal(t, []types.JobID{2}, m.Waiters(g1))
	assert.Equal(t, []types.JobID{2}, m.Waiters(g2))
	assert.True(t, m.IsWaiting(2))
}

// TestFIFOFairness 先到的任務先取得資源
func TestFIFOFairness(t *testing.T) {
	m := New()
	ok, _ := m.AcquireAll(1, []types.ResourceID{g1})
	require.True(t, ok)

	ok, _ = m.AcquireAll(2, []types.ResourceID{g1})
	assert.False(t, ok)
	ok, _ = m.AcquireAll(3, []types.ResourceID{g1})
	assert.False(t, ok)

	assert.Equal(t, []types.JobID{2}, m.ReleaseAll(1))
	assert.Equal(t, []types.JobID{3}, m.ReleaseAll(2))
	assert.Empty(t, m.ReleaseAll(3))
	assert.Equal(t, Stats{}, m.Stats())
}

// TestNewcomerDoesNotJumpQueue 資源空閒但有人排隊時，新來的任務也要排隊
func TestNewcomerDoesNotJumpQueue(t *testing.T) {
	m := New()
	ok, _ := m.AcquireAll(1, []types.ResourceID{g1})
	require.True(t, ok)
	ok, _ = m.AcquireAll(2, []types.ResourceID{g1, g2})
	require.False(t, ok)

	ok, _ = m.AcquireAll(3, []types.ResourceID{g2})
	assert.False(t, ok, "g2 is free but job 2 queued on it first")

	assert.Equal(t, []types.JobID{2}, m.ReleaseAll(1))
	assert.Equal(t, []types.JobID{3}, m.ReleaseAll(2))
}

// TestPromoteLongestWaitingSatisfiable 只提升整組資源都可用的任務
func TestPromoteLongestWaitingSatisfiable(t *testing.T) {
	m := New()
	ok, _ := m.AcquireAll(1, []types.ResourceID{g1})
	require.True(t, ok)
	ok, _ = m.AcquireAll(9, []types.ResourceID{s1})
	require.True(t, ok)

	// job 2 needs g1 and s1 (s1 stays held), job 3 only g1
	ok, _ = m.AcquireAll(2, []types.ResourceID{g1, s1})
	require.False(t, ok)
	ok, _ = m.AcquireAll(3, []types.ResourceID{g1})
	require.False(t, ok)

	granted := m.ReleaseAll(1)
	assert.Equal(t, []types.JobID{3}, granted, "job 2 is only partially satisfiable")
	assert.True(t, m.IsWaiting(2))
	assert.Empty(t, m.HeldBy(2))

	assert.Empty(t, m.ReleaseAll(9), "job 2 still blocked by job 3 on g1")
	assert.Equal(t, []types.JobID{2}, m.ReleaseAll(3))
	assert.Equal(t, []types.ResourceID{g1, s1}, m.HeldBy(2))
}

func TestCancelWait(t *testing.T) {
	m := New()
	ok, _ := m.AcquireAll(1, []types.ResourceID{g1})
	require.True(t, ok)
	ok, _ = m.AcquireAll(2, []types.ResourceID{g1, g2})
	require.False(t, ok)
	ok, _ = m.AcquireAll(3, []types.ResourceID{g2})
	require.False(t, ok)

	removed, granted := m.CancelWait(2)
	assert.True(t, removed)
	assert.Equal(t, []types.JobID{3}, granted, "leaving the queue unblocks job 3 on g2")
	assert.Empty(t, m.Waiters(g1))

	removed, _ = m.CancelWait(1)
	assert.False(t, removed, "holders are not waiting")
}

func TestReleaseUnknownJob(t *testing.T) {
	m := New()
	assert.Nil(t, m.ReleaseAll(42))
}

// TestAtMostOneHolderConcurrent 並發取得/釋放時每個資源最多一個持有者
func TestAtMostOneHolderConcurrent(t *testing.T) {
	m := New()
	resources := []types.ResourceID{g1, g2, s1, types.ShardResource("sh1")}

	var mu sync.Mutex
	owners := make(map[types.ResourceID]types.JobID)
	violations := 0

	check := func(job types.JobID, set []types.ResourceID, take bool) {
		mu.Lock()
		defer mu.Unlock()
		for _, r := range set {
			if take {
				if owners[r] != 0 {
					violations++
				}
				owners[r] = job
			} else {
				delete(owners, r)
			}
		}
	}

	grantedCh := make(map[types.JobID]chan struct{})
	var chMu sync.Mutex
	signal := func(ids []types.JobID) {
		chMu.Lock()
		defer chMu.Unlock()
		for _, id := range ids {
			close(grantedCh[id])
		}
	}

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		id := types.JobID(i)
		r := rand.New(rand.NewSource(int64(i)))
		set := []types.ResourceID{resources[r.Intn(4)], resources[r.Intn(4)]}
		chMu.Lock()
		grantedCh[id] = make(chan struct{})
		chMu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			chMu.Lock()
			ch := grantedCh[id]
			chMu.Unlock()

			ok, err := m.AcquireAll(id, set)
			assert.NoError(t, err)
			if ok {
				signal([]types.JobID{id})
			}
			<-ch
			held := m.HeldBy(id)
			check(id, held, true)
			check(id, held, false)
			signal(m.ReleaseAll(id))
		}()
	}
	wg.Wait()

	assert.Zero(t, violations)
	assert.Equal(t, Stats{}, m.Stats())
}
