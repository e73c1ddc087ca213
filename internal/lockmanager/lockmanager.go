package lockmanager

// ============================================================================
// 資源鎖管理器
// 職責：
// 1. 每個資源同一時間最多一個持有者（FREE → HELD(job) → FREE）
// 2. 全有或全無：任務要嘛持有全部宣告的資源，要嘛一個都不持有
// 3. 取得失敗的任務加入每個資源的 FIFO 等待佇列，不取得任何資源
// 4. 釋放時依到達順序考慮等待者，只提升整組資源都可用的任務
//
// 死鎖避免：
// - 資源集合在每次嘗試前排序成同一個全域順序
// - 不做部分授予，因此不存在「持有部分、等待其餘」的循環等待
// ============================================================================

import (
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

var (
	// ErrAlreadyQueued 任務已持有或正在等待資源
	ErrAlreadyQueued = errors.New("job already holds or waits for locks")
	// ErrNoResources 資源集合為空
	ErrNoResources = errors.New("empty resource set")
)

// waiter 等待中的任務
type waiter struct {
	job       types.JobID
	resources []types.ResourceID
	ticket    uint64 // 全域到達序號，數字越小等越久
}

// lockState 單一資源的狀態
type lockState struct {
	holder types.JobID   // 0 表示 FREE
	queue  []types.JobID // FIFO 等待佇列
}

// Manager 資源鎖管理器
type Manager struct {
	mu      sync.Mutex
	locks   map[types.ResourceID]*lockState
	held    map[types.JobID][]types.ResourceID
	waiting map[types.JobID]*waiter
	ticket  uint64
}

// New 建立鎖管理器
func New() *Manager {
	return &Manager{
		locks:   make(map[types.ResourceID]*lockState),
		held:    make(map[types.JobID][]types.ResourceID),
		waiting: make(map[types.JobID]*waiter),
	}
}

// AcquireAll 嘗試一次取得全部資源
//
// 回傳：
//   - true：已全部取得
//   - false：加入每個資源的等待佇列（pending），未取得任何資源
func (m *Manager) AcquireAll(job types.JobID, resources []types.ResourceID) (bool, error) {
	set := types.CanonicalResources(resources)
	if len(set) == 0 {
		return false, ErrNoResources
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[job]; ok {
		return false, ErrAlreadyQueued
	}
	if _, ok := m.waiting[job]; ok {
		return false, ErrAlreadyQueued
	}

	if m.allFreeLocked(job, set, true) {
		m.grantLocked(job, set)
		return true, nil
	}

	m.ticket++
	w := &waiter{job: job, resources: set, ticket: m.ticket}
	m.waiting[job] = w
	for _, r := range set {
		st := m.stateLocked(r)
		st.queue = append(st.queue, job)
	}
	return false, nil
}

// ReleaseAll 釋放任務持有的全部資源（若仍在等待則移出佇列），
// 並依到達順序提升整組資源都可用的等待者。
//
// 回傳新取得資源的任務（依授予順序）
func (m *Manager) ReleaseAll(job types.JobID) []types.JobID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var touched []types.ResourceID
	if set, ok := m.held[job]; ok {
		for _, r := range set {
			st := m.locks[r]
			if st != nil && st.holder == job {
				st.holder = 0
			}
		}
		delete(m.held, job)
		touched = append(touched, set...)
	}
	if w, ok := m.waiting[job]; ok {
		m.removeWaiterLocked(w)
		// 離開佇列也可能讓排在後面的任務成為佇列首位
		touched = append(touched, w.resources...)
	}
	if len(touched) == 0 {
		return nil
	}
	granted := m.promoteLocked(touched)
	m.gcLocked(touched)
	return granted
}

// CancelWait 將等待中的任務移出所有佇列
// 回傳 false 表示任務不在等待中（可能已取得資源）
func (m *Manager) CancelWait(job types.JobID) (bool, []types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.waiting[job]
	if !ok {
		return false, nil
	}
	m.removeWaiterLocked(w)
	granted := m.promoteLocked(w.resources)
	m.gcLocked(w.resources)
	return true, granted
}

// Holder 回傳資源目前的持有者
func (m *Manager) Holder(r types.ResourceID) (types.JobID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.locks[r]
	if st == nil || st.holder == 0 {
		return 0, false
	}
	return st.holder, true
}

// Waiters 回傳資源的等待佇列（FIFO 順序）
func (m *Manager) Waiters(r types.ResourceID) []types.JobID {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.locks[r]
	if st == nil {
		return nil
	}
	return append([]types.JobID(nil), st.queue...)
}

// HeldBy 回傳任務持有的資源
func (m *Manager) HeldBy(job types.JobID) []types.ResourceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ResourceID(nil), m.held[job]...)
}

// IsWaiting 任務是否在等待中
func (m *Manager) IsWaiting(job types.JobID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waiting[job]
	return ok
}

// Stats 鎖統計
type Stats struct {
	Held    int `json:"held"`    // 被持有的資源數
	Holders int `json:"holders"` // 持有資源的任務數
	Waiting int `json:"waiting"` // 等待中的任務數
}

// Stats 回傳統計資訊
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := 0
	for _, st := range m.locks {
		if st.holder != 0 {
			held++
		}
	}
	return Stats{Held: held, Holders: len(m.held), Waiting: len(m.waiting)}
}

// ============================================================================
// 內部方法（呼叫者須持有 m.mu）
// ============================================================================

func (m *Manager) stateLocked(r types.ResourceID) *lockState {
	st := m.locks[r]
	if st == nil {
		st = &lockState{}
		m.locks[r] = st
	}
	return st
}

// allFreeLocked 檢查整組資源是否可授予 job
// newcomer 為 true 時，資源有等待者也視為不可用，避免插隊
func (m *Manager) allFreeLocked(job types.JobID, set []types.ResourceID, newcomer bool) bool {
	for _, r := range set {
		st := m.locks[r]
		if st == nil {
			continue
		}
		if st.holder != 0 && st.holder != job {
			return false
		}
		if newcomer && len(st.queue) > 0 {
			return false
		}
	}
	return true
}

func (m *Manager) grantLocked(job types.JobID, set []types.ResourceID) {
	for _, r := range set {
		m.stateLocked(r).holder = job
	}
	m.held[job] = set
}

func (m *Manager) removeWaiterLocked(w *waiter) {
	delete(m.waiting, w.job)
	for _, r := range w.resources {
		st := m.locks[r]
		if st == nil {
			continue
		}
		for i, id := range st.queue {
			if id == w.job {
				st.queue = append(st.queue[:i], st.queue[i+1:]...)
				break
			}
		}
	}
}

// promoteLocked 依到達順序考慮受影響資源上的等待者，
// 整組資源都沒有持有者時授予；只部分可滿足的任務繼續等待
// （不會為了等得較久但無法滿足的任務而保留資源）
func (m *Manager) promoteLocked(touched []types.ResourceID) []types.JobID {
	seen := make(map[types.JobID]bool)
	var candidates []*waiter
	for _, r := range touched {
		st := m.locks[r]
		if st == nil {
			continue
		}
		for _, id := range st.queue {
			if seen[id] {
				continue
			}
			seen[id] = true
			if w, ok := m.waiting[id]; ok {
				candidates = append(candidates, w)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ticket < candidates[j].ticket })

	var granted []types.JobID
	for _, w := range candidates {
		if !m.allFreeLocked(w.job, w.resources, false) {
			continue
		}
		m.removeWaiterLocked(w)
		m.grantLocked(w.job, w.resources)
		granted = append(granted, w.job)
	}
	return granted
}

// gcLocked 刪除空閒且無人等待的資源項目
func (m *Manager) gcLocked(resources []types.ResourceID) {
	for _, r := range resources {
		st := m.locks[r]
		if st != nil && st.holder == 0 && len(st.queue) == 0 {
			delete(m.locks, r)
		}
	}
}
