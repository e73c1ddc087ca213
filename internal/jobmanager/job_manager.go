// ============================================================================
// 任務管理器 - 活動任務表
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存引擎中每個任務的最新狀態，並提供 WaitForJob 所需的等待機制
//
// 設計理念:
//   Repository 是持久化的真實來源；JobManager 是記憶體中的視圖：
//   1. jobs map - 活動任務與最近結束任務的深拷貝
//   2. 狀態索引 - byStatus 提供各狀態數量與快速篩選
//   3. done channel - 任務進入終止狀態時關閉，用於喚醒等待者
//
// 任務狀態轉換 (State Machine):
//   ENQUEUED ──→ WAITING_LOCKS ──→ RUNNING ──→ COMPLETE
//      │              │               │
//      │              └→ FAILED       └→ COMPENSATING ─→ COMPENSATED
//      └→ RUNNING (直接取得鎖)                         └→ COMPENSATION_FAILED
//
// 保留策略:
//   終止任務保留在表中直到超過 retain 上限（FIFO 淘汰），之後 WaitForJob
//   改由 Repository 讀取。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有資料結構
//   - 所有回傳的 Job 都是深拷貝，呼叫者可以自由修改
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務已經結束
	ErrJobFinished = errors.New("job already finished")
)

// DefaultRetain 預設保留的終止任務數量
const DefaultRetain = 1024

// JobManager 活動任務表
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job
	byStatus map[types.JobStatus]map[types.JobID]struct{}
	done     map[types.JobID]chan struct{}
	cancel   map[types.JobID]bool
	finished []types.JobID // 終止順序，用於淘汰
	retain   int
}

// NewJobManager 建立新的任務管理器
//
// 參數說明：
//   - retain: 保留的終止任務上限，<= 0 使用 DefaultRetain
func NewJobManager(retain int) *JobManager {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &JobManager{
		jobs:     make(map[types.JobID]*types.Job),
		byStatus: make(map[types.JobStatus]map[types.JobID]struct{}),
		done:     make(map[types.JobID]chan struct{}),
		cancel:   make(map[types.JobID]bool),
		retain:   retain,
	}
}

// Add 加入新任務
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
func (jm *JobManager) Add(job *types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	cp := job.Clone()
	jm.jobs[job.ID] = cp
	jm.indexLocked(cp.ID, "", cp.Status)
	jm.done[job.ID] = make(chan struct{})
	if job.CancelRequested {
		jm.cancel[job.ID] = true
	}
	if cp.Status.IsTerminal() {
		jm.finishLocked(cp.ID)
	}
	return nil
}

// Put 以新的快照取代任務狀態；進入終止狀態時喚醒等待者
//
// 錯誤處理：
//   - types.ErrJobNotFound: 任務不在表中
//   - ErrJobFinished: 任務已經結束（終止狀態不可回退）
func (jm *JobManager) Put(job *types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	old, exists := jm.jobs[job.ID]
	if !exists {
		return types.ErrJobNotFound
	}
	if old.Status.IsTerminal() {
		return ErrJobFinished
	}
	cp := job.Clone()
	if cp.Actions == nil {
		cp.Actions = old.Actions
	}
	jm.jobs[job.ID] = cp
	jm.indexLocked(cp.ID, old.Status, cp.Status)
	if cp.Status.IsTerminal() {
		jm.finishLocked(cp.ID)
	}
	return nil
}

// MarkWaiting 將 ENQUEUED 任務標記為 WAITING_LOCKS
// 任務已被提升並開始執行時不做任何事
func (jm *JobManager) MarkWaiting(id types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists || job.Status != types.JobEnqueued {
		return false
	}
	job.Status = types.JobWaitingLocks
	jm.indexLocked(id, types.JobEnqueued, types.JobWaitingLocks)
	return true
}

// Park 標記任務為人工處理（不會自動重試）
func (jm *JobManager) Park(id types.JobID, reason string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if job, exists := jm.jobs[id]; exists {
		job.Parked = true
		job.ParkReason = reason
	}
}

// RequestCancel 設定取消旗標，worker 在 Action 之間檢查
func (jm *JobManager) RequestCancel(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return types.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return ErrJobFinished
	}
	job.CancelRequested = true
	jm.cancel[id] = true
	return nil
}

// CancelRequested 檢查任務是否被要求取消
func (jm *JobManager) CancelRequested(id types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.cancel[id]
}

// Get 取得任務的深拷貝
func (jm *JobManager) Get(id types.JobID) (*types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.Clone(), true
}

// Done 回傳任務結束時關閉的 channel
func (jm *JobManager) Done(id types.JobID) (<-chan struct{}, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	ch, exists := jm.done[id]
	return ch, exists
}

// Active 回傳所有非終止任務（依 ID 排序）
func (jm *JobManager) Active() []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		if !job.Status.IsTerminal() {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Parked 回傳被停放的任務
func (jm *JobManager) Parked() []*types.Job {
	var out []*types.Job
	for _, job := range jm.Active() {
		if job.Parked {
			out = append(out, job)
		}
	}
	return out
}

// FindActive 尋找同一程序、同一群組的非終止任務（觸發器去重使用）
func (jm *JobManager) FindActive(procedure, group string) (types.JobID, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var found types.JobID
	for id, job := range jm.jobs {
		if job.Status.IsTerminal() || job.Parked {
			continue
		}
		if job.Procedure == procedure && job.Group() == group {
			if found == 0 || id < found {
				found = id
			}
		}
	}
	return found, found != 0
}

// Remove 從表中移除任務（Purge 使用）
func (jm *JobManager) Remove(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return
	}
	jm.indexLocked(id, job.Status, "")
	delete(jm.jobs, id)
	delete(jm.done, id)
	delete(jm.cancel, id)
}

// Len 回傳表中的任務數量
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// Stats 取得各狀態任務數量
//
// 使用範例：
//
//	stats := jm.Stats()
//	log.Info("jobs", "running", stats["RUNNING"], "waiting", stats["WAITING_LOCKS"])
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make(map[string]int, len(jm.byStatus))
	for status, ids := range jm.byStatus {
		out[string(status)] = len(ids)
	}
	return out
}

// ============================================================================
// 內部方法（呼叫者須持有 jm.mu）
// ============================================================================

func (jm *JobManager) indexLocked(id types.JobID, from, to types.JobStatus) {
	if from != "" {
		if set := jm.byStatus[from]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(jm.byStatus, from)
			}
		}
	}
	if to != "" {
		set := jm.byStatus[to]
		if set == nil {
			set = make(map[types.JobID]struct{})
			jm.byStatus[to] = set
		}
		set[id] = struct{}{}
	}
}

func (jm *JobManager) finishLocked(id types.JobID) {
	if ch, ok := jm.done[id]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
	delete(jm.cancel, id)
	jm.finished = append(jm.finished, id)

	for len(jm.finished) > jm.retain {
		oldest := jm.finished[0]
		jm.finished = jm.finished[1:]
		if job, ok := jm.jobs[oldest]; ok && job.Status.IsTerminal() {
			jm.indexLocked(oldest, job.Status, "")
			delete(jm.jobs, oldest)
			delete(jm.done, oldest)
		}
	}
}
