package scheduler

// ============================================================================
// 排程器 / 任務佇列
// 職責：
// 1. 以 Lock Manager 為任務預約整組資源（全有或全無）
// 2. 取得全部鎖的任務進入就緒佇列，由 worker 透過 Next() 拉取
// 3. 等待鎖超過上限的任務移出等待佇列，以 ErrLockTimeout 失敗
// 4. 任務結束後釋放鎖，並把被提升的等待者放入就緒佇列
//
// 等待鎖的任務只存在於 Lock Manager 的佇列中，不佔用 worker。
// ============================================================================

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/fabric-recovery/internal/lockmanager"
	"github.com/ChuLiYu/fabric-recovery/internal/worker"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

var log = slog.Default()

// ErrSchedulerStopped 排程器已停止
var ErrSchedulerStopped = errors.New("scheduler stopped")

// Config 排程器設定
type Config struct {
	LockTimeout  time.Duration // 最長等待鎖時間，0 表示不限
	ScanInterval time.Duration // 逾時掃描間隔
}

// DefaultConfig 回傳預設設定
func DefaultConfig() Config {
	return Config{
		LockTimeout:  30 * time.Second,
		ScanInterval: 200 * time.Millisecond,
	}
}

// Hooks 排程器回呼，皆在呼叫者 goroutine 上執行且不持有內部鎖
type Hooks struct {
	// OnTimeout 任務已移出所有等待佇列，從未持有任何資源
	OnTimeout func(id types.JobID)
	// OnResult worker 回報執行結果
	OnResult func(ctx context.Context, result worker.Result)
}

// Stats 排程器統計
type Stats struct {
	Ready   int              `json:"ready"`
	Waiting int              `json:"waiting"`
	Locks   lockmanager.Stats `json:"locks"`
}

// Scheduler 排程器，實作 worker.JobSource
type Scheduler struct {
	cfg   Config
	locks *lockmanager.Manager
	hooks Hooks
	now   func() time.Time

	mu      sync.Mutex
	ready   []worker.Task
	waiting map[types.JobID]time.Time // 進入等待的時間
	resumed map[types.JobID]bool
	stopped bool

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 建立排程器
func New(cfg Config, locks *lockmanager.Manager, hooks Hooks) *Scheduler {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	return &Scheduler{
		cfg:     cfg,
		locks:   locks,
		hooks:   hooks,
		now:     time.Now,
		waiting: make(map[types.JobID]time.Time),
		resumed: make(map[types.JobID]bool),
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start 啟動鎖逾時掃描
func (s *Scheduler) Start() {
	if s.cfg.LockTimeout <= 0 {
		return
	}
	s.wg.Add(1)
	go s.timeoutLoop()
}

// Stop 停止掃描並讓 Next 回傳 worker.ErrSourceClosed
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Admit 嘗試為任務取得整組資源
//
// 回傳：
//   - true：已取得，任務進入就緒佇列
//   - false：任務在每個資源的等待佇列中
//
// 沒有資源的任務（非獨佔程序）直接就緒
func (s *Scheduler) Admit(id types.JobID, resources []types.ResourceID, resumed bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false, ErrSchedulerStopped
	}
	if resumed {
		s.resumed[id] = true
	}

	if len(types.CanonicalResources(resources)) == 0 {
		s.pushLocked(id)
		return true, nil
	}

	// 持有 s.mu 呼叫 Lock Manager：同一任務的授予一定在記錄等待之後才會被處理
	granted, err := s.locks.AcquireAll(id, resources)
	if err != nil {
		delete(s.resumed, id)
		return false, err
	}
	if granted {
		s.pushLocked(id)
		return true, nil
	}
	s.waiting[id] = s.now()
	log.Debug("job waiting for locks", "job_id", id, "resources", resources)
	return false, nil
}

// Release 釋放任務的全部資源，被提升的等待者進入就緒佇列
func (s *Scheduler) Release(id types.JobID) []types.JobID {
	granted := s.locks.ReleaseAll(id)
	s.dispatch(granted)
	return granted
}

// Cancel 將等待中的任務移出佇列
// 回傳 false 表示任務不在等待中（已取得鎖或不存在）
func (s *Scheduler) Cancel(id types.JobID) bool {
	removed, granted := s.locks.CancelWait(id)
	s.mu.Lock()
	if removed {
		delete(s.waiting, id)
		delete(s.resumed, id)
	}
	s.mu.Unlock()
	s.dispatch(granted)
	return removed
}

// Next 實作 worker.JobSource
func (s *Scheduler) Next(ctx context.Context) (worker.Task, error) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return worker.Task{}, worker.ErrSourceClosed
		}
		if len(s.ready) > 0 {
			task := s.ready[0]
			s.ready[0] = worker.Task{}
			s.ready = s.ready[1:]
			more := len(s.ready) > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return task, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return worker.Task{}, ctx.Err()
		case <-s.stopCh:
			return worker.Task{}, worker.ErrSourceClosed
		case <-s.notify:
		}
	}
}

// Acknowledge 實作 worker.JobSource
func (s *Scheduler) Acknowledge(ctx context.Context, result worker.Result) {
	if s.hooks.OnResult != nil {
		s.hooks.OnResult(ctx, result)
	}
}

// IsWaiting 任務是否在等待鎖
func (s *Scheduler) IsWaiting(id types.JobID) bool {
	return s.locks.IsWaiting(id)
}

// Locks 回傳底層 Lock Manager
func (s *Scheduler) Locks() *lockmanager.Manager {
	return s.locks
}

// Stats 回傳統計資訊
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	ready := len(s.ready)
	waiting := len(s.waiting)
	s.mu.Unlock()
	return Stats{Ready: ready, Waiting: waiting, Locks: s.locks.Stats()}
}

// ============================================================================
// 內部方法
// ============================================================================

func (s *Scheduler) dispatch(granted []types.JobID) {
	if len(granted) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range granted {
		delete(s.waiting, id)
		s.pushLocked(id)
	}
	s.mu.Unlock()
	log.Debug("waiters promoted", "job_ids", granted)
}

func (s *Scheduler) pushLocked(id types.JobID) {
	s.ready = append(s.ready, worker.Task{
		JobID:   id,
		Resumed: s.resumed[id],
		ReadyAt: s.now(),
	})
	delete(s.resumed, id)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) timeoutLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanTimeouts()
		}
	}
}

// scanTimeouts 找出等待超時的任務並移出佇列
// CancelWait 回傳 false 代表任務剛好被提升，不算逾時
func (s *Scheduler) scanTimeouts() {
	now := s.now()
	s.mu.Lock()
	var expired []types.JobID
	for id, since := range s.waiting {
		if now.Sub(since) >= s.cfg.LockTimeout {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if !s.Cancel(id) {
			s.mu.Lock()
			if !s.locks.IsWaiting(id) {
				delete(s.waiting, id)
			}
			s.mu.Unlock()
			continue
		}
		log.Warn("lock wait timeout", "job_id", id, "timeout", s.cfg.LockTimeout)
		if s.hooks.OnTimeout != nil {
			s.hooks.OnTimeout(id)
		}
	}
}
