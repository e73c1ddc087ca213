// ============================================================================
// Executor Pool - 固定數量的 worker
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期
//
// 設計模式:
//   1. 固定數量的 Worker goroutine 持續運行，每個最多擁有一個任務
//   2. Worker 從 JobSource 拉取已取得鎖的任務（等待鎖的任務不佔用 worker）
//   3. 結果透過 JobSource.Acknowledge 回報
//
// 架構組件:
//   ┌─────────────┐  Next()   ┌────────────┐
//   │  Scheduler  │ ────────→ │  Worker 1  │──┐
//   │ (JobSource) │ ────────→ │  Worker 2  │──┼─→ Handler.Execute()
//   │             │ ←──────── │  Worker n  │──┘
//   └─────────────┘ Acknowledge()
//
// 生命週期:
//   1. NewPool(source, handler)
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Stop() - 取消 context，等待所有 Worker 在 Action 之間停下
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrInvalidWorkerCount worker 數量必須大於 0
	ErrInvalidWorkerCount = errors.New("worker count must be positive")
)

// Pool 代表 Worker 池
type Pool struct {
	source  JobSource
	handler Handler

	workers []*Worker
	busy    atomic.Int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewPool 建立新的 Worker Pool
func NewPool(source JobSource, handler Handler) *Pool {
	return &Pool{
		source:  source,
		handler: handler,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	if workerCount <= 0 {
		return ErrInvalidWorkerCount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.source, p.handler, &p.busy)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}

	p.started = true
	return nil
}

// Stop 通知所有 Worker 停止並等待它們退出
// 執行中的 Action 不會被中斷；任務在下一個 Action 之前停下
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Busy 返回正在執行任務的 Worker 數量
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}
