// ============================================================================
// Fabric 引擎 - 系統核心協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 引擎上下文物件，把所有模組接在一起並提供對外 API
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - Repository/Checkpoint: 任務與 Action 檢查點（持久化的真實來源）
//   - JobManager: 記憶體中的任務視圖與 WaitForJob 等待者
//   - Scheduler + LockManager: 全有或全無的資源預約、就緒佇列、鎖逾時
//   - Worker Pool + Executor: 固定數量 worker 執行 Action 鏈
//   - Compensation: 失敗或取消時反向回滾
//   - Event Bus: 發佈任務結果、把伺服器事件轉成程序提交
//
// 任務流程:
//   SubmitProcedure → CreateJob（持久化）→ Admit（取得鎖或排隊）
//   → worker 執行 → Acknowledge → 釋放鎖、喚醒等待者、發佈事件
//
// 崩潰恢復流程（Start 時執行）:
//   1. LastJobID 恢復 ID 計數器
//   2. ListUnfinished 依 ID 順序列出非終止任務
//   3. 檢查點不一致的任務停放（告警，不自動重試，仍持有鎖）
//   4. 其餘任務重新 Admit，從第一個未完成的 Action 繼續
//
// 並發安全:
//   - submitMu 讓 ID 配發與鎖佇列到達順序一致
//   - 事件處理器只把觸發請求放進 intake 佇列，儲存 I/O 在 intake goroutine 上執行
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/internal/compensation"
	"github.com/ChuLiYu/fabric-recovery/internal/events"
	"github.com/ChuLiYu/fabric-recovery/internal/executor"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fabric-recovery/internal/lockmanager"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/internal/retry"
	"github.com/ChuLiYu/fabric-recovery/internal/scheduler"
	"github.com/ChuLiYu/fabric-recovery/internal/worker"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNotStarted 引擎尚未啟動
	ErrNotStarted = errors.New("engine not started")
	// ErrAlreadyStarted 引擎已啟動
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrStopped 引擎已停止
	ErrStopped = errors.New("engine stopped")
	// ErrWaitTimeout WaitForJob 超過等待時間，任務仍未結束
	ErrWaitTimeout = errors.New("wait for job timed out")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 引擎配置
type Config struct {
	WorkerCount     int                        // Worker 數量
	LockTimeout     time.Duration              // 最長等待鎖時間，0 表示不限
	ScanInterval    time.Duration              // 鎖逾時掃描間隔
	Retry           *retry.Policy              // 預設重試預算
	UndoInterrupted bool                       // 恢復時先回滾中斷的 Action 再重新執行
	RetainFinished  int                        // JobManager 保留的終止任務數量
	Triggers        map[types.EventName]string // 伺服器事件 → 程序名稱，nil 使用 DefaultTriggers
}

// DefaultTriggers 預設的事件觸發對應
func DefaultTriggers() map[types.EventName]string {
	return map[types.EventName]string{
		types.EventServerLost:     procedure.ProcFailover,
		types.EventServerDemoted:  procedure.ProcDemote,
		types.EventServerPromoted: procedure.ProcPromote,
	}
}

// DefaultConfig 回傳預設配置
func DefaultConfig() Config {
	sc := scheduler.DefaultConfig()
	return Config{
		WorkerCount:    4,
		LockTimeout:    sc.LockTimeout,
		ScanInterval:   sc.ScanInterval,
		Retry:          retry.Default(),
		RetainFinished: jobmanager.DefaultRetain,
		Triggers:       DefaultTriggers(),
	}
}

// Observer 引擎層級的觀察者（metrics 實作）
type Observer interface {
	executor.Observer
	JobSubmitted(procedure string)
	LockTimedOut()
	Alarm(reason string)
	RecoveryFinished(d time.Duration, resumed, parked int)
}

// Deps 外部依賴
type Deps struct {
	Repository checkpoint.Repository // 必要
	Farm       farm.ServerAccess     // 必要
	Registry   *procedure.Registry   // nil 使用內建程序
	Bus        *events.Bus           // nil 由引擎建立並在 Stop 時關閉
	Observer   Observer              // 可選
	Tracing    trace.TracerProvider  // nil 使用全域 provider
}

// Request 以明確的 Action 鏈提交任務
type Request struct {
	Procedure string
	Steps     []procedure.Step
	Resources []types.ResourceID
	Args      map[string]string
	Exclusive bool
}

// Stats 引擎統計
type Stats struct {
	Uptime    string          `json:"uptime"`
	Workers   int             `json:"workers"`
	Busy      int             `json:"busy"`
	Jobs      map[string]int  `json:"jobs"`
	Parked    int             `json:"parked"`
	LastJobID types.JobID     `json:"last_job_id"`
	Scheduler scheduler.Stats `json:"scheduler"`
	Bus       events.Stats    `json:"bus"`
}

// Engine 引擎上下文物件
type Engine struct {
	cfg      Config
	repo     checkpoint.Repository
	ckpt     *checkpoint.Manager
	reg      *procedure.Registry
	farm     farm.ServerAccess
	bus      *events.Bus
	ownsBus  bool
	jobs     *jobmanager.JobManager
	sched    *scheduler.Scheduler
	comp     *compensation.Engine
	runner   *executor.Runner
	pool     *worker.Pool
	observer Observer
	now      func() time.Time

	mu        sync.Mutex // 保護生命週期狀態
	started   bool
	stopped   bool
	startTime time.Time

	submitMu sync.Mutex // 保護 ID 配發與提交順序
	nextID   types.JobID

	intake   *intake
	subs     []events.Subscription
	intakeWg sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立引擎實例
//
// 參數：
//   - cfg: 引擎配置
//   - deps: 外部依賴（Repository 與 Farm 為必要）
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Repository == nil {
		return nil, errors.New("engine: repository is required")
	}
	if deps.Farm == nil {
		return nil, errors.New("engine: server access is required")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.Default()
	}
	if cfg.Triggers == nil {
		cfg.Triggers = DefaultTriggers()
	}

	reg := deps.Registry
	if reg == nil {
		reg = procedure.NewDefaultRegistry()
	}
	bus := deps.Bus
	ownsBus := false
	if bus == nil {
		bus = events.NewBus()
		ownsBus = true
	}
	if o, ok := deps.Observer.(events.Observer); ok {
		bus.SetObserver(o)
	}

	e := &Engine{
		cfg:      cfg,
		repo:     deps.Repository,
		ckpt:     checkpoint.NewManager(deps.Repository),
		reg:      reg,
		farm:     deps.Farm,
		bus:      bus,
		ownsBus:  ownsBus,
		jobs:     jobmanager.NewJobManager(cfg.RetainFinished),
		observer: deps.Observer,
		now:      time.Now,
		intake:   newIntake(),
	}
	e.comp = compensation.New(e.ckpt, reg, deps.Farm).WithTracerProvider(deps.Tracing)

	var execObserver executor.Observer
	if deps.Observer != nil {
		execObserver = deps.Observer
	}
	e.runner = executor.New(executor.Deps{
		Checkpoints:  e.ckpt,
		Registry:     reg,
		Farm:         deps.Farm,
		Compensation: e.comp,
		Jobs:         e.jobs,
		Retry:        cfg.Retry,
		Observer:     execObserver,
		Tracing:      deps.Tracing,
	})
	e.sched = scheduler.New(scheduler.Config{
		LockTimeout:  cfg.LockTimeout,
		ScanInterval: cfg.ScanInterval,
	}, lockmanager.New(), scheduler.Hooks{
		OnTimeout: e.onLockTimeout,
		OnResult:  e.onResult,
	})
	e.pool = worker.NewPool(e.sched, worker.HandlerFunc(e.execute))
	return e, nil
}

// Start 啟動引擎
//
// 流程：
//  1. 恢復階段：從 Repository 重建任務表與鎖狀態
//  2. 啟動階段：鎖逾時掃描、Worker Pool、事件觸發
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.startTime = e.now()

	log.Info("Starting recovery...")
	report, err := e.recover(ctx)
	if err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}
	log.Info("Recovery completed",
		"duration", time.Since(e.startTime),
		"resumed_jobs", report.Resumed,
		"parked_jobs", report.Parked,
		"last_job_id", report.LastJobID)
	if e.observer != nil {
		e.observer.RecoveryFinished(time.Since(e.startTime), report.Resumed, report.Parked)
	}

	e.sched.Start()
	if err := e.pool.Start(e.cfg.WorkerCount); err != nil {
		e.sched.Stop()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	e.intakeWg.Add(1)
	go e.intakeLoop()
	e.subscribeTriggers()

	e.started = true
	log.Info("Engine started", "workers", e.cfg.WorkerCount)
	return nil
}

// Stop 優雅關閉引擎
//
// 關閉順序：
//  1. 取消事件訂閱並停止 intake（不再產生新任務）
//  2. 停止 Worker Pool：執行中的 Action 跑完，任務保持非終止狀態等待恢復
//  3. 停止排程器
//  4. 關閉自己建立的 Event Bus（送完佇列中的事件）
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	log.Info("Stopping engine...")

	if started {
		for _, sub := range e.subs {
			e.bus.Unsubscribe(sub)
		}
		e.intake.close()
		e.intakeWg.Wait()

		e.pool.Stop()
	}
	e.sched.Stop()
	if e.ownsBus {
		e.bus.Close()
	}
	log.Info("Engine stopped")
}

// ============================================================================
// 公開方法
// ============================================================================

// SubmitProcedure 依註冊的程序名稱提交任務
//
// 錯誤處理：
//   - types.ErrInvalidProcedure: 程序不存在、缺少必要參數或 Action 鏈為空
func (e *Engine) SubmitProcedure(ctx context.Context, name string, args map[string]string) (types.JobID, error) {
	plan, err := e.reg.Build(name, args)
	if err != nil {
		return 0, err
	}
	return e.submitPlan(ctx, plan)
}

// Submit 以明確的 Action 鏈提交任務
//
// 錯誤處理：
//   - types.ErrInvalidProcedure: Action 鏈為空，或獨佔任務沒有資源
//   - types.ErrUnknownAction: Action 或回滾 Action 未註冊
func (e *Engine) Submit(ctx context.Context, req Request) (types.JobID, error) {
	plan, err := e.reg.Plan(req.Procedure, req.Steps, req.Resources, req.Args, req.Exclusive)
	if err != nil {
		return 0, err
	}
	return e.submitPlan(ctx, plan)
}

func (e *Engine) submitPlan(ctx context.Context, plan *procedure.Plan) (types.JobID, error) {
	if err := e.running(); err != nil {
		return 0, err
	}

	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	id := e.nextID + 1
	now := e.now().UnixMilli()
	job := &types.Job{
		ID:        id,
		Procedure: plan.Procedure,
		Args:      plan.Args,
		Status:    types.JobEnqueued,
		Resources: plan.Resources,
		Exclusive: plan.Exclusive,
		CreatedAt: now,
		UpdatedAt: now,
		Actions:   plan.Actions,
	}
	for _, a := range job.Actions {
		a.JobID = id
	}

	// 先持久化（Write-Ahead），再進入排程
	if err := e.repo.CreateJob(ctx, job); err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	e.nextID = id

	if err := e.jobs.Add(job); err != nil {
		return id, fmt.Errorf("track job %d: %w", id, err)
	}
	if e.observer != nil {
		e.observer.JobSubmitted(job.Procedure)
	}

	granted, err := e.sched.Admit(id, job.Resources, false)
	if err != nil {
		// 任務已持久化為 ENQUEUED，下次啟動時由恢復流程排入
		return id, fmt.Errorf("admit job %d: %w", id, err)
	}
	if !granted {
		e.jobs.MarkWaiting(id)
	}
	log.Info("Job submitted", "job_id", id, "procedure", job.Procedure,
		"resources", job.Resources, "actions", len(job.Actions), "granted", granted)
	return id, nil
}

// WaitForJob 等待任務進入終止狀態
//
// 參數：
//   - timeout: 最長等待時間，<= 0 表示只受 ctx 限制
//
// 返回值：
//   - *types.Job: 任務快照（逾時時為當下狀態）
//   - error: ErrWaitTimeout、ctx 錯誤或 types.ErrJobNotFound
func (e *Engine) WaitForJob(ctx context.Context, id types.JobID, timeout time.Duration) (*types.Job, error) {
	done, ok := e.jobs.Done(id)
	if !ok {
		// 已被淘汰或屬於上一次執行：直接讀 Repository
		return e.loadJob(ctx, id)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-done:
		return e.GetJob(ctx, id)
	case <-ctx.Done():
		job, err := e.GetJob(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return job, ErrWaitTimeout
		}
		return job, ctx.Err()
	}
}

// GetJob 取得任務（含 Actions）
func (e *Engine) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	if job, ok := e.jobs.Get(id); ok && job.Actions != nil {
		return job, nil
	}
	return e.loadJob(ctx, id)
}

func (e *Engine) loadJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, err := e.repo.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if view, ok := e.jobs.Get(id); ok {
		job.Parked, job.ParkReason = view.Parked, view.ParkReason
		job.CancelRequested = job.CancelRequested || view.CancelRequested
	}
	return job, nil
}

// Cancel 要求取消任務
//
// 等待鎖的任務立即以 ErrJobCancelled 失敗；執行中的任務在下一個 Action
// 之前檢查旗標，已有 Action 完成時進入回滾。
func (e *Engine) Cancel(ctx context.Context, id types.JobID) error {
	if err := e.jobs.RequestCancel(id); err != nil {
		return err
	}
	if e.sched.Cancel(id) {
		e.failUnstarted(id, types.ErrJobCancelled)
	}
	log.Info("Job cancel requested", "job_id", id)
	return nil
}

// Parked 回傳因恢復不一致或內部錯誤而停放的任務
func (e *Engine) Parked() []*types.Job {
	return e.jobs.Parked()
}

// Purge 刪除 before 之前結束的任務；COMPENSATION_FAILED 保留給人工處理
func (e *Engine) Purge(ctx context.Context, before time.Time) (int, error) {
	finished, err := e.repo.ListFinished(ctx, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, job := range finished {
		if job.Status == types.JobCompensationFailed {
			continue
		}
		if err := e.repo.DeleteJob(ctx, job.ID); err != nil {
			return purged, fmt.Errorf("purge job %d: %w", job.ID, err)
		}
		e.jobs.Remove(job.ID)
		purged++
	}
	log.Info("Jobs purged", "count", purged, "before", before)
	return purged, nil
}

// Procedures 列出已註冊的程序
func (e *Engine) Procedures() []procedure.Procedure {
	return e.reg.Procedures()
}

// GroupView 群組成員的唯讀檢視
type GroupView struct {
	Group   string        `json:"group"`
	Master  string        `json:"master"`
	Servers []farm.Server `json:"servers"`
}

// LookupServers 回報群組目前的主庫與成員，status 非空時只列出該狀態的伺服器。
// 唯讀查詢，不建立任務也不取得鎖
func (e *Engine) LookupServers(ctx context.Context, group, status string) (*GroupView, error) {
	var want farm.ServerStatus
	if status != "" {
		st, err := farm.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		want = st
	}
	master, err := e.farm.Master(ctx, group)
	if err != nil {
		return nil, err
	}
	servers, err := e.farm.Servers(ctx, group)
	if err != nil {
		return nil, err
	}
	view := &GroupView{Group: group, Master: master, Servers: make([]farm.Server, 0, len(servers))}
	for _, s := range servers {
		if want == "" || s.Status == want {
			view.Servers = append(view.Servers, s)
		}
	}
	return view, nil
}

// Bus 回傳事件匯流排
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Stats 取得引擎統計
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	uptime := time.Duration(0)
	if e.started {
		uptime = time.Since(e.startTime)
	}
	e.mu.Unlock()

	e.submitMu.Lock()
	last := e.nextID
	e.submitMu.Unlock()

	return Stats{
		Uptime:    uptime.Truncate(time.Millisecond).String(),
		Workers:   e.pool.GetWorkerCount(),
		Busy:      e.pool.Busy(),
		Jobs:      e.jobs.Stats(),
		Parked:    len(e.jobs.Parked()),
		LastJobID: last,
		Scheduler: e.sched.Stats(),
		Bus:       e.bus.Stats(),
	}
}

// ============================================================================
// 排程器回呼
// ============================================================================

// execute 包裝 Runner：停放的任務不執行，保持持有鎖
func (e *Engine) execute(ctx context.Context, task worker.Task) worker.Result {
	if job, ok := e.jobs.Get(task.JobID); ok && job.Parked {
		log.Warn("Parked job not executed", "job_id", task.JobID, "reason", job.ParkReason)
		return worker.Result{JobID: task.JobID, Status: job.Status, Interrupted: true}
	}
	return e.runner.Execute(ctx, task)
}

// onResult 處理 worker 執行結果
func (e *Engine) onResult(ctx context.Context, res worker.Result) {
	if res.Interrupted {
		if res.Error != nil {
			e.park(res.JobID, res.Error.Error())
		}
		return
	}
	if !res.Status.IsTerminal() {
		log.Warn("Non-terminal result without interruption", "job_id", res.JobID, "status", res.Status)
		return
	}

	e.sched.Release(res.JobID)

	job := res.Job
	if job == nil {
		loaded, err := e.repo.LoadJob(ctx, res.JobID)
		if err != nil {
			log.Error("Failed to load finished job", "job_id", res.JobID, "error", err)
			return
		}
		job = loaded
	}
	e.finish(job)
}

// onLockTimeout 等待鎖逾時：任務從未持有資源，直接 FAILED
func (e *Engine) onLockTimeout(id types.JobID) {
	if e.observer != nil {
		e.observer.LockTimedOut()
	}
	e.failUnstarted(id, types.ErrLockTimeout)
}

// failUnstarted 把尚未執行任何 Action 的任務標記為 FAILED
func (e *Engine) failUnstarted(id types.JobID, cause error) {
	ctx := context.Background()
	job, err := e.repo.LoadJob(ctx, id)
	if err != nil {
		log.Error("Failed to load job", "job_id", id, "error", err)
		return
	}
	if job.Status.IsTerminal() {
		return
	}
	job.Status = types.JobFailed
	job.Error = cause.Error()
	if err := e.ckpt.SaveJob(ctx, job); err != nil {
		e.park(id, err.Error())
		return
	}
	if e.observer != nil {
		e.observer.JobFinished(job.Procedure, job.Status, 0)
	}
	e.finish(job)
}

// finish 更新任務表（喚醒等待者）並發佈結果事件
func (e *Engine) finish(job *types.Job) {
	if err := e.jobs.Put(job); err != nil && !errors.Is(err, jobmanager.ErrJobFinished) {
		log.Warn("Failed to update job view", "job_id", job.ID, "error", err)
	}
	name := resultEvent(job.Status)
	if _, err := e.bus.Publish(name, resultPayload(job)); err != nil {
		log.Warn("Failed to publish job event", "job_id", job.ID, "event", name, "error", err)
	}
	log.Info("Job finished", "job_id", job.ID, "procedure", job.Procedure, "status", job.Status, "error", job.Error)
}

// park 停放任務並發出告警；任務保持持有鎖，等待人工處理
func (e *Engine) park(id types.JobID, reason string) {
	e.jobs.Park(id, reason)
	log.Error("ALARM: job parked", "job_id", id, "reason", reason)
	if e.observer != nil {
		e.observer.Alarm("parked")
	}
}

func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.stopped:
		return ErrStopped
	case !e.started:
		return ErrNotStarted
	}
	return nil
}

func resultEvent(status types.JobStatus) types.EventName {
	switch status {
	case types.JobComplete:
		return types.EventJobComplete
	case types.JobCompensated:
		return types.EventJobCompensated
	default:
		return types.EventJobFailed
	}
}

// resultPayload 任務參數加上結果欄位
func resultPayload(job *types.Job) map[string]string {
	payload := make(map[string]string, len(job.Args)+4)
	for k, v := range job.Args {
		payload[k] = v
	}
	payload["job_id"] = strconv.FormatUint(uint64(job.ID), 10)
	payload["procedure"] = job.Procedure
	payload["status"] = string(job.Status)
	if job.Error != "" {
		payload["error"] = job.Error
	}
	return payload
}

func sortedIDs(jobs []*types.Job) []*types.Job {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}
