package executor

// ============================================================================
// Action 執行器（worker.Handler 實作）
// 職責：
// 1. 從檢查點載入任務，從第一個未完成的 Action 開始執行
// 2. 每個 Action 執行前寫入 RUNNING 檢查點，結束後一次寫入最終狀態與快照
// 3. Transient 錯誤依重試預算重試，Fatal（或預算用盡）觸發回滾
// 4. Action 之間檢查取消旗標與關機訊號
//
// 關機：
// - 執行中的 Action 不會被中斷（以 context.WithoutCancel 執行）
// - 下一個 Action 開始前發現關機 → 回傳 Interrupted，任務保持 RUNNING 等待恢復
//
// 終止狀態的 JobManager 更新與事件發佈由引擎在 Acknowledge 時處理。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/internal/compensation"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/internal/retry"
	"github.com/ChuLiYu/fabric-recovery/internal/worker"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

const tracerName = "fabric.executor"

// Observer 接收執行結果通知（metrics 使用），實作必須不阻塞
type Observer interface {
	ActionFinished(name string, status types.ActionStatus, d time.Duration)
	ActionRetried(name string)
	JobFinished(procedure string, status types.JobStatus, d time.Duration)
}

// Deps 執行器依賴
type Deps struct {
	Checkpoints  *checkpoint.Manager
	Registry     *procedure.Registry
	Farm         farm.ServerAccess
	Compensation *compensation.Engine
	Jobs         *jobmanager.JobManager
	Retry        *retry.Policy        // Action 沒有宣告重試設定時使用，nil 為 retry.Default()
	Observer     Observer             // 可選
	Tracing      trace.TracerProvider // nil 使用全域 provider
}

// Runner 執行任務的 Action 鏈
type Runner struct {
	ckpt     *checkpoint.Manager
	repo     checkpoint.Repository
	reg      *procedure.Registry
	farm     farm.ServerAccess
	comp     *compensation.Engine
	jobs     *jobmanager.JobManager
	retry    *retry.Policy
	observer Observer
	tracer   trace.Tracer
	log      *slog.Logger
}

// New 建立執行器
func New(d Deps) *Runner {
	policy := d.Retry
	if policy == nil {
		policy = retry.Default()
	}
	tp := d.Tracing
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	comp := d.Compensation
	if comp == nil {
		comp = compensation.New(d.Checkpoints, d.Registry, d.Farm).WithTracerProvider(d.Tracing)
	}
	return &Runner{
		ckpt:     d.Checkpoints,
		repo:     d.Checkpoints.Repository(),
		reg:      d.Registry,
		farm:     d.Farm,
		comp:     comp,
		jobs:     d.Jobs,
		retry:    policy,
		observer: d.Observer,
		tracer:   tp.Tracer(tracerName),
		log:      slog.With("component", "executor"),
	}
}

// outcome 單一 Action 的執行結果
type outcome int

const (
	actionDone        outcome = iota
	actionFailed              // 最終失敗，觸發回滾
	actionInterrupted         // 關機或檢查點寫入失敗，Action 保持 RUNNING
)

// Execute 實作 worker.Handler
func (r *Runner) Execute(ctx context.Context, task worker.Task) worker.Result {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "executor.Job", trace.WithAttributes(
		attribute.Int64("job.id", int64(task.JobID)),
		attribute.Bool("job.resumed", task.Resumed),
		attribute.Int("worker.id", task.WorkerID),
	))
	defer span.End()

	res := r.execute(ctx, task, start)
	span.SetAttributes(attribute.String("job.status", string(res.Status)))
	switch {
	case res.Interrupted:
		span.SetStatus(codes.Error, "interrupted")
	case res.Error != nil:
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
	return res
}

func (r *Runner) execute(ctx context.Context, task worker.Task, start time.Time) worker.Result {
	store := context.WithoutCancel(ctx)

	job, err := r.repo.LoadJob(store, task.JobID)
	if err != nil {
		return worker.Result{JobID: task.JobID, Interrupted: true, Error: fmt.Errorf("load job: %w", err)}
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("job.procedure", job.Procedure))
	log := r.log.With("job_id", job.ID, "procedure", job.Procedure)

	if job.Status.IsTerminal() {
		return worker.Result{JobID: job.ID, Status: job.Status, Job: job}
	}
	if job.Status == types.JobCompensating {
		log.Info("resuming compensation")
		return r.compensate(ctx, job, nil, start)
	}

	if r.cancelled(job) && !anyCompleted(job) {
		return r.cancelBeforeStart(ctx, job, start)
	}

	job.Status = types.JobRunning
	if err := r.ckpt.SaveJob(store, job); err != nil {
		return worker.Result{JobID: job.ID, Status: job.Status, Interrupted: true, Error: err}
	}
	r.put(job)
	log.Info("job running", "from_action", job.FirstIncomplete(), "actions", len(job.Actions), "resumed", task.Resumed)

	for i := job.FirstIncomplete(); i < len(job.Actions); i++ {
		a := job.Actions[i]

		if a.Status == types.ActionFailed {
			// 最終失敗已寫入檢查點，但任務狀態在崩潰前未更新
			// FAILED 只在重試次數用盡後才寫入，因此直接進入回滾
			return r.compensate(ctx, job, errors.New(a.Error), start)
		}
		if ctx.Err() != nil {
			log.Info("job interrupted by shutdown", "next_action", i)
			return worker.Result{JobID: job.ID, Status: job.Status, Interrupted: true}
		}
		if r.cancelled(job) {
			if !anyCompleted(job) {
				return r.cancelBeforeStart(ctx, job, start)
			}
			log.Info("job cancelled, compensating", "next_action", i)
			return r.compensate(ctx, job, types.ErrJobCancelled, start)
		}

		out, aerr := r.runAction(ctx, job, a)
		switch out {
		case actionInterrupted:
			return worker.Result{JobID: job.ID, Status: job.Status, Interrupted: true, Error: aerr}
		case actionFailed:
			log.Warn("action failed", "index", a.Index, "action", a.Name, "error", aerr)
			return r.compensate(ctx, job, aerr, start)
		}
	}

	job.Status = types.JobComplete
	job.Error = ""
	job.Result = mergeSnapshots(job, len(job.Actions))
	return r.finish(ctx, job, nil, start)
}

// runAction 執行單一 Action（含重試）
func (r *Runner) runAction(ctx context.Context, job *types.Job, a *types.Action) (outcome, error) {
	store := context.WithoutCancel(ctx)
	ctx, span := r.tracer.Start(ctx, "executor.Action", trace.WithAttributes(
		attribute.Int("action.index", a.Index),
		attribute.String("action.name", a.Name),
	))
	defer span.End()

	kind, ok := r.reg.Action(a.Name)
	if !ok {
		err := types.NewFatalError(fmt.Errorf("%w: %s", types.ErrUnknownAction, a.Name))
		if ferr := r.ckpt.Fail(store, a, err); ferr != nil {
			return actionInterrupted, ferr
		}
		return actionFailed, err
	}
	policy := retry.FromSpec(a.Retry, r.retry)
	prior := mergeSnapshots(job, a.Index)

	for attempt := 1; ; attempt++ {
		if err := r.ckpt.Begin(store, a); err != nil {
			span.RecordError(err)
			return actionInterrupted, err
		}

		ac := &procedure.Context{
			JobID:     job.ID,
			Procedure: job.Procedure,
			Index:     a.Index,
			Attempt:   attempt,
			Args:      job.Args,
			Params:    a.Params,
			Prior:     prior,
			Farm:      r.farm,
			Log:       r.log.With("job_id", job.ID, "action", a.Name, "index", a.Index),
		}
		began := time.Now()
		snapshot, err := invoke(ctx, kind, ac)
		if err == nil {
			if cerr := r.ckpt.Complete(store, a, snapshot, checkpoint.NextCompletedSeq(job)); cerr != nil {
				span.RecordError(cerr)
				return actionInterrupted, cerr
			}
			r.actionFinished(a.Name, types.ActionComplete, time.Since(began))
			span.SetAttributes(attribute.Int("action.attempts", attempt))
			span.SetStatus(codes.Ok, "")
			return actionDone, nil
		}

		if policy.ShouldRetry(attempt, err) {
			r.log.Warn("action failed, retrying", "job_id", job.ID, "index", a.Index, "action", a.Name,
				"attempt", attempt, "error", err)
			if r.observer != nil {
				r.observer.ActionRetried(a.Name)
			}
			if werr := policy.Wait(ctx, attempt); werr != nil {
				// 關機：Action 保持 RUNNING，恢復時重新執行
				return actionInterrupted, nil
			}
			continue
		}

		if ferr := r.ckpt.Fail(store, a, err); ferr != nil {
			return actionInterrupted, ferr
		}
		r.actionFinished(a.Name, types.ActionFailed, time.Since(began))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return actionFailed, err
	}
}

// invoke 執行 Action；panic 視為致命錯誤
func invoke(ctx context.Context, kind procedure.Kind, ac *procedure.Context) (snapshot map[string]string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			snapshot = nil
			err = types.NewFatalError(fmt.Errorf("action %s panic: %v", kind.Name, rec))
		}
	}()
	return kind.Do(context.WithoutCancel(ctx), ac)
}

// compensate 把任務標記為 COMPENSATING 並回滾已完成的 Action
func (r *Runner) compensate(ctx context.Context, job *types.Job, cause error, start time.Time) worker.Result {
	store := context.WithoutCancel(ctx)

	if job.Status != types.JobCompensating {
		job.Status = types.JobCompensating
		if cause != nil {
			job.Error = cause.Error()
		}
		if err := r.ckpt.SaveJob(store, job); err != nil {
			return worker.Result{JobID: job.ID, Status: job.Status, Interrupted: true, Error: err}
		}
		r.put(job)
	}

	res, err := r.comp.Run(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return worker.Result{JobID: job.ID, Status: job.Status, Interrupted: true}
		}
		return worker.Result{JobID: job.ID, Status: job.Status, Interrupted: true, Error: err}
	}

	final := cause
	if res.Err != nil {
		job.Status = types.JobCompensationFailed
		final = errors.Join(cause, res.Err)
		job.Error = final.Error()
	} else {
		job.Status = types.JobCompensated
		if final == nil && job.Error != "" {
			final = errors.New(job.Error)
		}
	}
	r.log.Info("job compensated", "job_id", job.ID, "status", job.Status,
		"compensated", res.Compensated, "skipped", res.Skipped, "failed", res.Failed)
	return r.finish(ctx, job, final, start)
}

// cancelBeforeStart 沒有任何 Action 完成時取消，任務直接 FAILED
func (r *Runner) cancelBeforeStart(ctx context.Context, job *types.Job, start time.Time) worker.Result {
	job.Status = types.JobFailed
	job.Error = types.ErrJobCancelled.Error()
	r.log.Info("job cancelled before any action completed", "job_id", job.ID)
	return r.finish(ctx, job, types.ErrJobCancelled, start)
}

// finish 寫入終止狀態
func (r *Runner) finish(ctx context.Context, job *types.Job, cause error, start time.Time) worker.Result {
	if err := r.ckpt.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		return worker.Result{JobID: job.ID, Status: job.Status, Interrupted: true, Error: err}
	}
	if r.observer != nil {
		r.observer.JobFinished(job.Procedure, job.Status, time.Since(start))
	}
	return worker.Result{JobID: job.ID, Status: job.Status, Error: cause, Job: job.Clone()}
}

func (r *Runner) cancelled(job *types.Job) bool {
	if job.CancelRequested {
		return true
	}
	if r.jobs != nil && r.jobs.CancelRequested(job.ID) {
		job.CancelRequested = true
		return true
	}
	return false
}

// put 更新 JobManager 中的非終止狀態
func (r *Runner) put(job *types.Job) {
	if r.jobs == nil {
		return
	}
	if err := r.jobs.Put(job); err != nil {
		r.log.Debug("job view not updated", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) actionFinished(name string, status types.ActionStatus, d time.Duration) {
	if r.observer != nil {
		r.observer.ActionFinished(name, status, d)
	}
}

func anyCompleted(job *types.Job) bool {
	for _, a := range job.Actions {
		if a.Status == types.ActionComplete {
			return true
		}
	}
	return false
}

// mergeSnapshots 合併索引小於 upto 的已完成 Action 快照
func mergeSnapshots(job *types.Job, upto int) map[string]string {
	out := make(map[string]string)
	for _, a := range job.Actions {
		if a.Index >= upto || a.Status != types.ActionComplete {
			continue
		}
		for k, v := range a.Snapshot {
			out[k] = v
		}
	}
	return out
}
