package compensation

// ============================================================================
// 回滾引擎
// 職責：
// 1. 依完成順序的反向，對每個已完成的 Action 執行其回滾 Action
// 2. 盡力而為：某個回滾失敗時記錄並繼續下一個
// 3. 每個 Action 的回滾結果都寫入檢查點，崩潰後可從中斷處繼續
//
// 結果：
// - 全部成功（或沒有註冊回滾）→ 呼叫者把任務標記為 COMPENSATED
// - 有任何失敗 → Result.Err 包含 ErrCompensationFailure，任務為 COMPENSATION_FAILED
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/fabric-recovery/internal/checkpoint"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

const tracerName = "fabric.compensation"

// Result 回滾結果（Action 索引）
type Result struct {
	Compensated []int // 回滾成功
	Skipped     []int // 沒有註冊回滾 Action
	Failed      []int // 回滾失敗
	Err         error // 失敗原因的 errors.Join，包裝 ErrCompensationFailure
}

// Engine 回滾引擎
type Engine struct {
	ckpt *checkpoint.Manager
	reg  *procedure.Registry
	farm   farm.ServerAccess
	tracer trace.Tracer
	log    *slog.Logger
}

// New 建立回滾引擎
func New(ckpt *checkpoint.Manager, reg *procedure.Registry, access farm.ServerAccess) *Engine {
	return &Engine{
		ckpt: ckpt,
		reg:  reg,
		farm:   access,
		tracer: otel.Tracer(tracerName),
		log:    slog.With("component", "compensation"),
	}
}

// WithTracerProvider 改用指定的 TracerProvider 回報 span
func (e *Engine) WithTracerProvider(tp trace.TracerProvider) *Engine {
	if tp != nil {
		e.tracer = tp.Tracer(tracerName)
	}
	return e
}

// Run 依完成順序反向回滾任務中已完成的 Action
//
// 回傳的 error 只代表無法繼續（context 取消或檢查點寫入失敗），
// 此時任務應保持 COMPENSATING 等待恢復流程；回滾本身的失敗放在 Result.Err。
func (e *Engine) Run(ctx context.Context, job *types.Job) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "compensation.Run", trace.WithAttributes(
		attribute.Int64("job.id", int64(job.ID)),
		attribute.String("job.procedure", job.Procedure),
	))
	defer span.End()

	var res Result
	var failures []error

	for _, a := range completedNewestFirst(job) {
		switch a.Compensation {
		case types.CompensationDone:
			res.Compensated = append(res.Compensated, a.Index)
			continue
		case types.CompensationSkipped:
			res.Skipped = append(res.Skipped, a.Index)
			continue
		case types.CompensationFailed:
			// 崩潰前已失敗的回滾不重新執行
			res.Failed = append(res.Failed, a.Index)
			failures = append(failures, fmt.Errorf("action %d %s: %s", a.Index, a.Name, a.CompensationError))
			continue
		}

		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "interrupted")
			return res, err
		}

		if a.Compensator == "" {
			if err := e.ckpt.Compensated(context.WithoutCancel(ctx), a, types.CompensationSkipped, nil); err != nil {
				return res, err
			}
			res.Skipped = append(res.Skipped, a.Index)
			continue
		}

		cerr := e.invoke(ctx, job, a)
		status := types.CompensationDone
		if cerr != nil {
			status = types.CompensationFailed
			e.log.Error("compensation failed", "job_id", job.ID, "index", a.Index, "action", a.Name,
				"compensator", a.Compensator, "error", cerr)
		}
		if err := e.ckpt.Compensated(context.WithoutCancel(ctx), a, status, cerr); err != nil {
			return res, err
		}
		if cerr != nil {
			res.Failed = append(res.Failed, a.Index)
			failures = append(failures, fmt.Errorf("action %d %s: %w", a.Index, a.Name, cerr))
			continue
		}
		res.Compensated = append(res.Compensated, a.Index)
		e.log.Info("action compensated", "job_id", job.ID, "index", a.Index, "compensator", a.Compensator)
	}

	if len(failures) > 0 {
		res.Err = fmt.Errorf("%w: %w", types.ErrCompensationFailure, errors.Join(failures...))
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "compensation failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("compensation.done", len(res.Compensated)),
		attribute.Int("compensation.failed", len(res.Failed)),
	)
	return res, nil
}

// Undo 執行單一 Action 的回滾，不記錄回滾狀態（恢復流程處理中斷的 Action 時使用）
func (e *Engine) Undo(ctx context.Context, job *types.Job, a *types.Action) error {
	if a.Compensator == "" {
		return nil
	}
	return e.invoke(ctx, job, a)
}

// invoke 執行回滾 Action；panic 視為失敗
func (e *Engine) invoke(ctx context.Context, job *types.Job, a *types.Action) (err error) {
	ctx, span := e.tracer.Start(ctx, "compensation.Action", trace.WithAttributes(
		attribute.Int("action.index", a.Index),
		attribute.String("action.name", a.Name),
		attribute.String("action.compensator", a.Compensator),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensator %s panic: %v", a.Compensator, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	kind, ok := e.reg.Action(a.Compensator)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownAction, a.Compensator)
	}
	ac := &procedure.Context{
		JobID:     job.ID,
		Procedure: job.Procedure,
		Index:     a.Index,
		Args:      job.Args,
		Params:    a.Params,
		Prior:     priorSnapshots(job, a),
		Snapshot:  a.Snapshot,
		Farm:      e.farm,
		Log:       e.log.With("job_id", job.ID, "compensator", a.Compensator),
	}
	_, err = kind.Do(context.WithoutCancel(ctx), ac)
	return err
}

// completedNewestFirst 回傳已完成的 Action，依完成順序由新到舊
func completedNewestFirst(job *types.Job) []*types.Action {
	var out []*types.Action
	for _, a := range job.Actions {
		if a.Status == types.ActionComplete {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CompletedSeq > out[j].CompletedSeq })
	return out
}

// priorSnapshots 合併 a 之前已完成的 Action 快照
func priorSnapshots(job *types.Job, a *types.Action) map[string]string {
	out := make(map[string]string)
	for _, p := range job.Actions {
		if p.Status != types.ActionComplete || p.Index >= a.Index {
			continue
		}
		for k, v := range p.Snapshot {
			out[k] = v
		}
	}
	return out
}
