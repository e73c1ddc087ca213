package engine

// ============================================================================
// 崩潰恢復
// 職責：
// 1. 恢復 ID 計數器（刪除過的 ID 不回收）
// 2. 分兩輪重新排入非終止任務：先排已開始的任務，再排尚未開始的任務，
//    每輪依 ID 順序；鎖狀態完全在記憶體中重建
// 3. 檢查點處於不可能的狀態時停放任務並告警，不自動重試
// 4. UndoInterrupted 策略：中斷在 RUNNING 的 Action 先執行回滾，再重設為 PENDING
//
// 不一致規則（checkConsistency）：
// - 任務沒有任何 Action
// - ENQUEUED 任務卻有非 PENDING 的 Action（RUNNING 前一定先寫入任務狀態）
// - 超過一個 Action 處於 RUNNING
// - 未完成的 Action 之後出現 COMPLETE 的 Action（違反依序執行）
// - FAILED 的 Action 之後出現已開始的 Action
// - 兩個 COMPLETE 的 Action 完成序號相同
// - 未完成的 Action 帶有回滾狀態
// - COMPENSATING 任務仍有 RUNNING 的 Action
// ============================================================================

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// recoveryReport 恢復結果
type recoveryReport struct {
	Resumed   int
	Parked    int
	LastJobID types.JobID
}

func (e *Engine) recover(ctx context.Context) (recoveryReport, error) {
	var report recoveryReport

	last, err := e.repo.LastJobID(ctx)
	if err != nil {
		return report, fmt.Errorf("last job id: %w", err)
	}

	unfinished, err := e.repo.ListUnfinished(ctx)
	if err != nil {
		return report, fmt.Errorf("list unfinished jobs: %w", err)
	}

	// 已開始的任務崩潰前一定持有鎖，必須先於尚未開始的任務取得鎖
	var begun, pending []*types.Job
	parked := make(map[types.JobID]bool)
	for _, job := range sortedIDs(unfinished) {
		if job.ID > last {
			last = job.ID
		}
		if err := e.jobs.Add(job); err != nil {
			return report, fmt.Errorf("track job %d: %w", job.ID, err)
		}
		if hasBegun(job) {
			begun = append(begun, job)
		} else {
			pending = append(pending, job)
		}

		reason := ""
		if cerr := checkConsistency(job); cerr != nil {
			reason = cerr.Error()
		} else if e.cfg.UndoInterrupted && job.Status == types.JobRunning {
			if uerr := e.undoInterrupted(ctx, job); uerr != nil {
				reason = uerr.Error()
			}
		}

		if reason != "" {
			e.park(job.ID, reason)
			parked[job.ID] = true
			report.Parked++
		} else {
			report.Resumed++
		}
	}

	for _, job := range append(begun, pending...) {
		// 停放的任務也重新排隊取得鎖，避免其他任務動到同一個群組
		granted, err := e.sched.Admit(job.ID, job.Resources, true)
		if err != nil {
			return report, fmt.Errorf("re-admit job %d: %w", job.ID, err)
		}
		if !granted {
			e.jobs.MarkWaiting(job.ID)
		}
		log.Info("Job recovered", "job_id", job.ID, "procedure", job.Procedure, "status", job.Status,
			"resume_at", job.FirstIncomplete(), "granted", granted, "parked", parked[job.ID])
	}

	e.submitMu.Lock()
	e.nextID = last
	e.submitMu.Unlock()
	report.LastJobID = last
	return report, nil
}

// hasBegun 任務是否已開始執行（狀態或任一 Action 已離開初始值）
func hasBegun(job *types.Job) bool {
	if job.Status == types.JobRunning || job.Status == types.JobCompensating {
		return true
	}
	for _, a := range job.Actions {
		if a.Status != types.ActionPending {
			return true
		}
	}
	return false
}

// undoInterrupted 回滾中斷在 RUNNING 的 Action，成功後重設為 PENDING
func (e *Engine) undoInterrupted(ctx context.Context, job *types.Job) error {
	for _, a := range job.Actions {
		if a.Status != types.ActionRunning {
			continue
		}
		if a.Compensator != "" {
			if err := e.comp.Undo(ctx, job, a); err != nil {
				return fmt.Errorf("%w: undo interrupted action %d %s: %w",
					types.ErrRecoveryInconsistency, a.Index, a.Name, err)
			}
			log.Info("Interrupted action undone", "job_id", job.ID, "index", a.Index, "compensator", a.Compensator)
		}
		if err := e.ckpt.Reset(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// checkConsistency 檢查檢查點是否處於可恢復的狀態
func checkConsistency(job *types.Job) error {
	bad := func(format string, args ...any) error {
		return &types.InconsistencyError{JobID: job.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if len(job.Actions) == 0 {
		return bad("job has no actions")
	}

	running := 0
	seqs := make(map[int]int)
	incomplete := -1 // 第一個未完成的 Action
	failed := -1
	for i, a := range job.Actions {
		if a.Index != i {
			return bad("action %d stored at position %d", a.Index, i)
		}
		if job.Status == types.JobEnqueued && a.Status != types.ActionPending {
			return bad("enqueued job has %s action %d", a.Status, i)
		}
		if a.Status != types.ActionComplete && a.Compensation != types.CompensationNone {
			return bad("%s action %d has compensation status %s", a.Status, i, a.Compensation)
		}

		switch a.Status {
		case types.ActionComplete:
			if incomplete >= 0 {
				return bad("action %d complete after incomplete action %d", i, incomplete)
			}
			if prev, dup := seqs[a.CompletedSeq]; dup {
				return bad("actions %d and %d share completion order %d", prev, i, a.CompletedSeq)
			}
			seqs[a.CompletedSeq] = i
		case types.ActionRunning:
			running++
			if job.Status == types.JobCompensating {
				return bad("compensating job has running action %d", i)
			}
			if running > 1 {
				return bad("more than one running action")
			}
			if failed >= 0 {
				return bad("action %d running after failed action %d", i, failed)
			}
		case types.ActionFailed:
			if failed >= 0 {
				return bad("more than one failed action")
			}
			failed = i
		}
		if a.Status != types.ActionComplete && incomplete < 0 {
			incomplete = i
		}
	}
	return nil
}
