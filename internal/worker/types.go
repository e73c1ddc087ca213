package worker

import (
	"time"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Task 代表一個已取得全部資源鎖、可以開始執行的任務
type Task struct {
	JobID    types.JobID // 任務 ID
	Resumed  bool        // 由恢復流程重新排入
	ReadyAt  time.Time   // 進入就緒佇列的時間
	WorkerID int         // 由 Pool 填入
}

// Result 代表任務執行結果
type Result struct {
	JobID       types.JobID     // 任務 ID
	Status      types.JobStatus // 執行結束時的任務狀態
	Interrupted bool            // 因關機中斷，任務保持非終止狀態
	Error       error           // 失敗原因（如果有）
	Duration    time.Duration   // 實際執行時間
	Job         *types.Job      // 結束時的任務快照（可能為 nil）
}
