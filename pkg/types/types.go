// Package types 定義了 fabric 任務執行引擎中使用的核心領域模型
package types

import (
	"fmt"
	"sort"
	"strings"
)

// JobID 任務唯一識別碼（單調遞增）
type JobID uint64

func (id JobID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// ResourceID 資源識別碼，僅用於鎖定範圍（group / server / shard）
type ResourceID string

// 資源種類前綴
const (
	resourceGroup  = "group"
	resourceServer = "server"
	resourceShard  = "shard"
)

// GroupResource 產生群組資源 ID，例如 "group:g1"
func GroupResource(groupID string) ResourceID {
	return ResourceID(resourceGroup + ":" + groupID)
}

// ServerResource 產生伺服器資源 ID
func ServerResource(serverID string) ResourceID {
	return ResourceID(resourceServer + ":" + serverID)
}

// ShardResource 產生分片資源 ID
func ShardResource(shardID string) ResourceID {
	return ResourceID(resourceShard + ":" + shardID)
}

// Kind 回傳資源種類（冒號前的部分），無前綴時回傳空字串
func (r ResourceID) Kind() string {
	kind, _, found := strings.Cut(string(r), ":")
	if !found {
		return ""
	}
	return kind
}

// Name 回傳資源名稱（冒號後的部分）
func (r ResourceID) Name() string {
	_, name, found := strings.Cut(string(r), ":")
	if !found {
		return string(r)
	}
	return name
}

// CanonicalResources 去重並依全域順序排序資源集合
// 所有鎖定嘗試都使用同一個順序，避免循環等待
func CanonicalResources(resources []ResourceID) []ResourceID {
	seen := make(map[ResourceID]struct{}, len(resources))
	out := make([]ResourceID, 0, len(resources))
	for _, r := range resources {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// 狀態定義
// ============================================================================

// JobStatus 任務狀態
type JobStatus string

const (
	JobEnqueued           JobStatus = "ENQUEUED"            // 已提交，尚未嘗試取得鎖
	JobWaitingLocks       JobStatus = "WAITING_LOCKS"       // 在資源等待佇列中
	JobRunning            JobStatus = "RUNNING"             // 已取得全部鎖，由 worker 執行中
	JobComplete           JobStatus = "COMPLETE"            // 所有 Action 皆已完成
	JobFailed             JobStatus = "FAILED"              // 未執行任何 Action 即失敗（鎖逾時、取消）
	JobCompensating       JobStatus = "COMPENSATING"        // 正在回滾已完成的 Action
	JobCompensated        JobStatus = "COMPENSATED"         // 回滾全部成功
	JobCompensationFailed JobStatus = "COMPENSATION_FAILED" // 回滾有失敗，等待人工介入
)

// IsTerminal 是否為終止狀態
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobComplete, JobFailed, JobCompensated, JobCompensationFailed:
		return true
	}
	return false
}

// ActionStatus Action 狀態
type ActionStatus string

const (
	ActionPending  ActionStatus = "PENDING"
	ActionRunning  ActionStatus = "RUNNING"
	ActionComplete ActionStatus = "COMPLETE"
	ActionFailed   ActionStatus = "FAILED"
)

// CompensationStatus 單一 Action 的回滾狀態
type CompensationStatus string

const (
	CompensationNone    CompensationStatus = ""        // 未回滾
	CompensationDone    CompensationStatus = "DONE"    // 回滾成功
	CompensationFailed  CompensationStatus = "FAILED"  // 回滾失敗
	CompensationSkipped CompensationStatus = "SKIPPED" // 沒有註冊回滾 Action
)

// ============================================================================
// 領域模型
// ============================================================================

// RetrySpec Action 宣告的重試設定（可序列化）
type RetrySpec struct {
	MaxAttempts    int     `json:"max_attempts"`
	InitialDelayMs int64   `json:"initial_delay_ms"`
	MaxDelayMs     int64   `json:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier"`
}

// Action 任務中的一個可檢查點步驟
type Action struct {
	JobID       JobID             `json:"job_id"`
	Index       int               `json:"index"`
	Name        string            `json:"name"`                  // 對應已註冊的 action kind
	Params      map[string]string `json:"params,omitempty"`      // 參數
	Compensator string            `json:"compensator,omitempty"` // 回滾 Action 名稱（可選）
	Retry       *RetrySpec        `json:"retry,omitempty"`       // nil 表示使用引擎預設值

	Status     ActionStatus      `json:"status"`
	Attempts   int               `json:"attempts"`
	Snapshot   map[string]string `json:"snapshot,omitempty"` // 執行結果快照
	Error      string            `json:"error,omitempty"`
	StartedAt  int64             `json:"started_at,omitempty"`  // Unix 毫秒
	FinishedAt int64             `json:"finished_at,omitempty"` // Unix 毫秒

	// CompletedSeq 完成順序（從 1 開始），回滾依此反向進行
	CompletedSeq int `json:"completed_seq,omitempty"`

	Compensation      CompensationStatus `json:"compensation,omitempty"`
	CompensationError string             `json:"compensation_error,omitempty"`
}

// Clone 深拷貝 Action
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Params = cloneMap(a.Params)
	cp.Snapshot = cloneMap(a.Snapshot)
	if a.Retry != nil {
		r := *a.Retry
		cp.Retry = &r
	}
	return &cp
}

// Job 一個已提交程序的實例，由有序的 Action 鏈組成
type Job struct {
	ID        JobID             `json:"id"`
	Procedure string            `json:"procedure"`
	Args      map[string]string `json:"args,omitempty"`
	Status    JobStatus         `json:"status"`
	Resources []ResourceID      `json:"resources"`
	Exclusive bool              `json:"exclusive"`

	CreatedAt  int64 `json:"created_at"`            // Unix 毫秒
	UpdatedAt  int64 `json:"updated_at"`            // Unix 毫秒
	StartedAt  int64 `json:"started_at,omitempty"`  // 第一次被 worker 執行的時間
	FinishedAt int64 `json:"finished_at,omitempty"` // 進入終止狀態的時間

	Result map[string]string `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`

	CancelRequested bool   `json:"cancel_requested,omitempty"`
	Parked          bool   `json:"parked,omitempty"`
	ParkReason      string `json:"park_reason,omitempty"`

	// Actions 不與任務列一起序列化，由 Repository 以獨立記錄保存
	Actions []*Action `json:"-"`
}

// Clone 深拷貝 Job（含 Actions）
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Args = cloneMap(j.Args)
	cp.Result = cloneMap(j.Result)
	cp.Resources = append([]ResourceID(nil), j.Resources...)
	if j.Actions != nil {
		cp.Actions = make([]*Action, len(j.Actions))
		for i, a := range j.Actions {
			cp.Actions[i] = a.Clone()
		}
	}
	return &cp
}

// Header 回傳不含 Actions 的淺層拷貝，用於寫入任務列
func (j *Job) Header() *Job {
	cp := j.Clone()
	cp.Actions = nil
	return cp
}

// FirstIncomplete 回傳第一個非 COMPLETE 的 Action 索引，全部完成時回傳 len(Actions)
func (j *Job) FirstIncomplete() int {
	for i, a := range j.Actions {
		if a.Status != ActionComplete {
			return i
		}
	}
	return len(j.Actions)
}

// Group 回傳任務參數中的群組 ID（如果有）
func (j *Job) Group() string {
	return j.Args["group"]
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// ============================================================================
// 事件
// ============================================================================

// EventName 事件名稱（固定詞彙表）
type EventName string

const (
	EventServerLost     EventName = "SERVER_LOST"
	EventServerPromoted EventName = "SERVER_PROMOTED"
	EventServerDemoted  EventName = "SERVER_DEMOTED"

	EventJobComplete    EventName = "JOB_COMPLETE"
	EventJobFailed      EventName = "JOB_FAILED"
	EventJobCompensated EventName = "JOB_COMPENSATED"
)

// KnownEvents 所有已知的事件名稱
var KnownEvents = []EventName{
	EventServerLost, EventServerPromoted, EventServerDemoted,
	EventJobComplete, EventJobFailed, EventJobCompensated,
}

// IsKnownEvent 檢查事件名稱是否在詞彙表中
func IsKnownEvent(name EventName) bool {
	for _, e := range KnownEvents {
		if e == name {
			return true
		}
	}
	return false
}

// Event 事件（不持久化，只在傳遞期間存在）
type Event struct {
	ID        string            `json:"id"`
	Name      EventName         `json:"name"`
	Payload   map[string]string `json:"payload"`
	Timestamp int64             `json:"timestamp"` // Unix 毫秒
}

// ============================================================================
// 快照
// ============================================================================

// SnapshotData 檔案後端的快照資料，保存任務列與 Action 列
type SnapshotData struct {
	Jobs      map[JobID]*Job      `json:"jobs"`
	Actions   map[JobID][]*Action `json:"actions"`
	LastJobID JobID               `json:"last_job_id"` // 最大的已配發任務 ID（刪除後不回收）
	SchemaVer int                 `json:"schema_ver"`
	LastSeq   uint64              `json:"last_seq"`
}
