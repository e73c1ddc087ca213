package types

import (
	"errors"
	"fmt"
)

// ============================================================================
// 錯誤分類
// ============================================================================

var (
	// ErrInvalidProcedure 程序定義無效（空的 Action 鏈、獨佔程序沒有資源）
	ErrInvalidProcedure = errors.New("invalid procedure")
	// ErrLockTimeout 等待資源鎖超過上限，任務未執行任何 Action
	ErrLockTimeout = errors.New("lock wait timeout")
	// ErrRecoveryInconsistency 重啟時檢查點處於不可能的狀態
	ErrRecoveryInconsistency = errors.New("recovery inconsistency")
	// ErrCompensationFailure 回滾 Action 本身失敗
	ErrCompensationFailure = errors.New("compensation failure")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrJobCancelled 任務在執行前被取消
	ErrJobCancelled = errors.New("job cancelled")
	// ErrUnknownAction Action 名稱未註冊
	ErrUnknownAction = errors.New("unknown action")
)

// ActionErrorKind Action 錯誤種類
type ActionErrorKind int

const (
	// Fatal 觸發回滾
	Fatal ActionErrorKind = iota
	// Transient 依重試預算重試，用盡後轉為 Fatal
	Transient
)

func (k ActionErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "fatal"
}

// ActionError Action 執行錯誤
type ActionError struct {
	Kind ActionErrorKind
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s action error: %v", e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// NewTransientError 標記為可重試的錯誤
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &ActionError{Kind: Transient, Err: err}
}

// NewFatalError 標記為致命錯誤
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &ActionError{Kind: Fatal, Err: err}
}

// IsTransient 只有明確標記為 Transient 的錯誤才會重試，
// 未分類的錯誤一律視為致命
func IsTransient(err error) bool {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind == Transient
	}
	return false
}

// InconsistencyError 描述恢復時發現的不一致
type InconsistencyError struct {
	JobID  JobID
	Reason string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("recovery inconsistency in job %d: %s", e.JobID, e.Reason)
}

func (e *InconsistencyError) Unwrap() error {
	return ErrRecoveryInconsistency
}
