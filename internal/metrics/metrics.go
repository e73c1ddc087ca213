// ============================================================================
// Fabric Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露引擎運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - fabric_jobs_submitted_total{procedure}: 提交的任務數
//      - fabric_jobs_finished_total{procedure,status}: 進入終止狀態的任務數
//      - fabric_actions_finished_total{action,status}: Action 結果
//      - fabric_action_retries_total{action}: 暫時性錯誤重試次數
//      - fabric_lock_timeouts_total: 等待鎖逾時的任務數
//      - fabric_recovery_alarms_total{reason}: 停放任務等需要人工處理的告警
//      - fabric_event_handler_errors_total{event}: 事件處理器失敗次數
//
//   2. 分佈 (Histogram)：
//      - fabric_job_duration_seconds{procedure}
//      - fabric_action_duration_seconds{action}
//
//   3. 瞬時值 (Gauge)：
//      - fabric_recovery_time_seconds / fabric_recovered_jobs{state}
//      - fabric_jobs_running / fabric_jobs_waiting / fabric_jobs_parked
//      - fabric_locks_held / fabric_workers_busy / fabric_events_queued
//
// Prometheus 查詢示例:
//
//   # 每分鐘回滾的任務
//   rate(fabric_jobs_finished_total{status="COMPENSATED"}[1m])
//
//   # 95 分位 failover 時間
//   histogram_quantile(0.95, rate(fabric_job_duration_seconds_bucket{procedure="failover"}[5m]))
//
//   # 需要人工處理
//   increase(fabric_recovery_alarms_total[10m]) > 0
//
// 每個 Collector 使用自己的 Registry，測試與多個引擎實例不會互相衝突。
// ============================================================================

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

const namespace = "fabric"

// Snapshot 由引擎提供的瞬時狀態
type Snapshot struct {
	Running     int
	Waiting     int
	Parked      int
	LocksHeld   int
	WorkersBusy int
	EventsQueue int
}

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 任務相關指標
	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	// Action 相關指標
	actionsFinished *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionRetries   *prometheus.CounterVec

	lockTimeouts  prometheus.Counter
	alarms        *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec

	// 恢復指標
	recoveryTime  prometheus.Gauge
	recoveredJobs *prometheus.GaugeVec

	mu    sync.Mutex
	stats func() Snapshot
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}, []string{"procedure"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		}, []string{"procedure", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from the first action to the terminal status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"procedure"}),
		actionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_finished_total",
			Help:      "Total number of actions that completed or failed",
		}, []string{"action", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action latency including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		actionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_retries_total",
			Help:      "Total number of action retries after transient errors",
		}, []string{"action"}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Total number of jobs failed while waiting for locks",
		}),
		alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_alarms_total",
			Help:      "Total number of alarms requiring operator attention",
		}, []string{"reason"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_errors_total",
			Help:      "Total number of event handler failures",
		}, []string{"event"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery",
		}),
		recoveredJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovered_jobs",
			Help:      "Jobs found unfinished by the last startup recovery",
		}, []string{"state"}),
	}

	gauge := func(name, help string, pick func(Snapshot) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(c.snapshot())) })
	}

	// 註冊所有指標
	c.registry.MustRegister(
		c.jobsSubmitted, c.jobsFinished, c.jobDuration,
		c.actionsFinished, c.actionDuration, c.actionRetries,
		c.lockTimeouts, c.alarms, c.handlerErrors,
		c.recoveryTime, c.recoveredJobs,
		gauge("jobs_running", "Jobs holding their locks", func(s Snapshot) int { return s.Running }),
		gauge("jobs_waiting", "Jobs queued behind a lock", func(s Snapshot) int { return s.Waiting }),
		gauge("jobs_parked", "Jobs parked for operator attention", func(s Snapshot) int { return s.Parked }),
		gauge("locks_held", "Resources currently locked", func(s Snapshot) int { return s.LocksHeld }),
		gauge("workers_busy", "Workers executing a job", func(s Snapshot) int { return s.WorkersBusy }),
		gauge("events_queued", "Events waiting for delivery", func(s Snapshot) int { return s.EventsQueue }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Bind 設定瞬時狀態的來源
func (c *Collector) Bind(stats func() Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = stats
}

func (c *Collector) snapshot() Snapshot {
	c.mu.Lock()
	fn := c.stats
	c.mu.Unlock()
	if fn == nil {
		return Snapshot{}
	}
	return fn()
}

// Registry 回傳此收集器的 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 回傳 /metrics 端點
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// JobSubmitted 記錄任務提交
func (c *Collector) JobSubmitted(procedure string) {
	c.jobsSubmitted.WithLabelValues(procedure).Inc()
}

// JobFinished 記錄任務結束
func (c *Collector) JobFinished(procedure string, status types.JobStatus, d time.Duration) {
	c.jobsFinished.WithLabelValues(procedure, string(status)).Inc()
	if d > 0 {
		c.jobDuration.WithLabelValues(procedure).Observe(d.Seconds())
	}
}

// ActionFinished 記錄 Action 結果
func (c *Collector) ActionFinished(name string, status types.ActionStatus, d time.Duration) {
	c.actionsFinished.WithLabelValues(name, string(status)).Inc()
	c.actionDuration.WithLabelValues(name).Observe(d.Seconds())
}

// ActionRetried 記錄重試
func (c *Collector) ActionRetried(name string) {
	c.actionRetries.WithLabelValues(name).Inc()
}

// LockTimedOut 記錄鎖逾時
func (c *Collector) LockTimedOut() {
	c.lockTimeouts.Inc()
}

// Alarm 記錄需要人工處理的告警
func (c *Collector) Alarm(reason string) {
	c.alarms.WithLabelValues(reason).Inc()
}

// HandlerFailed 記錄事件處理器失敗
func (c *Collector) HandlerFailed(name types.EventName) {
	c.handlerErrors.WithLabelValues(string(name)).Inc()
}

// RecoveryFinished 設置恢復時間與恢復的任務數
func (c *Collector) RecoveryFinished(d time.Duration, resumed, parked int) {
	c.recoveryTime.Set(d.Seconds())
	c.recoveredJobs.WithLabelValues("resumed").Set(float64(resumed))
	c.recoveredJobs.WithLabelValues("parked").Set(float64(parked))
}
