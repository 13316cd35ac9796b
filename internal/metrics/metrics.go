// ============================================================================
// Middlewared Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露調度器、RPC 與連線的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - middlewared_jobs_submitted_total: 提交任務總數
//      - middlewared_jobs_started_total: 開始執行任務總數
//      - middlewared_jobs_finished_total{state}: 以終止狀態分類的任務總數
//
//   2. 性能指標 (Histogram)：
//      - middlewared_job_duration_seconds: 任務執行時間分佈
//
//   3. 狀態指標 (Gauge)：
//      - middlewared_jobs_pending: pending 佇列長度
//      - middlewared_jobs_running: 執行中任務數
//      - middlewared_locks: 鎖註冊表條目數
//      - middlewared_sessions_open: 目前開啟的連線數
//
//   4. RPC 指標：
//      - middlewared_rpc_calls_total{method,outcome}
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(middlewared_jobs_finished_total{state="FAILED"}[5m])
//     / rate(middlewared_jobs_started_total[5m])
//
//   # 被鎖擋住的任務
//   middlewared_jobs_pending
//
// 所有方法在 nil *Collector 上都是 no-op，停用指標時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/middlewared/pkg/types"
)

// RPC 結果分類
const (
	OutcomeOK               = "ok"
	OutcomeJob              = "job"
	OutcomeError            = "error"
	OutcomeNotFound         = "not_found"
	OutcomeNotAuthenticated = "not_authenticated"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsFinished  *prometheus.CounterVec

	// 效能指標
	jobDuration prometheus.Histogram

	// 狀態指標
	jobsPending  prometheus.Gauge
	jobsRunning  prometheus.Gauge
	locks        prometheus.Gauge
	sessionsOpen prometheus.Gauge

	rpcCalls *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到預設 registry
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewCollectorWith 創建指標收集器並註冊到指定 registry
func NewCollectorWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "middlewared_jobs_submitted_total",
			Help: "Total number of jobs submitted to the scheduler",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "middlewared_jobs_started_total",
			Help: "Total number of jobs dispatched for execution",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "middlewared_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "middlewared_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "middlewared_jobs_pending",
			Help: "Current number of jobs waiting for dispatch",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "middlewared_jobs_running",
			Help: "Current number of running jobs",
		}),
		locks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "middlewared_locks",
			Help: "Current number of named lock entries",
		}),
		sessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "middlewared_sessions_open",
			Help: "Current number of open client sessions",
		}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "middlewared_rpc_calls_total",
			Help: "Total number of method calls by outcome",
		}, []string{"method", "outcome"}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsStarted,
		c.jobsFinished,
		c.jobDuration,
		c.jobsPending,
		c.jobsRunning,
		c.locks,
		c.sessionsOpen,
		c.rpcCalls,
	)

	return c
}

// ============================================================================
// 調度器事件
// ============================================================================

// JobSubmitted 記錄任務提交
func (c *Collector) JobSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// JobStarted 記錄任務開始執行
func (c *Collector) JobStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
}

// JobFinished 記錄任務終止狀態與執行時間
func (c *Collector) JobFinished(state types.JobState, duration time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(string(state)).Inc()
	c.jobDuration.Observe(duration.Seconds())
}

// QueueStats 更新佇列狀態統計
func (c *Collector) QueueStats(pending, running, locks int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(pending))
	c.jobsRunning.Set(float64(running))
	c.locks.Set(float64(locks))
}

// ============================================================================
// RPC 與連線事件
// ============================================================================

// RecordCall 記錄一次方法呼叫的結果
func (c *Collector) RecordCall(method, outcome string) {
	if c == nil {
		return
	}
	c.rpcCalls.WithLabelValues(method, outcome).Inc()
}

// SessionOpened 連線建立
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpen.Inc()
}

// SessionClosed 連線關閉
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsOpen.Dec()
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve 在 addr 上暴露 /metrics，直到 ctx 被取消
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
