// Package orchestrator 编排指标
package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink 编排指标接口（注入式，避免进程级共享可变状态）
type MetricsSink interface {
	// TaskStarted 任务进入执行
	TaskStarted()

	// TaskFinished 任务到达终态
	TaskFinished(status string, duration time.Duration)

	// StepAdvanced 执行步骤前进
	StepAdvanced(step string)

	// NodeProvisioned 自动创建节点的结果（success / failed）
	NodeProvisioned(outcome string)

	// WarmNodeReused 温节点被认领复用
	WarmNodeReused()

	// CleanupRun 清理例程执行结果（clean / partial）
	CleanupRun(outcome string)
}

// ============================================================================
// NoOp 实现
// ============================================================================

// NoopMetrics 空指标（测试及未启用监控时）
type NoopMetrics struct{}

var _ MetricsSink = NoopMetrics{}

func (NoopMetrics) TaskStarted()                       {}
func (NoopMetrics) TaskFinished(string, time.Duration) {}
func (NoopMetrics) StepAdvanced(string)                {}
func (NoopMetrics) NodeProvisioned(string)             {}
func (NoopMetrics) WarmNodeReused()                    {}
func (NoopMetrics) CleanupRun(string)                  {}

// ============================================================================
// Prometheus 实现
// ============================================================================

// PrometheusMetrics Prometheus 指标
type PrometheusMetrics struct {
	TasksRunning     prometheus.Gauge
	TasksTotal       *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	StepsTotal       *prometheus.CounterVec
	ProvisionedTotal *prometheus.CounterVec
	WarmReuseTotal   prometheus.Counter
	CleanupTotal     *prometheus.CounterVec
}

var _ MetricsSink = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics 创建 Prometheus 指标实例
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		TasksRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_running",
				Help:      "Number of tasks currently being orchestrated",
			},
		),
		TasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total tasks by terminal status",
			},
			[]string{"status"},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task orchestration duration in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"status"},
		),
		StepsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_steps_total",
				Help:      "Total execution step advances",
			},
			[]string{"step"},
		),
		ProvisionedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_provisioned_total",
				Help:      "Total auto-provisioned nodes by outcome",
			},
			[]string{"outcome"},
		),
		WarmReuseTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_node_reuse_total",
				Help:      "Total warm node claims",
			},
		),
		CleanupTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_runs_total",
				Help:      "Total cleanup runs by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *PrometheusMetrics) TaskStarted() {
	m.TasksRunning.Inc()
}

func (m *PrometheusMetrics) TaskFinished(status string, duration time.Duration) {
	m.TasksRunning.Dec()
	m.TasksTotal.WithLabelValues(status).Inc()
	m.TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) StepAdvanced(step string) {
	m.StepsTotal.WithLabelValues(step).Inc()
}

func (m *PrometheusMetrics) NodeProvisioned(outcome string) {
	m.ProvisionedTotal.WithLabelValues(outcome).Inc()
}

func (m *PrometheusMetrics) WarmNodeReused() {
	m.WarmReuseTotal.Inc()
}

func (m *PrometheusMetrics) CleanupRun(outcome string) {
	m.CleanupTotal.WithLabelValues(outcome).Inc()
}
