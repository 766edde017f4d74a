// Package metrics 提供 eidos-endpoints 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
)

const namespace = "eidos_endpoints"

// 探测指标
var (
	// ProbeDuration 单次检查耗时
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "单次端点检查耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind", "endpoint", "surface"}, // surface: primary, secondary
	)

	// ProbeResultsTotal 探测结果计数
	ProbeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_results_total",
			Help:      "探测结果总数",
		},
		[]string{"kind", "endpoint", "status"},
	)
)

// 评分与状态指标
var (
	// EndpointScore 端点当前得分
	EndpointScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_score",
			Help:      "端点当前综合得分",
		},
		[]string{"kind", "endpoint"},
	)

	// EndpointUp 端点状态: 1=healthy, 0.5=degraded, 0=down/unknown
	EndpointUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_up",
			Help:      "端点健康状态 (1=健康, 0.5=降级, 0=不可用)",
		},
		[]string{"kind", "endpoint"},
	)

	// EndpointLatency 端点最近一次探测延迟
	EndpointLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "endpoint_latency_seconds",
			Help:      "端点最近一次探测延迟(秒)",
		},
		[]string{"kind", "endpoint"},
	)
)

// 选择指标
var (
	// SelectionEventsTotal 选择事件计数
	SelectionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selection_events_total",
			Help:      "选择事件总数",
		},
		[]string{"kind", "type"}, // initial_selection, primary_switch, backup_switch, no_endpoint_available
	)

	// SelectionAvailable 类别是否有可用端点
	SelectionAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "selection_available",
			Help:      "类别是否有可用主端点 (1=有, 0=无)",
		},
		[]string{"kind"},
	)

	// NoEndpointErrorsTotal 调用方收到无可用端点错误的次数
	NoEndpointErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_endpoint_errors_total",
			Help:      "返回给调用方的无可用端点错误次数",
		},
		[]string{"kind"},
	)
)

// 对账指标
var (
	// ReconcilePassesTotal 对账轮次
	ReconcilePassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "对账轮次总数",
		},
		[]string{"trigger"}, // lazy, forced, cron
	)

	// ReconcileDuration 对账耗时
	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "一轮对账耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	// EventSinkErrorsTotal 事件下游发送失败
	EventSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_errors_total",
			Help:      "事件下游发送失败次数",
		},
		[]string{"sink"},
	)

	// ProbeHistoryErrorsTotal 探测历史写入失败
	ProbeHistoryErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_history_errors_total",
			Help:      "探测历史写入失败次数",
		},
	)
)

// HTTP 与定时任务指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// JobExecutionsTotal 定时任务执行次数
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "定时任务执行次数",
		},
		[]string{"job", "status"}, // status: success, failed, skipped
	)

	// JobDuration 定时任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "定时任务耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"job"},
	)
)

// RecordHTTPRequest 记录一次 HTTP 请求
func RecordHTTPRequest(method, path, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// StatusValue 状态转换为 gauge 值
func StatusValue(s model.Status) float64 {
	switch s {
	case model.StatusHealthy:
		return 1
	case model.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// RecordEndpoint 记录一轮对账后端点的得分、状态与延迟
func RecordEndpoint(e *model.Endpoint) {
	kind, name := string(e.Kind), e.Name
	EndpointScore.WithLabelValues(kind, name).Set(e.State.Score.InexactFloat64())
	EndpointUp.WithLabelValues(kind, name).Set(StatusValue(e.State.Status))
	ProbeResultsTotal.WithLabelValues(kind, name, string(e.State.Status)).Inc()
	if e.State.Latency != nil {
		EndpointLatency.WithLabelValues(kind, name).Set(e.State.Latency.Seconds())
	}
}
