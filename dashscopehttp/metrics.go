package dashscopehttp

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 错误类别，对应 dashscopego_stream_errors_total 的 kind 标签。
const (
	errorKindIncompleteToolCall = "incomplete_tool_call"
	errorKindProtocolViolation  = "protocol_violation"
	errorKindTransport          = "transport"
	errorKindUpstream           = "upstream"
	errorKindCanceled           = "canceled"
)

// Metrics 流式归并相关的 prometheus 指标，每个实例持有独立的 registry。
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	chunksTotal   prometheus.Counter
	windowsTotal  prometheus.Counter
	windowSize    prometheus.Histogram
	errorsTotal   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashscopego_requests_total",
				Help: "Total number of chat completion requests",
			},
			[]string{"mode", "status"},
		),
		chunksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dashscopego_stream_chunks_total",
				Help: "Total number of merged chunks relayed downstream",
			},
		),
		windowsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dashscopego_stream_windows_total",
				Help: "Total number of tool call windows merged into one chunk",
			},
		),
		windowSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dashscopego_stream_window_size",
				Help:    "Number of raw chunks merged into one downstream chunk",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dashscopego_stream_errors_total",
				Help: "Total number of streams terminated by an error",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.chunksTotal,
		m.windowsTotal,
		m.windowSize,
		m.errorsTotal,
	)
	return m
}

// Handler 返回该实例 registry 的 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEmit 记录一次下游 chunk 输出，size 为归并的原始 chunk 数。
func (m *Metrics) ObserveEmit(size int) {
	if m == nil {
		return
	}
	m.chunksTotal.Inc()
	m.windowSize.Observe(float64(size))
	if size > 1 {
		m.windowsTotal.Inc()
	}
}

func (m *Metrics) observeRequest(mode, status string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) observeError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}
