package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the inbound HTTP surface.
// Tool labels are bounded by the catalog, so cardinality stays small.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ToolCallsTotal    *prometheus.CounterVec
	ToolCallDuration  *prometheus.HistogramVec
	RateLimitedTotal  *prometheus.CounterVec
	AuditDroppedTotal prometheus.CounterFunc
}

// NewMetrics creates and registers all metrics with the given registry.
// droppedRecords reports the audit drop counter; pass nil when no audit
// service is wired.
func NewMetrics(reg prometheus.Registerer, droppedRecords func() float64) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "contextify",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "status"}, // method=POST, status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "contextify",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "contextify",
				Name:      "tool_calls_total",
				Help:      "Total tool invocations by published name and outcome",
			},
			[]string{"tool", "outcome"}, // outcome=ok or the failure code
		),
		ToolCallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "contextify",
				Name:      "tool_call_duration_seconds",
				Help:      "Tool invocation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		RateLimitedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "contextify",
				Name:      "rate_limited_total",
				Help:      "Total requests denied by the rate-limit middleware",
			},
			[]string{"scope"},
		),
	}
	if droppedRecords != nil {
		m.AuditDroppedTotal = promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "contextify",
				Name:      "audit_dropped_total",
				Help:      "Total audit records dropped due to backpressure",
			},
			droppedRecords,
		)
	}
	return m
}
