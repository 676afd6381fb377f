package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration is the shared HTTP latency histogram recorded by the
// server's metrics middleware.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "patrolwire",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var AlertsDeduplicatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "alerts",
		Name:      "deduplicated_total",
		Help:      "Total number of deduplicated alerts (component C).",
	},
)

var AlertsReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "alerts",
		Name:      "received_total",
		Help:      "Total number of alerts received by the webhook receiver (component E).",
	},
	[]string{"tool_source", "severity"},
)

var AlertProcessingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "patrolwire",
		Subsystem: "alert",
		Name:      "webhook_processing_duration_seconds",
		Help:      "Alert webhook processing duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"tenant_id"},
)

var RateLimitRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total number of webhook requests rejected by the rate limiter (component B).",
	},
	[]string{"tenant_id"},
)

var IncidentsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "incidents",
		Name:      "created_total",
		Help:      "Total number of incidents created by the correlation engine (component F).",
	},
	[]string{"severity"},
)

var IncidentPriorityScore = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "patrolwire",
		Subsystem: "incidents",
		Name:      "priority_score",
		Help:      "Distribution of computed incident priority scores.",
		Buckets:   []float64{10, 30, 50, 70, 90, 110, 130, 150},
	},
	[]string{"severity"},
)

var RemediationExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "remediation",
		Name:      "executions_total",
		Help:      "Total number of remediation dispatcher executions by terminal status (component H).",
	},
	[]string{"status"},
)

var ApprovalDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "approvals",
		Name:      "decisions_total",
		Help:      "Total number of approval request terminal decisions (component I).",
	},
	[]string{"decision"},
)

var EscalationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "sla",
		Name:      "escalations_total",
		Help:      "Total number of SLA escalations by ladder step (component J).",
	},
	[]string{"step"},
)

var EventBusPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "eventbus",
		Name:      "published_total",
		Help:      "Total number of events published on the event bus by topic (component K).",
	},
	[]string{"topic"},
)

var WebSocketCongestedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "patrolwire",
		Subsystem: "eventbus",
		Name:      "websocket_congested_total",
		Help:      "Total number of WebSocket connections that dropped a message due to backpressure.",
	},
)

// All returns all patrolwire-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		AlertsDeduplicatedTotal,
		AlertsReceivedTotal,
		AlertProcessingDuration,
		RateLimitRejectedTotal,
		IncidentsCreatedTotal,
		IncidentPriorityScore,
		RemediationExecutionsTotal,
		ApprovalDecisionsTotal,
		EscalationsTotal,
		EventBusPublishedTotal,
		WebSocketCongestedTotal,
	}
}

// NewRegistry builds a Prometheus registry carrying the Go/process
// collectors plus every patrolwire-specific metric.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
