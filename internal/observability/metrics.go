// Package observability wires structured logging and Prometheus
// metrics for the bridge process.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the bridge's operational counters and gauges.
type Metrics struct {
	// MessagesRouted counts dispatch decisions.
	// Labels: target (claude|codex), outcome (delivered|queued|invoked|responded|failed)
	MessagesRouted *prometheus.CounterVec

	// ToolCalls counts tool invocations by name and result.
	// Labels: tool, status (ok|error)
	ToolCalls *prometheus.CounterVec

	// ActiveSessions tracks live MCP sessions.
	ActiveSessions prometheus.Gauge

	// QueueDeliveries counts queue processor outcomes.
	// Labels: outcome (delivered|retry|removed)
	QueueDeliveries *prometheus.CounterVec

	// InvocationDuration measures subprocess peer call latency.
	// Labels: invocation_type (subprocess_exec|peer_mcp)
	InvocationDuration *prometheus.HistogramVec
}

// NewMetrics registers the bridge metrics on a fresh registry and
// returns both. The registry backs the /metrics endpoint.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_messages_routed_total",
			Help: "Dispatch decisions by target and outcome.",
		}, []string{"target", "outcome"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_tool_calls_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool", "status"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duet_active_sessions",
			Help: "Live MCP sessions.",
		}),
		QueueDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_queue_deliveries_total",
			Help: "Queue processor outcomes.",
		}, []string{"outcome"}),
		InvocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duet_invocation_duration_seconds",
			Help:    "Subprocess peer call latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"invocation_type"}),
	}
	return m, reg
}
