package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus collector set for the server. One instance is
// created at startup and handed to the components that record into it.
type Metrics struct {
	// MessageCounter tracks bot messages by platform and direction.
	// Labels: platform (telegram|discord|matrix), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// TurnDuration measures full turn latency in seconds.
	// Labels: source, terminal (done|error|aborted)
	TurnDuration *prometheus.HistogramVec

	// ToolUseCounter counts tool invocations observed on turn streams.
	// Labels: tool, verdict (allowed|denied|prompted)
	ToolUseCounter *prometheus.CounterVec

	// ActiveStreams gauges in-flight turn streams.
	ActiveStreams prometheus.Gauge

	// SubscriberDrops counts events dropped on full subscriber queues.
	SubscriberDrops prometheus.Counter

	// PermissionRequests counts approval round-trips by outcome.
	// Labels: outcome (granted|denied|timeout)
	PermissionRequests *prometheus.CounterVec

	// SandboxExecs counts container executions.
	// Labels: kind (ephemeral|session|named-env), outcome (ok|error|oom|timeout)
	SandboxExecs *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API latency in seconds.
	// Labels: method, path, status
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks classified errors by component and code.
	ErrorCounter *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers the collector set on a fresh registry,
// so tests can build as many instances as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{registry: reg}

	m.MessageCounter = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parachute_messages_total",
			Help: "Bot messages processed by platform and direction",
		},
		[]string{"platform", "direction"},
	)).(*prometheus.CounterVec)

	m.TurnDuration = factory(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parachute_turn_duration_seconds",
			Help:    "Duration of a full turn from dispatch to terminal event",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"source", "terminal"},
	)).(*prometheus.HistogramVec)

	m.ToolUseCounter = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parachute_tool_uses_total",
			Help: "Tool invocations observed on turn streams",
		},
		[]string{"tool", "verdict"},
	)).(*prometheus.CounterVec)

	m.ActiveStreams = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "parachute_active_streams",
			Help: "Turn streams currently running",
		},
	)).(prometheus.Gauge)

	m.SubscriberDrops = factory(prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parachute_subscriber_drops_total",
			Help: "Events dropped because a subscriber queue was full",
		},
	)).(prometheus.Counter)

	m.PermissionRequests = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parachute_permission_requests_total",
			Help: "Interactive approval round-trips by outcome",
		},
		[]string{"outcome"},
	)).(*prometheus.CounterVec)

	m.SandboxExecs = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parachute_sandbox_execs_total",
			Help: "Container executions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)).(*prometheus.CounterVec)

	m.HTTPRequestDuration = factory(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parachute_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "path", "status"},
	)).(*prometheus.HistogramVec)

	m.ErrorCounter = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parachute_errors_total",
			Help: "Classified errors by component and code",
		},
		[]string{"component", "code"},
	)).(*prometheus.CounterVec)

	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
