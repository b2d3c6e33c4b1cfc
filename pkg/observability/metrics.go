package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sessiontap"

var (
	// Session metrics
	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "opened_total",
			Help:      "Total number of browser sessions opened",
		},
	)

	SessionOpenFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open_failures_total",
			Help:      "Total number of failed session opens by engine error code",
		},
		[]string{"code"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently open browser sessions",
		},
	)

	// Router metrics
	RouterMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Inbound instrumentation messages processed by kind",
		},
		[]string{"kind"},
	)

	RouterDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Inbound messages discarded at the router boundary",
		},
		[]string{"kind", "reason"},
	)

	RouterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "mailbox_depth",
			Help:      "Messages waiting in router mailboxes across sessions",
		},
	)

	// Emitter metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "events_total",
			Help:      "Outbound events emitted by kind",
		},
		[]string{"kind"},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "sink_errors_total",
			Help:      "Outbound events a sink failed to accept",
		},
		[]string{"sink"},
	)

	// Query gateway metrics
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "query_duration_seconds",
			Help:      "Cross-context cookie query latency by outcome",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"outcome"},
	)

	// Telemetry stream metrics
	TelemetryStreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry_stream",
			Name:      "connections",
			Help:      "Open telemetry websocket connections",
		},
	)

	TelemetryStreamDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry_stream",
			Name:      "backpressure_drops_total",
			Help:      "Telemetry events dropped for slow websocket clients",
		},
	)
)
