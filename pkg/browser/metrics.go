package browser

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odvcencio/sessiontap/pkg/telemetry"
)

// Metrics tracks session engine counters.
type Metrics struct {
	// Session counts
	SessionsOpened atomic.Int64
	SessionsClosed atomic.Int64
	ActiveSessions atomic.Int64

	// Router counts
	MessagesRouted  atomic.Int64
	MessagesDropped atomic.Int64
	EventsEmitted   atomic.Int64

	// Query outcomes
	QueriesResolved  atomic.Int64
	QueriesTimedOut  atomic.Int64
	QueriesNoSession atomic.Int64
	QueryLatencySum  atomic.Int64 // nanoseconds, resolved queries only

	// Telemetry integration
	mu  sync.RWMutex
	hub *telemetry.Hub
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// EnableTelemetry wires the collector to a telemetry hub.
func (m *Metrics) EnableTelemetry(hub *telemetry.Hub) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.hub = hub
	m.mu.Unlock()
}

// RecordSessionOpened increments the open counter.
func (m *Metrics) RecordSessionOpened(sessionID, url string) {
	if m == nil {
		return
	}
	m.SessionsOpened.Add(1)
	m.ActiveSessions.Add(1)
	m.publish(telemetry.EventSessionOpened, sessionID, map[string]any{"url": url})
}

// RecordSessionClosed increments the close counter.
func (m *Metrics) RecordSessionClosed(sessionID string) {
	if m == nil {
		return
	}
	m.SessionsClosed.Add(1)
	m.ActiveSessions.Add(-1)
	m.publish(telemetry.EventSessionClosed, sessionID, nil)
}

// RecordMessage counts one routed inbound message.
func (m *Metrics) RecordMessage(sessionID string, kind MessageKind) {
	if m == nil {
		return
	}
	m.MessagesRouted.Add(1)
	m.publish(telemetry.EventMessageRouted, sessionID, map[string]any{"kind": string(kind)})
}

// RecordDropped counts a message discarded at the router boundary.
func (m *Metrics) RecordDropped(sessionID string, kind MessageKind, reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.Add(1)
	m.publish(telemetry.EventMessageDropped, sessionID, map[string]any{
		"kind":   string(kind),
		"reason": reason,
	})
}

// RecordEmitted counts one outbound event.
func (m *Metrics) RecordEmitted(sessionID string, event Event) {
	if m == nil || event == nil {
		return
	}
	m.EventsEmitted.Add(1)
	m.publish(telemetry.EventOutboundEmitted, sessionID, map[string]any{
		"kind": string(event.Kind()),
		"id":   event.EventID(),
	})
}

// RecordQuery tracks one gateway query outcome.
func (m *Metrics) RecordQuery(sessionID string, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	eventType := telemetry.EventQueryResolved
	switch outcome {
	case QueryOutcomeResolved:
		m.QueriesResolved.Add(1)
		m.QueryLatencySum.Add(latency.Nanoseconds())
	case QueryOutcomeTimeout:
		m.QueriesTimedOut.Add(1)
		eventType = telemetry.EventQueryTimedOut
	case QueryOutcomeNoSession:
		m.QueriesNoSession.Add(1)
		eventType = telemetry.EventQueryNoSession
	case QueryOutcomeCancelled:
		eventType = telemetry.EventQueryCancelled
	}
	m.publish(eventType, sessionID, map[string]any{
		"outcome":    outcome,
		"latency_ms": latency.Milliseconds(),
	})
}

// Query outcome labels.
const (
	QueryOutcomeResolved  = "resolved"
	QueryOutcomeTimeout   = "timeout"
	QueryOutcomeNoSession = "no_session"
	QueryOutcomeCancelled = "cancelled"
)

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	resolved := m.QueriesResolved.Load()
	avg := time.Duration(0)
	if resolved > 0 {
		avg = time.Duration(m.QueryLatencySum.Load() / resolved)
	}
	return MetricsSnapshot{
		SessionsOpened:      m.SessionsOpened.Load(),
		SessionsClosed:      m.SessionsClosed.Load(),
		ActiveSessions:      m.ActiveSessions.Load(),
		MessagesRouted:      m.MessagesRouted.Load(),
		MessagesDropped:     m.MessagesDropped.Load(),
		EventsEmitted:       m.EventsEmitted.Load(),
		QueriesResolved:     resolved,
		QueriesTimedOut:     m.QueriesTimedOut.Load(),
		QueriesNoSession:    m.QueriesNoSession.Load(),
		AverageQueryLatency: avg,
	}
}

func (m *Metrics) publish(eventType telemetry.EventType, sessionID string, data map[string]any) {
	m.mu.RLock()
	hub := m.hub
	m.mu.RUnlock()
	if hub == nil {
		return
	}
	hub.Publish(telemetry.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      data,
	})
}

// MetricsSnapshot is a point-in-time copy of session engine metrics.
type MetricsSnapshot struct {
	SessionsOpened      int64         `json:"sessions_opened"`
	SessionsClosed      int64         `json:"sessions_closed"`
	ActiveSessions      int64         `json:"active_sessions"`
	MessagesRouted      int64         `json:"messages_routed"`
	MessagesDropped     int64         `json:"messages_dropped"`
	EventsEmitted       int64         `json:"events_emitted"`
	QueriesResolved     int64         `json:"queries_resolved"`
	QueriesTimedOut     int64         `json:"queries_timed_out"`
	QueriesNoSession    int64         `json:"queries_no_session"`
	AverageQueryLatency time.Duration `json:"average_query_latency"`
}
