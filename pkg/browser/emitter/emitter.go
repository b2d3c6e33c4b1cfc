// Package emitter builds outbound events with fresh ids and hands them to
// the configured sinks. Emission is fire-and-forget: sink failures are
// logged and counted, never returned to the router.
package emitter

import (
	"encoding/json"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/navigation"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

type namedSink struct {
	name string
	sink Sink
}

// Emitter emits events for a single session.
type Emitter struct {
	sessionID string
	ids       IDSource
	sinks     []namedSink
	logger    *observability.Logger
	metrics   *browser.Metrics
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithIDSource overrides the default ULID source.
func WithIDSource(ids IDSource) Option {
	return func(e *Emitter) {
		if ids != nil {
			e.ids = ids
		}
	}
}

// WithSink registers a named sink. Names label sink failure metrics.
func WithSink(name string, sink Sink) Option {
	return func(e *Emitter) {
		if sink != nil {
			e.sinks = append(e.sinks, namedSink{name: name, sink: sink})
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *browser.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// New creates an emitter for sessionID.
func New(sessionID string, opts ...Option) *Emitter {
	e := &Emitter{
		sessionID: sessionID,
		ids:       NewIDSource(),
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithSession(sessionID)
	return e
}

// SessionID returns the session this emitter belongs to.
func (e *Emitter) SessionID() string {
	return e.sessionID
}

// Emit stamps event with a fresh id, delivers it, and returns the stamped event.
func (e *Emitter) Emit(event browser.Event) browser.Event {
	event = e.stamp(event)
	if event == nil {
		return nil
	}
	for _, ns := range e.sinks {
		if err := ns.sink.Emit(e.sessionID, event); err != nil {
			e.logger.SinkFailed(ns.name, string(event.Kind()), err)
			observability.SinkErrors.WithLabelValues(ns.name).Inc()
		}
	}
	e.logger.EventEmitted(string(event.Kind()), event.EventID())
	observability.EventsEmitted.WithLabelValues(string(event.Kind())).Inc()
	e.metrics.RecordEmitted(e.sessionID, event)
	return event
}

func (e *Emitter) stamp(event browser.Event) browser.Event {
	id := e.ids.NextID()
	switch ev := event.(type) {
	case browser.NavigationEvent:
		ev.ID = id
		return ev
	case *browser.NavigationEvent:
		cp := *ev
		cp.ID = id
		return cp
	case browser.LocationChangedEvent:
		ev.ID = id
		return ev
	case *browser.LocationChangedEvent:
		cp := *ev
		cp.ID = id
		return cp
	case browser.CloseEvent:
		ev.ID = id
		return ev
	case *browser.CloseEvent:
		return browser.CloseEvent{ID: id}
	case browser.InterceptedRequestEvent:
		ev.ID = id
		return ev
	case *browser.InterceptedRequestEvent:
		cp := *ev
		cp.ID = id
		return cp
	default:
		return nil
	}
}

// Navigation emits the aggregated navigation state with the cookies that
// apply to the current URL.
func (e *Emitter) Navigation(snap navigation.Snapshot, cookies map[string]string) browser.NavigationEvent {
	visited := snap.VisitedURLs
	if visited == nil {
		visited = []string{}
	}
	ev := e.Emit(browser.NavigationEvent{
		URL:         snap.CurrentURL,
		HTML:        snap.HTML,
		Cookies:     cookies,
		VisitedURLs: visited,
	})
	return ev.(browser.NavigationEvent)
}

// LocationChanged emits a location_changed event.
func (e *Emitter) LocationChanged(url string) browser.LocationChangedEvent {
	return e.Emit(browser.LocationChangedEvent{URL: url}).(browser.LocationChangedEvent)
}

// Close emits a close event.
func (e *Emitter) Close() browser.CloseEvent {
	return e.Emit(browser.CloseEvent{}).(browser.CloseEvent)
}

// InterceptedRequest relays one captured request.
func (e *Emitter) InterceptedRequest(requestType string, data json.RawMessage) browser.InterceptedRequestEvent {
	return e.Emit(browser.InterceptedRequestEvent{
		RequestType: requestType,
		Data:        data,
	}).(browser.InterceptedRequestEvent)
}
