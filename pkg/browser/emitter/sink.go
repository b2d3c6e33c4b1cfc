package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/bus"
)

//go:generate mockgen -package=emitter -destination=mock_sink_test.go github.com/odvcencio/sessiontap/pkg/browser/emitter Sink

// Sink accepts outbound events. Implementations must not block the caller
// for long; the router invokes sinks on its own goroutine.
type Sink interface {
	Emit(sessionID string, event browser.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(sessionID string, event browser.Event) error

// Emit calls f.
func (f SinkFunc) Emit(sessionID string, event browser.Event) error {
	return f(sessionID, event)
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []Sink

// Emit calls every sink, even after a failure.
func (f Fanout) Emit(sessionID string, event browser.Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Emit(sessionID, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(string, browser.Event) error { return nil })

// BusSink publishes events as JSON on the per-session events subject.
type BusSink struct {
	bus bus.MessageBus
}

// NewBusSink returns a sink publishing to b.
func NewBusSink(b bus.MessageBus) *BusSink {
	return &BusSink{bus: b}
}

// Emit publishes event on bus.EventsSubject(sessionID).
func (s *BusSink) Emit(sessionID string, event browser.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Kind(), err)
	}
	if err := s.bus.Publish(context.Background(), bus.EventsSubject(sessionID), data); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Kind(), err)
	}
	return nil
}
