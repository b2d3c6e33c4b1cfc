// Package telemetry fans out in-process session engine events to observers
// such as the websocket stream and log tailers.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of telemetry event.
type EventType string

const (
	EventSessionOpened   EventType = "session.opened"
	EventSessionClosed   EventType = "session.closed"
	EventSessionFailed   EventType = "session.failed"
	EventMessageRouted   EventType = "router.message"
	EventMessageDropped  EventType = "router.dropped"
	EventOutboundEmitted EventType = "emitter.emitted"
	EventQueryResolved   EventType = "query.resolved"
	EventQueryTimedOut   EventType = "query.timeout"
	EventQueryNoSession  EventType = "query.no_session"
	EventQueryCancelled  EventType = "query.cancelled"
	EventConfigReloaded  EventType = "config.reloaded"
)

// DefaultSubscriberBuffer is the channel size handed to each subscriber.
const DefaultSubscriberBuffer = 64

// Event describes engine telemetry that UIs and IPC clients can consume.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Hub fan-outs telemetry events to any number of subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	buffer      int
	closed      bool
	dropped     atomic.Uint64
}

// NewHub constructs a telemetry hub.
func NewHub() *Hub {
	return NewHubWithBuffer(DefaultSubscriberBuffer)
}

// NewHubWithBuffer constructs a hub whose subscriber channels hold size events.
func NewHubWithBuffer(size int) *Hub {
	if size <= 0 {
		size = DefaultSubscriberBuffer
	}
	return &Hub{subscribers: make(map[string]*subscriber), buffer: size}
}

// Publish notifies all subscribers of an event. Non-blocking; drops if buffer full.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sub := range h.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that will receive future events and a cleanup func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch, id := h.subscribe(nil)
	return ch, func() { h.Unsubscribe(id) }
}

// SubscribeSession receives only events for one session id.
func (h *Hub) SubscribeSession(sessionID string) (<-chan Event, func()) {
	ch, id := h.subscribe(func(e Event) bool { return e.SessionID == sessionID })
	return ch, func() { h.Unsubscribe(id) }
}

// SubscribeWithID is Subscribe for callers that track subscriptions by id.
func (h *Hub) SubscribeWithID() (<-chan Event, string) {
	return h.subscribe(nil)
}

func (h *Hub) subscribe(filter func(Event) bool) (<-chan Event, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, ""
	}
	id := uuid.NewString()
	h.subscribers[id] = &subscriber{ch: make(chan Event, h.buffer), filter: filter}
	return h.subscribers[id].ch, id
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(sub.ch)
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unsubscribes all listeners and prevents future publications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, id)
	}
}
