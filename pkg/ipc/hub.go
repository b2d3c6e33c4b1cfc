package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/emitter"
)

const clientSendBuffer = 64

// Event is the envelope sent to websocket stream clients.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub fans outbound session events out to connected websocket clients.
// It is an emitter.Sink; slow clients are dropped rather than waited on.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	now     func() time.Time
}

var _ emitter.Sink = (*Hub)(nil)

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		now:     time.Now,
	}
}

// Emit implements emitter.Sink.
func (h *Hub) Emit(sessionID string, event browser.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.Broadcast(Event{
		Type:      string(event.Kind()),
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: h.now(),
	})
	return nil
}

// Broadcast sends an event to all interested clients, dropping slow consumers.
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.enqueue(event) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.removeClient(c)
		c.close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds a new client to the hub.
func (h *Hub) register(conn wsConn, filter func(Event) bool) *client {
	c := &client{
		conn:   conn,
		send:   make(chan Event, clientSendBuffer),
		filter: filter,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// removeClient disconnects and removes a client.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Close(status websocket.StatusCode, reason string) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

type client struct {
	conn   wsConn
	send   chan Event
	filter func(Event) bool
}

func (c *client) enqueue(event Event) bool {
	if c.filter != nil && !c.filter(event) {
		return true
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLoop discards client frames until the peer goes away. Reading is
// what lets the websocket library process control frames.
func (c *client) readLoop(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	_ = c.conn.Close(status, reason)
}

// sessionFilter passes only events for sessionID.
func sessionFilter(sessionID string) func(Event) bool {
	return func(ev Event) bool { return ev.SessionID == sessionID }
}
