package observability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/sessiontap/pkg/telemetry"
)

// SubscribeMessage represents a subscription request from a client.
type SubscribeMessage struct {
	Action     string   `json:"action"` // "subscribe" or "unsubscribe"
	EventTypes []string `json:"event_types,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// TelemetryStream relays telemetry hub events to websocket clients.
type TelemetryStream struct {
	hub    *telemetry.Hub
	logger *Logger

	mu          sync.RWMutex
	subscribers map[*streamSubscriber]bool
	upgrader    websocket.Upgrader
	auth        func(*http.Request) error

	hubID  string
	cancel context.CancelFunc
	done   chan struct{}
}

type streamSubscriber struct {
	conn       *websocket.Conn
	eventTypes map[string]bool
	sessionID  string
	subscribed bool
	send       chan telemetry.Event
	mu         sync.RWMutex
	writeMu    sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewTelemetryStream creates a stream fed by hub.
func NewTelemetryStream(hub *telemetry.Hub, logger *Logger) *TelemetryStream {
	return NewTelemetryStreamWithAuth(hub, logger, nil)
}

// NewTelemetryStreamWithAuth allows callers to enforce authentication on upgrades.
func NewTelemetryStreamWithAuth(hub *telemetry.Hub, logger *Logger, auth func(*http.Request) error) *TelemetryStream {
	if logger == nil {
		logger = NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TelemetryStream{
		hub:         hub,
		logger:      logger.WithComponent("telemetry_stream"),
		subscribers: make(map[*streamSubscriber]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		auth:   auth,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	events, id := hub.SubscribeWithID()
	s.hubID = id
	go s.broadcast(ctx, events)

	return s
}

// ServeHTTP upgrades the request and registers a subscriber.
func (s *TelemetryStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		if err := s.auth(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade websocket connection", slog.String("error", err.Error()))
		return
	}

	// The request context ends once the handler returns after the upgrade.
	ctx, cancel := context.WithCancel(context.Background())
	sub := &streamSubscriber{
		conn:       conn,
		eventTypes: make(map[string]bool),
		send:       make(chan telemetry.Event, 100),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.mu.Lock()
	s.subscribers[sub] = true
	s.mu.Unlock()

	s.logger.Info("telemetry stream connected", slog.String("remote_addr", r.RemoteAddr))
	TelemetryStreamConnections.Inc()

	go sub.writePump()
	go s.readPump(sub)
}

func (s *TelemetryStream) readPump(sub *streamSubscriber) {
	defer func() {
		s.removeSubscriber(sub)
		sub.writeMu.Lock()
		sub.conn.Close()
		sub.writeMu.Unlock()
		TelemetryStreamConnections.Dec()
	}()

	sub.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg SubscribeMessage
		if err := sub.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("telemetry stream read error", slog.String("error", err.Error()))
			}
			return
		}
		switch msg.Action {
		case "subscribe":
			sub.mu.Lock()
			sub.subscribed = true
			sub.sessionID = msg.SessionID
			for _, eventType := range msg.EventTypes {
				sub.eventTypes[eventType] = true
			}
			sub.mu.Unlock()
			s.logger.Debug("telemetry client subscribed", slog.Any("event_types", msg.EventTypes))
		case "unsubscribe":
			sub.mu.Lock()
			sub.subscribed = false
			sub.sessionID = ""
			sub.eventTypes = make(map[string]bool)
			sub.mu.Unlock()
		default:
			sub.writeMu.Lock()
			_ = sub.conn.WriteJSON(map[string]string{"error": "unknown action"})
			sub.writeMu.Unlock()
		}
	}
}

func (sub *streamSubscriber) interested(event telemetry.Event) bool {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if !sub.subscribed {
		return false
	}
	if sub.sessionID != "" && sub.sessionID != event.SessionID {
		return false
	}
	return len(sub.eventTypes) == 0 || sub.eventTypes[string(event.Type)]
}

func (sub *streamSubscriber) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		sub.cancel()
	}()

	for {
		select {
		case event, ok := <-sub.send:
			if !ok {
				sub.writeMu.Lock()
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				sub.writeMu.Unlock()
				return
			}
			sub.writeMu.Lock()
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := sub.conn.WriteJSON(event)
			sub.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			sub.writeMu.Lock()
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := sub.conn.WriteMessage(websocket.PingMessage, nil)
			sub.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-sub.ctx.Done():
			return
		}
	}
}

func (s *TelemetryStream) broadcast(ctx context.Context, events <-chan telemetry.Event) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			s.mu.RLock()
			for sub := range s.subscribers {
				if !sub.interested(event) {
					continue
				}
				select {
				case sub.send <- event:
				default:
					s.logger.Warn("telemetry stream backpressure, dropping event",
						slog.String("event_type", string(event.Type)),
					)
					TelemetryStreamDrops.Inc()
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *TelemetryStream) removeSubscriber(sub *streamSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[sub] {
		delete(s.subscribers, sub)
		close(sub.send)
	}
}

// ActiveConnections returns the number of connected clients.
func (s *TelemetryStream) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Shutdown detaches from the hub and closes all connections.
func (s *TelemetryStream) Shutdown() {
	s.hub.Unsubscribe(s.hubID)
	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		sub.cancel()
		sub.conn.Close()
		close(sub.send)
	}
	s.subscribers = make(map[*streamSubscriber]bool)
}
