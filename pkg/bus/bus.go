// Package bus provides the message bus sessiontap uses to reach sessions
// across processes: lifecycle control, cookie queries, and outbound event
// fan-out. The default implementation uses NATS, with an in-memory option
// for single-process deployments and tests.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("request timeout")

	// ErrNoResponders is returned when no subscribers are available to handle a request.
	ErrNoResponders = errors.New("no responders available")

	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Subjects used by sessiontap services.
const (
	SubjectQueryCookies     = "sessiontap.query.cookies"
	SubjectControlOpen      = "sessiontap.control.open"
	SubjectControlClose     = "sessiontap.control.close"
	SubjectControlChangeURL = "sessiontap.control.change_url"
	SubjectAllEvents        = "sessiontap.events.>"

	eventsPrefix = "sessiontap.events."
)

// EventsSubject returns the subject outbound events for sessionID are published on.
func EventsSubject(sessionID string) string {
	return eventsPrefix + sessionID
}

// MessageBus is the core interface for cross-process communication.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "sessiontap.events.*" matches "sessiontap.events.abc".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe load-balances messages across subscribers sharing queue.
	QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a single response. The reply
	// subject is a unique inbox that doubles as the correlation id.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
// For request/reply, return data to send as response; return nil for no response.
type MessageHandler func(msg *Message) []byte

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string // Set if sender expects a response
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	// Ignored for in-memory bus.
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	// Timeout is the default timeout for operations.
	Timeout time.Duration

	// Username and Password authenticate with user credentials. Token is
	// used instead when set.
	Username string
	Password string
	Token    string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "sessiontap",
		Timeout: 5 * time.Second,
	}
}
