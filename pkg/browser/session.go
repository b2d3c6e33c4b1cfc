package browser

import "context"

// Inbox receives instrumentation messages and engine callbacks for one
// session. Deliver must not block; it returns false once the session has
// stopped accepting messages.
type Inbox interface {
	Deliver(msg Inbound) bool
}

// InboxFunc adapts a function to the Inbox interface.
type InboxFunc func(Inbound) bool

// Deliver implements Inbox.
func (f InboxFunc) Deliver(msg Inbound) bool {
	return f(msg)
}

// Runtime launches engine-backed sessions.
type Runtime interface {
	Launch(ctx context.Context, cfg SessionConfig, inbox Inbox) (EngineSession, error)
	Close() error
}

// EngineSession is the port implemented by browser engine adapters.
type EngineSession interface {
	Navigate(ctx context.Context, url string) error
	Close() error
}
