package router

import (
	"sync"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

type stopRequest struct {
	emitClose bool
}

type envelope struct {
	msg   browser.Inbound
	query *Query
	stop  *stopRequest
}

// mailbox is an unbounded FIFO. push never blocks; the single consumer is
// woken through a one-slot notify channel.
type mailbox struct {
	mu       sync.Mutex
	items    []envelope
	stopping bool
	notify   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// push enqueues env. It fails once a stop request has been queued.
func (m *mailbox) push(env envelope) bool {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, env)
	if env.stop != nil {
		m.stopping = true
	}
	m.mu.Unlock()

	observability.RouterQueueDepth.Inc()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopping
}
