package rod

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// relay moves drained outbox messages and CDP callbacks into the session
// inbox. Page snapshots are paced: a snapshot arriving faster than the
// capture interval is queued behind the earlier ones and released one per
// interval on later polls. Every queued snapshot is delivered, in order, and
// any other message flushes the queue first.
type relay struct {
	inbox   browser.Inbox
	limiter *rate.Limiter
	logger  *observability.Logger

	mu      sync.Mutex
	held    []browser.HTMLMessage
	stopped bool
}

func newRelay(inbox browser.Inbox, interval time.Duration, logger *observability.Logger) *relay {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &relay{
		inbox:   inbox,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// batch handles one drained outbox. It reports false once the inbox stops
// accepting messages.
func (r *relay) batch(raw []json.RawMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, data := range raw {
		msg, err := browser.DecodeInbound(data)
		if err != nil {
			r.logger.MessageDropped(string(browser.KindUnknown), "decode", err)
			observability.RouterDropped.WithLabelValues(string(browser.KindUnknown), "decode").Inc()
			continue
		}
		if !r.forwardLocked(msg) {
			return false
		}
	}
	return !r.stopped
}

// forward delivers one message, applying the snapshot throttle.
func (r *relay) forward(msg browser.Inbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forwardLocked(msg)
}

func (r *relay) forwardLocked(msg browser.Inbound) bool {
	if r.stopped {
		return false
	}
	if html, ok := msg.(browser.HTMLMessage); ok {
		if len(r.held) == 0 && r.limiter.Allow() {
			return r.deliver(html)
		}
		r.held = append(r.held, html)
		return true
	}
	if !r.flushLocked(true) {
		return false
	}
	return r.deliver(msg)
}

// flush releases held snapshots: all of them when forced, otherwise as many
// as the limiter allows.
func (r *relay) flush(force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(force)
}

func (r *relay) flushLocked(force bool) bool {
	for len(r.held) > 0 && !r.stopped {
		if !force && !r.limiter.Allow() {
			return true
		}
		html := r.held[0]
		r.held = r.held[1:]
		if !r.deliver(html) {
			r.held = nil
			return false
		}
	}
	return !r.stopped
}

func (r *relay) deliver(msg browser.Inbound) bool {
	if !r.inbox.Deliver(msg) {
		r.stopped = true
		return false
	}
	return true
}
