package ipc

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ingestLimiter throttles bridged instrumentation messages per session so a
// runaway page cannot flood a router mailbox through the API.
type ingestLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	sessions map[string]*rate.Limiter
}

func newIngestLimiter(perSecond float64, burst int) *ingestLimiter {
	if perSecond <= 0 {
		perSecond = defaultIngestRate
	}
	if burst <= 0 {
		burst = defaultIngestBurst
	}
	return &ingestLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		sessions: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether n more messages for sessionID fit the budget.
func (l *ingestLimiter) Allow(sessionID string, n int) bool {
	if l == nil {
		return true
	}
	if n < 1 {
		n = 1
	}
	l.mu.Lock()
	lim, ok := l.sessions[sessionID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.sessions[sessionID] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(time.Now(), n)
}

// Forget drops the limiter for a closed session.
func (l *ingestLimiter) Forget(sessionID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

func (l *ingestLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
