package ipc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// connLimiter caps concurrent stream consumers and mirrors the count into
// an optional gauge.
type connLimiter struct {
	max    int
	gauge  prometheus.Gauge
	mu     sync.Mutex
	active int
}

func newConnLimiter(max int, gauge prometheus.Gauge) *connLimiter {
	return &connLimiter{max: max, gauge: gauge}
}

func (l *connLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	if l.gauge != nil {
		l.gauge.Inc()
	}
	return true
}

func (l *connLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
		if l.gauge != nil {
			l.gauge.Dec()
		}
	}
}

// Active reports the number of held slots.
func (l *connLimiter) Active() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
