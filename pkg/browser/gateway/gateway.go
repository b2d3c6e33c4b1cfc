// Package gateway answers synchronous cookie queries from callers outside
// the router goroutine. Each query is a one-shot rendezvous: a buffered
// reply channel handed to the session's router, awaited with a bound.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/router"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// DefaultTimeout bounds how long a caller waits for the router.
const DefaultTimeout = 1000 * time.Millisecond

// Target is a session that can answer queries.
type Target interface {
	Active() bool
	Submit(ctx context.Context, q router.Query) error
	Done() <-chan struct{}
}

// Directory resolves session ids.
type Directory interface {
	Lookup(sessionID string) (Target, bool)
}

// CookieSource is implemented by the in-process Gateway and by RemoteGateway.
type CookieSource interface {
	CookiesForDomain(ctx context.Context, sessionID, domain string) (map[string]string, error)
	CookiesForCurrentURL(ctx context.Context, sessionID string) (map[string]string, error)
}

// QueryState tracks one query through its lifecycle.
type QueryState int

const (
	StateCreated QueryState = iota
	StateDispatched
	StateResolved
	StateTimedOut
	StateCancelled
	StateNoSession
)

func (s QueryState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateDispatched:
		return "dispatched"
	case StateResolved:
		return browser.QueryOutcomeResolved
	case StateTimedOut:
		return browser.QueryOutcomeTimeout
	case StateCancelled:
		return browser.QueryOutcomeCancelled
	case StateNoSession:
		return browser.QueryOutcomeNoSession
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s QueryState) Terminal() bool {
	return s >= StateResolved
}

// Gateway serves queries against sessions in this process.
type Gateway struct {
	dir     Directory
	timeout time.Duration
	logger  *observability.Logger
	metrics *browser.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *browser.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a gateway over dir.
func New(dir Directory, opts ...Option) *Gateway {
	g := &Gateway{
		dir:     dir,
		timeout: DefaultTimeout,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithComponent("gateway")
	return g
}

// Timeout returns the configured bound.
func (g *Gateway) Timeout() time.Duration {
	return g.timeout
}

// CookiesForDomain returns the cookies stored for exactly domain.
func (g *Gateway) CookiesForDomain(ctx context.Context, sessionID, domain string) (map[string]string, error) {
	return g.query(ctx, sessionID, router.Query{Domain: domain}, domain)
}

// CookiesForCurrentURL returns the cookies visible to the session's current URL.
func (g *Gateway) CookiesForCurrentURL(ctx context.Context, sessionID string) (map[string]string, error) {
	return g.query(ctx, sessionID, router.Query{CurrentURL: true}, "current_url")
}

func (g *Gateway) query(ctx context.Context, sessionID string, q router.Query, target string) (map[string]string, error) {
	ctx, span := observability.StartSpan(ctx, "gateway.query")
	defer span.End()
	span.SetAttributes(
		observability.AttrSessionID.String(sessionID),
		observability.AttrQueryTarget.String(target),
	)

	start := time.Now()
	state := StateCreated
	finish := func(err error) {
		latency := time.Since(start)
		g.metrics.RecordQuery(sessionID, state.String(), latency)
		observability.QueryDuration.WithLabelValues(state.String()).Observe(latency.Seconds())
		g.logger.WithContext(ctx).QueryOutcome(sessionID, target, state.String(), latency)
		span.SetAttributes(observability.AttrQueryOutcome.String(state.String()))
		if err != nil && state != StateResolved {
			span.SetStatus(codes.Error, err.Error())
		}
	}

	t, ok := g.dir.Lookup(sessionID)
	if !ok || !t.Active() {
		state = StateNoSession
		finish(browser.ErrNoSession)
		return nil, browser.ErrNoSession
	}

	q.Reply = make(chan router.Result, 1)
	if err := t.Submit(ctx, q); err != nil {
		if errors.Is(err, browser.ErrSessionClosed) {
			state = StateNoSession
			finish(err)
			return nil, browser.ErrNoSession
		}
		state = StateCancelled
		finish(err)
		return nil, err
	}
	state = StateDispatched

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case res := <-q.Reply:
		state = StateResolved
		finish(nil)
		return res.Cookies, nil
	case <-timer.C:
		state = StateTimedOut
		finish(browser.ErrQueryTimeout)
		return nil, browser.ErrQueryTimeout
	case <-t.Done():
		// The router may have answered just before exiting.
		select {
		case res := <-q.Reply:
			state = StateResolved
			finish(nil)
			return res.Cookies, nil
		default:
		}
		state = StateCancelled
		err := fmt.Errorf("%w: %w", browser.ErrNoSession, browser.ErrSessionClosed)
		finish(err)
		return nil, err
	case <-ctx.Done():
		state = StateCancelled
		finish(ctx.Err())
		return nil, ctx.Err()
	}
}
