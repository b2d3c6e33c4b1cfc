// Package session owns browser session lifecycles: it launches the engine,
// wires a router and emitter per session, and exposes handles for
// changeUrl, close, and cookie queries.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/router"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// Session is a handle to one open browser session.
type Session struct {
	id       string
	cfg      browser.SessionConfig
	openedAt time.Time

	router *router.Router
	logger *observability.Logger

	mu       sync.RWMutex
	engine   browser.EngineSession
	released bool
	opened   bool

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
	onClosed  func(*Session)
}

// Info describes an open session.
type Info struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Intercept bool      `json:"intercept"`
	OpenedAt  time.Time `json:"opened_at"`
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Config returns the normalized configuration the session was opened with.
func (s *Session) Config() browser.SessionConfig {
	return s.cfg
}

// Info summarizes the session.
func (s *Session) Info() Info {
	return Info{
		ID:        s.id,
		URL:       s.cfg.InitialURL,
		Intercept: s.cfg.Intercept,
		OpenedAt:  s.openedAt,
	}
}

// Deliver hands an inbound message to the router. It implements
// browser.Inbox and never blocks.
func (s *Session) Deliver(msg browser.Inbound) bool {
	return s.router.Deliver(msg)
}

// DeliverRaw decodes a JSON instrumentation message and delivers it.
// Malformed messages are dropped and reported, never applied.
func (s *Session) DeliverRaw(data []byte) error {
	msg, err := browser.DecodeInbound(data)
	if err != nil {
		s.logger.MessageDropped(string(browser.KindUnknown), "decode", err)
		observability.RouterDropped.WithLabelValues(string(browser.KindUnknown), "decode").Inc()
		return err
	}
	if !s.Deliver(msg) {
		return browser.ErrSessionClosed
	}
	return nil
}

// ChangeURL asks the engine to load url.
func (s *Session) ChangeURL(ctx context.Context, url string) error {
	if !s.Active() {
		return browser.ErrSessionClosed
	}
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	if engine == nil {
		return browser.ErrUnavailable
	}
	if err := engine.Navigate(ctx, url); err != nil {
		return browser.WrapEngineError(browser.CodeNavigateFailed, fmt.Sprintf("navigate to %s", url), err)
	}
	return nil
}

// Active reports whether the engine finished launching and the session still
// accepts queries.
func (s *Session) Active() bool {
	return s.wasOpened() && s.router.Active()
}

// Submit implements gateway.Target.
func (s *Session) Submit(ctx context.Context, q router.Query) error {
	return s.router.Submit(ctx, q)
}

// Done is closed once the router has stopped. In-flight queries observe it
// as a cancellation.
func (s *Session) Done() <-chan struct{} {
	return s.router.Done()
}

// Closed is closed after teardown has fully finished.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// Close emits a close event unless the page already triggered one, stops the
// router, and releases the engine session. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, span := observability.StartSpan(context.Background(), "session.close")
		defer span.End()
		span.SetAttributes(observability.AttrSessionID.String(s.id))

		<-s.router.Close()

		s.mu.Lock()
		engine := s.engine
		s.engine = nil
		s.released = true
		s.mu.Unlock()
		if engine != nil {
			if err := engine.Close(); err != nil {
				s.closeErr = fmt.Errorf("close engine session: %w", err)
				observability.RecordError(ctx, err)
			}
		}
		if s.onClosed != nil {
			s.onClosed(s)
		}
		close(s.closed)
	})
	return s.closeErr
}

func (s *Session) setEngine(engine browser.EngineSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.engine = engine
	s.opened = true
	return true
}

// wasOpened reports whether the engine launch completed.
func (s *Session) wasOpened() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opened
}
