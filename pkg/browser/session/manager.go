package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/emitter"
	"github.com/odvcencio/sessiontap/pkg/browser/gateway"
	"github.com/odvcencio/sessiontap/pkg/browser/router"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

type namedSink struct {
	name string
	sink emitter.Sink
}

// Manager tracks active browser sessions for a runtime.
type Manager struct {
	runtime browser.Runtime
	sinks   []namedSink
	ids     emitter.IDSource
	logger  *observability.Logger
	metrics *browser.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink adds an outbound event sink shared by every session.
func WithSink(name string, sink emitter.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.sinks = append(m.sinks, namedSink{name: name, sink: sink})
		}
	}
}

// WithIDSource overrides the event id source.
func WithIDSource(ids emitter.IDSource) Option {
	return func(m *Manager) {
		if ids != nil {
			m.ids = ids
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *browser.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager backed by the provided runtime.
func NewManager(runtime browser.Runtime, opts ...Option) *Manager {
	m := &Manager{
		runtime:  runtime,
		ids:      emitter.NewIDSource(),
		logger:   observability.NopLogger(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("session_manager")
	return m
}

// OpenOption adjusts the configuration of a session being opened.
type OpenOption func(*browser.SessionConfig)

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) OpenOption {
	return func(c *browser.SessionConfig) { c.SessionID = id }
}

// WithIntercept enables relaying of captured fetch/XHR traffic.
func WithIntercept(enabled bool) OpenOption {
	return func(c *browser.SessionConfig) { c.Intercept = enabled }
}

// WithViewport sets the page viewport.
func WithViewport(v browser.Viewport) OpenOption {
	return func(c *browser.SessionConfig) { c.Viewport = v }
}

// Open launches a session at url with the given request headers.
func (m *Manager) Open(ctx context.Context, url string, headers map[string]string, opts ...OpenOption) (*Session, error) {
	cfg := browser.DefaultSessionConfig()
	cfg.InitialURL = url
	cfg.Headers = headers
	for _, opt := range opts {
		opt(&cfg)
	}
	return m.OpenConfig(ctx, cfg)
}

// OpenConfig launches a session from a full configuration.
func (m *Manager) OpenConfig(ctx context.Context, cfg browser.SessionConfig) (*Session, error) {
	if m == nil || m.runtime == nil {
		return nil, browser.ErrUnavailable
	}
	cfg = cfg.Normalize()
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if strings.ContainsAny(cfg.SessionID, ". *>") {
		return nil, fmt.Errorf("invalid session id %q", cfg.SessionID)
	}

	ctx, span := observability.StartSpan(ctx, "session.open")
	defer span.End()
	span.SetAttributes(
		observability.AttrSessionID.String(cfg.SessionID),
		observability.AttrURL.String(cfg.InitialURL),
	)

	sess := m.newSession(cfg)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-sess.router.Stop()
		return nil, browser.ErrUnavailable
	}
	if _, exists := m.sessions[cfg.SessionID]; exists {
		m.mu.Unlock()
		<-sess.router.Stop()
		return nil, fmt.Errorf("%w: %s", browser.ErrSessionExists, cfg.SessionID)
	}
	m.sessions[cfg.SessionID] = sess
	m.mu.Unlock()

	engine, err := m.runtime.Launch(ctx, cfg, sess)
	if err != nil {
		m.remove(sess)
		<-sess.router.Stop()
		observability.RecordError(ctx, err)
		var engErr *browser.EngineError
		if !errors.As(err, &engErr) {
			engErr = browser.WrapEngineError(browser.CodeLaunchFailed, "launch session", err)
		}
		observability.SessionOpenFailures.WithLabelValues(engErr.Code).Inc()
		m.logger.WithContext(ctx).Error("session launch failed",
			"session_id", cfg.SessionID,
			"code", engErr.Code,
			"error", err.Error(),
		)
		return nil, engErr
	}
	if !sess.setEngine(engine) {
		// The page closed itself while the engine was still launching.
		_ = engine.Close()
		return nil, browser.ErrSessionClosed
	}

	m.metrics.RecordSessionOpened(cfg.SessionID, cfg.InitialURL)
	observability.SessionsOpened.Inc()
	observability.ActiveSessions.Inc()
	m.logger.WithContext(ctx).SessionOpened(cfg.SessionID, cfg.InitialURL, cfg.Intercept)
	return sess, nil
}

func (m *Manager) newSession(cfg browser.SessionConfig) *Session {
	logger := m.logger.WithSession(cfg.SessionID)
	opts := []emitter.Option{
		emitter.WithIDSource(m.ids),
		emitter.WithLogger(logger),
		emitter.WithMetrics(m.metrics),
	}
	for _, ns := range m.sinks {
		opts = append(opts, emitter.WithSink(ns.name, ns.sink))
	}

	sess := &Session{
		id:       cfg.SessionID,
		cfg:      cfg,
		openedAt: time.Now(),
		logger:   logger,
		closed:   make(chan struct{}),
	}
	sess.router = router.New(router.Config{
		SessionID:  cfg.SessionID,
		InitialURL: cfg.InitialURL,
		Intercept:  cfg.Intercept,
		Emitter:    emitter.New(cfg.SessionID, opts...),
		Logger:     logger,
		Metrics:    m.metrics,
		OnClose: func() {
			_ = sess.Close()
		},
	})
	sess.onClosed = m.sessionClosed
	return sess
}

// sessionClosed runs once per session after teardown.
func (m *Manager) sessionClosed(sess *Session) {
	if !m.remove(sess) || !sess.wasOpened() {
		return
	}
	m.metrics.RecordSessionClosed(sess.id)
	observability.ActiveSessions.Dec()
	m.logger.SessionClosed(sess.id, "closed")
}

func (m *Manager) remove(sess *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[sess.id]; ok && cur == sess {
		delete(m.sessions, sess.id)
		return true
	}
	return false
}

// Get returns a session by id. Sessions whose engine is still launching are
// not visible yet.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok || !sess.wasOpened() {
		return nil, false
	}
	return sess, true
}

// Lookup implements gateway.Directory.
func (m *Manager) Lookup(sessionID string) (gateway.Target, bool) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// Close closes one session.
func (m *Manager) Close(sessionID string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return browser.ErrNoSession
	}
	return sess.Close()
}

// ChangeURL navigates one session.
func (m *Manager) ChangeURL(ctx context.Context, sessionID, url string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return browser.ErrNoSession
	}
	return sess.ChangeURL(ctx, url)
}

// List describes the open sessions ordered by open time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.wasOpened() {
			out = append(out, sess.Info())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// CloseAll closes every open session.
func (m *Manager) CloseAll() error {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown closes all sessions and releases the runtime. Further opens fail.
func (m *Manager) Shutdown() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.CloseAll()
	if m.runtime != nil {
		if rerr := m.runtime.Close(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}
