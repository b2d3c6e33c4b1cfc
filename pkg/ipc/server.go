// Package ipc serves the sessiontap control API: session lifecycle and
// cookie queries over JSON/HTTP, outbound events over websocket, and a
// framed unix socket for local consumers.
package ipc

import (
	"context"
	stdliberrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/gateway"
	"github.com/odvcencio/sessiontap/pkg/browser/session"
	"github.com/odvcencio/sessiontap/pkg/observability"
	"github.com/odvcencio/sessiontap/pkg/storage"
	"github.com/odvcencio/sessiontap/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Config controls the API server behavior.
type Config struct {
	BindAddress    string
	AuthToken      string
	AllowedOrigins []string
	PublicMetrics  bool
	RequireToken   bool
	Version        string

	// SessionDefaults seeds every session opened through the API.
	SessionDefaults browser.SessionConfig

	IngestRatePerSecond float64
	IngestBurst         int
}

// EventLog serves journaled events.
type EventLog interface {
	Events(ctx context.Context, sessionID string, limit int) ([]storage.Record, error)
}

// Server hosts the JSON/HTTP + WebSocket control API.
type Server struct {
	cfg       Config
	manager   *session.Manager
	cookies   gateway.CookieSource
	journal   EventLog
	hub       *Hub
	telemetry *observability.TelemetryStream
	logger    *observability.Logger

	eventConnLimiter *connLimiter
	ingest           *ingestLimiter
	startedAt        time.Time

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer wires the API to a session manager and cookie source. journal
// may be nil when journaling is disabled; hub should be the same Hub the
// manager emits into.
func NewServer(cfg Config, manager *session.Manager, cookies gateway.CookieSource, journal EventLog, hub *Hub, telemetryHub *telemetry.Hub, logger *observability.Logger) *Server {
	if cfg.BindAddress == "" {
		cfg.BindAddress = "127.0.0.1:4590"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	if !isLoopbackBindAddress(cfg.BindAddress) && strings.TrimSpace(cfg.AuthToken) != "" {
		cfg.RequireToken = true
	}
	if cfg.SessionDefaults.Viewport.Width <= 0 || cfg.SessionDefaults.Viewport.Height <= 0 {
		cfg.SessionDefaults.Viewport = browser.DefaultSessionConfig().Viewport
	}
	if hub == nil {
		hub = NewHub()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if journal != nil {
		// A typed nil pointer would pass the nil check in handlers.
		if j, ok := journal.(*storage.Journal); ok && j == nil {
			journal = nil
		}
	}

	s := &Server{
		cfg:              cfg,
		manager:          manager,
		cookies:          cookies,
		journal:          journal,
		hub:              hub,
		logger:           logger.WithComponent("ipc"),
		eventConnLimiter: newConnLimiter(maxEventStreamClients, metricStreamClients),
		ingest:           newIngestLimiter(cfg.IngestRatePerSecond, cfg.IngestBurst),
		startedAt:        time.Now(),
	}
	if telemetryHub != nil {
		s.telemetry = observability.NewTelemetryStreamWithAuth(telemetryHub, logger, s.authorize)
	}
	return s
}

// Handler builds the routed API handler.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(instrumentMiddleware)
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleOpenSession)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleSessionDetail)
			r.Delete("/", s.handleCloseSession)
			r.Post("/url", s.handleChangeURL)
			r.Post("/messages", s.handleIngest)
			r.Get("/cookies", s.handleDomainCookies)
			r.Get("/cookies/current", s.handleCurrentCookies)
			r.Get("/events", s.handleEvents)
			r.Get("/stream", s.handleEventStream)
		})
		if s.telemetry != nil {
			r.Get("/telemetry/stream", s.telemetry.ServeHTTP)
		}
	})

	return router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if err := s.validateStartupConfig(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("serving control API", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !stdliberrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.hub.Close()
		if s.telemetry != nil {
			s.telemetry.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// Addr reports the bound address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) validateStartupConfig() error {
	if s.manager == nil {
		return fmt.Errorf("control API requires a session manager")
	}
	if s.cookies == nil {
		return fmt.Errorf("control API requires a cookie source")
	}
	if !isLoopbackBindAddress(s.cfg.BindAddress) && strings.TrimSpace(s.cfg.AuthToken) == "" {
		return fmt.Errorf("refusing to bind control API to %q without authentication (set server.token)", s.cfg.BindAddress)
	}
	if s.cfg.RequireToken && strings.TrimSpace(s.cfg.AuthToken) == "" {
		return fmt.Errorf("server.require_token is set but no token is configured")
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.manager != nil {
		active = len(s.manager.List())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         s.cfg.Version,
		"active_sessions": active,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"time":            time.Now().UTC().Format(time.RFC3339),
	})
}
