// Package observability holds the structured logger, Prometheus collectors,
// tracing setup, and the telemetry websocket stream.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// Log output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger is a structured logger for sessiontap components.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Component string
	Level     slog.Level
	Format    string
	Output    io.Writer
}

// NewLogger creates a structured logger. JSON output uses slog's handler;
// console output renders through charmbracelet/log.
func NewLogger(opts LoggerOptions) *Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := new(slog.LevelVar)
	level.Set(opts.Level)

	l := &Logger{level: level}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, FormatConsole) {
		charm := charmlog.NewWithOptions(out, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
			Level:           charmlog.DebugLevel,
		})
		handler = gatedHandler{Handler: charm, level: level}
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler).With(slog.String("system", "sessiontap"))
	if opts.Component != "" {
		logger = logger.With(slog.String("component", opts.Component))
	}
	l.Logger = logger
	return l
}

// NopLogger discards everything. Used as the default when callers pass nil.
func NopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		level:  new(slog.LevelVar),
	}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level of this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level slog.Level) {
	if l == nil || l.level == nil {
		return
	}
	l.level.Set(level)
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, level: l.level}
}

// gatedHandler applies a shared LevelVar in front of a handler that keeps
// its own copy of the level on every With call.
type gatedHandler struct {
	slog.Handler
	level slog.Leveler
}

func (h gatedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.Handler.Enabled(ctx, level)
}

func (h gatedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return gatedHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h gatedHandler) WithGroup(name string) slog.Handler {
	return gatedHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", component)))
}

// WithSession returns a logger with session-specific fields.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.derive(l.Logger.With(slog.String("session_id", sessionID)))
}

// WithContext adds trace and span ids when ctx carries a valid span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return l.derive(l.Logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	))
}

// SessionOpened logs a session open.
func (l *Logger) SessionOpened(sessionID, url string, intercept bool) {
	l.Info("session opened",
		slog.String("session_id", sessionID),
		slog.String("url", url),
		slog.Bool("intercept", intercept),
	)
}

// SessionClosed logs a session teardown.
func (l *Logger) SessionClosed(sessionID, reason string) {
	l.Info("session closed",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
	)
}

// MessageDropped logs an inbound message discarded at the router boundary.
func (l *Logger) MessageDropped(kind, reason string, err error) {
	attrs := []any{
		slog.String("kind", kind),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.Warn("message dropped", attrs...)
}

// EventEmitted logs one outbound event.
func (l *Logger) EventEmitted(kind, id string) {
	l.Debug("event emitted",
		slog.String("kind", kind),
		slog.String("event_id", id),
	)
}

// SinkFailed logs a sink that rejected an outbound event.
func (l *Logger) SinkFailed(sink, kind string, err error) {
	l.Warn("event sink failed",
		slog.String("sink", sink),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

// QueryOutcome logs how a cross-context query ended.
func (l *Logger) QueryOutcome(sessionID, target, outcome string, latency time.Duration) {
	l.Debug("cookie query",
		slog.String("session_id", sessionID),
		slog.String("target", target),
		slog.String("outcome", outcome),
		slog.Float64("latency_ms", float64(latency.Microseconds())/1000),
	)
}
