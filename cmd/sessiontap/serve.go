package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/sessiontap/pkg/browser"
	rodadapter "github.com/odvcencio/sessiontap/pkg/browser/adapters/rod"
	"github.com/odvcencio/sessiontap/pkg/browser/emitter"
	"github.com/odvcencio/sessiontap/pkg/browser/gateway"
	"github.com/odvcencio/sessiontap/pkg/browser/session"
	"github.com/odvcencio/sessiontap/pkg/bus"
	"github.com/odvcencio/sessiontap/pkg/config"
	"github.com/odvcencio/sessiontap/pkg/ipc"
	"github.com/odvcencio/sessiontap/pkg/observability"
	"github.com/odvcencio/sessiontap/pkg/storage"
	"github.com/odvcencio/sessiontap/pkg/telemetry"
)

// newRuntimeFn allows tests to run serve without Chromium.
var newRuntimeFn = func(cfg config.EngineConfig, logger *observability.Logger) (browser.Runtime, error) {
	return rodadapter.NewRuntime(rodConfig(cfg), logger)
}

// newBusFn allows tests to substitute the message bus.
var newBusFn = openBus

func runServeCommand(args []string, configPath string) error {
	appCfg, err := loadConfigFn(configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	bind := fs.String("bind", appCfg.Server.Bind, "address to bind the control API")
	controlURL := fs.String("control-url", appCfg.Engine.ControlURL, "connect to a running Chromium instead of launching one")
	headed := fs.Bool("headed", appCfg.Engine.Headed, "show the browser window")
	intercept := fs.Bool("intercept", appCfg.Session.Intercept, "forward fetch/XHR traffic by default")
	busDriver := fs.String("bus", appCfg.Bus.Driver, "message bus driver (memory, nats)")
	natsURL := fs.String("nats-url", appCfg.Bus.NATS.URL, "NATS server URL for the nats bus driver")
	logLevel := fs.String("log-level", appCfg.Logging.Level, "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", appCfg.Logging.Format, "log format (json, console)")
	socketPath := fs.String("socket", "", "serve framed events on this unix socket")
	noJournal := fs.Bool("no-journal", !appCfg.Journal.Enabled, "disable the SQLite event journal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	appCfg.Server.Bind = strings.TrimSpace(*bind)
	appCfg.Engine.ControlURL = strings.TrimSpace(*controlURL)
	appCfg.Engine.Headed = *headed
	appCfg.Session.Intercept = *intercept
	appCfg.Bus.Driver = strings.ToLower(strings.TrimSpace(*busDriver))
	appCfg.Bus.NATS.URL = strings.TrimSpace(*natsURL)
	appCfg.Logging.Level = *logLevel
	appCfg.Logging.Format = *logFormat
	appCfg.Journal.Enabled = !*noJournal
	if path := strings.TrimSpace(*socketPath); path != "" {
		appCfg.Socket.Enabled = true
		appCfg.Socket.Path = path
	}
	if err := appCfg.Validate(); err != nil {
		return withExitCode(err, exitUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, appCfg, watchPath(configPath))
}

// serve wires the engine together and blocks until ctx is done or a
// component fails. Shutdown closes sessions first so their close events still
// reach the journal, the socket, and the bus.
func serve(ctx context.Context, cfg *config.Config, watch string) error {
	logger := observability.NewLogger(observability.LoggerOptions{
		Level:  observability.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	for _, warning := range cfg.ValidationWarnings() {
		logger.Warn("config warning", "warning", warning)
	}

	if cfg.Tracing.Enabled {
		out, closeOut, err := traceOutput(cfg.Tracing.Output)
		if err != nil {
			return err
		}
		defer closeOut()
		tp, err := observability.NewTracerProvider("sessiontap", version, out)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	telemetryHub := telemetry.NewHub()
	defer telemetryHub.Close()
	metrics := browser.NewMetrics()
	metrics.EnableTelemetry(telemetryHub)

	messageBus, err := newBusFn(cfg.Bus)
	if err != nil {
		return withExitCode(err, exitUnavailable)
	}
	defer messageBus.Close()

	opts := []session.Option{
		session.WithSink("bus", emitter.NewBusSink(messageBus)),
		session.WithIDSource(idSource(cfg.Session.IDFormat)),
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	}

	var journal *storage.Journal
	if cfg.Journal.Enabled {
		store, err := openJournalStore(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		journal = storage.NewJournal(store, cfg.Journal.Buffer, logger)
		defer journal.Close()
		opts = append(opts, session.WithSink("journal", journal))
	}

	if cfg.Socket.Enabled {
		socket, err := ipc.ListenSocket(cfg.Socket.Path, logger)
		if err != nil {
			return err
		}
		defer socket.Close()
		opts = append(opts, session.WithSink("socket", socket))
		logger.Info("serving framed events", "path", cfg.Socket.Path)
	}

	streamHub := ipc.NewHub()
	opts = append(opts, session.WithSink("stream", streamHub))

	runtime, err := newRuntimeFn(cfg.Engine, logger)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	manager := session.NewManager(runtime, opts...)
	defer func() {
		if err := manager.Shutdown(); err != nil {
			logger.Warn("session shutdown", "error", err)
		}
	}()

	gw := gateway.New(manager,
		gateway.WithTimeout(cfg.Query.Timeout),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	)

	queries := gateway.NewService(gw, messageBus, logger)
	if err := queries.Start(ctx); err != nil {
		return fmt.Errorf("start query service: %w", err)
	}
	defer queries.Stop()

	control := session.NewControlService(manager, messageBus, logger, cfg.Engine.NavigationTimeout)
	if err := control.Start(ctx); err != nil {
		return fmt.Errorf("start control service: %w", err)
	}
	defer control.Stop()

	server := ipc.NewServer(ipc.Config{
		BindAddress:         cfg.Server.Bind,
		AuthToken:           cfg.Server.Token,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		PublicMetrics:       cfg.Server.PublicMetrics,
		RequireToken:        cfg.Server.RequireToken,
		Version:             version,
		SessionDefaults:     sessionDefaults(cfg.Session),
		IngestRatePerSecond: cfg.Ingest.RatePerSecond,
		IngestBurst:         cfg.Ingest.Burst,
	}, manager, gw, journal, streamHub, telemetryHub, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if watch != "" {
		g.Go(func() error {
			err := config.Watch(gctx, watch, 0, func(next *config.Config, err error) {
				if err != nil {
					logger.Warn("config reload failed", "path", watch, "error", err)
					return
				}
				logger.SetLevel(observability.ParseLevel(next.Logging.Level))
				logger.Info("config reloaded", "path", watch, "log_level", next.Logging.Level)
			})
			if err != nil {
				logger.Warn("config watch disabled", "path", watch, "error", err)
			}
			return nil
		})
	}

	logger.Info("sessiontap started",
		"version", version,
		"bind", cfg.Server.Bind,
		"bus", cfg.Bus.Driver,
		"journal", cfg.Journal.Enabled,
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sessiontap stopping")
	return nil
}

func openBus(cfg config.BusConfig) (bus.MessageBus, error) {
	switch cfg.Driver {
	case config.BusDriverNATS:
		return bus.NewNATSBus(natsBusConfig(cfg.NATS))
	case config.BusDriverMemory, "":
		return bus.NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

func natsBusConfig(cfg config.NATSConfig) bus.Config {
	return bus.Config{
		URL:      cfg.URL,
		Name:     "sessiontap",
		Timeout:  cfg.ConnectTimeout,
		Username: cfg.Username,
		Password: cfg.Password,
		Token:    cfg.Token,
	}
}

func openJournalStore(path string) (*storage.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	store, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return store, nil
}

func idSource(format string) emitter.IDSource {
	if format == config.IDFormatMillis {
		return emitter.NewMillisSource(nil)
	}
	return emitter.NewIDSource()
}

func rodConfig(cfg config.EngineConfig) rodadapter.Config {
	return rodadapter.Config{
		ControlURL:          cfg.ControlURL,
		Bin:                 cfg.Bin,
		Headed:              cfg.Headed,
		NoSandbox:           cfg.NoSandbox,
		Stealth:             cfg.Stealth,
		Flags:               cfg.Flags,
		PollInterval:        cfg.PollInterval,
		HTMLCaptureInterval: cfg.HTMLCaptureInterval,
		NavigationTimeout:   cfg.NavigationTimeout,
	}
}

func sessionDefaults(cfg config.SessionConfig) browser.SessionConfig {
	defaults := browser.DefaultSessionConfig()
	defaults.Intercept = cfg.Intercept
	defaults.UserAgent = cfg.UserAgent
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		defaults.Viewport.Width = cfg.ViewportWidth
		defaults.Viewport.Height = cfg.ViewportHeight
	}
	return defaults
}

// traceOutput resolves tracing.output: stdout, stderr, or a file path.
func traceOutput(target string) (io.Writer, func(), error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "stderr":
		return os.Stderr, func() {}, nil
	case "stdout":
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// watchPath picks the config file to watch for live reloads: the explicit
// path, else the project config when present.
func watchPath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	project := filepath.Join(".", ".sessiontap", "config.yaml")
	if _, err := os.Stat(project); err == nil {
		return project
	}
	return ""
}
