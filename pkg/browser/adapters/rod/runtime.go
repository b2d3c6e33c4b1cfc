// Package rod drives Chromium over the DevTools protocol using go-rod and
// feeds page instrumentation into session inboxes.
package rod

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	gorod "github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// Runtime is a Chromium-backed browser runtime. The browser process is
// started or connected lazily on the first Launch and shared by all
// sessions; each session gets its own incognito context.
type Runtime struct {
	cfg    Config
	logger *observability.Logger

	mu       sync.Mutex
	browser  *gorod.Browser
	launcher *launcher.Launcher
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

// NewRuntime creates a rod runtime adapter.
func NewRuntime(cfg Config, logger *observability.Logger) (*Runtime, error) {
	merged := cfg.withDefaults()
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:    merged,
		logger: logger.WithComponent("rod"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Launch opens an instrumented page for cfg and starts relaying its
// messages into inbox.
func (r *Runtime) Launch(ctx context.Context, cfg browser.SessionConfig, inbox browser.Inbox) (browser.EngineSession, error) {
	if r == nil {
		return nil, browser.ErrUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := r.ensureBrowser()
	if err != nil {
		return nil, browser.WrapEngineError(browser.CodeUnavailable, "connect to chromium", err)
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, browser.WrapEngineError(browser.CodeLaunchFailed, "create incognito context", err)
	}
	page, err := r.newPage(incognito)
	if err != nil {
		_ = incognito.Close()
		return nil, browser.WrapEngineError(browser.CodeLaunchFailed, "create page", err)
	}

	sess := newSession(cfg.SessionID, incognito, page, inbox, r.cfg, r.logger.WithSession(cfg.SessionID))
	if err := sess.prepare(cfg); err != nil {
		_ = sess.Close()
		return nil, err
	}
	sess.start()

	if cfg.InitialURL != "" {
		if err := sess.Navigate(ctx, cfg.InitialURL); err != nil {
			_ = sess.Close()
			return nil, browser.WrapEngineError(browser.CodeLaunchFailed, fmt.Sprintf("load %s", cfg.InitialURL), err)
		}
	}
	return sess, nil
}

func (r *Runtime) newPage(incognito *gorod.Browser) (*gorod.Page, error) {
	if r.cfg.Stealth {
		return stealth.Page(incognito)
	}
	return incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
}

func (r *Runtime) ensureBrowser() (*gorod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, browser.ErrUnavailable
	}
	if r.browser != nil {
		return r.browser, nil
	}

	controlURL := r.cfg.ControlURL
	if controlURL == "" {
		l := r.newLauncher()
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chromium: %w", err)
		}
		r.launcher = l
		controlURL = u
	}

	b := gorod.New().ControlURL(controlURL).Context(r.ctx)
	if err := b.Connect(); err != nil {
		if r.launcher != nil {
			r.launcher.Kill()
			r.launcher = nil
		}
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}
	r.browser = b
	r.logger.Info("chromium connected", slog.String("control_url", controlURL))
	return b, nil
}

func (r *Runtime) newLauncher() *launcher.Launcher {
	l := launcher.New().Context(r.ctx).Headless(!r.cfg.Headed)
	bin := r.cfg.Bin
	if bin == "" {
		if path, ok := launcher.LookPath(); ok {
			bin = path
		}
	}
	if bin != "" {
		l = l.Bin(bin)
	}
	if r.cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	if r.cfg.Stealth {
		l = l.Set("disable-blink-features", "AutomationControlled")
	}
	for _, raw := range r.cfg.Flags {
		name, val, hasVal := strings.Cut(strings.TrimLeft(strings.TrimSpace(raw), "-"), "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// Close shuts the shared browser down. Sessions still open lose their
// engine connection.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.browser != nil {
		if r.launcher != nil {
			err = r.browser.Close()
		}
		r.browser = nil
	}
	r.cancel()
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher = nil
	}
	return err
}
