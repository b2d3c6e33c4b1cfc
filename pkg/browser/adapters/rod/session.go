package rod

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gorod "github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/cookies"
	"github.com/odvcencio/sessiontap/pkg/browser/instrument"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// maxTrackedRequests bounds the request id to URL table used to resolve the
// fallback domain of Set-Cookie headers.
const maxTrackedRequests = 512

// Session is one instrumented Chromium page.
type Session struct {
	id        string
	incognito *gorod.Browser
	page      *gorod.Page
	relay     *relay
	cfg       Config
	logger    *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reqMu    sync.Mutex
	requests map[proto.NetworkRequestID]string

	closeOnce sync.Once
	closeErr  error
}

func newSession(id string, incognito *gorod.Browser, page *gorod.Page, inbox browser.Inbox, cfg Config, logger *observability.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		incognito: incognito,
		page:      page,
		relay:     newRelay(inbox, cfg.HTMLCaptureInterval, logger),
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		requests:  make(map[proto.NetworkRequestID]string),
	}
}

// prepare installs instrumentation and request overrides before the first
// navigation.
func (s *Session) prepare(cfg browser.SessionConfig) error {
	if err := (proto.RuntimeAddBinding{Name: instrument.BindingName}).Call(s.page); err != nil {
		return browser.WrapEngineError(browser.CodeInstrumentFailed, "add instrumentation binding", err)
	}
	if _, err := s.page.EvalOnNewDocument(instrument.Script(cfg.Intercept)); err != nil {
		return browser.WrapEngineError(browser.CodeInstrumentFailed, "install instrumentation", err)
	}
	if err := (proto.NetworkEnable{}).Call(s.page); err != nil {
		return browser.WrapEngineError(browser.CodeInstrumentFailed, "enable network domain", err)
	}
	if headers := cfg.HeaderList(); len(headers) > 0 {
		if _, err := s.page.SetExtraHeaders(headers); err != nil {
			return browser.WrapEngineError(browser.CodeLaunchFailed, "set extra headers", err)
		}
	}
	if cfg.UserAgent != "" {
		if err := s.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: cfg.UserAgent}); err != nil {
			return browser.WrapEngineError(browser.CodeLaunchFailed, "set user agent", err)
		}
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.Viewport.Width,
		Height:            cfg.Viewport.Height,
		DeviceScaleFactor: cfg.Viewport.DeviceScaleFactor,
		Mobile:            false,
	}).Call(s.page); err != nil {
		s.logger.Warn("failed to set viewport", slog.String("error", err.Error()))
	}
	return nil
}

// start runs the CDP listeners and the snapshot/outbox poll until Close.
func (s *Session) start() {
	page := s.page.Context(s.ctx)

	waitPage := page.EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame == nil || ev.Frame.ParentID != "" {
				return
			}
			s.relay.forward(browser.NavigationMessage{URL: ev.Frame.URL, Via: browser.NavigationLocationChange})
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil {
				return
			}
			s.trackRequest(ev.RequestID, ev.Request.URL)
			if ev.Type != proto.NetworkResourceTypeDocument || ev.FrameID != s.page.FrameID {
				return
			}
			s.relay.forward(browser.NavigationMessage{URL: ev.Request.URL, Via: browser.NavigationLoadRequest})
		},
		func(ev *proto.NetworkResponseReceivedExtraInfo) {
			raw := setCookieLines(ev.Headers)
			if raw == "" {
				return
			}
			host := cookies.HostFromURL(s.requestURL(ev.RequestID))
			if host == "" {
				return
			}
			s.relay.forward(browser.CookiesMessage{Domain: host, Format: browser.CookieFormatHeader, Raw: raw})
		},
		s.onBinding,
	)

	targetID := s.page.TargetID
	waitTarget := s.incognito.Context(s.ctx).EachEvent(func(ev *proto.TargetTargetDestroyed) bool {
		if ev.TargetID != targetID {
			return false
		}
		s.relay.forward(browser.CloseMessage{})
		return true
	})

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		waitPage()
	}()
	go func() {
		defer s.wg.Done()
		waitTarget()
	}()
	go func() {
		defer s.wg.Done()
		s.poll()
	}()
}

// onBinding relays a message the instrumentation sent through the binding.
func (s *Session) onBinding(ev *proto.RuntimeBindingCalled) {
	if ev.Name != instrument.BindingName {
		return
	}
	s.relay.batch([]json.RawMessage{json.RawMessage(ev.Payload)})
}

// poll releases paced snapshots and drains messages queued in documents
// where the binding was unavailable.
func (s *Session) poll() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		raw, err := s.drain()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			// Mid-navigation evaluations fail routinely; the next tick retries.
			s.logger.Debug("outbox drain failed", slog.String("error", err.Error()))
			continue
		}
		if !s.relay.batch(raw) || !s.relay.flush(false) {
			return
		}
	}
}

func (s *Session) drain() ([]json.RawMessage, error) {
	res, err := s.page.Context(s.ctx).Evaluate(&gorod.EvalOptions{
		JS:           instrument.DrainExpression,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode outbox: %w", err)
	}
	return raw, nil
}

func (s *Session) trackRequest(id proto.NetworkRequestID, url string) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if len(s.requests) >= maxTrackedRequests {
		s.requests = make(map[proto.NetworkRequestID]string)
	}
	s.requests[id] = url
}

func (s *Session) requestURL(id proto.NetworkRequestID) string {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return s.requests[id]
}

// setCookieLines joins every Set-Cookie header value, one cookie per line.
func setCookieLines(headers proto.NetworkHeaders) string {
	var lines []string
	for name, value := range headers {
		if !strings.EqualFold(name, "set-cookie") {
			continue
		}
		if v := strings.TrimSpace(value.Str()); v != "" {
			lines = append(lines, v)
		}
	}
	return strings.Join(lines, "\n")
}

// Navigate loads url in the page.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.ctx.Err() != nil {
		return browser.ErrSessionClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	return s.page.Context(ctx).Navigate(url)
}

// Close stops the listeners and disposes the page and its context.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.page.Close(); err != nil {
			s.logger.Debug("page close failed", slog.String("error", err.Error()))
		}
		s.closeErr = s.incognito.Close()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.CloseTimeout):
			s.logger.Warn("timed out waiting for page listeners to stop")
		}
	})
	return s.closeErr
}
