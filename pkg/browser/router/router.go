// Package router implements the per-session event router: a single
// goroutine that owns the cookie store and navigation tracker, applies
// inbound instrumentation messages in arrival order, answers cookie
// queries from copies, and drives the outbound emitter.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/cookies"
	"github.com/odvcencio/sessiontap/pkg/browser/emitter"
	"github.com/odvcencio/sessiontap/pkg/browser/navigation"
	"github.com/odvcencio/sessiontap/pkg/observability"
)

// Drop reasons reported to metrics.
const (
	DropUnknownKind          = "unknown_kind"
	DropInterceptionDisabled = "interception_disabled"
	DropMissingDomain        = "missing_domain"
	DropAfterClose           = "after_close"
	DropPanic                = "handler_panic"
)

// Query asks the router for cookies. Reply must have room for one value;
// the router never blocks on it.
type Query struct {
	Domain     string
	CurrentURL bool
	Reply      chan Result
}

// Result answers a Query.
type Result struct {
	Cookies map[string]string
	URL     string
}

// Config configures a Router.
type Config struct {
	SessionID  string
	InitialURL string
	Intercept  bool
	Emitter    *emitter.Emitter
	Logger     *observability.Logger
	Metrics    *browser.Metrics

	// OnClose runs on its own goroutine after the page asked to close and the
	// close event went out.
	OnClose func()
}

// Router is the single writer for one session's state.
type Router struct {
	sessionID string
	intercept bool
	emitter   *emitter.Emitter
	logger    *observability.Logger
	metrics   *browser.Metrics
	onClose   func()

	store    *cookies.Store
	nav      *navigation.Tracker
	lastHTML string
	closed   bool

	box  *mailbox
	done chan struct{}
}

// New creates a router and starts its goroutine.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	em := cfg.Emitter
	if em == nil {
		em = emitter.New(cfg.SessionID)
	}
	r := &Router{
		sessionID: cfg.SessionID,
		intercept: cfg.Intercept,
		emitter:   em,
		logger:    logger.WithComponent("router").WithSession(cfg.SessionID),
		metrics:   cfg.Metrics,
		onClose:   cfg.OnClose,
		store:     cookies.New(),
		nav:       navigation.NewTracker(cfg.InitialURL),
		box:       newMailbox(),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Deliver enqueues an inbound message. It never blocks and reports false
// once the router is stopping.
func (r *Router) Deliver(msg browser.Inbound) bool {
	if msg == nil {
		return false
	}
	return r.box.push(envelope{msg: msg})
}

// Submit enqueues a cookie query behind every message delivered before it.
func (r *Router) Submit(ctx context.Context, q Query) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if q.Reply == nil || cap(q.Reply) < 1 {
		return fmt.Errorf("router: query reply channel must be buffered")
	}
	if !r.box.push(envelope{query: &q}) {
		return browser.ErrSessionClosed
	}
	return nil
}

// Active reports whether the router still accepts work.
func (r *Router) Active() bool {
	return !r.box.closed()
}

// Done is closed when the router goroutine exits.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Close emits a close event unless one already went out, then stops the
// router after everything queued before it has been applied.
func (r *Router) Close() <-chan struct{} {
	r.box.push(envelope{stop: &stopRequest{emitClose: true}})
	return r.done
}

// Stop halts the router without emitting anything.
func (r *Router) Stop() <-chan struct{} {
	r.box.push(envelope{stop: &stopRequest{}})
	return r.done
}

func (r *Router) run() {
	defer close(r.done)
	for range r.box.notify {
		items := r.box.drain()
		for i, env := range items {
			observability.RouterQueueDepth.Dec()
			if env.stop != nil {
				r.finish(*env.stop)
				observability.RouterQueueDepth.Sub(float64(len(items) - i - 1))
				return
			}
			r.dispatch(env)
		}
	}
}

func (r *Router) finish(req stopRequest) {
	if req.emitClose && !r.closed {
		r.closed = true
		r.emitter.Close()
	}
}

func (r *Router) dispatch(env envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			kind := browser.KindUnknown
			if env.msg != nil {
				kind = env.msg.Kind()
			}
			r.logger.Error("router handler panic",
				slog.String("kind", string(kind)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			r.drop(kind, DropPanic, nil)
		}
	}()

	if env.query != nil {
		r.answer(*env.query)
		return
	}
	r.handle(env.msg)
}

func (r *Router) handle(msg browser.Inbound) {
	if r.closed {
		r.drop(msg.Kind(), DropAfterClose, nil)
		return
	}

	switch m := msg.(type) {
	case browser.CookiesMessage:
		r.onCookies(m)
	case browser.HTMLMessage:
		r.onHTML(m)
	case browser.InterceptedMessage:
		if !r.intercept {
			r.drop(m.Kind(), DropInterceptionDisabled, nil)
			return
		}
		r.emitter.InterceptedRequest(m.RequestType, m.Data)
	case browser.NavigationMessage:
		r.onNavigation(m)
	case browser.CloseMessage:
		r.onWindowClose()
	default:
		r.drop(msg.Kind(), DropUnknownKind, nil)
		return
	}
	r.metrics.RecordMessage(r.sessionID, msg.Kind())
	observability.RouterMessages.WithLabelValues(string(msg.Kind())).Inc()
}

func (r *Router) onCookies(m browser.CookiesMessage) {
	switch m.Format {
	case browser.CookieFormatHeader:
		for domain, entries := range cookies.GroupByDomain(cookies.ParseHeaderLines(m.Raw, m.Domain)) {
			r.store.Merge(domain, entries)
		}
	case browser.CookieFormatDocument:
		if cookies.NormalizeDomain(m.Domain) == "" {
			r.drop(m.Kind(), DropMissingDomain, nil)
			return
		}
		r.store.Merge(m.Domain, cookies.ParseDocumentCookie(m.Raw))
	default:
		if cookies.NormalizeDomain(m.Domain) == "" {
			r.drop(m.Kind(), DropMissingDomain, nil)
			return
		}
		r.store.Merge(m.Domain, m.Entries)
	}
}

// onHTML replaces the pending snapshot and emits a navigation event. A body
// identical to the one emitted last is treated as already consumed.
func (r *Router) onHTML(m browser.HTMLMessage) {
	html := m.HTML
	if html == r.lastHTML {
		html = ""
	} else {
		r.lastHTML = html
	}
	r.nav.OnHTMLCaptured(html)
	r.emitNavigation()
}

func (r *Router) onNavigation(m browser.NavigationMessage) {
	r.nav.OnNavigate(m.URL)
	r.lastHTML = ""
	if m.Via == browser.NavigationLocationChange {
		r.emitter.LocationChanged(m.URL)
	}
}

func (r *Router) onWindowClose() {
	if r.nav.Peek().Pending() {
		r.emitNavigation()
	}
	r.closed = true
	r.emitter.Close()
	if r.onClose != nil {
		go r.onClose()
	}
}

func (r *Router) emitNavigation() {
	snap := r.nav.SnapshotAndClear()
	r.emitter.Navigation(snap, r.cookiesForURL(snap.CurrentURL))
}

func (r *Router) cookiesForURL(rawURL string) map[string]string {
	host := cookies.HostFromURL(rawURL)
	if host == "" {
		return map[string]string{}
	}
	return r.store.GetForHost(host)
}

func (r *Router) answer(q Query) {
	res := Result{URL: r.nav.CurrentURL()}
	if q.CurrentURL {
		res.Cookies = r.cookiesForURL(res.URL)
	} else {
		res.Cookies = r.store.Get(q.Domain)
	}
	select {
	case q.Reply <- res:
	default:
	}
}

func (r *Router) drop(kind browser.MessageKind, reason string, err error) {
	r.logger.MessageDropped(string(kind), reason, err)
	r.metrics.RecordDropped(r.sessionID, kind, reason)
	observability.RouterDropped.WithLabelValues(string(kind), reason).Inc()
}
