package router

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/emitter"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collector struct {
	mu     sync.Mutex
	events []browser.Event
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) Emit(_ string, ev browser.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *collector) snapshot() []browser.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]browser.Event(nil), c.events...)
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *collector) {
	t.Helper()
	col := newCollector()
	if cfg.SessionID == "" {
		cfg.SessionID = "s-1"
	}
	cfg.Emitter = emitter.New(cfg.SessionID, emitter.WithSink("collector", col))
	r := New(cfg)
	t.Cleanup(func() { <-r.Stop() })
	return r, col
}

// sync waits until everything delivered so far has been applied.
func syncRouter(t *testing.T, r *Router) Result {
	t.Helper()
	reply := make(chan Result, 1)
	if err := r.Submit(context.Background(), Query{Domain: "", Reply: reply}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case res := <-reply:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("router did not answer")
	}
	return Result{}
}

func query(t *testing.T, r *Router, q Query) map[string]string {
	t.Helper()
	q.Reply = make(chan Result, 1)
	if err := r.Submit(context.Background(), q); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case res := <-q.Reply:
		return res.Cookies
	case <-time.After(2 * time.Second):
		t.Fatal("router did not answer")
	}
	return nil
}

func TestCookiesMapMessageMerges(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	r.Deliver(browser.CookiesMessage{Domain: ".example.com", Entries: map[string]string{"a": "1"}})
	r.Deliver(browser.CookiesMessage{Domain: "example.com", Entries: map[string]string{"b": "2"}})

	got := query(t, r, Query{Domain: "example.com"})
	if !reflect.DeepEqual(got, map[string]string{"a": "1", "b": "2"}) {
		t.Fatalf("cookies = %v", got)
	}
}

func TestCookiesHeaderMessageUsesDomainAttribute(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	r.Deliver(browser.CookiesMessage{
		Domain: "www.example.com",
		Format: browser.CookieFormatHeader,
		Raw:    "foo=bar; Domain=.sub.example.com; Path=/\nnoequals\nsid=42; Path=/",
	})

	if got := query(t, r, Query{Domain: "sub.example.com"}); !reflect.DeepEqual(got, map[string]string{"foo": "bar"}) {
		t.Fatalf("sub.example.com = %v", got)
	}
	if got := query(t, r, Query{Domain: "www.example.com"}); !reflect.DeepEqual(got, map[string]string{"sid": "42"}) {
		t.Fatalf("www.example.com = %v", got)
	}
}

func TestCookiesDocumentMessage(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	r.Deliver(browser.CookiesMessage{Domain: "example.com", Format: browser.CookieFormatDocument, Raw: "a=1; b=2"})

	if got := query(t, r, Query{Domain: "example.com"}); !reflect.DeepEqual(got, map[string]string{"a": "1", "b": "2"}) {
		t.Fatalf("cookies = %v", got)
	}
}

func TestCurrentURLQueryUsesSuffixMatch(t *testing.T) {
	r, _ := newTestRouter(t, Config{InitialURL: "https://app.example.com/home"})
	r.Deliver(browser.CookiesMessage{Domain: "example.com", Entries: map[string]string{"root": "1"}})
	r.Deliver(browser.CookiesMessage{Domain: "notexample.com", Entries: map[string]string{"other": "1"}})

	got := query(t, r, Query{CurrentURL: true})
	if !reflect.DeepEqual(got, map[string]string{"root": "1"}) {
		t.Fatalf("cookies = %v", got)
	}
}

func TestCurrentURLWithoutHostYieldsNoCookies(t *testing.T) {
	r, _ := newTestRouter(t, Config{InitialURL: "myapp:callback"})
	r.Deliver(browser.CookiesMessage{Domain: "example.com", Entries: map[string]string{"a": "1"}})

	got := query(t, r, Query{CurrentURL: true})
	if got == nil || len(got) != 0 {
		t.Fatalf("cookies = %#v, want empty map", got)
	}
}

func TestHTMLBodyEmitsNavigationAndConsumesHTML(t *testing.T) {
	r, col := newTestRouter(t, Config{InitialURL: "https://example.com"})
	r.Deliver(browser.NavigationMessage{URL: "https://example.com/a", Via: browser.NavigationLoadRequest})
	r.Deliver(browser.CookiesMessage{Domain: "example.com", Entries: map[string]string{"sid": "1"}})
	r.Deliver(browser.HTMLMessage{HTML: "<p>a</p>"})
	r.Deliver(browser.HTMLMessage{HTML: "<p>a</p>"})
	syncRouter(t, r)

	events := col.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	first := events[0].(browser.NavigationEvent)
	second := events[1].(browser.NavigationEvent)

	if first.HTML != "<p>a</p>" || first.URL != "https://example.com/a" {
		t.Fatalf("first = %+v", first)
	}
	if !reflect.DeepEqual(first.VisitedURLs, []string{"https://example.com/a"}) {
		t.Fatalf("first visited = %v", first.VisitedURLs)
	}
	if first.Cookies["sid"] != "1" {
		t.Fatalf("first cookies = %v", first.Cookies)
	}
	if second.HTML != "" {
		t.Fatalf("second html = %q, want empty", second.HTML)
	}
	if len(second.VisitedURLs) != 0 {
		t.Fatalf("second visited = %v, want empty", second.VisitedURLs)
	}
	if first.ID == second.ID {
		t.Fatal("events share an id")
	}
}

func TestHTMLAfterNavigationIsEmittedAgain(t *testing.T) {
	r, col := newTestRouter(t, Config{})
	r.Deliver(browser.HTMLMessage{HTML: "<p>same</p>"})
	r.Deliver(browser.NavigationMessage{URL: "https://example.com/b", Via: browser.NavigationLoadRequest})
	r.Deliver(browser.HTMLMessage{HTML: "<p>same</p>"})
	syncRouter(t, r)

	events := col.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if got := events[1].(browser.NavigationEvent).HTML; got != "<p>same</p>" {
		t.Fatalf("html after navigation = %q", got)
	}
}

func TestLocationChangeEmitsLocationChanged(t *testing.T) {
	r, col := newTestRouter(t, Config{})
	r.Deliver(browser.NavigationMessage{URL: "https://example.com/x", Via: browser.NavigationLocationChange})
	res := syncRouter(t, r)

	if res.URL != "https://example.com/x" {
		t.Fatalf("current url = %q", res.URL)
	}
	events := col.snapshot()
	if len(events) != 1 || events[0].Kind() != browser.EventLocationChanged {
		t.Fatalf("events = %v", events)
	}
	if got := events[0].(browser.LocationChangedEvent).URL; got != "https://example.com/x" {
		t.Fatalf("url = %q", got)
	}
}

func TestInterceptedRequestRequiresInterception(t *testing.T) {
	payload := json.RawMessage(`{"url":"/api"}`)

	off, offCol := newTestRouter(t, Config{SessionID: "off"})
	off.Deliver(browser.InterceptedMessage{RequestType: "fetch_request", Data: payload})
	syncRouter(t, off)
	if n := len(offCol.snapshot()); n != 0 {
		t.Fatalf("interception disabled but %d events emitted", n)
	}

	on, onCol := newTestRouter(t, Config{SessionID: "on", Intercept: true})
	on.Deliver(browser.InterceptedMessage{RequestType: "fetch_request", Data: payload})
	syncRouter(t, on)
	events := onCol.snapshot()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0].(browser.InterceptedRequestEvent)
	if ev.RequestType != "fetch_request" || string(ev.Data) != `{"url":"/api"}` {
		t.Fatalf("event = %+v", ev)
	}
}

func TestUnknownMessageIgnored(t *testing.T) {
	metrics := browser.NewMetrics()
	r, col := newTestRouter(t, Config{Metrics: metrics})
	r.Deliver(browser.UnknownMessage{Name: "telemetry"})
	r.Deliver(browser.CookiesMessage{Entries: map[string]string{"a": "1"}})
	syncRouter(t, r)

	if n := len(col.snapshot()); n != 0 {
		t.Fatalf("events = %d", n)
	}
	if got := metrics.Snapshot().MessagesDropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestWindowCloseFlushesThenClosesOnce(t *testing.T) {
	closed := make(chan struct{})
	var r *Router
	var col *collector
	r, col = newTestRouter(t, Config{OnClose: func() {
		<-r.Close()
		close(closed)
	}})

	r.Deliver(browser.NavigationMessage{URL: "https://example.com/done", Via: browser.NavigationLoadRequest})
	r.Deliver(browser.CloseMessage{})
	r.Deliver(browser.HTMLMessage{HTML: "late"})

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose did not run")
	}

	events := col.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %v, want navigation then close", events)
	}
	if events[0].Kind() != browser.EventNavigation || events[1].Kind() != browser.EventClose {
		t.Fatalf("kinds = %s, %s", events[0].Kind(), events[1].Kind())
	}
	if r.Deliver(browser.HTMLMessage{HTML: "after"}) {
		t.Fatal("Deliver should fail after stop")
	}
}

func TestCloseEmitsCloseAndRejectsWork(t *testing.T) {
	r, col := newTestRouter(t, Config{})
	r.Deliver(browser.CookiesMessage{Domain: "example.com", Entries: map[string]string{"a": "1"}})

	select {
	case <-r.Close():
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop")
	}

	events := col.snapshot()
	if len(events) != 1 || events[0].Kind() != browser.EventClose {
		t.Fatalf("events = %v", events)
	}
	if r.Active() {
		t.Fatal("router still active")
	}
	err := r.Submit(context.Background(), Query{Reply: make(chan Result, 1)})
	if !errors.Is(err, browser.ErrSessionClosed) {
		t.Fatalf("submit after close = %v", err)
	}
}

func TestSubmitRejectsUnbufferedReply(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	if err := r.Submit(context.Background(), Query{Reply: make(chan Result)}); err == nil {
		t.Fatal("expected error for unbuffered reply")
	}
}

func TestDeliverNeverBlocks(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			if !r.Deliver(browser.CookiesMessage{Domain: "example.com", Entries: map[string]string{"n": "v"}}) {
				t.Error("deliver refused while running")
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver blocked")
	}
	syncRouter(t, r)
}

func TestQueryRepliesAreCopies(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	r.Deliver(browser.CookiesMessage{Domain: "example.com", Entries: map[string]string{"a": "1"}})

	first := query(t, r, Query{Domain: "example.com"})
	first["a"] = "mutated"
	second := query(t, r, Query{Domain: "example.com"})
	if second["a"] != "1" {
		t.Fatalf("store aliased by reply: %v", second)
	}
}
