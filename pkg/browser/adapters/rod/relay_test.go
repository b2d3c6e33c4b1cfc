package rod

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/instrument"
)

type recordingInbox struct {
	mu     sync.Mutex
	msgs   []browser.Inbound
	reject bool
}

func (r *recordingInbox) Deliver(msg browser.Inbound) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *recordingInbox) kinds() []browser.MessageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]browser.MessageKind, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Kind()
	}
	return out
}

func raws(t *testing.T, msgs ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(msgs))
	for i, m := range msgs {
		out[i] = json.RawMessage(m)
	}
	return out
}

func TestRelayBatchSkipsMalformed(t *testing.T) {
	inbox := &recordingInbox{}
	r := newRelay(inbox, 0, nil)

	ok := r.batch(raws(t,
		`{"type":"cookie_operation","domain":"a.example","cookies":"x=1"}`,
		`not json`,
		`{"event":"window.close"}`,
	))
	if !ok {
		t.Fatal("batch reported stop")
	}
	got := inbox.kinds()
	if len(got) != 2 || got[0] != browser.KindCookies || got[1] != browser.KindWindowClose {
		t.Fatalf("delivered kinds = %v", got)
	}
}

func htmlBodies(t *testing.T, msgs []browser.Inbound) []string {
	t.Helper()
	var out []string
	for _, m := range msgs {
		if h, ok := m.(browser.HTMLMessage); ok {
			out = append(out, h.HTML)
		}
	}
	return out
}

func TestRelayQueuesFastSnapshotsInOrder(t *testing.T) {
	inbox := &recordingInbox{}
	r := newRelay(inbox, time.Hour, nil)

	r.batch(raws(t,
		`{"event":"html_body","html":"<p>1</p>"}`,
		`{"event":"html_body","html":"<p>2</p>"}`,
		`{"event":"html_body","html":"<p>3</p>"}`,
	))
	if got := len(inbox.kinds()); got != 1 {
		t.Fatalf("delivered %d snapshots, want 1 before the interval elapses", got)
	}

	// A navigation releases every held snapshot first.
	r.forward(browser.NavigationMessage{URL: "https://b.example", Via: browser.NavigationLocationChange})

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	if len(inbox.msgs) != 4 {
		t.Fatalf("delivered %d messages, want 4", len(inbox.msgs))
	}
	bodies := htmlBodies(t, inbox.msgs)
	want := []string{"<p>1</p>", "<p>2</p>", "<p>3</p>"}
	if len(bodies) != len(want) {
		t.Fatalf("html bodies = %v, want %v", bodies, want)
	}
	for i := range want {
		if bodies[i] != want[i] {
			t.Fatalf("html bodies = %v, want %v", bodies, want)
		}
	}
	if inbox.msgs[3].Kind() != browser.KindNavigation {
		t.Fatalf("last message = %v, want navigation", inbox.msgs[3].Kind())
	}
}

func TestRelayKeepsOrderAroundCookies(t *testing.T) {
	inbox := &recordingInbox{}
	r := newRelay(inbox, time.Hour, nil)

	r.batch(raws(t,
		`{"event":"html_body","html":"a"}`,
		`{"event":"html_body","html":"b"}`,
		`{"type":"cookie_operation","domain":"a.example","cookies":"x=1"}`,
	))

	got := inbox.kinds()
	want := []browser.MessageKind{browser.KindHTMLBody, browser.KindHTMLBody, browser.KindCookies}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
}

func TestRelayReleasesOneSnapshotPerInterval(t *testing.T) {
	inbox := &recordingInbox{}
	r := newRelay(inbox, 20*time.Millisecond, nil)

	r.forward(browser.HTMLMessage{HTML: "a"})
	r.forward(browser.HTMLMessage{HTML: "b"})
	r.forward(browser.HTMLMessage{HTML: "c"})

	time.Sleep(30 * time.Millisecond)
	r.flush(false)
	if got := len(inbox.kinds()); got != 2 {
		t.Fatalf("delivered %d after one interval, want 2", got)
	}

	r.flush(true)
	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	bodies := htmlBodies(t, inbox.msgs)
	if len(bodies) != 3 || bodies[0] != "a" || bodies[1] != "b" || bodies[2] != "c" {
		t.Fatalf("html bodies = %v, want [a b c]", bodies)
	}
}

func TestRelayFlushesBeforeClose(t *testing.T) {
	inbox := &recordingInbox{}
	r := newRelay(inbox, time.Hour, nil)

	r.forward(browser.HTMLMessage{HTML: "a"})
	r.forward(browser.HTMLMessage{HTML: "b"})
	r.forward(browser.CloseMessage{})

	got := inbox.kinds()
	want := []browser.MessageKind{browser.KindHTMLBody, browser.KindHTMLBody, browser.KindWindowClose}
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
}

func TestRelayTimedFlushRespectsLimiter(t *testing.T) {
	inbox := &recordingInbox{}
	r := newRelay(inbox, time.Hour, nil)

	r.forward(browser.HTMLMessage{HTML: "a"})
	r.forward(browser.HTMLMessage{HTML: "b"})
	if !r.flush(false) {
		t.Fatal("flush reported stop")
	}
	if got := len(inbox.kinds()); got != 1 {
		t.Fatalf("delivered %d, want held snapshot kept until the interval elapses", got)
	}
	r.flush(true)
	if got := len(inbox.kinds()); got != 2 {
		t.Fatalf("delivered %d after forced flush, want 2", got)
	}
}

func TestRelayStopsWhenInboxRejects(t *testing.T) {
	inbox := &recordingInbox{reject: true}
	r := newRelay(inbox, 0, nil)

	if r.batch(raws(t, `{"event":"window.close"}`)) {
		t.Fatal("batch should report stop once the inbox rejects")
	}
	if r.forward(browser.CloseMessage{}) {
		t.Fatal("forward after stop should fail")
	}
}

func TestSetCookieLinesIgnoresOtherHeaders(t *testing.T) {
	if got := setCookieLines(nil); got != "" {
		t.Fatalf("setCookieLines(nil) = %q", got)
	}
}

func TestBindingCallsReachInbox(t *testing.T) {
	inbox := &recordingInbox{}
	s := &Session{relay: newRelay(inbox, 0, nil)}

	s.onBinding(&proto.RuntimeBindingCalled{Name: "someoneElse", Payload: `{"event":"window.close"}`})
	s.onBinding(&proto.RuntimeBindingCalled{
		Name:    instrument.BindingName,
		Payload: `{"type":"cookie_operation","domain":"a.example","cookies":"x=1"}`,
	})
	s.onBinding(&proto.RuntimeBindingCalled{Name: instrument.BindingName, Payload: `not json`})

	got := inbox.kinds()
	if len(got) != 1 || got[0] != browser.KindCookies {
		t.Fatalf("delivered kinds = %v, want only the cookie message", got)
	}
}
