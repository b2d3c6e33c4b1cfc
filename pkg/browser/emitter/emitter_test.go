package emitter

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/odvcencio/sessiontap/pkg/browser"
	"github.com/odvcencio/sessiontap/pkg/browser/navigation"
	"github.com/odvcencio/sessiontap/pkg/bus"
)

type recorder struct {
	events []browser.Event
}

func (r *recorder) Emit(_ string, ev browser.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestNavigationCarriesSnapshotAndCookies(t *testing.T) {
	rec := &recorder{}
	e := New("s-1", WithSink("rec", rec))

	ev := e.Navigation(navigation.Snapshot{
		CurrentURL:  "https://b.example",
		VisitedURLs: []string{"https://a.example", "https://b.example"},
		HTML:        "<html></html>",
	}, map[string]string{"sid": "1"})

	if ev.ID == "" {
		t.Fatal("expected a fresh id")
	}
	if ev.URL != "https://b.example" || ev.HTML != "<html></html>" || ev.Cookies["sid"] != "1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(rec.events) != 1 || rec.events[0].EventID() != ev.ID {
		t.Fatalf("sink saw %v", rec.events)
	}
}

func TestNavigationNeverSendsNilVisited(t *testing.T) {
	e := New("s-1")
	ev := e.Navigation(navigation.Snapshot{CurrentURL: "https://a.example"}, nil)

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := wire["visited_urls"].([]any); !ok {
		t.Fatalf("visited_urls = %#v, want array", wire["visited_urls"])
	}
	if _, ok := wire["cookies"]; ok {
		t.Fatal("empty cookies should be omitted")
	}
}

func TestEveryEmissionGetsDistinctIncreasingID(t *testing.T) {
	rec := &recorder{}
	e := New("s-1", WithSink("rec", rec))

	e.LocationChanged("https://a.example")
	e.InterceptedRequest("fetch_request", json.RawMessage(`{"url":"/x"}`))
	e.Close()
	e.Emit(browser.CloseEvent{ID: "caller-supplied"})

	seen := map[string]bool{}
	prev := ""
	for _, ev := range rec.events {
		id := ev.EventID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		if id == "caller-supplied" {
			t.Fatal("Emit must replace caller ids")
		}
		if prev != "" && id <= prev {
			t.Fatalf("ids not increasing: %q after %q", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestSinkFailureDoesNotStopOtherSinks(t *testing.T) {
	ctrl := gomock.NewController(t)
	failing := NewMockSink(ctrl)
	healthy := NewMockSink(ctrl)

	failing.EXPECT().Emit("s-1", gomock.Any()).Return(errors.New("down"))
	healthy.EXPECT().Emit("s-1", gomock.Any()).DoAndReturn(func(_ string, ev browser.Event) error {
		if ev.Kind() != browser.EventLocationChanged {
			t.Fatalf("kind = %s", ev.Kind())
		}
		return nil
	})

	metrics := browser.NewMetrics()
	e := New("s-1", WithSink("failing", failing), WithSink("healthy", healthy), WithMetrics(metrics))
	ev := e.LocationChanged("https://a.example")

	if ev.URL != "https://a.example" {
		t.Fatalf("url = %q", ev.URL)
	}
	if got := metrics.Snapshot().EventsEmitted; got != 1 {
		t.Fatalf("events emitted = %d, want 1", got)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	calls := 0
	f := Fanout{
		SinkFunc(func(string, browser.Event) error { calls++; return errA }),
		nil,
		SinkFunc(func(string, browser.Event) error { calls++; return errB }),
	}

	err := f.Emit("s-1", browser.CloseEvent{ID: "1"})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("err = %v, want both", err)
	}
}

func TestMillisSourceStrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	src := NewMillisSource(func() time.Time { return fixed })

	first := src.NextID()
	second := src.NextID()
	if first != "1700000000000" {
		t.Fatalf("first = %q", first)
	}
	if second != "1700000000001" {
		t.Fatalf("second = %q, want bump on a stalled clock", second)
	}
}

func TestULIDSourceMonotonicWithinMillisecond(t *testing.T) {
	src := NewIDSource()
	fixed := time.UnixMilli(1_700_000_000_000)
	src.now = func() time.Time { return fixed }

	prev := src.NextID()
	for i := 0; i < 100; i++ {
		next := src.NextID()
		if next <= prev {
			t.Fatalf("ulid %q not after %q", next, prev)
		}
		prev = next
	}
}

func TestBusSinkPublishesOnSessionSubject(t *testing.T) {
	b := bus.NewMemoryBus()
	defer b.Close()

	got := make(chan []byte, 1)
	sub, err := b.Subscribe(t.Context(), bus.EventsSubject("s-1"), func(msg *bus.Message) []byte {
		got <- msg.Data
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	e := New("s-1", WithSink("bus", NewBusSink(b)))
	ev := e.LocationChanged("https://a.example")

	select {
	case data := <-got:
		var wire map[string]string
		if err := json.Unmarshal(data, &wire); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if wire["event"] != "location_changed" || wire["id"] != ev.ID || wire["url"] != "https://a.example" {
			t.Fatalf("wire = %v", wire)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}
