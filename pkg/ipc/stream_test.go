package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialEventStream(t *testing.T, env *testEnv, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/sessions/" + id + "/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.hub.ClientCount() == 0 {
		t.Fatal("stream client never registered")
	}
	return conn
}

func readStreamEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func TestEventStreamDeliversSessionEventsAndClose(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := env.open(t, openSessionRequest{URL: "https://example.com/"})
	other := env.open(t, openSessionRequest{URL: "https://other.example/"})

	conn := dialEventStream(t, env, id)
	defer conn.Close(websocket.StatusNormalClosure, "")

	resp, body := env.do(t, http.MethodPost, "/v1/sessions/"+other+"/url", changeURLRequest{URL: "https://other.example/next"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("change url on other session: %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPost, "/v1/sessions/"+id+"/url", changeURLRequest{URL: "https://example.com/next"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("change url: %d %s", resp.StatusCode, body)
	}

	ev := readStreamEvent(t, conn)
	if ev.Type != "location_changed" || ev.SessionID != id {
		t.Fatalf("first event = %+v, want location_changed for %s", ev, id)
	}
	var payload struct {
		Event string `json:"event"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.URL != "https://example.com/next" {
		t.Fatalf("payload url = %q", payload.URL)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close: %d", resp.StatusCode)
	}
	ev = readStreamEvent(t, conn)
	if ev.Type != "close" {
		t.Fatalf("expected close event, got %+v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure after session close, got %v", err)
	}
}

func TestEventStreamUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp, _ := env.do(t, http.MethodGet, "/v1/sessions/nope/stream", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"https://app.example"}})
	id := env.open(t, openSessionRequest{URL: "https://example.com/"})

	resp, _ := env.do(t, http.MethodGet, "/v1/sessions/"+id+"/stream", nil, "Origin", "https://evil.example")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestEventStreamClientDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, Config{})
	id := env.open(t, openSessionRequest{URL: "https://example.com/"})

	conn := dialEventStream(t, env, id)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := env.hub.ClientCount(); n != 0 {
		t.Fatalf("%d stream clients still registered after disconnect", n)
	}
}
