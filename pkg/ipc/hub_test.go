package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/sessiontap/pkg/browser"
)

type fakeConn struct {
	mu         sync.Mutex
	writes     [][]byte
	closeCount atomic.Int32
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeConn) Close(_ websocket.StatusCode, _ string) error {
	f.closeCount.Add(1)
	return nil
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return websocket.MessageText, nil, ctx.Err()
}

func (f *fakeConn) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func TestHubEmitFiltersBySessionAndDropsSlowClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := &fakeConn{}
	c1 := hub.register(mine, sessionFilter("s1"))
	go func() { _ = c1.writeLoop(ctx) }()

	all := &fakeConn{}
	c2 := hub.register(all, nil)
	go func() { _ = c2.writeLoop(ctx) }()

	// Slow client with a one-slot buffer and no writer.
	slowConn := &fakeConn{}
	slow := &client{conn: slowConn, send: make(chan Event, 1)}
	hub.mu.Lock()
	hub.clients[slow] = struct{}{}
	hub.mu.Unlock()

	if err := hub.Emit("s1", browser.LocationChangedEvent{ID: "1", URL: "https://a.example/"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := hub.Emit("s2", browser.CloseEvent{ID: "2"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for (len(mine.written()) < 1 || len(all.written()) < 2) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := len(mine.written()); got != 1 {
		t.Fatalf("filtered client got %d events, want 1", got)
	}
	var ev Event
	if err := json.Unmarshal(mine.written()[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "location_changed" || ev.SessionID != "s1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := len(all.written()); got != 2 {
		t.Fatalf("unfiltered client got %d events, want 2", got)
	}

	hub.mu.RLock()
	_, stillPresent := hub.clients[slow]
	hub.mu.RUnlock()
	if stillPresent {
		t.Fatal("expected slow client to be removed")
	}
	if slowConn.closeCount.Load() != 1 {
		t.Fatalf("expected slow client to be closed once, got %d", slowConn.closeCount.Load())
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	conn := &fakeConn{}
	c := hub.register(conn, nil)

	done := make(chan error, 1)
	go func() { done <- c.writeLoop(context.Background()) }()

	hub.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("writeLoop returned %v, want nil after hub close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("writeLoop did not exit")
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("clients = %d", hub.ClientCount())
	}
	if conn.closeCount.Load() != 1 {
		t.Fatalf("close count = %d", conn.closeCount.Load())
	}
	// Removing an already removed client is a no-op.
	hub.removeClient(c)
}
