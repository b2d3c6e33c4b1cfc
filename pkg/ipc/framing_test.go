package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/odvcencio/sessiontap/pkg/browser"
)

func TestFrameRoundTripKeepsEventFields(t *testing.T) {
	ev := browser.NavigationEvent{
		ID:          "01J",
		URL:         "https://example.com/",
		Cookies:     map[string]string{"sid": "1"},
		VisitedURLs: []string{"https://example.com/login"},
	}
	msg, err := EventStruct("s1", ev)
	if err != nil {
		t.Fatalf("EventStruct: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len()-4 {
		t.Fatalf("length prefix = %d, body = %d", got, buf.Len()-4)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	fields := got.AsMap()
	if fields["event"] != "navigation" || fields["session_id"] != "s1" || fields["url"] != "https://example.com/" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := fields["html_body"]; ok {
		t.Fatalf("empty html_body should be omitted: %v", fields)
	}
	visited, ok := fields["visited_urls"].([]any)
	if !ok || len(visited) != 1 {
		t.Fatalf("visited_urls = %#v", fields["visited_urls"])
	}
}

func TestReadFrameRejectsOversizeAndTruncated(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameBytes+1)
	if _, err := ReadFrame(bytes.NewReader(header[:])); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	binary.BigEndian.PutUint32(header[:], 10)
	truncated := append(header[:], 1, 2, 3)
	if _, err := ReadFrame(bytes.NewReader(truncated)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}

	if _, err := ReadFrame(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on empty stream, got %v", err)
	}
}

func TestFramesReadBackInOrder(t *testing.T) {
	var buf bytes.Buffer
	for _, url := range []string{"https://a.example/", "https://b.example/"} {
		msg, err := structpb.NewStruct(map[string]any{"url": url})
		if err != nil {
			t.Fatal(err)
		}
		if err := WriteFrame(&buf, msg); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"https://a.example/", "https://b.example/"} {
		msg, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if got := msg.GetFields()["url"].GetStringValue(); got != want {
			t.Fatalf("url = %q, want %q", got, want)
		}
	}
}

func TestSocketSinkDeliversFramesToConsumers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sock")
	sink, err := ListenSocket(path, nil)
	if err != nil {
		t.Fatalf("ListenSocket: %v", err)
	}
	defer sink.Close()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sink.Consumers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.Consumers() != 1 {
		t.Fatalf("consumers = %d, want 1", sink.Consumers())
	}

	if err := sink.Emit("s1", browser.LocationChangedEvent{ID: "1", URL: "https://example.com/next"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := sink.Emit("s1", browser.CloseEvent{ID: "2"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	first, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got := first.GetFields()["event"].GetStringValue(); got != "location_changed" {
		t.Fatalf("first event = %q", got)
	}
	second, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got := second.GetFields()["event"].GetStringValue(); got != "close" {
		t.Fatalf("second event = %q", got)
	}
}

func TestSocketSinkCloseRemovesSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.sock")
	sink, err := ListenSocket(path, nil)
	if err != nil {
		t.Fatalf("ListenSocket: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := net.Dial("unix", path); err == nil {
		t.Fatal("expected dial to fail after close")
	}
	if err := sink.Emit("s1", browser.CloseEvent{ID: "1"}); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("Emit after close = %v, want ErrSocketClosed", err)
	}

	// A stale socket from a previous run is replaced.
	again, err := ListenSocket(path, nil)
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	_ = again.Close()
}
