package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSONLoggerIncludesComponentAndSession(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerOptions{Component: "router", Level: slog.LevelDebug, Output: &buf})
	logger.WithSession("s-1").EventEmitted("navigation", "01HZX")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "router" {
		t.Fatalf("component = %v", entry["component"])
	}
	if entry["session_id"] != "s-1" {
		t.Fatalf("session_id = %v", entry["session_id"])
	}
	if entry["kind"] != "navigation" || entry["event_id"] != "01HZX" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestSetLevelPropagatesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	root := NewLogger(LoggerOptions{Level: slog.LevelInfo, Output: &buf})
	child := root.WithComponent("gateway")

	child.QueryOutcome("s-1", "example.com", "resolved", time.Millisecond)
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %q", buf.String())
	}

	root.SetLevel(slog.LevelDebug)
	child.QueryOutcome("s-1", "example.com", "resolved", time.Millisecond)
	if !strings.Contains(buf.String(), "cookie query") {
		t.Fatalf("expected debug record after SetLevel, got %q", buf.String())
	}
}

func TestConsoleLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerOptions{Format: FormatConsole, Level: slog.LevelWarn, Output: &buf})

	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	logger.MessageDropped("html_body", "invalid", nil)
	if !strings.Contains(buf.String(), "message dropped") {
		t.Fatalf("warn record missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NopLogger()
	logger.SessionOpened("s-1", "https://example.com", false)
	logger.SetLevel(slog.LevelDebug)
}
