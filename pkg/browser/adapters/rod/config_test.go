package rod

import (
	"testing"
	"time"
)

func TestWithDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{Bin: " /usr/bin/chromium ", PollInterval: time.Second}.withDefaults()

	if cfg.Bin != "/usr/bin/chromium" {
		t.Fatalf("bin = %q", cfg.Bin)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("poll interval = %v, want override kept", cfg.PollInterval)
	}
	if cfg.NavigationTimeout != DefaultConfig().NavigationTimeout {
		t.Fatalf("navigation timeout = %v", cfg.NavigationTimeout)
	}
	if cfg.HTMLCaptureInterval != 250*time.Millisecond {
		t.Fatalf("html interval = %v", cfg.HTMLCaptureInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultConfig()},
		{name: "ws control url", cfg: func() Config {
			c := DefaultConfig()
			c.ControlURL = "ws://127.0.0.1:9222/devtools/browser/abc"
			return c
		}()},
		{name: "bad control url", cfg: func() Config {
			c := DefaultConfig()
			c.ControlURL = "127.0.0.1:9222"
			return c
		}(), wantErr: true},
		{name: "zero poll", cfg: func() Config {
			c := DefaultConfig()
			c.PollInterval = 0
			return c
		}(), wantErr: true},
		{name: "empty flag", cfg: func() Config {
			c := DefaultConfig()
			c.Flags = []string{"--"}
			return c
		}(), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRuntimeRejectsInvalidConfig(t *testing.T) {
	if _, err := NewRuntime(Config{ControlURL: "localhost"}, nil); err == nil {
		t.Fatal("expected error for invalid control url")
	}
	rt, err := NewRuntime(Config{}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
