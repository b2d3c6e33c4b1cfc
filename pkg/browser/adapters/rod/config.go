package rod

import (
	"errors"
	"strings"
	"time"
)

// Config controls how the rod adapter reaches Chromium.
type Config struct {
	// ControlURL connects to an already running browser. When empty a local
	// Chromium is launched.
	ControlURL string
	Bin        string
	Headed     bool
	NoSandbox  bool
	Stealth    bool
	// Flags are extra Chromium switches, "name" or "name=value".
	Flags []string

	PollInterval        time.Duration
	HTMLCaptureInterval time.Duration
	NavigationTimeout   time.Duration
	CloseTimeout        time.Duration
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:        500 * time.Millisecond,
		HTMLCaptureInterval: 250 * time.Millisecond,
		NavigationTimeout:   30 * time.Second,
		CloseTimeout:        5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	defaults.ControlURL = strings.TrimSpace(c.ControlURL)
	defaults.Bin = strings.TrimSpace(c.Bin)
	defaults.Headed = c.Headed
	defaults.NoSandbox = c.NoSandbox
	defaults.Stealth = c.Stealth
	defaults.Flags = append([]string(nil), c.Flags...)
	if c.PollInterval != 0 {
		defaults.PollInterval = c.PollInterval
	}
	if c.HTMLCaptureInterval != 0 {
		defaults.HTMLCaptureInterval = c.HTMLCaptureInterval
	}
	if c.NavigationTimeout != 0 {
		defaults.NavigationTimeout = c.NavigationTimeout
	}
	if c.CloseTimeout != 0 {
		defaults.CloseTimeout = c.CloseTimeout
	}
	return defaults
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be greater than zero")
	}
	if c.HTMLCaptureInterval < 0 {
		return errors.New("html_capture_interval must be zero or positive")
	}
	if c.NavigationTimeout <= 0 {
		return errors.New("navigation_timeout must be greater than zero")
	}
	if c.ControlURL != "" && !strings.HasPrefix(c.ControlURL, "ws://") && !strings.HasPrefix(c.ControlURL, "wss://") &&
		!strings.HasPrefix(c.ControlURL, "http://") && !strings.HasPrefix(c.ControlURL, "https://") {
		return errors.New("control_url must be a ws:// or http:// endpoint")
	}
	for _, f := range c.Flags {
		if strings.TrimLeft(strings.TrimSpace(f), "-") == "" {
			return errors.New("flags must not contain empty entries")
		}
	}
	return nil
}
