package browser

import (
	"sort"
	"strings"
)

// Viewport defines the browser viewport size.
type Viewport struct {
	Width             int     `json:"width" yaml:"width"`
	Height            int     `json:"height" yaml:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor,omitempty" yaml:"device_scale_factor"`
}

// SessionConfig configures a browser session.
type SessionConfig struct {
	SessionID  string            `json:"session_id"`
	InitialURL string            `json:"initial_url"`
	Headers    map[string]string `json:"headers,omitempty"`
	// Intercept enables forwarding of captured fetch/XHR traffic.
	Intercept bool     `json:"intercept,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
	Viewport  Viewport `json:"viewport"`
}

// DefaultSessionConfig returns a baseline session config.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InitialURL: "about:blank",
		Headers:    map[string]string{},
		Viewport: Viewport{
			Width:             1280,
			Height:            720,
			DeviceScaleFactor: 1,
		},
	}
}

// Normalize lowercases header names, drops blank ones, and lifts a
// user-agent header into UserAgent when no explicit agent is set.
func (c SessionConfig) Normalize() SessionConfig {
	headers := make(map[string]string, len(c.Headers))
	for k, v := range c.Headers {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		headers[key] = v
	}
	c.Headers = headers
	if strings.TrimSpace(c.UserAgent) == "" {
		if ua, ok := headers["user-agent"]; ok {
			c.UserAgent = ua
		}
	}
	c.InitialURL = strings.TrimSpace(c.InitialURL)
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = DefaultSessionConfig().Viewport
	}
	return c
}

// HeaderList flattens headers to alternating name/value pairs, sorted by
// name. The user-agent header is excluded since engines set it separately.
func (c SessionConfig) HeaderList() []string {
	keys := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		if k == "user-agent" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, c.Headers[k])
	}
	return out
}
