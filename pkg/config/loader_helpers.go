package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Booleans only apply when the key
// is present in raw so an omitted key keeps the default.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Bind != "" {
		base.Server.Bind = override.Server.Bind
	}
	if len(override.Server.AllowedOrigins) > 0 {
		base.Server.AllowedOrigins = override.Server.AllowedOrigins
	}
	if boolFieldSet(raw, "server", "require_token") {
		base.Server.RequireToken = override.Server.RequireToken
	}
	if override.Server.Token != "" {
		base.Server.Token = override.Server.Token
	}
	if boolFieldSet(raw, "server", "public_metrics") {
		base.Server.PublicMetrics = override.Server.PublicMetrics
	}

	if override.Engine.ControlURL != "" {
		base.Engine.ControlURL = override.Engine.ControlURL
	}
	if override.Engine.Bin != "" {
		base.Engine.Bin = override.Engine.Bin
	}
	if boolFieldSet(raw, "engine", "headed") {
		base.Engine.Headed = override.Engine.Headed
	}
	if boolFieldSet(raw, "engine", "no_sandbox") {
		base.Engine.NoSandbox = override.Engine.NoSandbox
	}
	if boolFieldSet(raw, "engine", "stealth") {
		base.Engine.Stealth = override.Engine.Stealth
	}
	if len(override.Engine.Flags) > 0 {
		base.Engine.Flags = override.Engine.Flags
	}
	if override.Engine.PollInterval != 0 {
		base.Engine.PollInterval = override.Engine.PollInterval
	}
	if override.Engine.HTMLCaptureInterval != 0 {
		base.Engine.HTMLCaptureInterval = override.Engine.HTMLCaptureInterval
	}
	if override.Engine.NavigationTimeout != 0 {
		base.Engine.NavigationTimeout = override.Engine.NavigationTimeout
	}

	if boolFieldSet(raw, "session", "intercept") {
		base.Session.Intercept = override.Session.Intercept
	}
	if override.Session.UserAgent != "" {
		base.Session.UserAgent = override.Session.UserAgent
	}
	if override.Session.ViewportWidth != 0 {
		base.Session.ViewportWidth = override.Session.ViewportWidth
	}
	if override.Session.ViewportHeight != 0 {
		base.Session.ViewportHeight = override.Session.ViewportHeight
	}
	if override.Session.IDFormat != "" {
		base.Session.IDFormat = override.Session.IDFormat
	}

	if override.Query.Timeout != 0 {
		base.Query.Timeout = override.Query.Timeout
	}

	if override.Bus.Driver != "" {
		base.Bus.Driver = override.Bus.Driver
	}
	if override.Bus.NATS.URL != "" {
		base.Bus.NATS.URL = override.Bus.NATS.URL
	}
	if override.Bus.NATS.Username != "" {
		base.Bus.NATS.Username = override.Bus.NATS.Username
	}
	if override.Bus.NATS.Password != "" {
		base.Bus.NATS.Password = override.Bus.NATS.Password
	}
	if override.Bus.NATS.Token != "" {
		base.Bus.NATS.Token = override.Bus.NATS.Token
	}
	if override.Bus.NATS.ConnectTimeout != 0 {
		base.Bus.NATS.ConnectTimeout = override.Bus.NATS.ConnectTimeout
	}
	if override.Bus.NATS.RequestTimeout != 0 {
		base.Bus.NATS.RequestTimeout = override.Bus.NATS.RequestTimeout
	}

	if boolFieldSet(raw, "journal", "enabled") {
		base.Journal.Enabled = override.Journal.Enabled
	}
	if override.Journal.Path != "" {
		base.Journal.Path = override.Journal.Path
	}
	if override.Journal.Buffer != 0 {
		base.Journal.Buffer = override.Journal.Buffer
	}

	if boolFieldSet(raw, "socket", "enabled") {
		base.Socket.Enabled = override.Socket.Enabled
	}
	if override.Socket.Path != "" {
		base.Socket.Path = override.Socket.Path
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if boolFieldSet(raw, "tracing", "enabled") {
		base.Tracing.Enabled = override.Tracing.Enabled
	}
	if override.Tracing.Output != "" {
		base.Tracing.Output = override.Tracing.Output
	}

	if override.Ingest.RatePerSecond != 0 {
		base.Ingest.RatePerSecond = override.Ingest.RatePerSecond
	}
	if override.Ingest.Burst != 0 {
		base.Ingest.Burst = override.Ingest.Burst
	}
}

func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
