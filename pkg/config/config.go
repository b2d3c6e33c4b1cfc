package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/sessiontap/pkg/paths"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind          = "127.0.0.1:4590"
	DefaultQueryTimeout  = 1000 * time.Millisecond
	DefaultBusDriver     = BusDriverMemory
	DefaultNATSURL       = "nats://127.0.0.1:4222"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultIDFormat      = IDFormatULID
	DefaultJournalBuffer = 256
	DefaultIngestRate    = 200.0
	DefaultIngestBurst   = 400

	// MinTokenLength is the minimum recommended length for API tokens
	MinTokenLength = 32
)

// Bus drivers.
const (
	BusDriverMemory = "memory"
	BusDriverNATS   = "nats"
)

// Event id formats.
const (
	IDFormatULID   = "ulid"
	IDFormatMillis = "millis"
)

// Config represents the complete sessiontap configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Session SessionConfig `yaml:"session"`
	Query   QueryConfig   `yaml:"query"`
	Bus     BusConfig     `yaml:"bus"`
	Journal JournalConfig `yaml:"journal"`
	Socket  SocketConfig  `yaml:"socket"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Ingest  IngestConfig  `yaml:"ingest"`
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Bind           string   `yaml:"bind"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RequireToken   bool     `yaml:"require_token"`
	Token          string   `yaml:"token"`
	PublicMetrics  bool     `yaml:"public_metrics"`
}

// EngineConfig controls how Chromium is reached.
type EngineConfig struct {
	ControlURL          string        `yaml:"control_url"`
	Bin                 string        `yaml:"bin"`
	Headed              bool          `yaml:"headed"`
	NoSandbox           bool          `yaml:"no_sandbox"`
	Stealth             bool          `yaml:"stealth"`
	Flags               []string      `yaml:"flags"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	HTMLCaptureInterval time.Duration `yaml:"html_capture_interval"`
	NavigationTimeout   time.Duration `yaml:"navigation_timeout"`
}

// SessionConfig holds per-session defaults.
type SessionConfig struct {
	Intercept      bool   `yaml:"intercept"`
	UserAgent      string `yaml:"user_agent"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	IDFormat       string `yaml:"id_format"` // ulid | millis
}

// QueryConfig bounds cross-context cookie queries.
type QueryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	Driver string     `yaml:"driver"` // memory | nats
	NATS   NATSConfig `yaml:"nats"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// JournalConfig controls the SQLite event journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Buffer  int    `yaml:"buffer"`
}

// SocketConfig controls the framed unix socket sink.
type SocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"` // stdout | stderr | file path
}

// IngestConfig rate-limits bridge ingress per session.
type IngestConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: DefaultBind,
		},
		Engine: EngineConfig{
			PollInterval:        500 * time.Millisecond,
			HTMLCaptureInterval: 250 * time.Millisecond,
			NavigationTimeout:   30 * time.Second,
		},
		Session: SessionConfig{
			ViewportWidth:  1280,
			ViewportHeight: 720,
			IDFormat:       DefaultIDFormat,
		},
		Query: QueryConfig{
			Timeout: DefaultQueryTimeout,
		},
		Bus: BusConfig{
			Driver: DefaultBusDriver,
			NATS: NATSConfig{
				URL:            DefaultNATSURL,
				ConnectTimeout: 5 * time.Second,
				RequestTimeout: 5 * time.Second,
			},
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    paths.DataFile("journal.db"),
			Buffer:  DefaultJournalBuffer,
		},
		Socket: SocketConfig{
			Path: paths.DataFile("events.sock"),
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Tracing: TracingConfig{
			Output: "stderr",
		},
		Ingest: IngestConfig{
			RatePerSecond: DefaultIngestRate,
			Burst:         DefaultIngestBurst,
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	// Load user config (~/.sessiontap/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to HOME env var if UserHomeDir fails
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".sessiontap", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	// Load project config (./.sessiontap/config.yaml)
	projectConfigPath := filepath.Join(".", ".sessiontap", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg, configEnv)
	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg, configEnv)
	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverridesForTest exposes env override logic for tests without file I/O.
func ApplyEnvOverridesForTest(cfg *Config) {
	applyEnvOverrides(cfg, nil)
}

// applyEnvOverrides applies SESSIONTAP_* variables. Values exported in the
// process environment win over ~/.sessiontap/config.env.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return configEnv[key]
	}

	if v := lookup("SESSIONTAP_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := lookup("SESSIONTAP_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}
	if v := lookup("SESSIONTAP_API_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if val, ok := envBool("SESSIONTAP_REQUIRE_TOKEN"); ok {
		cfg.Server.RequireToken = val
	}

	if v := lookup("SESSIONTAP_ENGINE_CONTROL_URL"); v != "" {
		cfg.Engine.ControlURL = v
	}
	if v := lookup("SESSIONTAP_ENGINE_BIN"); v != "" {
		cfg.Engine.Bin = v
	}
	if val, ok := envBool("SESSIONTAP_ENGINE_HEADED"); ok {
		cfg.Engine.Headed = val
	}
	if val, ok := envBool("SESSIONTAP_ENGINE_NO_SANDBOX"); ok {
		cfg.Engine.NoSandbox = val
	}
	if val, ok := envBool("SESSIONTAP_ENGINE_STEALTH"); ok {
		cfg.Engine.Stealth = val
	}

	if val, ok := envBool("SESSIONTAP_INTERCEPT"); ok {
		cfg.Session.Intercept = val
	}
	if v := lookup("SESSIONTAP_ID_FORMAT"); v != "" {
		cfg.Session.IDFormat = strings.ToLower(strings.TrimSpace(v))
	}
	if v := lookup("SESSIONTAP_QUERY_TIMEOUT"); v != "" {
		if d, ok := parseDurationOrMillis(v); ok {
			cfg.Query.Timeout = d
		}
	}

	if v := lookup("SESSIONTAP_BUS_DRIVER"); v != "" {
		cfg.Bus.Driver = strings.ToLower(strings.TrimSpace(v))
	}
	if v := lookup("SESSIONTAP_NATS_URL"); v != "" {
		cfg.Bus.NATS.URL = v
	}
	if v := lookup("SESSIONTAP_NATS_USERNAME"); v != "" {
		cfg.Bus.NATS.Username = v
	}
	if v := lookup("SESSIONTAP_NATS_PASSWORD"); v != "" {
		cfg.Bus.NATS.Password = v
	}
	if v := lookup("SESSIONTAP_NATS_TOKEN"); v != "" {
		cfg.Bus.NATS.Token = v
	}

	if val, ok := envBool("SESSIONTAP_JOURNAL_ENABLED"); ok {
		cfg.Journal.Enabled = val
	}
	if v := lookup("SESSIONTAP_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if val, ok := envBool("SESSIONTAP_SOCKET_ENABLED"); ok {
		cfg.Socket.Enabled = val
	}
	if v := lookup("SESSIONTAP_SOCKET_PATH"); v != "" {
		cfg.Socket.Path = v
	}

	if v := lookup("SESSIONTAP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := lookup("SESSIONTAP_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if val, ok := envBool("SESSIONTAP_TRACING"); ok {
		cfg.Tracing.Enabled = val
	}
	if v := lookup("SESSIONTAP_INGEST_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ingest.RatePerSecond = f
		}
	}
}

// expandPaths resolves "~" in file locations.
func expandPaths(cfg *Config) {
	cfg.Journal.Path = paths.ExpandHome(cfg.Journal.Path)
	cfg.Socket.Path = paths.ExpandHome(cfg.Socket.Path)
	switch strings.ToLower(strings.TrimSpace(cfg.Tracing.Output)) {
	case "", "stdout", "stderr":
	default:
		cfg.Tracing.Output = paths.ExpandHome(cfg.Tracing.Output)
	}
}

// parseDurationOrMillis accepts "1500ms", "2s", or a bare millisecond count.
func parseDurationOrMillis(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	switch strings.ToLower(host) {
	case "localhost":
		return true
	case "0.0.0.0", "::":
		return false
	default:
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback()
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server.bind is required")
	}
	if !isLoopbackBindAddress(c.Server.Bind) && !c.Server.RequireToken {
		return fmt.Errorf("server.bind %s is not loopback; set server.require_token", c.Server.Bind)
	}
	if c.Server.RequireToken && strings.TrimSpace(c.Server.Token) == "" {
		return fmt.Errorf("server.require_token is set but server.token is empty")
	}

	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be positive")
	}
	if c.Engine.NavigationTimeout <= 0 {
		return fmt.Errorf("engine.navigation_timeout must be positive")
	}

	switch c.Session.IDFormat {
	case IDFormatULID, IDFormatMillis:
	default:
		return fmt.Errorf("invalid session.id_format: %s (valid: ulid, millis)", c.Session.IDFormat)
	}
	if c.Session.ViewportWidth < 0 || c.Session.ViewportHeight < 0 {
		return fmt.Errorf("session viewport must not be negative")
	}

	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive")
	}

	switch c.Bus.Driver {
	case BusDriverMemory:
	case BusDriverNATS:
		if strings.TrimSpace(c.Bus.NATS.URL) == "" {
			return fmt.Errorf("bus.nats.url is required for the nats driver")
		}
	default:
		return fmt.Errorf("invalid bus.driver: %s (valid: memory, nats)", c.Bus.Driver)
	}

	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	if c.Journal.Buffer < 0 {
		return fmt.Errorf("journal.buffer must not be negative")
	}
	if c.Socket.Enabled && strings.TrimSpace(c.Socket.Path) == "" {
		return fmt.Errorf("socket.path is required when the socket sink is enabled")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %s (valid: json, console)", c.Logging.Format)
	}

	if c.Ingest.RatePerSecond < 0 || c.Ingest.Burst < 0 {
		return fmt.Errorf("ingest limits must not be negative")
	}
	return nil
}

// ValidationWarnings reports settings that are legal but likely mistakes.
func (c *Config) ValidationWarnings() []string {
	var warnings []string
	if c.Server.RequireToken && len(c.Server.Token) < MinTokenLength {
		warnings = append(warnings, fmt.Sprintf("server.token is shorter than %d characters", MinTokenLength))
	}
	if c.Query.Timeout > 10*time.Second {
		warnings = append(warnings, "query.timeout above 10s delays no-answer detection")
	}
	if c.Engine.Headed && c.Engine.ControlURL != "" {
		warnings = append(warnings, "engine.headed has no effect with engine.control_url")
	}
	return warnings
}

func loadConfigEnvVars() map[string]string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}

	path := filepath.Join(home, ".sessiontap", "config.env")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		vars[key] = value
	}
	return vars
}
