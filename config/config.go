package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default connection tuning. The backoff schedule is capped and
// non-decreasing; permanent failures bypass it entirely.
// EnvAPIKey is the environment fallback for platform.api_key.
const EnvAPIKey = "CONVERSIMPLE_API_KEY"

const (
	DefaultPlatformURL = "ws://localhost:4000/sdk/websocket"
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultSendBuffer  = 64
)

// Config is the top-level SDK configuration.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Audit    AuditConfig    `yaml:"audit"`
}

// PlatformConfig holds connection settings for the hosted platform.
type PlatformConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"` // supports ${ENV} expansion
	// CustomerID is optional; when empty it is derived from the API key.
	CustomerID string          `yaml:"customer_id"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
	// SendBuffer is the outbound frame queue depth per connection.
	SendBuffer int `yaml:"send_buffer"`
}

// ReconnectConfig bounds the automatic reconnection behavior.
// Duration fields are strings like "500ms" or "30s".
type ReconnectConfig struct {
	BaseDelay  string  `yaml:"base_delay"`
	MaxBackoff string  `yaml:"max_backoff"`
	Multiplier float64 `yaml:"multiplier"`
	// MaxAttempts caps consecutive transient failures; 0 means unbounded.
	MaxAttempts int `yaml:"max_attempts"`
	// TotalRetryDuration caps the cumulative retry window; empty means unbounded.
	TotalRetryDuration string `yaml:"total_retry_duration"`
}

// BaseDelayDuration returns the parsed base delay, or the default.
func (r ReconnectConfig) BaseDelayDuration() time.Duration {
	return parseDuration(r.BaseDelay, DefaultBaseDelay)
}

// MaxBackoffDuration returns the parsed backoff cap, or the default.
func (r ReconnectConfig) MaxBackoffDuration() time.Duration {
	return parseDuration(r.MaxBackoff, DefaultMaxBackoff)
}

// TotalRetryBudget returns the parsed cumulative retry window; zero means unbounded.
func (r ReconnectConfig) TotalRetryBudget() time.Duration {
	return parseDuration(r.TotalRetryDuration, 0)
}

// ToolsConfig controls tool execution on agent sessions.
type ToolsConfig struct {
	// Validation enables JSON-Schema validation of inbound tool arguments.
	Validation bool `yaml:"validation"`
	// RateLimitPerMin caps tool calls per session per minute; 0 disables limiting.
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	RateBurst       int `yaml:"rate_burst"`
	// ExecTimeout bounds a single tool call; duration string, empty means none.
	ExecTimeout string        `yaml:"exec_timeout"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// ExecTimeoutDuration returns the parsed per-call timeout; zero means none.
func (t ToolsConfig) ExecTimeoutDuration() time.Duration {
	return parseDuration(t.ExecTimeout, 0)
}

// BreakerConfig configures the optional per-tool circuit breaker.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxFailures is the number of consecutive failures before the breaker opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the breaker stays open before allowing a probe.
	Timeout string `yaml:"timeout"`
	// Interval is the cyclic period for clearing failure counts while closed.
	Interval string `yaml:"interval"`
}

// TimeoutDuration returns the parsed open-state timeout, defaulting to 30s.
func (b BreakerConfig) TimeoutDuration() time.Duration {
	return parseDuration(b.Timeout, 30*time.Second)
}

// IntervalDuration returns the parsed closed-state interval, defaulting to 60s.
func (b BreakerConfig) IntervalDuration() time.Duration {
	return parseDuration(b.Interval, 60*time.Second)
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// AuditConfig holds the optional SQLite audit trail settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // database file path
}

// Default returns a Config with defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Platform.URL == "" {
		c.Platform.URL = DefaultPlatformURL
	}
	if c.Platform.APIKey == "" {
		c.Platform.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.Platform.SendBuffer <= 0 {
		c.Platform.SendBuffer = DefaultSendBuffer
	}
	if c.Platform.Reconnect.Multiplier <= 0 {
		c.Platform.Reconnect.Multiplier = DefaultMultiplier
	}
	if c.Tools.RateBurst <= 0 {
		c.Tools.RateBurst = 1
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		c.Audit.Path = "conversimple-audit.db"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Platform.APIKey == "" {
		return fmt.Errorf("platform.api_key is required")
	}
	if !strings.HasPrefix(c.Platform.URL, "ws://") && !strings.HasPrefix(c.Platform.URL, "wss://") {
		return fmt.Errorf("platform.url must be a ws:// or wss:// URL, got %q", c.Platform.URL)
	}
	if c.Platform.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("platform.reconnect.max_attempts must be >= 0")
	}
	for name, v := range map[string]string{
		"platform.reconnect.base_delay":           c.Platform.Reconnect.BaseDelay,
		"platform.reconnect.max_backoff":          c.Platform.Reconnect.MaxBackoff,
		"platform.reconnect.total_retry_duration": c.Platform.Reconnect.TotalRetryDuration,
		"tools.exec_timeout":                      c.Tools.ExecTimeout,
		"tools.breaker.timeout":                   c.Tools.Breaker.Timeout,
		"tools.breaker.interval":                  c.Tools.Breaker.Interval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	return nil
}

// Load reads a YAML config file, expands ${ENV} references, applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, expands ${ENV} references, applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// parseDuration parses a duration string, returning fallback on empty or
// invalid input. Validation catches invalid strings up front.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
