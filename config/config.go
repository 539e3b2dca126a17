// Package config holds the broker binary's YAML-file-plus-flag
// configuration: ring sizing, timing constants, and circuit breaker tuning.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree for the broker process.
type Config struct {
	Rings    RingsConfig    `yaml:"rings"`
	Timing   TimingConfig   `yaml:"timing"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RingsConfig sizes the two shared-memory segments. SlotSize bounds the
// largest single frame (header + fixed body + trailing variable data) that
// can be written into one slot.
type RingsConfig struct {
	ClientToServerBytes int `yaml:"client_to_server_bytes"`
	ServerToClientBytes int `yaml:"server_to_client_bytes"`
	SlotSize            int `yaml:"slot_size"`
}

// TimingConfig holds the interval and timeout constants from spec.md §4.3,
// §4.6, and §5.
type TimingConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	ClientHeartbeatTTL  time.Duration `yaml:"client_heartbeat_ttl"`
	BrokerHeartbeatTTL  time.Duration `yaml:"broker_heartbeat_ttl"`
	ShutdownGraceWindow time.Duration `yaml:"shutdown_grace_window"`
	RegisterTimeout     time.Duration `yaml:"register_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// UpstreamConfig tunes the outbound WebSocket driver and its per-(url,key)
// circuit breaker.
type UpstreamConfig struct {
	ConnectTimeout          time.Duration `yaml:"connect_timeout"`
	ResolveRetryBackoff     time.Duration `yaml:"resolve_retry_backoff"`
	MaxConsecutiveFailures  uint32        `yaml:"max_consecutive_failures"`
	BreakerResetTimeout     time.Duration `yaml:"breaker_reset_timeout"`
}

// LogConfig selects slog's level and handler format.
type LogConfig struct {
	Level  string `yaml:"level"`  // off, critical, error, warning (or warn), info, debug, trace
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls whether the broker exports OpenTelemetry metrics.
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration the broker starts with absent a config
// file or flag overrides.
func Default() *Config {
	return &Config{
		Rings: RingsConfig{
			ClientToServerBytes: 65536,
			ServerToClientBytes: 16 * 1024 * 1024,
			SlotSize:            8192,
		},
		Timing: TimingConfig{
			HeartbeatInterval:   500 * time.Millisecond,
			ClientHeartbeatTTL:  30 * time.Second,
			BrokerHeartbeatTTL:  15 * time.Second,
			ShutdownGraceWindow: 60 * time.Second,
			RegisterTimeout:     20 * time.Second,
			RequestTimeout:      10 * time.Second,
			OpenTimeout:         30 * time.Second,
		},
		Upstream: UpstreamConfig{
			ConnectTimeout:         30 * time.Second,
			ResolveRetryBackoff:    500 * time.Millisecond,
			MaxConsecutiveFailures: 5,
			BreakerResetTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			ServiceName: "websocket-proxy-broker",
		},
	}
}

// Load reads a YAML config file, falling back to Default() when filename is
// empty or the file does not exist.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would make the broker unable to
// start or behave outside the bounds spec.md assumes.
func (c *Config) Validate() error {
	if c.Rings.ClientToServerBytes <= 0 {
		return fmt.Errorf("rings.client_to_server_bytes must be positive")
	}
	if c.Rings.ServerToClientBytes <= 0 {
		return fmt.Errorf("rings.server_to_client_bytes must be positive")
	}
	if c.Rings.SlotSize <= 64 {
		return fmt.Errorf("rings.slot_size must be large enough to hold a frame header")
	}
	if c.Timing.HeartbeatInterval <= 0 {
		return fmt.Errorf("timing.heartbeat_interval must be positive")
	}
	if c.Timing.ClientHeartbeatTTL <= c.Timing.HeartbeatInterval {
		return fmt.Errorf("timing.client_heartbeat_ttl must exceed heartbeat_interval")
	}
	if c.Upstream.MaxConsecutiveFailures == 0 {
		return fmt.Errorf("upstream.max_consecutive_failures must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\"")
	}
	return nil
}

// Save writes the configuration to filename as YAML.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", filename, err)
	}
	return nil
}
