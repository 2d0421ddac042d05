// Package config loads and validates the YAML configuration consumed by the
// taskmesh CLI and by embedders that prefer file-driven setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerConfig describes one peer to register at startup.
type PeerConfig struct {
	Name         string   `yaml:"name"`
	URL          string   `yaml:"url"`
	FallbackURL  string   `yaml:"fallback_url,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Color        string   `yaml:"color,omitempty"`
	Streaming    bool     `yaml:"streaming,omitempty"`
}

// DispatchConfig tunes the dispatch engine.
type DispatchConfig struct {
	MaxParallel         int           `yaml:"max_parallel"`
	UnitTimeout         time.Duration `yaml:"unit_timeout"`
	MinSuccessFraction  float64       `yaml:"min_success_fraction"`
	ContinueOnError     bool          `yaml:"continue_on_error"`
	CooldownOnRateLimit time.Duration `yaml:"cooldown_on_rate_limit"`
}

// RetryConfig tunes the rate limit backoff schedule and the cold-start dial
// window.
type RetryConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxRetries       int           `yaml:"max_retries"`
	ColdStartTimeout time.Duration `yaml:"cold_start_timeout"`
}

// RelayConfig tunes the event relay.
type RelayConfig struct {
	BufferSize        int           `yaml:"buffer_size"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// NATSURL optionally mirrors envelopes to a NATS subject per session.
	NATSURL string `yaml:"nats_url,omitempty"`
	// NATSSubjectPrefix namespaces the mirrored subjects.
	NATSSubjectPrefix string `yaml:"nats_subject_prefix,omitempty"`
}

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	// Store is "memory" or "redis".
	Store       string        `yaml:"store"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// RedisAddr is required when Store is "redis".
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration document.
type Config struct {
	Peers    []PeerConfig   `yaml:"peers"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Retry    RetryConfig    `yaml:"retry"`
	Relay    RelayConfig    `yaml:"relay"`
	Session  SessionConfig  `yaml:"session"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Dispatch: DispatchConfig{
			MaxParallel:         10,
			UnitTimeout:         10 * time.Minute,
			MinSuccessFraction:  0.5,
			CooldownOnRateLimit: time.Minute,
		},
		Retry: RetryConfig{
			BaseDelay:        15 * time.Second,
			MaxDelay:         60 * time.Second,
			MaxRetries:       3,
			ColdStartTimeout: 45 * time.Second,
		},
		Relay: RelayConfig{
			BufferSize:        32,
			KeepaliveInterval: 25 * time.Second,
			NATSSubjectPrefix: "taskmesh.events",
		},
		Session: SessionConfig{
			Store:       "memory",
			IdleTimeout: 30 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Peers))
	for i, p := range c.Peers {
		if p.Name == "" {
			return fmt.Errorf("peers[%d]: name is required", i)
		}
		if p.URL == "" {
			return fmt.Errorf("peer %s: url is required", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("peer %s: duplicate name", p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	if c.Dispatch.MaxParallel <= 0 {
		return fmt.Errorf("dispatch.max_parallel must be positive, got %d", c.Dispatch.MaxParallel)
	}
	if c.Dispatch.MinSuccessFraction < 0 || c.Dispatch.MinSuccessFraction > 1 {
		return fmt.Errorf("dispatch.min_success_fraction must be within [0, 1], got %g", c.Dispatch.MinSuccessFraction)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}

	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("session.store must be memory or redis, got %q", c.Session.Store)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	return nil
}
