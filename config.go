package postgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FreeTierLimit is the remote service's 24-hour write budget on the free tier.
// It is external policy knowledge and only used when nothing better is known.
const FreeTierLimit = 17

// DefaultWindowLimit is assumed for the 15-minute window when a rejection
// carries no x-rate-limit-limit header.
const DefaultWindowLimit = 300

// Config is the top-level gate configuration.
type Config struct {
	ActionLogPath string        `yaml:"action_log_path"`
	CachePath     string        `yaml:"cache_path"`
	Limits        Limits        `yaml:"limits"`
	Window        time.Duration `yaml:"window"`
	Retention     time.Duration `yaml:"retention"`
	Freshness     time.Duration `yaml:"freshness"`
	PreviewLength int           `yaml:"preview_length"`
}

// Limits holds the fallback 24-hour limit per scope.
type Limits struct {
	App  int64 `yaml:"app"`
	User int64 `yaml:"user"`
}

// For returns the limit configured for scope.
func (l Limits) For(scope Scope) int64 {
	if scope == ScopeUser {
		return l.User
	}
	return l.App
}

// DefaultConfig returns the free-tier defaults.
func DefaultConfig() Config {
	return Config{
		ActionLogPath: "data/tweet_history.json",
		CachePath:     "data/twitter_rate_limits_cache.json",
		Limits:        Limits{App: FreeTierLimit, User: FreeTierLimit},
		Window:        24 * time.Hour,
		Retention:     48 * time.Hour,
		Freshness:     time.Hour,
		PreviewLength: 50,
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("postgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("postgate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Limits.App <= 0 {
		return fmt.Errorf("%w: limits.app must be positive", ErrInvalidConfig)
	}
	if c.Limits.User <= 0 {
		return fmt.Errorf("%w: limits.user must be positive", ErrInvalidConfig)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	if c.Freshness <= 0 {
		return fmt.Errorf("%w: freshness must be positive", ErrInvalidConfig)
	}
	// The oldest entry of a full window must survive pruning so that
	// "frees up at" can still be reported.
	if c.Retention <= c.Window {
		return fmt.Errorf("%w: retention (%s) must exceed window (%s)", ErrInvalidConfig, c.Retention, c.Window)
	}
	if c.PreviewLength < 0 {
		return fmt.Errorf("%w: preview_length must not be negative", ErrInvalidConfig)
	}
	return nil
}
