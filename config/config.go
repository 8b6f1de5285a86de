// Package config loads the Config a caller uses to build a
// cachecoord.CoordinatorConfiguration, with the same three-layer priority
// the teacher framework's core.Config uses:
// struct defaults, then environment variables, then functional options
// (highest priority), validated once at the end. Handle wiring (which
// concrete handles to construct) stays the caller's job; this package
// configures the ambient knobs: namespace, retry budget, Redis connection,
// and logging/metrics level.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neelabh-cache/cachecoord/cacheerr"
)

// Config holds the environment-tunable knobs for a cache coordinator
// deployment.
type Config struct {
	// Namespace prefixes every Redis key and the backplane channel name.
	Namespace string `env:"CACHECOORD_NAMESPACE" default:"cachecoord"`

	// MaxUpdateRetries bounds the optimistic-retry loop a handle runs for
	// Update/TryUpdate (spec §4.3/§4.9).
	MaxUpdateRetries int `env:"CACHECOORD_MAX_UPDATE_RETRIES" default:"5"`

	// RedisURL, if non-empty, is used to construct the distributed handle
	// and backplane transport.
	RedisURL string `env:"CACHECOORD_REDIS_URL,REDIS_URL"`
	RedisDB  int    `env:"CACHECOORD_REDIS_DB" default:"0"`

	// BackplaneEnabled turns on cross-process invalidation over Redis.
	// Meaningless without RedisURL.
	BackplaneEnabled bool `env:"CACHECOORD_BACKPLANE_ENABLED" default:"true"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `env:"CACHECOORD_LOG_LEVEL" default:"info"`

	// MetricsEnabled turns on OpenTelemetry metric emission via
	// metrics.SetGlobal(metrics.NewOTelRegistry(...)).
	MetricsEnabled bool `env:"CACHECOORD_METRICS_ENABLED" default:"false"`
}

// Option mutates a Config after environment loading; functional options
// are the highest-priority layer.
type Option func(*Config)

// WithNamespace overrides the key/channel namespace.
func WithNamespace(ns string) Option { return func(c *Config) { c.Namespace = ns } }

// WithMaxUpdateRetries overrides the optimistic-retry budget.
func WithMaxUpdateRetries(n int) Option { return func(c *Config) { c.MaxUpdateRetries = n } }

// WithRedisURL overrides the Redis connection string.
func WithRedisURL(url string) Option { return func(c *Config) { c.RedisURL = url } }

// WithRedisDB overrides the Redis DB index.
func WithRedisDB(db int) Option { return func(c *Config) { c.RedisDB = db } }

// WithBackplaneEnabled toggles the Redis backplane.
func WithBackplaneEnabled(enabled bool) Option { return func(c *Config) { c.BackplaneEnabled = enabled } }

// WithLogLevel overrides the log level.
func WithLogLevel(level string) Option { return func(c *Config) { c.LogLevel = level } }

// WithMetricsEnabled toggles OTel metrics emission.
func WithMetricsEnabled(enabled bool) Option { return func(c *Config) { c.MetricsEnabled = enabled } }

// fileConfig mirrors Config's fields for YAML decoding. The teacher's own
// core.Config supports only JSON file loading and notes YAML would need
// gopkg.in/yaml.v3; this type is that addition.
type fileConfig struct {
	Namespace        *string `yaml:"namespace"`
	MaxUpdateRetries *int    `yaml:"max_update_retries"`
	RedisURL         *string `yaml:"redis_url"`
	RedisDB          *int    `yaml:"redis_db"`
	BackplaneEnabled *bool   `yaml:"backplane_enabled"`
	LogLevel         *string `yaml:"log_level"`
	MetricsEnabled   *bool   `yaml:"metrics_enabled"`
}

func (c *Config) applyFile(fc fileConfig) {
	if fc.Namespace != nil {
		c.Namespace = *fc.Namespace
	}
	if fc.MaxUpdateRetries != nil {
		c.MaxUpdateRetries = *fc.MaxUpdateRetries
	}
	if fc.RedisURL != nil {
		c.RedisURL = *fc.RedisURL
	}
	if fc.RedisDB != nil {
		c.RedisDB = *fc.RedisDB
	}
	if fc.BackplaneEnabled != nil {
		c.BackplaneEnabled = *fc.BackplaneEnabled
	}
	if fc.LogLevel != nil {
		c.LogLevel = *fc.LogLevel
	}
	if fc.MetricsEnabled != nil {
		c.MetricsEnabled = *fc.MetricsEnabled
	}
}

func defaults() Config {
	return Config{
		Namespace:        "cachecoord",
		MaxUpdateRetries: 5,
		RedisDB:          0,
		BackplaneEnabled: true,
		LogLevel:         "info",
		MetricsEnabled:   false,
	}
}

func firstEnv(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := os.LookupEnv(n); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func (c *Config) loadFromEnv() error {
	if v, ok := firstEnv("CACHECOORD_NAMESPACE"); ok {
		c.Namespace = v
	}
	if v, ok := firstEnv("CACHECOORD_MAX_UPDATE_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHECOORD_MAX_UPDATE_RETRIES: %w", err)
		}
		c.MaxUpdateRetries = n
	}
	if v, ok := firstEnv("CACHECOORD_REDIS_URL", "REDIS_URL"); ok {
		c.RedisURL = v
	}
	if v, ok := firstEnv("CACHECOORD_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHECOORD_REDIS_DB: %w", err)
		}
		c.RedisDB = n
	}
	if v, ok := firstEnv("CACHECOORD_BACKPLANE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CACHECOORD_BACKPLANE_ENABLED: %w", err)
		}
		c.BackplaneEnabled = b
	}
	if v, ok := firstEnv("CACHECOORD_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := firstEnv("CACHECOORD_METRICS_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CACHECOORD_METRICS_ENABLED: %w", err)
		}
		c.MetricsEnabled = b
	}
	return nil
}

func (c *Config) validate() error {
	if c.Namespace == "" {
		return cacheerr.New("config.Load", cacheerr.ErrInvalidArgument, "namespace must not be empty")
	}
	if c.MaxUpdateRetries < 0 {
		return cacheerr.New("config.Load", cacheerr.ErrInvalidArgument, "max update retries must not be negative")
	}
	if c.BackplaneEnabled && c.RedisURL == "" {
		return cacheerr.New("config.Load", cacheerr.ErrInvalidArgument, "backplane enabled but no Redis URL configured")
	}
	return nil
}

// Load builds a Config from defaults, then the environment, then opts
// (highest priority), validating the result.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile builds a Config the same way Load does, but inserts a YAML file
// layer between the struct defaults and the environment: defaults, then
// file, then environment, then opts (highest priority), then validation.
// A missing file is not an error; a malformed one is.
func LoadFile(path string, opts ...Option) (*Config, error) {
	cfg := defaults()

	if buf, err := os.ReadFile(path); err == nil {
		var fc fileConfig
		if err := yaml.Unmarshal(buf, &fc); err != nil {
			return nil, cacheerr.New("config.LoadFile", cacheerr.ErrInvalidArgument, "malformed config file").WithCause(err)
		}
		cfg.applyFile(fc)
	} else if !os.IsNotExist(err) {
		return nil, cacheerr.New("config.LoadFile", cacheerr.ErrInvalidArgument, "failed to read config file").WithCause(err)
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateRetryTimeout is a ceiling for a whole Update call derived from the
// configured retry budget: 50ms for each of the MaxUpdateRetries+1
// attempts, for callers that need to bound an Update call's context
// deadline.
func (c *Config) UpdateRetryTimeout() time.Duration {
	return time.Duration(c.MaxUpdateRetries+1) * 50 * time.Millisecond
}
