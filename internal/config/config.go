// Package config assembles the operator-facing configuration from four
// layers, each overriding the last: built-in defaults, an optional YAML
// file, VARANNO_* environment variables, and explicit overrides from CLI
// flags. Validation runs before anything touches a record; an invalid
// value aborts the run with ErrInvalid.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/rs/zerolog"

	"varanno/internal/oracle"
)

const envPrefix = "VARANNO_"

// ErrInvalid wraps every validation failure so callers can map it to a
// distinct exit code.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// oracle endpoint
	OracleURL   string        `koanf:"oracle_url"`
	APIKey      string        `koanf:"api_key"`
	Model       string        `koanf:"model"`
	CallTimeout time.Duration `koanf:"call_timeout"`

	// batching and retries
	BatchSize          int `koanf:"batch_size"`
	MaxConcurrentCalls int `koanf:"max_concurrent_calls"`
	MaxRetries         int `koanf:"max_retries"`

	// call pacing
	MinCallSpacingMs int `koanf:"min_call_spacing_ms"`
	BaseBackoffMs    int `koanf:"base_backoff_ms"`
	MaxBackoffMs     int `koanf:"max_backoff_ms"`

	// cache
	CacheBackend      string `koanf:"cache_backend"`
	CacheDir          string `koanf:"cache_dir"`
	RedisAddr         string `koanf:"redis_addr"`
	TTLSeconds        int    `koanf:"ttl_seconds"`
	MaxEntrySizeBytes int    `koanf:"max_entry_size_bytes"`

	// pipeline
	Categories    []string `koanf:"categories"`
	WindowBp      int      `koanf:"window_bp"`
	WindowSize    int      `koanf:"window_size"`
	MaxRecords    int      `koanf:"max_records"`
	ProgressEvery int      `koanf:"progress_every"`

	// observability
	LogLevel    string `koanf:"log_level"`
	LogConsole  bool   `koanf:"log_console"`
	MetricsAddr string `koanf:"metrics_addr"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"oracle_url":           "",
		"api_key":              "",
		"model":                "default",
		"call_timeout":         "30s",
		"batch_size":           50,
		"max_concurrent_calls": 4,
		"max_retries":          3,
		"min_call_spacing_ms":  100,
		"base_backoff_ms":      1000,
		"max_backoff_ms":       60000,
		"cache_backend":        "dir",
		"cache_dir":            filepath.Join(os.TempDir(), "varanno-cache"),
		"redis_addr":           "localhost:6379",
		"ttl_seconds":          7 * 24 * 60 * 60,
		"max_entry_size_bytes": 1 << 20,
		"categories":           []string{"expression", "splicing"},
		"window_bp":            1000,
		"window_size":          200,
		"max_records":          0,
		"progress_every":       100,
		"log_level":            "info",
		"log_console":          false,
		"metrics_addr":         "",
	}
}

// Load builds the configuration. file may be empty; overrides holds values
// from CLI flags the user set explicitly and wins over every other layer.
func Load(path string, overrides map[string]interface{}) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("%w: config file %s: %v", ErrInvalid, path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValue), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return Config{}, fmt.Errorf("load flag overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envValue maps VARANNO_BATCH_SIZE to batch_size and splits list-valued
// keys on commas.
func envValue(key, value string) (string, interface{}) {
	k := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "__", ".")
	if k == "categories" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return k, parts
	}
	return k, value
}

func (c Config) Validate() error {
	if c.OracleURL == "" {
		return fmt.Errorf("%w: oracle_url is required", ErrInvalid)
	}
	if u, err := url.Parse(c.OracleURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: oracle_url %q is not an absolute URL", ErrInvalid, c.OracleURL)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: api_key is required", ErrInvalid)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call_timeout must be positive, got %s", ErrInvalid, c.CallTimeout)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalid, c.BatchSize)
	}
	if c.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("%w: max_concurrent_calls must be positive, got %d", ErrInvalid, c.MaxConcurrentCalls)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries must be at least 1, got %d", ErrInvalid, c.MaxRetries)
	}
	if c.MinCallSpacingMs < 0 {
		return fmt.Errorf("%w: min_call_spacing_ms must not be negative, got %d", ErrInvalid, c.MinCallSpacingMs)
	}
	if c.BaseBackoffMs <= 0 {
		return fmt.Errorf("%w: base_backoff_ms must be positive, got %d", ErrInvalid, c.BaseBackoffMs)
	}
	if c.MaxBackoffMs < c.BaseBackoffMs {
		return fmt.Errorf("%w: max_backoff_ms %d is below base_backoff_ms %d", ErrInvalid, c.MaxBackoffMs, c.BaseBackoffMs)
	}
	switch c.CacheBackend {
	case "dir":
		if c.CacheDir == "" {
			return fmt.Errorf("%w: cache_dir is required for the dir backend", ErrInvalid)
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis_addr is required for the redis backend", ErrInvalid)
		}
	case "memory", "off":
	default:
		return fmt.Errorf("%w: cache_backend %q, want dir, redis, memory or off", ErrInvalid, c.CacheBackend)
	}
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("%w: ttl_seconds must be positive, got %d", ErrInvalid, c.TTLSeconds)
	}
	if c.MaxEntrySizeBytes < 0 {
		return fmt.Errorf("%w: max_entry_size_bytes must not be negative, got %d", ErrInvalid, c.MaxEntrySizeBytes)
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("%w: at least one prediction category is required", ErrInvalid)
	}
	known := oracle.KnownCategories()
	for _, cat := range c.Categories {
		if !slices.Contains(known, cat) {
			return fmt.Errorf("%w: unknown category %q, want one of %s", ErrInvalid, cat, strings.Join(known, ", "))
		}
	}
	if c.WindowBp <= 0 {
		return fmt.Errorf("%w: window_bp must be positive, got %d", ErrInvalid, c.WindowBp)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("%w: window_size must be positive, got %d", ErrInvalid, c.WindowSize)
	}
	if c.MaxRecords < 0 {
		return fmt.Errorf("%w: max_records must not be negative, got %d", ErrInvalid, c.MaxRecords)
	}
	if c.ProgressEvery < 0 {
		return fmt.Errorf("%w: progress_every must not be negative, got %d", ErrInvalid, c.ProgressEvery)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q: %v", ErrInvalid, c.LogLevel, err)
	}
	return nil
}

// Duration views over the millisecond and second knobs.

func (c Config) TTL() time.Duration            { return time.Duration(c.TTLSeconds) * time.Second }
func (c Config) MinCallSpacing() time.Duration { return time.Duration(c.MinCallSpacingMs) * time.Millisecond }
func (c Config) BaseBackoff() time.Duration    { return time.Duration(c.BaseBackoffMs) * time.Millisecond }
func (c Config) MaxBackoff() time.Duration     { return time.Duration(c.MaxBackoffMs) * time.Millisecond }
