package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix     = "CREDITSCORE_"
	envConfigFile = "CREDITSCORE_CONFIG"
	envAPIKey     = "INTERNAL_API_KEY"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New(ctx))
//  2. file (YAML) if CREDITSCORE_CONFIG is set
//  3. INTERNAL_API_KEY
//  4. env (prefix CREDITSCORE_)
func Load(ctx context.Context) (*Config, error) {
	base := New(ctx)

	k := koanf.New(".")

	if path := os.Getenv(envConfigFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// The API key is shared with callers under its bare name.
	apiKey := env.Provider(envAPIKey, ".", func(s string) string {
		if s != envAPIKey {
			return ""
		}
		return "internal_api_key"
	})
	if err := k.Load(apiKey, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	// CREDITSCORE_QUEUE_SIZE -> queue_size (flat keys, underscores kept).
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		if s == envConfigFile {
			return ""
		}
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges. Errors wrap ErrInvalidConfig.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch {
	case c.Addr == "":
		return invalid("addr must not be empty")
	case c.LogFormat != "text" && c.LogFormat != "json":
		return invalid("log_format must be text or json, got %q", c.LogFormat)
	case c.DefaultScore < 300 || c.DefaultScore > 850:
		return invalid("default_score must be within 300..850, got %d", c.DefaultScore)
	case c.OnTimeDelta < 0:
		return invalid("on_time_delta must not be negative, got %d", c.OnTimeDelta)
	case c.LateDelta > 0:
		return invalid("late_delta must not be positive, got %d", c.LateDelta)
	case c.MaxCommitAttempts < 1:
		return invalid("max_commit_attempts must be positive")
	case c.RetryBackoffMinMS < 0 || c.RetryBackoffMaxMS < c.RetryBackoffMinMS:
		return invalid("retry backoff bounds are inverted or negative")
	case c.RateLimitRequests < 1 || c.RateLimitWindowMS < 1:
		return invalid("rate limit requests and window must be positive")
	case c.EventQueueSize < 1:
		return invalid("queue_size must be positive")
	case c.MaxBatchSize < 1:
		return invalid("max_batch_size must be positive")
	}

	switch c.StoreBackend {
	case "memory", "redis":
	case "sqlite", "postgres":
		if c.StoreDSN == "" {
			return invalid("store_dsn is required for %s", c.StoreBackend)
		}
	default:
		return invalid("unknown store_backend %q", c.StoreBackend)
	}
	return nil
}
