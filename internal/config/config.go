// Package config defines service configuration and its defaults.
package config

import (
	"context"
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects text or json log lines.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// InternalAPIKey guards the write endpoints. Empty rejects every write.
	InternalAPIKey string `koanf:"internal_api_key"`

	// StoreBackend is one of memory, sqlite, postgres, redis.
	StoreBackend string `koanf:"store_backend"`

	// StoreDSN is the sqlite path or postgres connection string.
	StoreDSN string `koanf:"store_dsn"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// ShardCount sets the lock shards of the memory store.
	ShardCount int `koanf:"shard_count"`

	// Scoring policy.
	DefaultScore int `koanf:"default_score"`
	OnTimeDelta  int `koanf:"on_time_delta"`
	LateDelta    int `koanf:"late_delta"`

	// MaxCommitAttempts bounds optimistic retries per repayment.
	MaxCommitAttempts int `koanf:"max_commit_attempts"`
	RetryBackoffMinMS int `koanf:"retry_backoff_min_ms"`
	RetryBackoffMaxMS int `koanf:"retry_backoff_max_ms"`

	// RateLimitRequests per RateLimitWindowMS per client on write endpoints.
	RateLimitRequests int `koanf:"rate_limit_requests"`
	RateLimitWindowMS int `koanf:"rate_limit_window_ms"`

	// IdempotencyCacheSize bounds remembered Idempotency-Key values.
	IdempotencyCacheSize int `koanf:"idempotency_cache_size"`
	IdempotencyTTLSec    int `koanf:"idempotency_ttl_s"`

	// EventQueueSize bounds the batch queue.
	EventQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of batch workers.
	WorkerCount int `koanf:"worker_count"`

	// MaxBatchSize caps events per POST /score/events.
	MaxBatchSize int `koanf:"max_batch_size"`
}

// New creates a Config holding the defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		StoreBackend:         "memory",
		RedisAddr:            "localhost:6379",
		ShardCount:           32,
		DefaultScore:         650,
		OnTimeDelta:          15,
		LateDelta:            -30,
		MaxCommitAttempts:    10,
		RetryBackoffMinMS:    1,
		RetryBackoffMaxMS:    20,
		RateLimitRequests:    10,
		RateLimitWindowMS:    60_000,
		IdempotencyCacheSize: 100_000,
		IdempotencyTTLSec:    86_400,
		EventQueueSize:       10_000,
		WorkerCount:          runtime.NumCPU(),
		MaxBatchSize:         500,
	}
}

// RetryBackoff returns the commit retry wait bounds.
func (c *Config) RetryBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.RetryBackoffMinMS) * time.Millisecond,
		time.Duration(c.RetryBackoffMaxMS) * time.Millisecond
}

// RateLimitWindow returns the rate limit window.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// IdempotencyTTL returns how long idempotency keys are kept.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSec) * time.Second
}
