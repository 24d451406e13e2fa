package repository

import "time"

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithShardCount sets the number of lock shards. Values below one are ignored.
func WithShardCount(n int) Option {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shardCount = n
		}
	}
}

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(s *MemoryStore) {
		if interval > 0 {
			s.metricsUpdateInterval = interval
		}
	}
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithTableName overrides the score table name.
func WithTableName(name string) SQLOption {
	return func(s *SQLStore) {
		if name != "" {
			s.table = name
		}
	}
}

// WithMaxOpenConns caps the connection pool. SQLite always uses one.
func WithMaxOpenConns(n int) SQLOption {
	return func(s *SQLStore) {
		if n > 0 {
			s.maxOpenConns = n
		}
	}
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix for record keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithOwnedClient makes Close also close the redis client.
func WithOwnedClient() RedisOption {
	return func(s *RedisStore) {
		s.ownsClient = true
	}
}
