// Package repository holds the score record stores. Every backend offers the
// same insert-if-absent and compare-and-set primitives the engine commits
// through.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/pkg/metrics"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Store provides versioned access to score records.
type Store interface {
	// Get returns the record for userID; found is false when absent.
	Get(ctx context.Context, userID string) (rec model.ScoreRecord, found bool, err error)

	// Create stores initial with version 1 if userID is absent. On conflict
	// it returns false and the stored record.
	Create(ctx context.Context, userID string, initial model.ScoreRecord) (ok bool, current model.ScoreRecord, err error)

	// CompareAndSet stores next with version expectedVersion+1 if the stored
	// version equals expectedVersion. On mismatch it returns false and the
	// stored record, or a zero record when absent.
	CompareAndSet(ctx context.Context, userID string, expectedVersion uint64, next model.ScoreRecord) (ok bool, current model.ScoreRecord, err error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Backend names the implementation.
	Backend() string

	// Close releases the backend.
	Close() error
}

// Config selects and configures a backend for Open.
type Config struct {
	Backend       string
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ShardCount    int
}

// Open builds the store named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(ctx, WithShardCount(cfg.ShardCount)), nil
	case BackendSQLite, BackendPostgres:
		s, err := NewSQLStore(ctx, cfg.Backend, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendRedis:
		s, err := NewRedisStore(ctx, NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), WithOwnedClient())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// observe records latency and failures for one store operation.
func observe(backend, op string, start time.Time, err error) {
	metrics.RecordStoreLatency(backend, op, metrics.Since(start))
	if err != nil {
		metrics.RecordStoreError(backend, op)
		metrics.RecordErrorByComponent("repository", op)
	}
}

// stored returns rec as persisted under userID with the given version.
func stored(userID string, rec model.ScoreRecord, version uint64) model.ScoreRecord {
	out := rec.Clone()
	out.UserID = userID
	out.Version = version
	return out
}
