package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/types"
)

const defaultKeyPrefix = "creditscore:score:"

// redisRecord is the JSON value stored per user.
type redisRecord struct {
	Score     int                `json:"score"`
	Band      string             `json:"band"`
	Factors   map[string]float64 `json:"factors"`
	Version   uint64             `json:"version"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// RedisStore keeps one JSON value per user. Create uses SET NX and
// CompareAndSet runs under WATCH so a concurrent write aborts the commit.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
}

// NewRedisClient builds a single-node client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisStore wraps client and checks it answers PING.
func NewRedisStore(ctx context.Context, client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Ping(ctx); err != nil {
		if s.ownsClient {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

func (s *RedisStore) key(userID string) string { return s.prefix + userID }

func encodeRecord(rec model.ScoreRecord, version uint64) ([]byte, error) {
	return json.Marshal(redisRecord{
		Score:     rec.Score,
		Band:      string(types.BandFor(rec.Score)),
		Factors:   rec.Factors,
		Version:   version,
		UpdatedAt: rec.UpdatedAt,
	})
}

func decodeRecord(userID string, raw []byte) (model.ScoreRecord, error) {
	var r redisRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.ScoreRecord{}, fmt.Errorf("%w: %s: %w", ErrCorruptRecord, userID, err)
	}
	return model.ScoreRecord{
		UserID:    userID,
		Score:     r.Score,
		Band:      types.Band(r.Band),
		Factors:   r.Factors,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// Backend implements Store.
func (s *RedisStore) Backend() string { return BackendRedis }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID string) (rec model.ScoreRecord, found bool, err error) {
	start := time.Now()
	defer func() { observe(BackendRedis, "get", start, err) }()
	return s.get(ctx, s.client, userID)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, userID string) (model.ScoreRecord, bool, error) {
	raw, err := c.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ScoreRecord{}, false, nil
	}
	if err != nil {
		return model.ScoreRecord{}, false, err
	}
	rec, err := decodeRecord(userID, raw)
	if err != nil {
		return model.ScoreRecord{}, false, err
	}
	return rec, true, nil
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, userID string, initial model.ScoreRecord) (ok bool, current model.ScoreRecord, err error) {
	start := time.Now()
	defer func() { observe(BackendRedis, "create", start, err) }()

	data, err := encodeRecord(initial, 1)
	if err != nil {
		return false, model.ScoreRecord{}, err
	}
	ok, err = s.client.SetNX(ctx, s.key(userID), data, 0).Result()
	if err != nil {
		return false, model.ScoreRecord{}, err
	}
	if !ok {
		cur, _, gerr := s.get(ctx, s.client, userID)
		return false, cur, gerr
	}
	return true, stored(userID, initial, 1), nil
}

// CompareAndSet implements Store.
func (s *RedisStore) CompareAndSet(ctx context.Context, userID string, expectedVersion uint64, next model.ScoreRecord) (ok bool, current model.ScoreRecord, err error) {
	start := time.Now()
	defer func() { observe(BackendRedis, "cas", start, err) }()

	data, err := encodeRecord(next, expectedVersion+1)
	if err != nil {
		return false, model.ScoreRecord{}, err
	}

	key := s.key(userID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, found, err := s.get(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !found || cur.Version != expectedVersion {
			current = cur
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		ok = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		cur, _, gerr := s.get(ctx, s.client, userID)
		return false, cur, gerr
	}
	if err != nil {
		return false, model.ScoreRecord{}, err
	}
	if !ok {
		return false, current, nil
	}
	return true, stored(userID, next, expectedVersion+1), nil
}

// Count scans the key space under the store prefix.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	return countDistinct(ctx, s.client.Scan(ctx, 0, s.prefix+"*", 512).Iterator())
}

// keyIterator is the part of *redis.ScanIterator that Count consumes.
type keyIterator interface {
	Next(ctx context.Context) bool
	Val() string
	Err() error
}

// countDistinct counts unique keys. SCAN may return a key more than once
// while the keyspace is rehashing.
func countDistinct(ctx context.Context, iter keyIterator) (int, error) {
	seen := make(map[string]struct{})
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return len(seen), nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store owns it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
