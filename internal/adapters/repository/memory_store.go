package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/pkg/metrics"
)

const (
	defaultShardCount            = 32
	defaultMetricsUpdateInterval = 5 * time.Second
)

type shard struct {
	mu      sync.RWMutex
	records map[string]model.ScoreRecord
}

// MemoryStore keeps records in process, split across lock shards by user id.
// Records are copied on the way in and out so callers never share maps with
// stored state.
type MemoryStore struct {
	shards                []*shard
	shardCount            int
	metricsUpdateInterval time.Duration
	size                  atomic.Int64
	closed                atomic.Bool

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore constructs a sharded in-memory store and starts its metrics
// updater, which stops on Close or when ctx ends.
func NewMemoryStore(ctx context.Context, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		shardCount:            defaultShardCount,
		metricsUpdateInterval: defaultMetricsUpdateInterval,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.shards = make([]*shard, s.shardCount)
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]model.ScoreRecord)}
	}

	metrics.UpdateStoreShardCount(s.shardCount)
	s.startMetricsUpdater(ctx)
	return s
}

func (s *MemoryStore) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Backend implements Store.
func (s *MemoryStore) Backend() string { return BackendMemory }

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID string) (model.ScoreRecord, bool, error) {
	start := time.Now()
	if s.closed.Load() {
		observe(BackendMemory, "get", start, ErrClosed)
		return model.ScoreRecord{}, false, ErrClosed
	}

	sh := s.shardFor(userID)
	sh.mu.RLock()
	rec, ok := sh.records[userID]
	sh.mu.RUnlock()

	observe(BackendMemory, "get", start, nil)
	if !ok {
		return model.ScoreRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, userID string, initial model.ScoreRecord) (bool, model.ScoreRecord, error) {
	start := time.Now()
	if s.closed.Load() {
		observe(BackendMemory, "create", start, ErrClosed)
		return false, model.ScoreRecord{}, ErrClosed
	}

	sh := s.shardFor(userID)
	sh.mu.Lock()
	if cur, ok := sh.records[userID]; ok {
		sh.mu.Unlock()
		observe(BackendMemory, "create", start, nil)
		return false, cur.Clone(), nil
	}
	rec := stored(userID, initial, 1)
	sh.records[userID] = rec
	sh.mu.Unlock()

	s.size.Add(1)
	observe(BackendMemory, "create", start, nil)
	return true, rec.Clone(), nil
}

// CompareAndSet implements Store.
func (s *MemoryStore) CompareAndSet(_ context.Context, userID string, expectedVersion uint64, next model.ScoreRecord) (bool, model.ScoreRecord, error) {
	start := time.Now()
	if s.closed.Load() {
		observe(BackendMemory, "cas", start, ErrClosed)
		return false, model.ScoreRecord{}, ErrClosed
	}

	sh := s.shardFor(userID)
	sh.mu.Lock()
	cur, ok := sh.records[userID]
	if !ok || cur.Version != expectedVersion {
		sh.mu.Unlock()
		observe(BackendMemory, "cas", start, nil)
		if !ok {
			return false, model.ScoreRecord{}, nil
		}
		return false, cur.Clone(), nil
	}
	rec := stored(userID, next, expectedVersion+1)
	sh.records[userID] = rec
	sh.mu.Unlock()

	observe(BackendMemory, "cas", start, nil)
	return true, rec.Clone(), nil
}

// Count implements Store.
func (s *MemoryStore) Count(context.Context) (int, error) {
	return int(s.size.Load()), nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close stops the metrics updater. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopChan)
	})
	s.wg.Wait()
	return nil
}

// startMetricsUpdater starts a background goroutine that publishes store gauges.
func (s *MemoryStore) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.updateMetrics()
			}
		}
	}()
}

func (s *MemoryStore) updateMetrics() {
	for i, sh := range s.shards {
		sh.mu.RLock()
		n := len(sh.records)
		sh.mu.RUnlock()
		metrics.UpdateRecordsPerShard(fmt.Sprintf("shard_%d", i), n)
	}
	metrics.UpdateRecordsTotal(int(s.size.Load()))
}
