// Package service wires the score engine to its store, idempotency cache,
// batch queue and worker pool, and exposes the operations the HTTP API needs.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	eventqueue "github.com/okian/creditscore/internal/adapters/mq/queue"
	workerpool "github.com/okian/creditscore/internal/adapters/mq/worker"
	repository "github.com/okian/creditscore/internal/adapters/repository"
	"github.com/okian/creditscore/internal/domain/dedupe"
	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/scoring"
	"github.com/okian/creditscore/pkg/logger"
	"github.com/okian/creditscore/pkg/metrics"
)

// ErrNotStarted is returned by operations called before Start.
var ErrNotStarted = errors.New("service not started")

const (
	defaultQueueSize  = 10000
	defaultDedupeSize = 50000
	defaultDedupeTTL  = 24 * time.Hour
)

// Service implements the API dependencies for the score engine.
type Service struct {
	mu sync.RWMutex

	// Core components
	store   repository.Store
	engine  *scoring.Engine
	deduper dedupe.Deduper
	queue   *eventqueue.InMemoryQueue
	pool    *workerpool.Pool

	// Configuration
	storeConfig  repository.Config
	ownsStore    bool
	engineOpts   []scoring.Option
	workerCount  int
	queueSize    int
	dedupeSize   int
	dedupeTTL    time.Duration
	jobRetries   int
	jobBackoff   time.Duration
	stopPoolFunc context.CancelFunc

	// State
	started   bool
	startedAt time.Time
	processed atomic.Int64
	failed    atomic.Int64

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStoreConfig selects the backend opened on Start.
func WithStoreConfig(cfg repository.Config) Option {
	return func(s *Service) {
		s.storeConfig = cfg
	}
}

// WithStore injects an open store. The service does not close it.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithEngineOptions passes options through to the score engine.
func WithEngineOptions(opts ...scoring.Option) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// WithWorkerCount sets the number of batch worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum size of the batch queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the size of the idempotency key cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithDedupeTTL sets how long an idempotency key is remembered.
func WithDedupeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.dedupeTTL = ttl
		}
	}
}

// WithJobRetry sets retries for batch jobs that lose every commit race.
func WithJobRetry(retries int, backoff time.Duration) Option {
	return func(s *Service) {
		if retries >= 0 {
			s.jobRetries = retries
			s.jobBackoff = backoff
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		storeConfig: repository.Config{Backend: repository.BackendMemory},
		workerCount: runtime.NumCPU(),
		queueSize:   defaultQueueSize,
		dedupeSize:  defaultDedupeSize,
		dedupeTTL:   defaultDedupeTTL,
		jobRetries:  3,
		jobBackoff:  10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store and starts the batch workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Named("service")
	}

	s.logger.Info(ctx, "starting score service...")

	if s.store == nil {
		store, err := repository.Open(ctx, s.storeConfig)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		s.store = store
		s.ownsStore = true
	}
	s.engine = scoring.NewEngine(s.store, s.engineOpts...)
	s.deduper = dedupe.NewInMemoryDeduper(
		dedupe.WithMaxSize(s.dedupeSize),
		dedupe.WithTTL(s.dedupeTTL),
	)
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.queueSize))
	s.pool = workerpool.NewPool(s.workerCount, s.queue, s.engine,
		workerpool.WithRetry(s.jobRetries, s.jobBackoff),
		workerpool.WithResultHook(s.jobResultHook(s.deduper)),
	)

	// Workers outlive the caller's context so Stop can drain the queue.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopPoolFunc = cancel
	s.pool.Start(runCtx)

	s.started = true
	s.startedAt = time.Now()
	s.logger.Info(ctx, "score service started",
		logger.String("store", s.store.Backend()),
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
	)
	return nil
}

// Stop drains queued jobs and closes the store if the service opened it.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping score service...")

	var errs []error
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.stopPoolFunc()

	if s.ownsStore {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		s.store = nil
		s.ownsStore = false
	}

	s.started = false
	s.logger.Info(ctx, "score service stopped",
		logger.Int("processed", int(s.processed.Load())),
		logger.Int("failed", int(s.failed.Load())),
	)
	return errors.Join(errs...)
}

func (s *Service) running() (*scoring.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.engine, nil
}

// GetScore returns the score view for userID.
func (s *Service) GetScore(ctx context.Context, userID string) (model.ScoreView, error) {
	e, err := s.running()
	if err != nil {
		return model.ScoreView{}, err
	}
	return e.Get(ctx, userID)
}

// ApplyRepayment applies one repayment synchronously.
func (s *Service) ApplyRepayment(ctx context.Context, ev model.RepaymentEvent) (model.UpdateResult, error) {
	e, err := s.running()
	if err != nil {
		return model.UpdateResult{}, err
	}
	return e.ApplyRepayment(ctx, ev)
}

// SeenAndRecord atomically checks if an idempotency key was seen and
// records it if not. Returns true for a duplicate.
func (s *Service) SeenAndRecord(ctx context.Context, key string) bool {
	s.mu.RLock()
	d := s.deduper
	s.mu.RUnlock()
	if d == nil {
		return false
	}
	seen := d.SeenAndRecord(ctx, key)
	if seen {
		metrics.RecordDuplicateRepayment()
	}
	return seen
}

// Unrecord forgets an idempotency key so the request can be retried.
func (s *Service) Unrecord(ctx context.Context, key string) {
	s.mu.RLock()
	d := s.deduper
	s.mu.RUnlock()
	if d != nil {
		d.Unrecord(ctx, key)
	}
}

// Enqueue submits a repayment for asynchronous application and returns its
// job id. It fails with queue.ErrFull when the queue has no room.
func (s *Service) Enqueue(ctx context.Context, ev model.RepaymentEvent, idempotencyKey string) (string, error) {
	s.mu.RLock()
	q, started := s.queue, s.started
	s.mu.RUnlock()
	if !started {
		return "", ErrNotStarted
	}

	j := eventqueue.Job{
		ID:             uuid.NewString(),
		Event:          ev,
		IdempotencyKey: idempotencyKey,
	}
	if err := q.Enqueue(ctx, j); err != nil {
		return "", err
	}
	s.logger.Debug(ctx, "repayment queued",
		logger.String("jobId", j.ID),
		logger.String("userId", ev.UserID),
	)
	return j.ID, nil
}

// jobResultHook counts batch outcomes and releases the idempotency key of a
// failed job so the client can resubmit it. It must not take s.mu: Stop
// holds it while workers drain.
func (s *Service) jobResultHook(d dedupe.Deduper) workerpool.ResultHook {
	return func(ctx context.Context, j eventqueue.Job, _ model.UpdateResult, err error) {
		if err == nil {
			s.processed.Add(1)
			return
		}
		s.failed.Add(1)
		if j.IdempotencyKey != "" {
			d.Unrecord(ctx, j.IdempotencyKey)
		}
	}
}

// Ping checks the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	s.mu.RLock()
	store, started := s.store, s.started
	s.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}
	return store.Ping(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"processed":   s.processed.Load(),
		"failed":      s.failed.Load(),
	}
	if !s.started {
		return stats
	}

	stats["store"] = s.store.Backend()
	stats["uptimeSeconds"] = int64(time.Since(s.startedAt).Seconds())
	stats["queueLength"] = s.queue.Len()
	stats["idempotencyKeys"] = s.deduper.Size()
	stats["policy"] = s.engine.Policy()
	if n, err := s.store.Count(ctx); err == nil {
		stats["totalUsers"] = n
		metrics.UpdateRecordsTotal(n)
	} else {
		s.logger.Warn(ctx, "count failed", logger.Error(err))
	}
	return stats
}
