// Package worker applies queued repayment jobs through the scoring engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/creditscore/internal/adapters/mq/queue"
	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/scoring"
	"github.com/okian/creditscore/pkg/logger"
	"github.com/okian/creditscore/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 4
	defaultRetries          = 3
	defaultRetryBackoff     = 10 * time.Millisecond
	poolShutdownTimeout     = 30 * time.Second
)

// Applier folds one repayment into a score.
type Applier interface {
	ApplyRepayment(ctx context.Context, ev model.RepaymentEvent) (model.UpdateResult, error)
}

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue() <-chan queue.Job
}

// ResultHook observes the outcome of each job.
type ResultHook func(ctx context.Context, j queue.Job, res model.UpdateResult, err error)

// Worker processes jobs from a queue.
type Worker interface {
	// Run consumes jobs until the queue is drained or ctx is canceled.
	Run(ctx context.Context)
}

// InMemoryWorker applies jobs one at a time.
type InMemoryWorker struct {
	queue        Queue
	applier      Applier
	name         string
	retries      int
	retryBackoff time.Duration
	onResult     ResultHook
	logger       logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, applier Applier, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:        q,
		applier:      applier,
		name:         "worker",
		retries:      defaultRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Named(w.name)
	}
	return w
}

// Run implements Worker. It returns once the job channel is closed and
// empty, or when ctx is canceled.
func (w *InMemoryWorker) Run(ctx context.Context) {
	jobs := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			metrics.RecordQueueDequeue()
			if err := w.process(ctx, j); err != nil {
				w.logger.Error(ctx, "repayment job failed",
					logger.String("jobId", j.ID),
					logger.String("userId", j.Event.UserID),
					logger.Error(err),
				)
			}
		}
	}
}

// process applies one job, retrying transient failures.
func (w *InMemoryWorker) process(ctx context.Context, j queue.Job) error {
	start := time.Now()
	metrics.AddWorkerActive(1)
	defer func() {
		metrics.AddWorkerActive(-1)
		metrics.RecordWorkerProcessingLatency(metrics.Since(start))
	}()

	var (
		res model.UpdateResult
		err error
	)
	for attempt := 0; attempt <= w.retries; attempt++ {
		res, err = w.applier.ApplyRepayment(ctx, j.Event)
		if err == nil || !scoring.IsRetryable(err) || attempt == w.retries {
			break
		}
		w.logger.Debug(ctx, "retrying repayment job",
			logger.String("jobId", j.ID),
			logger.Int("attempt", attempt+1),
		)
		if werr := sleep(ctx, w.retryBackoff); werr != nil {
			err = errors.Join(err, werr)
			break
		}
	}

	if w.onResult != nil {
		w.onResult(ctx, j, res, err)
	}
	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", scoring.Kind(err))
		return fmt.Errorf("apply job %s: %w", j.ID, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	wg      sync.WaitGroup
	started atomic.Bool
	logger  logger.Logger
}

// NewPool creates a pool of workerCount workers. A count below one selects
// a multiple of the CPU count. opts apply to every worker.
func NewPool(workerCount int, q Queue, applier Applier, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Named("worker-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, applier, wopts...)
	}

	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start launches every worker. Later calls do nothing.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *InMemoryWorker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

// Shutdown closes the queue and waits for workers to drain it, up to ctx's
// deadline or poolShutdownTimeout.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-shutdownCtx.Done():
		p.logger.Warn(ctx, "worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown: %w", shutdownCtx.Err())
	}
}
