package worker

import (
	"time"

	"github.com/okian/creditscore/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(l logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRetry sets how often a job that failed with a retryable error is
// tried again, and the wait between tries.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(w *InMemoryWorker) {
		if retries >= 0 {
			w.retries = retries
		}
		if backoff >= 0 {
			w.retryBackoff = backoff
		}
	}
}

// WithResultHook registers a callback run after every job.
func WithResultHook(h ResultHook) Option {
	return func(w *InMemoryWorker) {
		if h != nil {
			w.onResult = h
		}
	}
}
