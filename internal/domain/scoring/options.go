package scoring

import (
	"time"

	"github.com/okian/creditscore/pkg/logger"
)

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy replaces the scoring policy. Policies with an illegal starting
// score are ignored.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p.Valid() {
			e.policy = p
		}
	}
}

// WithMaxAttempts bounds the commit attempts per repayment.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the jittered wait between commit attempts. A zero
// max disables waiting.
func WithRetryBackoff(minWait, maxWait time.Duration) Option {
	return func(e *Engine) {
		if minWait >= 0 && maxWait >= minWait {
			e.backoffMin = minWait
			e.backoffMax = maxWait
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
