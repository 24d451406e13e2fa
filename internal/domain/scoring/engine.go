// Package scoring owns credit score state transitions: delta computation,
// clamping, band derivation and optimistic commits against a Store.
package scoring

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/types"
	"github.com/okian/creditscore/pkg/logger"
	"github.com/okian/creditscore/pkg/metrics"
)

const (
	defaultMaxAttempts = 10
	defaultBackoffMin  = time.Millisecond
	defaultBackoffMax  = 20 * time.Millisecond
)

// Store is the storage contract the engine commits through. CompareAndSet
// and Create are the only mutations; both are all-or-nothing.
type Store interface {
	// Get returns the record for userID. found is false, with a nil error,
	// when no record exists.
	Get(ctx context.Context, userID string) (rec model.ScoreRecord, found bool, err error)

	// Create inserts initial only if userID is absent. On conflict ok is
	// false and current is the stored record.
	Create(ctx context.Context, userID string, initial model.ScoreRecord) (ok bool, current model.ScoreRecord, err error)

	// CompareAndSet replaces the record only if its version equals
	// expectedVersion. On mismatch ok is false and current is the stored
	// record, or a zero record if userID is absent.
	CompareAndSet(ctx context.Context, userID string, expectedVersion uint64, next model.ScoreRecord) (ok bool, current model.ScoreRecord, err error)
}

// Engine applies repayment events to score records. It keeps no locks of
// its own; concurrent callers are serialized by the store's compare-and-set.
type Engine struct {
	store       Store
	policy      Policy
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	logger      logger.Logger
}

// NewEngine builds an engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		policy:      DefaultPolicy(),
		maxAttempts: defaultMaxAttempts,
		backoffMin:  defaultBackoffMin,
		backoffMax:  defaultBackoffMax,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Named("engine")
	}
	return e
}

// Policy returns the active scoring policy.
func (e *Engine) Policy() Policy { return e.policy }

// Get returns the current view for userID. Unknown users get the default
// view and nothing is written.
func (e *Engine) Get(ctx context.Context, userID string) (model.ScoreView, error) {
	const op = "scoring.get"
	if !ValidUserID(userID) {
		metrics.RecordEngineError(Kind(ErrInvalidUserID))
		return model.ScoreView{}, fmt.Errorf("%s: %w", op, ErrInvalidUserID)
	}

	rec, found, err := e.store.Get(ctx, userID)
	if err != nil {
		return model.ScoreView{}, e.storageError(ctx, op, userID, err)
	}
	if !found {
		rec = e.policy.DefaultRecord(userID)
	}
	metrics.RecordScoreRead()
	return view(rec), nil
}

// ApplyRepayment folds one repayment into the user's score. On a version
// conflict the record is re-read and the same delta is applied to the fresh
// base, so an accepted event lands exactly once.
func (e *Engine) ApplyRepayment(ctx context.Context, ev model.RepaymentEvent) (model.UpdateResult, error) {
	const op = "scoring.apply_repayment"
	if err := validateEvent(ev); err != nil {
		metrics.RecordEngineError(Kind(err))
		return model.UpdateResult{}, fmt.Errorf("%s: %w", op, err)
	}
	delta := e.policy.Delta(ev.OnTime)

	current, found, err := e.store.Get(ctx, ev.UserID)
	if err != nil {
		return model.UpdateResult{}, e.storageError(ctx, op, ev.UserID, err)
	}
	if !found {
		current = model.ScoreRecord{UserID: ev.UserID}
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.UpdateResult{}, fmt.Errorf("%s: %w", op, err)
		}

		base := current
		if !base.Exists() {
			base = e.policy.DefaultRecord(ev.UserID)
		}
		next, bound, err := e.policy.Apply(base, ev, delta)
		if err != nil {
			metrics.RecordEngineError(Kind(err))
			return model.UpdateResult{}, fmt.Errorf("%s: %w", op, err)
		}
		next.UpdatedAt = e.now()

		var ok bool
		if current.Exists() {
			ok, current, err = e.store.CompareAndSet(ctx, ev.UserID, base.Version, next)
		} else {
			ok, current, err = e.store.Create(ctx, ev.UserID, next)
		}
		if err != nil {
			return model.UpdateResult{}, e.storageError(ctx, op, ev.UserID, err)
		}
		if ok {
			e.recordCommit(ev, base, next, bound, attempt)
			return model.UpdateResult{
				UserID:          ev.UserID,
				RepaymentAmount: ev.RepaymentAmount,
				OnTime:          ev.OnTime,
				OldScore:        base.Score,
				Delta:           delta,
				NewScore:        next.Score,
				Band:            types.BandFor(next.Score),
			}, nil
		}

		metrics.RecordCASConflict()
		e.logger.Debug(ctx, "score commit conflict",
			logger.String("userId", ev.UserID),
			logger.Int("attempt", attempt),
			logger.Uint64("expectedVersion", base.Version),
			logger.Uint64("currentVersion", current.Version),
		)
		if attempt < e.maxAttempts {
			if err := e.wait(ctx); err != nil {
				return model.UpdateResult{}, fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	metrics.RecordConcurrencyExhausted()
	metrics.RecordCommitAttempts(e.maxAttempts)
	metrics.RecordEngineError(Kind(ErrConcurrencyExhausted))
	e.logger.Warn(ctx, "score commit retries exhausted",
		logger.String("userId", ev.UserID),
		logger.Int("attempts", e.maxAttempts),
	)
	return model.UpdateResult{}, fmt.Errorf("%s: %w after %d attempts", op, ErrConcurrencyExhausted, e.maxAttempts)
}

func (e *Engine) recordCommit(ev model.RepaymentEvent, base, next model.ScoreRecord, bound string, attempts int) {
	metrics.RecordRepaymentApplied(ev.OnTime)
	metrics.RecordCommitAttempts(attempts)
	if bound != "" {
		metrics.RecordClampSaturation(bound)
	}
	from, to := types.BandFor(base.Score), types.BandFor(next.Score)
	if from != to {
		metrics.RecordBandTransition(from.String(), to.String())
	}
}

// wait sleeps a jittered backoff between commit attempts.
func (e *Engine) wait(ctx context.Context) error {
	if e.backoffMax <= 0 {
		return nil
	}
	d := e.backoffMin
	if span := e.backoffMax - e.backoffMin; span > 0 {
		d += time.Duration(rand.Int64N(int64(span)))
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

func (e *Engine) storageError(ctx context.Context, op, userID string, err error) error {
	metrics.RecordEngineError(Kind(ErrStorageUnavailable))
	metrics.RecordErrorByComponent("engine", "storage")
	e.logger.Error(ctx, "score store failed", logger.String("op", op), logger.String("userId", userID), logger.Error(err))
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func validateEvent(ev model.RepaymentEvent) error {
	if !ValidUserID(ev.UserID) {
		return ErrInvalidUserID
	}
	if !validAmount(ev.RepaymentAmount) {
		return fmt.Errorf("%w: repaymentAmount must be a positive number no greater than %g", ErrInvalidRequest, float64(MaxRepaymentAmount))
	}
	return nil
}

func view(rec model.ScoreRecord) model.ScoreView {
	factors := model.CloneFactors(rec.Factors)
	if factors == nil {
		factors = DefaultFactors()
	}
	return model.ScoreView{
		UserID:  rec.UserID,
		Score:   rec.Score,
		Band:    types.BandFor(rec.Score),
		Factors: factors,
	}
}
