package loadgen

import (
	"math"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/okian/creditscore/internal/domain/types"
)

const (
	minAmount = 10.0
	maxAmount = 5000.0
)

// Generate builds cfg.Users users with cfg.EventsPerUser events each. Every
// event carries a fresh idempotency key.
func Generate(cfg *Config) []Event {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	events := make([]Event, 0, cfg.Users*cfg.EventsPerUser)
	for u := 0; u < cfg.Users; u++ {
		userID := "lg-" + uuid.NewString()
		for i := 0; i < cfg.EventsPerUser; i++ {
			amount := minAmount + rng.Float64()*(maxAmount-minAmount)
			events = append(events, Event{
				UserID:          userID,
				RepaymentAmount: math.Round(amount*100) / 100,
				OnTime:          rng.Float64() >= cfg.LateRatio,
				IdempotencyKey:  uuid.NewString(),
			})
		}
	}
	// Interleave users so concurrent submitters contend on the same records.
	rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
	return events
}

// Expectation is what a user's record must look like once every event for
// that user has been applied.
type Expectation struct {
	UserID      string
	Repayments  int
	OnTime      int
	Late        int
	TotalRepaid float64

	// Score is exact when Exact is true. Otherwise the clamp makes the
	// final score order dependent and only the bounds are checked.
	Score int
	Exact bool
}

// Expect folds events into per-user expectations.
func Expect(cfg *Config, events []Event) map[string]*Expectation {
	out := make(map[string]*Expectation)
	gains := make(map[string]int)
	losses := make(map[string]int)
	for _, ev := range events {
		e, ok := out[ev.UserID]
		if !ok {
			e = &Expectation{UserID: ev.UserID}
			out[ev.UserID] = e
		}
		e.Repayments++
		e.TotalRepaid += ev.RepaymentAmount
		delta := cfg.LateDelta
		if ev.OnTime {
			e.OnTime++
			delta = cfg.OnTimeDelta
		} else {
			e.Late++
		}
		if delta > 0 {
			gains[ev.UserID] += delta
		} else {
			losses[ev.UserID] += delta
		}
	}

	for id, e := range out {
		up, down := gains[id], losses[id]
		switch {
		case down == 0:
			e.Score, e.Exact = min(types.MaxScore, cfg.DefaultScore+up), true
		case up == 0:
			e.Score, e.Exact = max(types.MinScore, cfg.DefaultScore+down), true
		case cfg.DefaultScore+up <= types.MaxScore && cfg.DefaultScore+down >= types.MinScore:
			// No ordering of these events can touch a bound.
			e.Score, e.Exact = cfg.DefaultScore+up+down, true
		}
	}
	return out
}
