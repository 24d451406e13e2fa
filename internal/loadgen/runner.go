package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/creditscore/internal/domain/types"
	"github.com/okian/creditscore/pkg/logger"
	"golang.org/x/sync/errgroup"
)

const (
	directoryPermission = 0o750
	settlePollInterval  = 100 * time.Millisecond
	amountTolerance     = 1e-6
	percentMultiplier   = 100
)

// Run executes a complete load run: health check, generation, concurrent
// submission, settling and verification. The returned error wraps
// ErrVerification when any user's final state is wrong.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	log := logger.Named("loadgen")
	stats := &Stats{StartTime: time.Now()}
	client := NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.MaxRetries)

	log.Info(ctx, "starting load run",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("mode", cfg.Mode),
		logger.Int("users", cfg.Users),
		logger.Int("eventsPerUser", cfg.EventsPerUser),
		logger.Int("workers", cfg.Workers),
		logger.Float64("lateRatio", cfg.LateRatio),
	)

	if err := client.Health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	events := Generate(cfg)
	stats.EventsGenerated = len(events)
	expect := Expect(cfg, events)

	var err error
	if cfg.Mode == ModeBatch {
		err = submitBatches(ctx, cfg, client, events, stats)
	} else {
		err = submitEach(ctx, cfg, client, events, stats)
	}
	if err != nil {
		return stats, fmt.Errorf("submission failed: %w", err)
	}

	views, err := settle(ctx, cfg, client, expect)
	if err != nil {
		return stats, err
	}
	verify(expect, views, stats)

	if cfg.OutputFile != "" {
		if err := saveEvents(cfg.OutputFile, events); err != nil {
			log.Warn(ctx, "failed to save events", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	report(ctx, log, stats, cfg.Verbose)

	if len(stats.Mismatches) > 0 {
		return stats, fmt.Errorf("%w: %d mismatches across %d users", ErrVerification, len(stats.Mismatches), stats.UsersVerified)
	}
	return stats, nil
}

func submitEach(ctx context.Context, cfg *Config, client *Client, events []Event, stats *Stats) error {
	var accepted, duplicate, failed, retries atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, ev := range events {
		g.Go(func() error {
			out, n, err := client.Submit(gctx, ev)
			retries.Add(int64(n))
			switch out {
			case OutcomeAccepted:
				accepted.Add(1)
			case OutcomeDuplicate:
				duplicate.Add(1)
			default:
				failed.Add(1)
			}
			return err
		})
	}
	err := g.Wait()

	stats.EventsAccepted = int(accepted.Load())
	stats.EventsDuplicate = int(duplicate.Load())
	stats.EventsFailed = int(failed.Load())
	stats.Retries = int(retries.Load())
	return err
}

func submitBatches(ctx context.Context, cfg *Config, client *Client, events []Event, stats *Stats) error {
	var mu sync.Mutex
	size := max(cfg.BatchSize, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for start := 0; start < len(events); start += size {
		chunk := events[start:min(start+size, len(events))]
		g.Go(func() error {
			acc, dup, n, err := client.SubmitBatch(gctx, chunk)
			mu.Lock()
			stats.EventsAccepted += acc
			stats.EventsDuplicate += dup
			stats.Retries += n
			if err != nil {
				stats.EventsFailed += len(chunk) - acc - dup
			}
			mu.Unlock()
			return err
		})
	}
	return g.Wait()
}

// settle polls every user until its repayment count matches or the settle
// timeout passes, then returns the last views read.
func settle(ctx context.Context, cfg *Config, client *Client, expect map[string]*Expectation) (map[string]ScoreView, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.SettleTimeout)
	defer cancel()

	views := make(map[string]ScoreView, len(expect))
	pending := make([]string, 0, len(expect))
	for id := range expect {
		pending = append(pending, id)
	}

	for {
		var mu sync.Mutex
		next := make([]string, 0)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(cfg.Workers, 1))
		for _, id := range pending {
			g.Go(func() error {
				view, err := client.Score(gctx, id)
				if err != nil {
					return err
				}
				mu.Lock()
				views[id] = view
				if int(view.Factors["repaymentCount"]) < expect[id].Repayments {
					next = append(next, id)
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return views, nil
			}
			return views, fmt.Errorf("reading scores failed: %w", err)
		}
		if len(next) == 0 {
			return views, nil
		}
		pending = next
		if err := sleep(ctx, settlePollInterval); err != nil {
			return views, nil
		}
	}
}

func verify(expect map[string]*Expectation, views map[string]ScoreView, stats *Stats) {
	ids := make([]string, 0, len(expect))
	for id := range expect {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := expect[id]
		v := views[id]
		stats.UsersVerified++
		check := func(field string, want, got float64) {
			if math.Abs(want-got) > amountTolerance*math.Max(1, math.Abs(want)) {
				stats.Mismatches = append(stats.Mismatches, Mismatch{UserID: id, Field: field, Want: want, Got: got})
			}
		}
		check("repaymentCount", float64(e.Repayments), v.Factors["repaymentCount"])
		check("onTimeCount", float64(e.OnTime), v.Factors["onTimeCount"])
		check("lateCount", float64(e.Late), v.Factors["lateCount"])
		check("totalRepaid", e.TotalRepaid, v.Factors["totalRepaid"])
		if e.Exact {
			stats.UsersExact++
			check("score", float64(e.Score), float64(v.Score))
		} else if !types.InRange(v.Score) {
			stats.Mismatches = append(stats.Mismatches, Mismatch{UserID: id, Field: "scoreRange", Want: types.MaxScore, Got: float64(v.Score)})
		}
	}
}

func saveEvents(filename string, events []Event) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	return nil
}

func report(ctx context.Context, log logger.Logger, stats *Stats, verbose bool) {
	var acceptRate, eventsPerSecond float64
	if stats.EventsGenerated > 0 {
		acceptRate = float64(stats.EventsAccepted) / float64(stats.EventsGenerated) * percentMultiplier
	}
	if stats.Duration > 0 {
		eventsPerSecond = float64(stats.EventsAccepted) / stats.Duration.Seconds()
	}
	log.Info(ctx, "final statistics",
		logger.Int("eventsGenerated", stats.EventsGenerated),
		logger.Int("eventsAccepted", stats.EventsAccepted),
		logger.Int("eventsDuplicate", stats.EventsDuplicate),
		logger.Int("eventsFailed", stats.EventsFailed),
		logger.Int("retries", stats.Retries),
		logger.Int("usersVerified", stats.UsersVerified),
		logger.Int("usersExact", stats.UsersExact),
		logger.Int("mismatches", len(stats.Mismatches)),
		logger.Duration("duration", stats.Duration),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("eventsPerSecond", eventsPerSecond),
	)
	if !verbose {
		return
	}
	for _, m := range stats.Mismatches {
		log.Warn(ctx, "mismatch",
			logger.String("userId", m.UserID),
			logger.String("field", m.Field),
			logger.Float64("want", m.Want),
			logger.Float64("got", m.Got),
		)
	}
}
