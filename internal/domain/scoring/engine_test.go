package scoring

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/types"
	"github.com/okian/creditscore/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

// mapStore is a minimal in-process Store for engine tests.
type mapStore struct {
	mu      sync.Mutex
	records map[string]model.ScoreRecord
	calls   atomic.Int64

	getErr       error
	alwaysReject bool
}

func newMapStore() *mapStore {
	return &mapStore{records: make(map[string]model.ScoreRecord)}
}

func (s *mapStore) Get(_ context.Context, id string) (model.ScoreRecord, bool, error) {
	s.calls.Add(1)
	if s.getErr != nil {
		return model.ScoreRecord{}, false, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec.Clone(), ok, nil
}

func (s *mapStore) Create(_ context.Context, id string, initial model.ScoreRecord) (bool, model.ScoreRecord, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[id]; ok || s.alwaysReject {
		return false, cur.Clone(), nil
	}
	initial.Version = 1
	s.records[id] = initial.Clone()
	return true, initial, nil
}

func (s *mapStore) CompareAndSet(_ context.Context, id string, expected uint64, next model.ScoreRecord) (bool, model.ScoreRecord, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok || cur.Version != expected || s.alwaysReject {
		return false, cur.Clone(), nil
	}
	next.Version = expected + 1
	s.records[id] = next.Clone()
	return true, next, nil
}

func (s *mapStore) put(id string, score int) {
	rec := DefaultPolicy().DefaultRecord(id)
	rec.Score = score
	rec.Band = types.BandFor(score)
	rec.Version = 1
	s.records[id] = rec
}

func TestEngineGet(t *testing.T) {
	Convey("Given an engine over an empty store", t, func() {
		store := newMapStore()
		e := NewEngine(store)
		ctx := context.Background()

		Convey("When reading an unknown user", func() {
			v, err := e.Get(ctx, "new-user")

			Convey("Then the default view should be returned without a write", func() {
				So(err, ShouldBeNil)
				So(v.Score, ShouldEqual, 650)
				So(v.Band, ShouldEqual, types.BandFair)
				So(v.Factors[model.FactorRepaymentCount], ShouldEqual, 0)
				So(len(store.records), ShouldEqual, 0)
			})

			Convey("Then a second read should be identical", func() {
				again, err := e.Get(ctx, "new-user")
				So(err, ShouldBeNil)
				So(again, ShouldResemble, v)
			})
		})

		Convey("When reading with a malformed id", func() {
			_, err := e.Get(ctx, "bad id")

			Convey("Then the store should not be touched", func() {
				So(errors.Is(err, ErrInvalidUserID), ShouldBeTrue)
				So(store.calls.Load(), ShouldEqual, 0)
			})
		})

		Convey("When the returned factors are mutated", func() {
			store.put("u1", 700)
			v, _ := e.Get(ctx, "u1")
			v.Factors[model.FactorRepaymentCount] = 42

			Convey("Then stored state should not change", func() {
				So(store.records["u1"].Factors[model.FactorRepaymentCount], ShouldEqual, 0)
			})
		})

		Convey("When the store fails", func() {
			store.getErr = errors.New("connection refused")
			_, err := e.Get(ctx, "u1")

			Convey("Then a storage error should surface", func() {
				So(errors.Is(err, ErrStorageUnavailable), ShouldBeTrue)
				So(Kind(err), ShouldEqual, "storage_unavailable")
			})
		})
	})
}

func TestEngineApplyRepayment(t *testing.T) {
	Convey("Given an engine over a store", t, func() {
		store := newMapStore()
		fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		e := NewEngine(store, WithClock(func() time.Time { return fixed }))
		ctx := context.Background()

		Convey("When an on-time repayment hits a user at 700", func() {
			store.put("u1", 700)
			res, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "u1", RepaymentAmount: 100, OnTime: true})

			Convey("Then the result should report 700 to 715", func() {
				So(err, ShouldBeNil)
				So(res.OldScore, ShouldEqual, 700)
				So(res.Delta, ShouldEqual, 15)
				So(res.NewScore, ShouldEqual, 715)
				So(res.Band, ShouldEqual, types.BandGood)
				So(store.records["u1"].Version, ShouldEqual, 2)
				So(store.records["u1"].UpdatedAt, ShouldEqual, fixed)
			})

			Convey("Then a late repayment should bring it to 685", func() {
				res, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "u1", RepaymentAmount: 50, OnTime: false})
				So(err, ShouldBeNil)
				So(res.OldScore, ShouldEqual, 715)
				So(res.NewScore, ShouldEqual, 685)
				So(res.Band, ShouldEqual, types.BandGood)
			})
		})

		Convey("When a late repayment hits a user at 700", func() {
			store.put("u2", 700)
			res, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "u2", RepaymentAmount: 100})

			Convey("Then the user should drop to the bottom of Good", func() {
				So(err, ShouldBeNil)
				So(res.NewScore, ShouldEqual, 670)
				So(res.Band, ShouldEqual, types.BandGood)
			})
		})

		Convey("When the score is near the ceiling", func() {
			store.put("u3", 845)
			res, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "u3", RepaymentAmount: 1, OnTime: true})

			Convey("Then it should clamp but report the requested delta", func() {
				So(err, ShouldBeNil)
				So(res.NewScore, ShouldEqual, 850)
				So(res.Delta, ShouldEqual, 15)
				So(res.Band, ShouldEqual, types.BandExcellent)
			})
		})

		Convey("When the score is near the floor", func() {
			store.put("u4", 310)
			res, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "u4", RepaymentAmount: 1})

			Convey("Then it should clamp at 300", func() {
				So(err, ShouldBeNil)
				So(res.NewScore, ShouldEqual, 300)
				So(res.Delta, ShouldEqual, -30)
				So(res.Band, ShouldEqual, types.BandPoor)
			})
		})

		Convey("When the first repayment arrives for an unknown user", func() {
			res, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "fresh", RepaymentAmount: 20, OnTime: true})

			Convey("Then the record should be created from the default", func() {
				So(err, ShouldBeNil)
				So(res.OldScore, ShouldEqual, 650)
				So(res.NewScore, ShouldEqual, 665)
				rec := store.records["fresh"]
				So(rec.Version, ShouldEqual, 1)
				So(rec.Factors[model.FactorRepaymentCount], ShouldEqual, 1)
			})
		})

		Convey("When the input is invalid", func() {
			cases := []struct {
				ev   model.RepaymentEvent
				kind error
			}{
				{model.RepaymentEvent{UserID: "", RepaymentAmount: 1}, ErrInvalidUserID},
				{model.RepaymentEvent{UserID: "u1", RepaymentAmount: 0}, ErrInvalidRequest},
				{model.RepaymentEvent{UserID: "u1", RepaymentAmount: -1}, ErrInvalidRequest},
			}

			Convey("Then it should be rejected before any store call", func() {
				for _, c := range cases {
					_, err := e.ApplyRepayment(ctx, c.ev)
					So(errors.Is(err, c.kind), ShouldBeTrue)
				}
				So(store.calls.Load(), ShouldEqual, 0)
			})
		})

		Convey("When two huge repayments arrive for one user", func() {
			store.put("big", 700)
			_, err1 := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "big", RepaymentAmount: 1e308, OnTime: true})
			_, err2 := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "big", RepaymentAmount: 1e308, OnTime: true})

			Convey("Then both should be rejected and the record left readable", func() {
				So(errors.Is(err1, ErrInvalidRequest), ShouldBeTrue)
				So(errors.Is(err2, ErrInvalidRequest), ShouldBeTrue)
				So(store.records["big"].Version, ShouldEqual, 1)
				v, err := e.Get(ctx, "big")
				So(err, ShouldBeNil)
				So(v.Factors[model.FactorTotalRepaid], ShouldEqual, 0)
			})
		})

		Convey("When repayments carry the largest accepted amount", func() {
			for i := 0; i < 2; i++ {
				_, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "cap", RepaymentAmount: MaxRepaymentAmount, OnTime: true})
				So(err, ShouldBeNil)
			}

			Convey("Then the running total should stay finite", func() {
				So(store.records["cap"].Factors[model.FactorTotalRepaid], ShouldEqual, 2*MaxRepaymentAmount)
			})
		})

		Convey("When a stored total is already non-finite", func() {
			store.put("bad", 700)
			rec := store.records["bad"]
			rec.Factors[model.FactorTotalRepaid] = math.Inf(1)
			store.records["bad"] = rec
			_, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "bad", RepaymentAmount: 1, OnTime: true})

			Convey("Then the update should be refused without a commit", func() {
				So(errors.Is(err, ErrInvalidRequest), ShouldBeTrue)
				So(store.records["bad"].Version, ShouldEqual, 1)
				So(store.records["bad"].Score, ShouldEqual, 700)
			})
		})

		Convey("When every commit loses", func() {
			store.put("u5", 700)
			store.alwaysReject = true
			e := NewEngine(store, WithMaxAttempts(3), WithRetryBackoff(0, 0))
			_, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "u5", RepaymentAmount: 1, OnTime: true})

			Convey("Then the call should fail retryable and leave state alone", func() {
				So(errors.Is(err, ErrConcurrencyExhausted), ShouldBeTrue)
				So(IsRetryable(err), ShouldBeTrue)
				So(store.records["u5"].Score, ShouldEqual, 700)
				So(store.records["u5"].Version, ShouldEqual, 1)
			})
		})

		Convey("When the context is already cancelled", func() {
			store.put("u6", 700)
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := e.ApplyRepayment(cctx, model.RepaymentEvent{UserID: "u6", RepaymentAmount: 1, OnTime: true})

			Convey("Then nothing should be committed", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				So(store.records["u6"].Version, ShouldEqual, 1)
			})
		})

		Convey("When the store fails", func() {
			store.getErr = errors.New("disk gone")
			_, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "u1", RepaymentAmount: 1, OnTime: true})

			Convey("Then a storage error should surface", func() {
				So(errors.Is(err, ErrStorageUnavailable), ShouldBeTrue)
				So(IsRetryable(err), ShouldBeFalse)
			})
		})
	})
}

func TestEngineConcurrentRepayments(t *testing.T) {
	Convey("Given many concurrent on-time repayments for one user", t, func() {
		const n = 40
		store := newMapStore()
		e := NewEngine(store, WithMaxAttempts(n+1), WithRetryBackoff(0, time.Millisecond))
		ctx := context.Background()

		var wg sync.WaitGroup
		var failures atomic.Int64
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "hot", RepaymentAmount: 10, OnTime: true}); err != nil {
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		Convey("Then every event should land exactly once", func() {
			So(failures.Load(), ShouldEqual, 0)
			v, err := e.Get(ctx, "hot")
			So(err, ShouldBeNil)
			So(v.Score, ShouldEqual, 850)
			So(v.Factors[model.FactorRepaymentCount], ShouldEqual, n)
			So(v.Factors[model.FactorTotalRepaid], ShouldEqual, 10*n)
			So(store.records["hot"].Version, ShouldEqual, n)
		})
	})

	Convey("Given concurrent mixed repayments on separate users", t, func() {
		store := newMapStore()
		e := NewEngine(store, WithMaxAttempts(20))
		ctx := context.Background()
		users := []string{"a1", "a2", "a3", "a4"}

		var wg sync.WaitGroup
		for _, u := range users {
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func(id string, onTime bool) {
					defer wg.Done()
					_, _ = e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: id, RepaymentAmount: 1, OnTime: onTime})
				}(u, i%2 == 0)
			}
		}
		wg.Wait()

		Convey("Then each user should reflect three on-time and two late", func() {
			for _, u := range users {
				v, err := e.Get(ctx, u)
				So(err, ShouldBeNil)
				So(v.Score, ShouldEqual, 650+3*15-2*30)
				So(v.Factors[model.FactorOnTimeCount], ShouldEqual, 3)
				So(v.Factors[model.FactorLateCount], ShouldEqual, 2)
			}
		})
	})
}

func TestEngineRandomWalkStaysInRange(t *testing.T) {
	Convey("Given a seeded stream of mixed repayments", t, func() {
		store := newMapStore()
		e := NewEngine(store)
		ctx := context.Background()
		rng := rand.New(rand.NewPCG(7, 42))

		var events []bool
		for i := 0; i < 40; i++ {
			events = append(events, false)
		}
		for i := 0; i < 60; i++ {
			events = append(events, true)
		}
		for i := 0; i < 400; i++ {
			events = append(events, rng.IntN(3) != 0)
		}
		for i := 0; i < 40; i++ {
			events = append(events, false)
		}

		Convey("Then every committed score should be in range with a matching band", func() {
			prev := DefaultStartingScore
			for i, onTime := range events {
				amount := 1 + rng.Float64()*1000
				res, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "walk", RepaymentAmount: amount, OnTime: onTime})
				So(err, ShouldBeNil)
				So(res.OldScore, ShouldEqual, prev)
				So(types.InRange(res.NewScore), ShouldBeTrue)
				So(res.Band, ShouldEqual, types.BandFor(res.NewScore))
				So(store.records["walk"].Version, ShouldEqual, i+1)
				prev = res.NewScore
			}
			So(store.records["walk"].Factors[model.FactorRepaymentCount], ShouldEqual, len(events))
		})

		Convey("Then long streaks should pin the score to each bound", func() {
			for _, onTime := range events[:100] {
				_, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "streak", RepaymentAmount: 5, OnTime: onTime})
				So(err, ShouldBeNil)
				if store.records["streak"].Factors[model.FactorRepaymentCount] == 40 {
					So(store.records["streak"].Score, ShouldEqual, types.MinScore)
				}
			}
			So(store.records["streak"].Score, ShouldEqual, types.MaxScore)
		})
	})
}

func TestEngineOptions(t *testing.T) {
	Convey("Given engine options", t, func() {
		store := newMapStore()

		Convey("When an invalid policy is supplied", func() {
			e := NewEngine(store, WithPolicy(Policy{DefaultScore: 10}))

			Convey("Then the default policy should remain", func() {
				So(e.Policy(), ShouldResemble, DefaultPolicy())
			})
		})

		Convey("When a custom policy is supplied", func() {
			e := NewEngine(store, WithPolicy(Policy{DefaultScore: 700, OnTimeDelta: 5, LateDelta: -10}))
			res, err := e.ApplyRepayment(context.Background(), model.RepaymentEvent{UserID: "p1", RepaymentAmount: 1, OnTime: true})

			Convey("Then it should drive the result", func() {
				So(err, ShouldBeNil)
				So(res.OldScore, ShouldEqual, 700)
				So(res.NewScore, ShouldEqual, 705)
			})
		})

		Convey("When nonsense values are supplied", func() {
			e := NewEngine(store, WithMaxAttempts(0), WithRetryBackoff(time.Second, time.Millisecond), WithLogger(nil), WithClock(nil))

			Convey("Then defaults should be kept", func() {
				So(e.maxAttempts, ShouldEqual, defaultMaxAttempts)
				So(e.backoffMin, ShouldEqual, defaultBackoffMin)
				So(e.backoffMax, ShouldEqual, defaultBackoffMax)
				So(e.now, ShouldNotBeNil)
				So(e.logger, ShouldNotBeNil)
			})
		})
	})
}
