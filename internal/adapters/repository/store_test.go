package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/scoring"
	"github.com/okian/creditscore/internal/domain/types"
	"github.com/okian/creditscore/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

func sampleRecord(score int) model.ScoreRecord {
	return model.ScoreRecord{
		Score:     score,
		Band:      types.BandFor(score),
		Factors:   map[string]float64{model.FactorRepaymentCount: 1, model.FactorTotalRepaid: 12.5},
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "scores.db")
	s, err := NewSQLStore(context.Background(), BackendSQLite, dsn)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// storeFactories lists the backends available to this test run. Redis runs
// only when CREDITSCORE_TEST_REDIS_ADDR points at a server.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	out := map[string]func() Store{
		BackendMemory: func() Store {
			s := NewMemoryStore(context.Background(), WithShardCount(4))
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		BackendSQLite: func() Store { return newSQLiteStore(t) },
	}
	if addr := os.Getenv("CREDITSCORE_TEST_REDIS_ADDR"); addr != "" {
		out[BackendRedis] = func() Store {
			prefix := "creditscore:test:" + time.Now().Format("150405.000000000") + ":"
			s, err := NewRedisStore(context.Background(), NewRedisClient(addr, "", 0), WithKeyPrefix(prefix), WithOwnedClient())
			if err != nil {
				t.Fatalf("open redis store: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return out
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		Convey("Given a "+name+" store", t, func() {
			s := factory()
			So(s.Ping(ctx), ShouldBeNil)

			Convey("When reading an unknown user", func() {
				_, found, err := s.Get(ctx, "nobody")

				Convey("Then it should be absent without error", func() {
					So(err, ShouldBeNil)
					So(found, ShouldBeFalse)
				})
			})

			Convey("When creating a record", func() {
				ok, cur, err := s.Create(ctx, "u1", sampleRecord(665))

				Convey("Then it should be stored at version 1", func() {
					So(err, ShouldBeNil)
					So(ok, ShouldBeTrue)
					So(cur.Version, ShouldEqual, 1)

					got, found, err := s.Get(ctx, "u1")
					So(err, ShouldBeNil)
					So(found, ShouldBeTrue)
					So(got.UserID, ShouldEqual, "u1")
					So(got.Score, ShouldEqual, 665)
					So(got.Band, ShouldEqual, types.BandFair)
					So(got.Factors[model.FactorTotalRepaid], ShouldEqual, 12.5)
					So(got.UpdatedAt.Equal(sampleRecord(0).UpdatedAt), ShouldBeTrue)

					n, err := s.Count(ctx)
					So(err, ShouldBeNil)
					So(n, ShouldEqual, 1)
				})

				Convey("Then a second create should lose and return the winner", func() {
					ok, cur, err := s.Create(ctx, "u1", sampleRecord(300))
					So(err, ShouldBeNil)
					So(ok, ShouldBeFalse)
					So(cur.Score, ShouldEqual, 665)
					So(cur.Version, ShouldEqual, 1)
				})

				Convey("Then a matching compare-and-set should bump the version", func() {
					ok, cur, err := s.CompareAndSet(ctx, "u1", 1, sampleRecord(680))
					So(err, ShouldBeNil)
					So(ok, ShouldBeTrue)
					So(cur.Version, ShouldEqual, 2)

					got, _, _ := s.Get(ctx, "u1")
					So(got.Score, ShouldEqual, 680)
					So(got.Version, ShouldEqual, 2)
				})

				Convey("Then a stale compare-and-set should fail and report current", func() {
					_, _, _ = s.CompareAndSet(ctx, "u1", 1, sampleRecord(680))
					ok, cur, err := s.CompareAndSet(ctx, "u1", 1, sampleRecord(700))
					So(err, ShouldBeNil)
					So(ok, ShouldBeFalse)
					So(cur.Version, ShouldEqual, 2)
					So(cur.Score, ShouldEqual, 680)
				})
			})

			Convey("When compare-and-set targets a missing user", func() {
				ok, cur, err := s.CompareAndSet(ctx, "ghost", 1, sampleRecord(700))

				Convey("Then it should fail with a zero record", func() {
					So(err, ShouldBeNil)
					So(ok, ShouldBeFalse)
					So(cur.Exists(), ShouldBeFalse)
				})
			})

			Convey("When a returned record is mutated", func() {
				_, _, _ = s.Create(ctx, "u2", sampleRecord(700))
				got, _, _ := s.Get(ctx, "u2")
				got.Factors[model.FactorRepaymentCount] = 99

				Convey("Then stored state should not change", func() {
					again, _, _ := s.Get(ctx, "u2")
					So(again.Factors[model.FactorRepaymentCount], ShouldEqual, 1)
				})
			})
		})
	}
}

func TestStoreWithEngineUnderContention(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		Convey("Given an engine over a "+name+" store", t, func() {
			const n = 25
			s := factory()
			e := scoring.NewEngine(s, scoring.WithMaxAttempts(n+1), scoring.WithRetryBackoff(0, 2*time.Millisecond))

			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := e.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "contended", RepaymentAmount: 5, OnTime: true}); err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)

			Convey("Then every repayment should be applied once", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				v, err := e.Get(ctx, "contended")
				So(err, ShouldBeNil)
				So(v.Score, ShouldEqual, 850)
				So(v.Factors[model.FactorRepaymentCount], ShouldEqual, n)

				rec, _, err := s.Get(ctx, "contended")
				So(err, ShouldBeNil)
				So(rec.Version, ShouldEqual, n)
			})
		})
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	Convey("Given a memory store", t, func() {
		s := NewMemoryStore(context.Background(), WithShardCount(0), WithMetricsUpdateInterval(time.Millisecond))

		Convey("Then invalid options should keep defaults", func() {
			So(len(s.shards), ShouldEqual, defaultShardCount)
		})

		Convey("When the metrics updater has run", func() {
			_, _, _ = s.Create(context.Background(), "m1", sampleRecord(700))
			time.Sleep(5 * time.Millisecond)

			Convey("Then closing should stop it cleanly", func() {
				So(s.Close(), ShouldBeNil)
				So(s.Close(), ShouldBeNil)
			})
		})

		Convey("When the store is closed", func() {
			_ = s.Close()

			Convey("Then operations should fail with ErrClosed", func() {
				_, _, err := s.Get(context.Background(), "m1")
				So(errors.Is(err, ErrClosed), ShouldBeTrue)
				_, _, err = s.Create(context.Background(), "m1", sampleRecord(700))
				So(errors.Is(err, ErrClosed), ShouldBeTrue)
				_, _, err = s.CompareAndSet(context.Background(), "m1", 1, sampleRecord(700))
				So(errors.Is(err, ErrClosed), ShouldBeTrue)
				So(errors.Is(s.Ping(context.Background()), ErrClosed), ShouldBeTrue)
			})
		})
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	Convey("Given store configurations", t, func() {
		Convey("When the backend is memory or empty", func() {
			s, err := Open(ctx, Config{ShardCount: 2})

			Convey("Then a memory store should be returned", func() {
				So(err, ShouldBeNil)
				So(s.Backend(), ShouldEqual, BackendMemory)
				So(s.Close(), ShouldBeNil)
			})
		})

		Convey("When the backend is sqlite", func() {
			s, err := Open(ctx, Config{Backend: BackendSQLite, DSN: filepath.Join(t.TempDir(), "open.db")})

			Convey("Then a sql store should be returned", func() {
				So(err, ShouldBeNil)
				So(s.Backend(), ShouldEqual, BackendSQLite)
				So(s.Close(), ShouldBeNil)
			})
		})

		Convey("When the sql dsn is missing", func() {
			_, err := Open(ctx, Config{Backend: BackendPostgres})

			Convey("Then it should fail", func() {
				So(errors.Is(err, ErrMissingDSN), ShouldBeTrue)
			})
		})

		Convey("When the backend is unknown", func() {
			_, err := Open(ctx, Config{Backend: "cassandra"})

			Convey("Then it should fail", func() {
				So(errors.Is(err, ErrUnknownBackend), ShouldBeTrue)
			})
		})
	})
}

func TestRedisCodec(t *testing.T) {
	Convey("Given an encoded record", t, func() {
		raw, err := encodeRecord(sampleRecord(742), 7)
		So(err, ShouldBeNil)

		Convey("When decoding it", func() {
			rec, err := decodeRecord("u9", raw)

			Convey("Then the fields should survive", func() {
				So(err, ShouldBeNil)
				So(rec.UserID, ShouldEqual, "u9")
				So(rec.Score, ShouldEqual, 742)
				So(rec.Band, ShouldEqual, types.BandVeryGood)
				So(rec.Version, ShouldEqual, 7)
			})
		})

		Convey("When decoding garbage", func() {
			_, err := decodeRecord("u9", []byte("{"))

			Convey("Then it should be a corrupt record error", func() {
				So(errors.Is(err, ErrCorruptRecord), ShouldBeTrue)
			})
		})
	})
}

// sliceIterator replays a fixed SCAN result.
type sliceIterator struct {
	keys []string
	pos  int
	err  error
}

func (it *sliceIterator) Next(context.Context) bool {
	if it.pos >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Val() string { return it.keys[it.pos-1] }

func (it *sliceIterator) Err() error { return it.err }

func TestRedisCountDistinct(t *testing.T) {
	Convey("Given a scan that repeats keys", t, func() {
		ctx := context.Background()
		it := &sliceIterator{keys: []string{"score:a", "score:b", "score:a", "score:c", "score:b"}}

		Convey("When counting", func() {
			n, err := countDistinct(ctx, it)

			Convey("Then each key should count once", func() {
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 3)
			})
		})

		Convey("When the scan fails", func() {
			it.err = errors.New("connection reset")
			n, err := countDistinct(ctx, it)

			Convey("Then the error should surface", func() {
				So(err, ShouldNotBeNil)
				So(n, ShouldEqual, 0)
			})
		})
	})
}
