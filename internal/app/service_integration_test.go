package service_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	eventqueue "github.com/okian/creditscore/internal/adapters/mq/queue"
	repository "github.com/okian/creditscore/internal/adapters/repository"
	service "github.com/okian/creditscore/internal/app"
	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/scoring"
	"github.com/okian/creditscore/internal/domain/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestServiceIntegration(t *testing.T) {
	Convey("Given a started service on the memory store", t, func() {
		svc := service.New(
			service.WithWorkerCount(4),
			service.WithQueueSize(1000),
			service.WithEngineOptions(scoring.WithMaxAttempts(64)),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When applying repayments synchronously", func() {
			first, err1 := svc.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "alice", RepaymentAmount: 250, OnTime: true})
			second, err2 := svc.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "alice", RepaymentAmount: 80, OnTime: false})
			view, err3 := svc.GetScore(ctx, "alice")

			Convey("Then the score should reflect both", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(err3, ShouldBeNil)
				So(first.NewScore, ShouldEqual, 665)
				So(second.OldScore, ShouldEqual, 665)
				So(second.NewScore, ShouldEqual, 635)
				So(view.Score, ShouldEqual, 635)
				So(view.Band, ShouldEqual, types.BandFair)
				So(view.Factors[model.FactorRepaymentCount], ShouldEqual, 2)
				So(view.Factors[model.FactorOnTimeRatio], ShouldEqual, 0.5)
				So(view.Factors[model.FactorTotalRepaid], ShouldEqual, 330)
				So(svc.Stop(ctx), ShouldBeNil)
			})
		})

		Convey("When a batch is queued and the service stops", func() {
			const perUser = 10
			users := []string{"b1", "b2", "b3"}
			for _, u := range users {
				for i := 0; i < perUser; i++ {
					_, err := svc.Enqueue(ctx, model.RepaymentEvent{UserID: u, RepaymentAmount: 5, OnTime: true}, fmt.Sprintf("%s-%d", u, i))
					So(err, ShouldBeNil)
				}
			}
			So(svc.Stop(ctx), ShouldBeNil)
			stats := svc.GetStats(ctx)

			Convey("Then every job should have been applied before stop returned", func() {
				So(stats["processed"], ShouldEqual, int64(len(users)*perUser))
				So(stats["failed"], ShouldEqual, int64(0))
			})
		})

		Convey("When many callers repay the same user concurrently", func() {
			const n = 30
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := svc.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "hot", RepaymentAmount: 1, OnTime: true}); err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)
			view, err := svc.GetScore(ctx, "hot")

			Convey("Then no update should be lost", func() {
				for e := range errs {
					So(e, ShouldBeNil)
				}
				So(err, ShouldBeNil)
				So(view.Score, ShouldEqual, 850)
				So(view.Factors[model.FactorRepaymentCount], ShouldEqual, n)
				So(svc.Stop(ctx), ShouldBeNil)
			})
		})

		Convey("When a queued job is invalid", func() {
			So(svc.SeenAndRecord(ctx, "key-bad"), ShouldBeFalse)
			_, err := svc.Enqueue(ctx, model.RepaymentEvent{UserID: "bad id", RepaymentAmount: 5}, "key-bad")
			So(err, ShouldBeNil)
			So(svc.Stop(ctx), ShouldBeNil)

			Convey("Then it should count as failed and release its key", func() {
				So(svc.GetStats(ctx)["failed"], ShouldEqual, int64(1))
				So(svc.SeenAndRecord(ctx, "key-bad"), ShouldBeFalse)
			})
		})
	})
}

func TestServiceBackpressure(t *testing.T) {
	Convey("Given a service whose queue holds one job", t, func() {
		store := &slowStore{Store: repository.NewMemoryStore(context.Background()), release: make(chan struct{})}
		svc := service.New(service.WithStore(store), service.WithWorkerCount(1), service.WithQueueSize(1))
		ctx := context.Background()
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When more jobs arrive than the worker can take", func() {
			var full error
			for i := 0; i < 10 && full == nil; i++ {
				_, full = svc.Enqueue(ctx, model.RepaymentEvent{UserID: "slow", RepaymentAmount: 1, OnTime: true}, "")
			}
			close(store.release)
			So(svc.Stop(ctx), ShouldBeNil)

			Convey("Then the queue should push back with ErrFull", func() {
				So(errors.Is(full, eventqueue.ErrFull), ShouldBeTrue)
			})
		})
	})
}

func TestServiceSQLite(t *testing.T) {
	Convey("Given a service on a sqlite store", t, func() {
		dsn := filepath.Join(t.TempDir(), "svc.db")
		ctx := context.Background()
		svc := service.New(service.WithStoreConfig(repository.Config{Backend: repository.BackendSQLite, DSN: dsn}))
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When a repayment is applied and the service restarts", func() {
			_, err := svc.ApplyRepayment(ctx, model.RepaymentEvent{UserID: "persist", RepaymentAmount: 40, OnTime: true})
			So(err, ShouldBeNil)
			So(svc.Stop(ctx), ShouldBeNil)

			again := service.New(service.WithStoreConfig(repository.Config{Backend: repository.BackendSQLite, DSN: dsn}))
			So(again.Start(ctx), ShouldBeNil)
			view, err := again.GetScore(ctx, "persist")
			So(again.Stop(ctx), ShouldBeNil)

			Convey("Then the score should survive", func() {
				So(err, ShouldBeNil)
				So(view.Score, ShouldEqual, 665)
				So(view.Factors[model.FactorTotalRepaid], ShouldEqual, 40)
			})
		})
	})
}

// slowStore blocks reads until release is closed.
type slowStore struct {
	repository.Store
	release chan struct{}
}

func (s *slowStore) Get(ctx context.Context, userID string) (model.ScoreRecord, bool, error) {
	<-s.release
	return s.Store.Get(ctx, userID)
}
