package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"growpilot/internal/analytics"
	"growpilot/internal/logging"
	"growpilot/internal/metrics"
	"growpilot/internal/model"
)

// Store is the persistence the rollup reads and writes.
type Store interface {
	Accounts(ctx context.Context) ([]int64, error)
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	GetCounters(ctx context.Context, accountID int64, day string) (model.DailyCounters, error)
	UpsertAnalytics(ctx context.Context, a model.Analytics) error
}

// RunRollupOnce writes the analytics rows of today and yesterday for every stored
// account. Yesterday is included so its row gets the counts made after the last
// run before midnight. It returns the number of rows written.
func RunRollupOnce(ctx context.Context, db Store, now time.Time) (int, error) {
	ids, err := db.Accounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	days := []string{model.Day(now.Add(-24 * time.Hour)), model.Day(now)}
	n := 0
	for _, id := range ids {
		acc, err := db.GetAccount(ctx, id)
		if err != nil {
			return n, fmt.Errorf("account %d: %w", id, err)
		}
		for _, day := range days {
			c, err := db.GetCounters(ctx, id, day)
			if err != nil {
				return n, fmt.Errorf("counters %d %s: %w", id, day, err)
			}
			if err := db.UpsertAnalytics(ctx, analytics.Rollup(c, acc, now)); err != nil {
				return n, fmt.Errorf("store analytics %d %s: %w", id, day, err)
			}
			n++
		}
	}
	return n, nil
}

// StartRollup schedules RunRollupOnce on schedule (standard cron syntax or
// descriptors such as "@every 15m", evaluated in UTC). The scheduler stops
// when ctx is cancelled.
func StartRollup(ctx context.Context, db Store, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(schedule, func() {
		metrics.RollupRuns.Inc()
		n, err := RunRollupOnce(ctx, db, time.Now())
		if err != nil {
			logging.Error("rollup_error", map[string]any{"error": err.Error()})
			return
		}
		logging.Info("rollup_once", map[string]any{"rows": n})
	})
	if err != nil {
		return nil, fmt.Errorf("rollup schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		logging.Info("rollup_stop", nil)
	}()
	return c, nil
}
