package quota

import (
	"context"
	"time"

	"growpilot/internal/model"
)

// Counts is the part of the store the limiter reads.
type Counts interface {
	GetTodayCounters(ctx context.Context, accountID int64, now time.Time) (model.DailyCounters, error)
	CountRecentSuccess(ctx context.Context, accountID int64, action model.ActionType, window time.Duration, now time.Time) (int, error)
}

// LikeWindow is the trailing window likes are counted over.
const LikeWindow = time.Hour

// Quota is one evaluation of the account's budgets.
type Quota struct {
	FollowsToday       int
	LikesLastHour      int
	FollowLimitReached bool
	LikeLimitReached   bool
}

// Limiter answers whether the hourly like and daily follow budgets are spent.
//
// The two budgets are measured differently: follows use today's fixed UTC-day
// counter row, likes use a sliding 60 minute window over successful like log
// entries. A burst of likes just before the hour boundary therefore still counts
// against the next hour, while follows reset at midnight UTC regardless of when
// they happened.
type Limiter struct {
	db Counts
}

func New(db Counts) *Limiter { return &Limiter{db: db} }

// DailyFollowCount reads today's follow counter.
func (l *Limiter) DailyFollowCount(ctx context.Context, accountID int64, now time.Time) (int, error) {
	c, err := l.db.GetTodayCounters(ctx, accountID, now)
	if err != nil {
		return 0, err
	}
	return c.Follows, nil
}

// HourlyLikeCount counts successful likes within the trailing hour.
func (l *Limiter) HourlyLikeCount(ctx context.Context, accountID int64, now time.Time) (int, error) {
	return l.db.CountRecentSuccess(ctx, accountID, model.ActionLike, LikeWindow, now)
}

// Check evaluates both budgets of cfg at now.
func (l *Limiter) Check(ctx context.Context, cfg model.BotConfig, now time.Time) (Quota, error) {
	var q Quota
	var err error
	if q.FollowsToday, err = l.DailyFollowCount(ctx, cfg.AccountID, now); err != nil {
		return q, err
	}
	if q.LikesLastHour, err = l.HourlyLikeCount(ctx, cfg.AccountID, now); err != nil {
		return q, err
	}
	q.FollowLimitReached = q.FollowsToday >= cfg.FollowsPerDay
	q.LikeLimitReached = q.LikesLastHour >= cfg.LikesPerHour
	return q, nil
}
