package store

import (
	"context"
	"time"

	"growpilot/internal/model"
)

// UpsertAnalytics writes the rollup row of a.Day.
func (d *DB) UpsertAnalytics(ctx context.Context, a model.Analytics) error {
	ts := a.UpdatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return d.exec(ctx, d.sql, `INSERT INTO analytics(account_id, day, total_follows, total_likes, total_stories_viewed, follower_count, following_count, updated_at)
	VALUES(?,?,?,?,?,?,?,?)
	ON CONFLICT(account_id, day) DO UPDATE SET
	  total_follows=excluded.total_follows,
	  total_likes=excluded.total_likes,
	  total_stories_viewed=excluded.total_stories_viewed,
	  follower_count=excluded.follower_count,
	  following_count=excluded.following_count,
	  updated_at=excluded.updated_at`,
		a.AccountID, a.Day, a.TotalFollows, a.TotalLikes, a.TotalStoriesViewed, a.FollowerCount, a.FollowingCount, ts.Unix())
}

// AnalyticsHistory returns rollups for the days in [since, today], oldest first.
func (d *DB) AnalyticsHistory(ctx context.Context, accountID int64, since time.Time) ([]model.Analytics, error) {
	rows, err := d.sql.QueryContext(ctx, d.rebind(`SELECT account_id, day, total_follows, total_likes, total_stories_viewed, follower_count, following_count, updated_at FROM analytics WHERE account_id=? AND day>=? ORDER BY day`), accountID, model.Day(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Analytics
	for rows.Next() {
		var a model.Analytics
		var ts int64
		if err := rows.Scan(&a.AccountID, &a.Day, &a.TotalFollows, &a.TotalLikes, &a.TotalStoriesViewed, &a.FollowerCount, &a.FollowingCount, &ts); err != nil {
			return nil, err
		}
		a.UpdatedAt = fromUnix(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Accounts lists every stored account id.
func (d *DB) Accounts(ctx context.Context) ([]int64, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT account_id FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
