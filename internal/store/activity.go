package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"growpilot/internal/model"
)

// GetTodayCounters returns the counters of now's UTC day, zeroed when no row exists yet.
func (d *DB) GetTodayCounters(ctx context.Context, accountID int64, now time.Time) (model.DailyCounters, error) {
	return d.GetCounters(ctx, accountID, model.Day(now))
}

// GetCounters returns the counters stored for day (YYYY-MM-DD).
func (d *DB) GetCounters(ctx context.Context, accountID int64, day string) (model.DailyCounters, error) {
	out := model.DailyCounters{AccountID: accountID, Day: day}
	row := d.sql.QueryRowContext(ctx, d.rebind(`SELECT follows, likes, stories_viewed FROM daily_counters WHERE account_id=? AND day=?`), accountID, day)
	if err := row.Scan(&out.Follows, &out.Likes, &out.StoriesViewed); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return out, err
	}
	return out, nil
}

// IncrementCounter adds one to the kind column of now's day row.
func (d *DB) IncrementCounter(ctx context.Context, accountID int64, kind model.CounterKind, now time.Time) error {
	var col string
	switch kind {
	case model.CounterFollows:
		col = "follows"
	case model.CounterLikes:
		col = "likes"
	case model.CounterStories:
		col = "stories_viewed"
	default:
		return fmt.Errorf("unknown counter %q", kind)
	}
	return d.exec(ctx, d.sql, `INSERT INTO daily_counters(account_id, day, `+col+`) VALUES(?,?,1)
	ON CONFLICT(account_id, day) DO UPDATE SET `+col+`=daily_counters.`+col+`+1`, accountID, model.Day(now))
}

// CountRecentSuccess counts successful entries of action in (now-window, now].
func (d *DB) CountRecentSuccess(ctx context.Context, accountID int64, action model.ActionType, window time.Duration, now time.Time) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM action_logs WHERE account_id=? AND action_type=? AND status=? AND created_at>? AND created_at<=?`),
		accountID, string(action), string(model.StatusSuccess), now.Add(-window).Unix(), now.Unix()).Scan(&n)
	return n, err
}

// AppendLog stores e and returns its id. A zero CreatedAt is stamped with the current time.
func (d *DB) AppendLog(ctx context.Context, e model.ActionLogEntry) (int64, error) {
	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var meta *string
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("metadata: %w", err)
		}
		s := string(b)
		meta = &s
	}
	var id int64
	err := d.sql.QueryRowContext(ctx, d.rebind(`INSERT INTO action_logs(account_id, action_type, target_username, target_url, status, error_message, metadata, created_at) VALUES(?,?,?,?,?,?,?,?) RETURNING id`),
		e.AccountID, string(e.Type), e.TargetUsername, e.TargetURL, string(e.Status), e.ErrorMessage, meta, ts.Unix()).Scan(&id)
	return id, err
}

// RecentLogs returns up to limit entries, newest first.
func (d *DB) RecentLogs(ctx context.Context, accountID int64, limit int) ([]model.ActionLogEntry, error) {
	rows, err := d.sql.QueryContext(ctx, d.rebind(`SELECT id, account_id, action_type, target_username, target_url, status, error_message, metadata, created_at FROM action_logs WHERE account_id=? ORDER BY created_at DESC, id DESC LIMIT ?`), accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

// LogsBetween returns entries with created_at in [start, end), oldest first.
func (d *DB) LogsBetween(ctx context.Context, accountID int64, start, end time.Time) ([]model.ActionLogEntry, error) {
	rows, err := d.sql.QueryContext(ctx, d.rebind(`SELECT id, account_id, action_type, target_username, target_url, status, error_message, metadata, created_at FROM action_logs WHERE account_id=? AND created_at>=? AND created_at<? ORDER BY created_at, id`), accountID, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

func scanLogs(rows *sql.Rows) ([]model.ActionLogEntry, error) {
	var out []model.ActionLogEntry
	for rows.Next() {
		var e model.ActionLogEntry
		var typ, status string
		var meta sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.AccountID, &typ, &e.TargetUsername, &e.TargetURL, &status, &e.ErrorMessage, &meta, &ts); err != nil {
			return nil, err
		}
		e.Type, e.Status = model.ActionType(typ), model.ActionStatus(status)
		if meta.Valid && meta.String != "" {
			// malformed metadata is dropped rather than failing the read
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		e.CreatedAt = fromUnix(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
