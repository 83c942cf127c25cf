package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"growpilot/internal/model"
)

// GetAccount returns the stored account or nil when none exists.
func (d *DB) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	row := d.sql.QueryRowContext(ctx, d.rebind(`SELECT account_id, username, password_hash, session_blob, is_active, last_login_at, follower_count, following_count, created_at, updated_at FROM accounts WHERE account_id=?`), accountID)
	var a model.Account
	var lastLogin sql.NullInt64
	var created, updated int64
	if err := row.Scan(&a.AccountID, &a.Username, &a.PasswordHash, &a.SessionBlob, &a.IsActive, &lastLogin, &a.FollowerCount, &a.FollowingCount, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.LastLoginAt = timePtr(lastLogin)
	a.CreatedAt, a.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &a, nil
}

// UpsertAccount creates the account row or overwrites its mutable fields.
// An empty PasswordHash keeps the stored one.
func (d *DB) UpsertAccount(ctx context.Context, a model.Account) error {
	now := time.Now().UTC().Unix()
	return d.exec(ctx, d.sql, `INSERT INTO accounts(account_id, username, password_hash, session_blob, is_active, last_login_at, follower_count, following_count, created_at, updated_at)
	VALUES(?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(account_id) DO UPDATE SET
	  username=excluded.username,
	  password_hash=CASE WHEN excluded.password_hash='' THEN accounts.password_hash ELSE excluded.password_hash END,
	  session_blob=excluded.session_blob,
	  is_active=excluded.is_active,
	  last_login_at=excluded.last_login_at,
	  follower_count=excluded.follower_count,
	  following_count=excluded.following_count,
	  updated_at=excluded.updated_at`,
		a.AccountID, a.Username, a.PasswordHash, a.SessionBlob, a.IsActive, unixOrNil(a.LastLoginAt), a.FollowerCount, a.FollowingCount, now, now)
}

// UpdateSession stores a freshly serialized session and the identity counts read alongside it.
func (d *DB) UpdateSession(ctx context.Context, accountID int64, blob string, loginAt time.Time, followers, following int) error {
	return d.exec(ctx, d.sql, `UPDATE accounts SET session_blob=?, last_login_at=?, follower_count=?, following_count=?, updated_at=? WHERE account_id=?`,
		blob, loginAt.Unix(), followers, following, time.Now().UTC().Unix(), accountID)
}

// GetConfig returns the stored bot config or nil when the account never saved one.
func (d *DB) GetConfig(ctx context.Context, accountID int64) (*model.BotConfig, error) {
	row := d.sql.QueryRowContext(ctx, d.rebind(`SELECT account_id, likes_per_hour, follows_per_day, min_delay_seconds, max_delay_seconds, enable_follows, enable_likes, is_running, last_started_at, last_stopped_at, created_at, updated_at FROM bot_configs WHERE account_id=?`), accountID)
	var c model.BotConfig
	var started, stopped sql.NullInt64
	var created, updated int64
	if err := row.Scan(&c.AccountID, &c.LikesPerHour, &c.FollowsPerDay, &c.MinDelaySeconds, &c.MaxDelaySeconds, &c.EnableFollows, &c.EnableLikes, &c.IsRunning, &started, &stopped, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.LastStartedAt, c.LastStoppedAt = timePtr(started), timePtr(stopped)
	c.CreatedAt, c.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &c, nil
}

// UpsertConfig writes the whole config row for c.AccountID.
func (d *DB) UpsertConfig(ctx context.Context, c model.BotConfig) error {
	now := time.Now().UTC().Unix()
	return d.exec(ctx, d.sql, `INSERT INTO bot_configs(account_id, likes_per_hour, follows_per_day, min_delay_seconds, max_delay_seconds, enable_follows, enable_likes, is_running, last_started_at, last_stopped_at, created_at, updated_at)
	VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(account_id) DO UPDATE SET
	  likes_per_hour=excluded.likes_per_hour,
	  follows_per_day=excluded.follows_per_day,
	  min_delay_seconds=excluded.min_delay_seconds,
	  max_delay_seconds=excluded.max_delay_seconds,
	  enable_follows=excluded.enable_follows,
	  enable_likes=excluded.enable_likes,
	  is_running=excluded.is_running,
	  last_started_at=excluded.last_started_at,
	  last_stopped_at=excluded.last_stopped_at,
	  updated_at=excluded.updated_at`,
		c.AccountID, c.LikesPerHour, c.FollowsPerDay, c.MinDelaySeconds, c.MaxDelaySeconds, c.EnableFollows, c.EnableLikes, c.IsRunning, unixOrNil(c.LastStartedAt), unixOrNil(c.LastStoppedAt), now, now)
}

// SetRunning flips the running flag and stamps the matching start/stop time,
// creating a default config row when the account has none.
func (d *DB) SetRunning(ctx context.Context, accountID int64, running bool, at time.Time) error {
	c, err := d.GetConfig(ctx, accountID)
	if err != nil {
		return err
	}
	if c == nil {
		def := model.DefaultBotConfig(accountID)
		c = &def
	}
	c.IsRunning = running
	if running {
		c.LastStartedAt = &at
	} else {
		c.LastStoppedAt = &at
	}
	return d.UpsertConfig(ctx, *c)
}

// RunningAccounts lists accounts whose config still says running, e.g. after a crash.
func (d *DB) RunningAccounts(ctx context.Context) ([]int64, error) {
	rows, err := d.sql.QueryContext(ctx, d.rebind(`SELECT account_id FROM bot_configs WHERE is_running=? ORDER BY account_id`), true)
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
