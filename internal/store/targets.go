package store

import (
	"context"
	"database/sql"
	"time"

	"growpilot/internal/model"
)

const targetCols = `id, account_id, username, category, is_active, last_scraped_at, follower_count, created_at, updated_at`

// ListTargets returns every target of the account in insertion order.
func (d *DB) ListTargets(ctx context.Context, accountID int64) ([]model.TargetAccount, error) {
	return d.queryTargets(ctx, `SELECT `+targetCols+` FROM target_accounts WHERE account_id=? ORDER BY id`, accountID)
}

// GetActiveTargets returns the targets the scraper may pick from.
func (d *DB) GetActiveTargets(ctx context.Context, accountID int64) ([]model.TargetAccount, error) {
	return d.queryTargets(ctx, `SELECT `+targetCols+` FROM target_accounts WHERE account_id=? AND is_active=? ORDER BY id`, accountID, true)
}

func (d *DB) queryTargets(ctx context.Context, q string, args ...any) ([]model.TargetAccount, error) {
	rows, err := d.sql.QueryContext(ctx, d.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TargetAccount
	for rows.Next() {
		var t model.TargetAccount
		var scraped sql.NullInt64
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Username, &t.Category, &t.IsActive, &scraped, &t.FollowerCount, &created, &updated); err != nil {
			return nil, err
		}
		t.LastScrapedAt = timePtr(scraped)
		t.CreatedAt, t.UpdatedAt = fromUnix(created), fromUnix(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddTarget stores an active target. Adding an existing username reactivates it.
func (d *DB) AddTarget(ctx context.Context, accountID int64, username, category string) (int64, error) {
	now := time.Now().UTC().Unix()
	var id int64
	err := d.sql.QueryRowContext(ctx, d.rebind(`INSERT INTO target_accounts(account_id, username, category, is_active, created_at, updated_at) VALUES(?,?,?,?,?,?)
	ON CONFLICT(account_id, username) DO UPDATE SET category=excluded.category, is_active=excluded.is_active, updated_at=excluded.updated_at
	RETURNING id`), accountID, username, category, true, now, now).Scan(&id)
	return id, err
}

// DeleteTarget removes a target; it reports whether a row belonged to the account.
func (d *DB) DeleteTarget(ctx context.Context, accountID, id int64) (bool, error) {
	res, err := d.sql.ExecContext(ctx, d.rebind(`DELETE FROM target_accounts WHERE account_id=? AND id=?`), accountID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetTargetActive toggles whether the scraper may pick the target.
func (d *DB) SetTargetActive(ctx context.Context, accountID, id int64, active bool) (bool, error) {
	res, err := d.sql.ExecContext(ctx, d.rebind(`UPDATE target_accounts SET is_active=?, updated_at=? WHERE account_id=? AND id=?`), active, time.Now().UTC().Unix(), accountID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchTarget records a scrape of the target.
func (d *DB) TouchTarget(ctx context.Context, id int64, at time.Time, followerCount int) error {
	return d.exec(ctx, d.sql, `UPDATE target_accounts SET last_scraped_at=?, follower_count=?, updated_at=? WHERE id=?`, at.Unix(), followerCount, at.Unix(), id)
}
