package store

import (
	"context"
	"database/sql"
	"time"

	"growpilot/internal/model"
)

// EnqueueCandidates inserts cs as unprocessed rows in slice order. Duplicates are kept.
func (d *DB) EnqueueCandidates(ctx context.Context, cs []model.Candidate) (int, error) {
	if len(cs) == 0 {
		return 0, nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Unix()
	for _, c := range cs {
		created := now
		if !c.CreatedAt.IsZero() {
			created = c.CreatedAt.Unix()
		}
		if err := d.exec(ctx, tx, `INSERT INTO candidates(account_id, username, remote_id, source_type, source_account, processed, followed, liked, created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
			c.AccountID, c.Username, c.RemoteID, string(c.SourceType), c.SourceAccount, false, false, false, created); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(cs), nil
}

// DequeueUnprocessed returns the oldest unprocessed candidates without claiming them.
func (d *DB) DequeueUnprocessed(ctx context.Context, accountID int64, limit int) ([]model.Candidate, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := d.sql.QueryContext(ctx, d.rebind(`SELECT id, account_id, username, remote_id, source_type, source_account, processed, followed, liked, processed_at, created_at FROM candidates WHERE account_id=? AND processed=? ORDER BY id LIMIT ?`), accountID, false, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		var src string
		var processedAt sql.NullInt64
		var created int64
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Username, &c.RemoteID, &src, &c.SourceAccount, &c.Processed, &c.Followed, &c.Liked, &processedAt, &created); err != nil {
			return nil, err
		}
		c.SourceType = model.SourceType(src)
		c.ProcessedAt = timePtr(processedAt)
		c.CreatedAt = fromUnix(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkProcessed moves candidate id to its terminal state. The flags are fixed from here on;
// a second call returns ErrAlreadyProcessed.
func (d *DB) MarkProcessed(ctx context.Context, id int64, followed, liked bool, at time.Time) error {
	res, err := d.sql.ExecContext(ctx, d.rebind(`UPDATE candidates SET processed=?, followed=?, liked=?, processed_at=? WHERE id=? AND processed=?`),
		true, followed, liked, at.Unix(), id, false)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// GetCandidate loads one candidate row, nil when it does not exist.
func (d *DB) GetCandidate(ctx context.Context, id int64) (*model.Candidate, error) {
	row := d.sql.QueryRowContext(ctx, d.rebind(`SELECT id, account_id, username, remote_id, source_type, source_account, processed, followed, liked, processed_at, created_at FROM candidates WHERE id=?`), id)
	var c model.Candidate
	var src string
	var processedAt sql.NullInt64
	var created int64
	if err := row.Scan(&c.ID, &c.AccountID, &c.Username, &c.RemoteID, &src, &c.SourceAccount, &c.Processed, &c.Followed, &c.Liked, &processedAt, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.SourceType = model.SourceType(src)
	c.ProcessedAt = timePtr(processedAt)
	c.CreatedAt = fromUnix(created)
	return &c, nil
}

// QueueDepth counts unprocessed candidates of the account.
func (d *DB) QueueDepth(ctx context.Context, accountID int64) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM candidates WHERE account_id=? AND processed=?`), accountID, false).Scan(&n)
	return n, err
}
