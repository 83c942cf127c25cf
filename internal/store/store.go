package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrAlreadyProcessed is returned by MarkProcessed when the candidate already left the queue.
var ErrAlreadyProcessed = errors.New("candidate already processed")

// Dialect names the SQL flavour a DB speaks.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB is the persistence layer of the bot. Queries are written with '?' placeholders
// and rebound for postgres.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// Open connects to driver ("sqlite" or "postgres") at dsn and applies the schema.
func Open(driver, dsn string) (*DB, error) {
	var d *sql.DB
	var err error
	switch Dialect(driver) {
	case SQLite, "":
		d, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// One connection: keeps :memory: databases alive and serializes writers.
		d.SetMaxOpenConns(1)
		if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;`); err != nil {
			_ = d.Close()
			return nil, err
		}
		driver = string(SQLite)
	case Postgres:
		d, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, err
		}
		d.SetMaxOpenConns(10)
		d.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db := &DB{sql: d, dialect: Dialect(driver)}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (d *DB) Close() error { return d.sql.Close() }

// Dialect reports which backend the DB talks to.
func (d *DB) Dialect() Dialect { return d.dialect }

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error { return d.sql.PingContext(ctx) }

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
  account_id BIGINT PRIMARY KEY,
  username TEXT NOT NULL,
  password_hash TEXT NOT NULL DEFAULT '',
  session_blob TEXT NOT NULL DEFAULT '',
  is_active {{bool}} NOT NULL DEFAULT {{true}},
  last_login_at BIGINT,
  follower_count INTEGER NOT NULL DEFAULT 0,
  following_count INTEGER NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS bot_configs (
  account_id BIGINT PRIMARY KEY,
  likes_per_hour INTEGER NOT NULL,
  follows_per_day INTEGER NOT NULL,
  min_delay_seconds INTEGER NOT NULL,
  max_delay_seconds INTEGER NOT NULL,
  enable_follows {{bool}} NOT NULL DEFAULT {{true}},
  enable_likes {{bool}} NOT NULL DEFAULT {{true}},
  is_running {{bool}} NOT NULL DEFAULT {{false}},
  last_started_at BIGINT,
  last_stopped_at BIGINT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS daily_counters (
  account_id BIGINT NOT NULL,
  day TEXT NOT NULL,
  follows INTEGER NOT NULL DEFAULT 0,
  likes INTEGER NOT NULL DEFAULT 0,
  stories_viewed INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (account_id, day)
);
CREATE TABLE IF NOT EXISTS action_logs (
  id {{pk}},
  account_id BIGINT NOT NULL,
  action_type TEXT NOT NULL,
  target_username TEXT NOT NULL DEFAULT '',
  target_url TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error_message TEXT NOT NULL DEFAULT '',
  metadata TEXT,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_account_ts ON action_logs(account_id, created_at);
CREATE TABLE IF NOT EXISTS candidates (
  id {{pk}},
  account_id BIGINT NOT NULL,
  username TEXT NOT NULL,
  remote_id TEXT NOT NULL DEFAULT '',
  source_type TEXT NOT NULL,
  source_account TEXT NOT NULL DEFAULT '',
  processed {{bool}} NOT NULL DEFAULT {{false}},
  followed {{bool}} NOT NULL DEFAULT {{false}},
  liked {{bool}} NOT NULL DEFAULT {{false}},
  processed_at BIGINT,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidates_queue ON candidates(account_id, processed, id);
CREATE TABLE IF NOT EXISTS target_accounts (
  id {{pk}},
  account_id BIGINT NOT NULL,
  username TEXT NOT NULL,
  category TEXT NOT NULL DEFAULT '',
  is_active {{bool}} NOT NULL DEFAULT {{true}},
  last_scraped_at BIGINT,
  follower_count INTEGER NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  UNIQUE (account_id, username)
);
CREATE TABLE IF NOT EXISTS analytics (
  account_id BIGINT NOT NULL,
  day TEXT NOT NULL,
  total_follows INTEGER NOT NULL DEFAULT 0,
  total_likes INTEGER NOT NULL DEFAULT 0,
  total_stories_viewed INTEGER NOT NULL DEFAULT 0,
  follower_count INTEGER NOT NULL DEFAULT 0,
  following_count INTEGER NOT NULL DEFAULT 0,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (account_id, day)
);
`

func (d *DB) migrate() error {
	var r *strings.Replacer
	if d.dialect == Postgres {
		r = strings.NewReplacer("{{pk}}", "BIGSERIAL PRIMARY KEY", "{{bool}}", "BOOLEAN", "{{true}}", "TRUE", "{{false}}", "FALSE")
	} else {
		r = strings.NewReplacer("{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{bool}}", "INTEGER", "{{true}}", "1", "{{false}}", "0")
	}
	_, err := d.sql.Exec(r.Replace(schema))
	return err
}

// rebind rewrites '?' placeholders to the dialect's form.
func (d *DB) rebind(q string) string {
	if d.dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DeleteAllForAccount removes every per-account row in one transaction.
func (d *DB) DeleteAllForAccount(ctx context.Context, accountID int64) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"action_logs", "candidates", "target_accounts", "daily_counters", "analytics", "bot_configs", "accounts"} {
		if err := d.exec(ctx, tx, `DELETE FROM `+table+` WHERE account_id=?`, accountID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (d *DB) exec(ctx context.Context, e execer, q string, args ...any) error {
	_, err := e.ExecContext(ctx, d.rebind(q), args...)
	return err
}

func unixOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }
