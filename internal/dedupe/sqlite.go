package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLite is the durable Store used in live trading. TTL state lives in the
// database so cooldowns and counters survive process restarts within their
// window.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dedupe_entries (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT '',
    count INTEGER NOT NULL DEFAULT 0,
    expires_at INTEGER NOT NULL
);
`

// NewSQLite prepares the dedupe table on the given handle.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create dedupe table: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// SetClock overrides the store clock; used by tests.
func (s *SQLite) SetClock(now func() time.Time) { s.now = now }

func (s *SQLite) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	nowNs := s.now().UnixNano()
	expNs := s.now().Add(ttl).UnixNano()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dedupe_entries (key, value, count, expires_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			count = 0,
			expires_at = excluded.expires_at
		WHERE dedupe_entries.expires_at <= ?
	`, key, value, expNs, nowNs)
	if err != nil {
		return false, fmt.Errorf("dedupe set-if-absent %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedupe set-if-absent %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	expNs := s.now().Add(ttl).UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedupe_entries (key, value, count, expires_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			count = 0,
			expires_at = excluded.expires_at
	`, key, value, expNs)
	if err != nil {
		return fmt.Errorf("dedupe set %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	nowNs := s.now().UnixNano()
	expNs := s.now().Add(ttl).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("dedupe incr %q: %w", key, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dedupe_entries (key, value, count, expires_at)
		VALUES (?, '1', 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			count = CASE WHEN dedupe_entries.expires_at <= ?
				THEN 1 ELSE dedupe_entries.count + 1 END,
			value = CAST((CASE WHEN dedupe_entries.expires_at <= ?
				THEN 1 ELSE dedupe_entries.count + 1 END) AS TEXT),
			expires_at = CASE WHEN dedupe_entries.expires_at <= ?
				THEN ? ELSE dedupe_entries.expires_at END
	`, key, expNs, nowNs, nowNs, nowNs, expNs)
	if err != nil {
		return 0, fmt.Errorf("dedupe incr %q: %w", key, err)
	}

	var count int64
	if err := tx.QueryRowContext(ctx,
		`SELECT count FROM dedupe_entries WHERE key = ?`, key).Scan(&count); err != nil {
		return 0, fmt.Errorf("dedupe incr %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("dedupe incr %q: %w", key, err)
	}
	return count, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		expNs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM dedupe_entries WHERE key = ?`, key).
		Scan(&value, &expNs)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedupe get %q: %w", key, err)
	}
	if s.now().UnixNano() >= expNs {
		return "", false, nil
	}
	return value, true, nil
}

// Sweep deletes expired rows; call it from a housekeeping ticker.
func (s *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedupe_entries WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("dedupe sweep: %w", err)
	}
	return res.RowsAffected()
}
