package db

import (
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS advices (
    id TEXT PRIMARY KEY,
    instrument_key TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    qty INTEGER NOT NULL,
    limit_price REAL,
    trigger_price REAL,
    product TEXT NOT NULL DEFAULT 'INTRADAY',
    validity TEXT NOT NULL DEFAULT 'DAY',
    status TEXT NOT NULL,
    reason TEXT,
    broker_order_id TEXT,
    created_at DATETIME,
    updated_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_advices_status_created
    ON advices(status, created_at DESC);

CREATE TABLE IF NOT EXISTS risk_days (
    date TEXT PRIMARY KEY,
    day_start_equity REAL NOT NULL DEFAULT 0,
    day_loss REAL NOT NULL DEFAULT 0,
    cap_pct REAL NOT NULL DEFAULT 0,
    tripped INTEGER NOT NULL DEFAULT 0,
    orders_placed INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS engine_runs (
    id TEXT PRIMARY KEY,
    instance_id TEXT,
    started_at DATETIME NOT NULL,
    stopped_at DATETIME,
    ticks INTEGER NOT NULL DEFAULT 0,
    last_error TEXT
);
`

// ApplyMigrations creates the schema when missing.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
