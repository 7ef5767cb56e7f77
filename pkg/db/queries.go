package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
)

// SaveAdvice inserts or replaces the full advice document. Single-document
// atomicity is all callers may assume.
func (d *Database) SaveAdvice(ctx context.Context, a Advice) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO advices (
			id, instrument_key, symbol, side, order_type, qty,
			limit_price, trigger_price, product, validity,
			status, reason, broker_order_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			instrument_key = excluded.instrument_key,
			symbol = excluded.symbol,
			side = excluded.side,
			order_type = excluded.order_type,
			qty = excluded.qty,
			limit_price = excluded.limit_price,
			trigger_price = excluded.trigger_price,
			product = excluded.product,
			validity = excluded.validity,
			status = excluded.status,
			reason = excluded.reason,
			broker_order_id = excluded.broker_order_id,
			updated_at = excluded.updated_at
	`,
		a.ID, a.InstrumentKey, a.Symbol, a.Side, a.OrderType, a.Qty,
		a.LimitPrice, a.TriggerPrice, a.Product, a.Validity,
		a.Status, a.Reason, a.BrokerOrderID, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save advice %s: %w", a.ID, err)
	}
	return nil
}

// GetAdvice loads a single advice by id.
func (d *Database) GetAdvice(ctx context.Context, id string) (*Advice, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, instrument_key, symbol, side, order_type, qty,
		       limit_price, trigger_price, product, validity,
		       status, COALESCE(reason, ''), COALESCE(broker_order_id, ''),
		       created_at, updated_at
		FROM advices WHERE id = ?
	`, id)

	a, err := scanAdvice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get advice %s: %w", id, err)
	}
	return a, nil
}

// ListPendingAdvices returns PENDING advices newest-first by creation time,
// rows without a creation time last, capped to limit.
func (d *Database) ListPendingAdvices(ctx context.Context, limit int) ([]Advice, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, instrument_key, symbol, side, order_type, qty,
		       limit_price, trigger_price, product, validity,
		       status, COALESCE(reason, ''), COALESCE(broker_order_id, ''),
		       created_at, updated_at
		FROM advices
		WHERE status = 'PENDING'
		ORDER BY created_at IS NULL ASC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending advices: %w", err)
	}
	defer rows.Close()

	var out []Advice
	for rows.Next() {
		a, err := scanAdvice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan advice: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListAdvicesByStatus returns advices with the given status, newest-first.
func (d *Database) ListAdvicesByStatus(ctx context.Context, status string, limit int) ([]Advice, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, instrument_key, symbol, side, order_type, qty,
		       limit_price, trigger_price, product, validity,
		       status, COALESCE(reason, ''), COALESCE(broker_order_id, ''),
		       created_at, updated_at
		FROM advices
		WHERE status = ?
		ORDER BY created_at IS NULL ASC, created_at DESC
		LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list advices by status: %w", err)
	}
	defer rows.Close()

	var out []Advice
	for rows.Next() {
		a, err := scanAdvice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan advice: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdvice(r rowScanner) (*Advice, error) {
	var a Advice
	if err := r.Scan(
		&a.ID, &a.InstrumentKey, &a.Symbol, &a.Side, &a.OrderType, &a.Qty,
		&a.LimitPrice, &a.TriggerPrice, &a.Product, &a.Validity,
		&a.Status, &a.Reason, &a.BrokerOrderID,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertRiskDay persists the day risk snapshot for audit.
func (d *Database) UpsertRiskDay(ctx context.Context, r RiskDay) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_days (date, day_start_equity, day_loss, cap_pct, tripped, orders_placed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(date) DO UPDATE SET
			day_start_equity = excluded.day_start_equity,
			day_loss = excluded.day_loss,
			cap_pct = excluded.cap_pct,
			tripped = excluded.tripped,
			orders_placed = excluded.orders_placed,
			updated_at = CURRENT_TIMESTAMP
	`, r.Date, r.DayStartEquity, r.DayLoss, r.CapPct, boolToInt(r.Tripped), r.OrdersPlaced)
	if err != nil {
		return fmt.Errorf("upsert risk day %s: %w", r.Date, err)
	}
	return nil
}

// GetRiskDay loads the audited snapshot for a date (YYYY-MM-DD).
func (d *Database) GetRiskDay(ctx context.Context, date string) (*RiskDay, error) {
	var (
		r       RiskDay
		tripped int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT date, day_start_equity, day_loss, cap_pct, tripped, orders_placed, updated_at
		FROM risk_days WHERE date = ?
	`, date).Scan(&r.Date, &r.DayStartEquity, &r.DayLoss, &r.CapPct, &tripped, &r.OrdersPlaced, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get risk day %s: %w", date, err)
	}
	r.Tripped = tripped == 1
	return &r, nil
}

// CreateEngineRun records the start of an engine run.
func (d *Database) CreateEngineRun(ctx context.Context, r EngineRun) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO engine_runs (id, instance_id, started_at, ticks, last_error)
		VALUES (?, ?, ?, 0, '')
	`, r.ID, r.InstanceID, r.StartedAt)
	if err != nil {
		return fmt.Errorf("create engine run: %w", err)
	}
	return nil
}

// FinishEngineRun closes an engine run row with final counters.
func (d *Database) FinishEngineRun(ctx context.Context, id string, ticks int64, lastError string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE engine_runs
		SET stopped_at = CURRENT_TIMESTAMP, ticks = ?, last_error = ?
		WHERE id = ?
	`, ticks, lastError, id)
	if err != nil {
		return fmt.Errorf("finish engine run: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
