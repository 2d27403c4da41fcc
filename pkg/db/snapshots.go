package db

import (
	"context"
	"fmt"
	"time"
)

// PositionRow mirrors one grid position for display after restart. The engine
// never trusts these rows over the exchange.
type PositionRow struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Level      int       `json:"level"`
	EntryPrice float64   `json:"entry_price"`
	Qty        float64   `json:"qty"`
	OrderID    string    `json:"order_id"`
	OpenedAt   time.Time `json:"opened_at"`
}

// ReservationRow mirrors one pending symmetry reservation.
type ReservationRow struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Level       int     `json:"level"`
	OrderID     string  `json:"order_id"`
	TargetPrice float64 `json:"target_price"`
}

// ProtectiveRow mirrors one side's take-profit order.
type ProtectiveRow struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	OrderID      string  `json:"order_id"`
	TriggerPrice float64 `json:"trigger_price"`
	Qty          float64 `json:"qty"`
}

// SymbolSnapshot is the full persisted state of one symbol.
type SymbolSnapshot struct {
	Symbol       string           `json:"symbol"`
	Positions    []PositionRow    `json:"positions"`
	Reservations []ReservationRow `json:"reservations"`
	Protective   []ProtectiveRow  `json:"protective"`
}

// ActionRow is one journaled strategy action.
type ActionRow struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Qty        float64   `json:"qty"`
	Margin     float64   `json:"margin"`
	PnL        float64   `json:"pnl"`
	Detail     string    `json:"detail"`
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReplaceSymbolSnapshot atomically rewrites all rows for a symbol. Writing the
// same snapshot twice is a no-op, which makes retries safe.
func (d *Database) ReplaceSymbolSnapshot(ctx context.Context, snap SymbolSnapshot) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"grid_positions", "grid_reservations", "protective_orders"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE symbol = ?", snap.Symbol); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, p := range snap.Positions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO grid_positions (symbol, side, level, entry_price, qty, order_id, opened_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.Symbol, p.Side, p.Level, p.EntryPrice, p.Qty, p.OrderID, p.OpenedAt)
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
	}
	for _, r := range snap.Reservations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO grid_reservations (symbol, side, level, order_id, target_price)
			VALUES (?, ?, ?, ?, ?)
		`, r.Symbol, r.Side, r.Level, r.OrderID, r.TargetPrice)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
	}
	for _, p := range snap.Protective {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO protective_orders (symbol, side, order_id, trigger_price, qty)
			VALUES (?, ?, ?, ?, ?)
		`, p.Symbol, p.Side, p.OrderID, p.TriggerPrice, p.Qty)
		if err != nil {
			return fmt.Errorf("insert protective: %w", err)
		}
	}

	return tx.Commit()
}

// LoadSymbolSnapshot reads the persisted rows for a symbol.
func (d *Database) LoadSymbolSnapshot(ctx context.Context, symbol string) (SymbolSnapshot, error) {
	snap := SymbolSnapshot{Symbol: symbol}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, side, level, entry_price, qty, order_id, opened_at
		FROM grid_positions WHERE symbol = ? ORDER BY side, level
	`, symbol)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var p PositionRow
		if err := rows.Scan(&p.Symbol, &p.Side, &p.Level, &p.EntryPrice, &p.Qty, &p.OrderID, &p.OpenedAt); err != nil {
			return snap, err
		}
		snap.Positions = append(snap.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	resRows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, side, level, order_id, target_price
		FROM grid_reservations WHERE symbol = ? ORDER BY side, level
	`, symbol)
	if err != nil {
		return snap, err
	}
	defer resRows.Close()
	for resRows.Next() {
		var r ReservationRow
		if err := resRows.Scan(&r.Symbol, &r.Side, &r.Level, &r.OrderID, &r.TargetPrice); err != nil {
			return snap, err
		}
		snap.Reservations = append(snap.Reservations, r)
	}
	if err := resRows.Err(); err != nil {
		return snap, err
	}

	protRows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, side, order_id, trigger_price, qty
		FROM protective_orders WHERE symbol = ?
	`, symbol)
	if err != nil {
		return snap, err
	}
	defer protRows.Close()
	for protRows.Next() {
		var p ProtectiveRow
		if err := protRows.Scan(&p.Symbol, &p.Side, &p.OrderID, &p.TriggerPrice, &p.Qty); err != nil {
			return snap, err
		}
		snap.Protective = append(snap.Protective, p)
	}
	return snap, protRows.Err()
}

// InsertAction journals one strategy action.
func (d *Database) InsertAction(ctx context.Context, a ActionRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO actions (id, kind, symbol, side, qty, margin, pnl, detail, instance_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Kind, a.Symbol, a.Side, a.Qty, a.Margin, a.PnL, a.Detail, a.InstanceID, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// RecentActions returns the newest journaled actions, most recent first.
func (d *Database) RecentActions(ctx context.Context, limit int) ([]ActionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, kind, symbol, COALESCE(side, ''), qty, margin, pnl, COALESCE(detail, ''), COALESCE(instance_id, ''), created_at
		FROM actions ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRow
	for rows.Next() {
		var a ActionRow
		if err := rows.Scan(&a.ID, &a.Kind, &a.Symbol, &a.Side, &a.Qty, &a.Margin, &a.PnL, &a.Detail, &a.InstanceID, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
