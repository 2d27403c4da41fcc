package db

import "fmt"

const schema = `
CREATE TABLE IF NOT EXISTS grid_positions (
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    level INTEGER NOT NULL,
    entry_price REAL NOT NULL,
    qty REAL NOT NULL,
    order_id TEXT NOT NULL,
    opened_at DATETIME NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, side, level)
);

CREATE TABLE IF NOT EXISTS grid_reservations (
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    level INTEGER NOT NULL,
    order_id TEXT NOT NULL,
    target_price REAL NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, side, level)
);

CREATE TABLE IF NOT EXISTS protective_orders (
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_id TEXT NOT NULL,
    trigger_price REAL NOT NULL,
    qty REAL NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (symbol, side)
);

CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT,
    qty REAL DEFAULT 0,
    margin REAL DEFAULT 0,
    pnl REAL DEFAULT 0,
    detail TEXT,
    instance_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at);
`

// ApplyMigrations creates all tables if missing.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
