package sqlite

import (
	"context"
	"fmt"
)

// migration is one forward-only schema step.
type migration struct {
	Version string
	Name    string
	SQL     string
}

// Migrations lists the schema in apply order.
var Migrations = []migration{
	{
		Version: "20250101000001",
		Name:    "create_credits_wallets",
		SQL: `
CREATE TABLE IF NOT EXISTS credits_wallets (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL UNIQUE,
    total_credits    INTEGER NOT NULL DEFAULT 0 CHECK (total_credits >= 0),
    reserved_credits INTEGER NOT NULL DEFAULT 0 CHECK (reserved_credits >= 0),
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    CHECK (reserved_credits <= total_credits)
);`,
	},
	{
		Version: "20250101000002",
		Name:    "create_credits_transactions",
		SQL: `
CREATE TABLE IF NOT EXISTS credits_transactions (
    id         TEXT PRIMARY KEY,
    wallet_id  TEXT NOT NULL REFERENCES credits_wallets (id),
    amount     INTEGER NOT NULL CHECK (amount >= 0),
    type       TEXT NOT NULL,
    status     TEXT NOT NULL,
    task_id    TEXT,
    agent      TEXT NOT NULL DEFAULT '',
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credits_txns_wallet ON credits_transactions (wallet_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credits_txns_pending ON credits_transactions (type, status, created_at);`,
	},
	{
		Version: "20250101000003",
		Name:    "create_credits_tasks",
		SQL: `
CREATE TABLE IF NOT EXISTS credits_tasks (
    id              TEXT PRIMARY KEY,
    account_id      TEXT NOT NULL,
    agent           TEXT NOT NULL DEFAULT '',
    task_type       TEXT NOT NULL DEFAULT '',
    reserved_amount INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    result          TEXT,
    failed_reason   TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credits_tasks_account ON credits_tasks (account_id, created_at DESC);`,
	},
	{
		Version: "20250101000004",
		Name:    "create_credits_pricing",
		SQL: `
CREATE TABLE IF NOT EXISTS credits_agents (
    key         TEXT PRIMARY KEY,
    label       TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    is_active   INTEGER NOT NULL DEFAULT 1,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS credits_action_costs (
    agent_key  TEXT NOT NULL,
    action_key TEXT NOT NULL,
    label      TEXT NOT NULL DEFAULT '',
    cost       INTEGER NOT NULL CHECK (cost >= 0),
    is_active  INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (agent_key, action_key)
);`,
	},
}

// Migrate applies every migration not yet recorded in
// credits_schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS credits_schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("credits/sqlite: create schema_migrations: %w", err)
	}

	for _, m := range Migrations {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM credits_schema_migrations WHERE version = ?`, m.Version,
		).Scan(&n); err != nil {
			return fmt.Errorf("credits/sqlite: check migration %s: %w", m.Name, err)
		}
		if n > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("credits/sqlite: begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("credits/sqlite: migration %s failed: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO credits_schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, toUnix(now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("credits/sqlite: record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("credits/sqlite: commit migration %s: %w", m.Name, err)
		}
		s.logger.Info("applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}
