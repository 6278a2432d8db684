package config

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// SetupDatabase initializes the database connection
func SetupDatabase(cfg *Config, logger *zap.Logger) (*sqlx.DB, error) {
	return Connect(cfg.Database.GetDSN(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, logger)
}

// Connect opens a pool on dsn and applies the schema
func Connect(dsn string, maxOpen, maxIdle int, logger *zap.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	// Create tables if they don't exist
	if err := createTables(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		tenant_id VARCHAR(64) NOT NULL,
		account_id VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, account_id)
	)`,

	`CREATE TABLE IF NOT EXISTS account_balances (
		tenant_id VARCHAR(64) NOT NULL,
		account_id VARCHAR(64) NOT NULL,
		current_balance BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, account_id),
		FOREIGN KEY (tenant_id, account_id) REFERENCES accounts (tenant_id, account_id)
	)`,

	// Append-only: the application never updates or deletes rows
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGINT PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		account_id VARCHAR(64) NOT NULL,
		points_delta BIGINT NOT NULL,
		reason VARCHAR(32) NOT NULL,
		idempotency_key VARCHAR(255),
		source_kind VARCHAR(255),
		source_id VARCHAR(255),
		campaign_id VARCHAR(255),
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		balance_before BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		actor_id VARCHAR(255) NOT NULL,
		gaming_day DATE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		FOREIGN KEY (tenant_id, account_id) REFERENCES accounts (tenant_id, account_id),
		CHECK (reason <> 'base_accrual' OR points_delta >= 0),
		CHECK (balance_after = balance_before + points_delta)
	)`,

	`CREATE TABLE IF NOT EXISTS reconciliation_audit (
		id VARCHAR(36) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		account_id VARCHAR(64) NOT NULL,
		old_balance BIGINT NOT NULL,
		new_balance BIGINT NOT NULL,
		actor_id VARCHAR(255) NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS tenant_settings (
		tenant_id VARCHAR(64) PRIMARY KEY,
		timezone VARCHAR(64) NOT NULL,
		gaming_day_start VARCHAR(5) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id VARCHAR(64) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL,
		secret_hash VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
}

// Unique indexes back the idempotent writer and must exist
var uniqueIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_idempotency
		ON ledger_entries (tenant_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_base_accrual
		ON ledger_entries (tenant_id, source_kind, source_id)
		WHERE reason = 'base_accrual'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_promotion
		ON ledger_entries (tenant_id, source_kind, source_id, campaign_id)
		WHERE reason = 'promotion' AND source_id IS NOT NULL AND campaign_id IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_entries_reversal
		ON ledger_entries (tenant_id, source_kind, source_id)
		WHERE reason = 'reversal'`,
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_ledger_entries_pagination ON ledger_entries (tenant_id, account_id, created_at DESC, id ASC)",
	"CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_reason ON ledger_entries (tenant_id, account_id, reason)",
	"CREATE INDEX IF NOT EXISTS idx_reconciliation_audit_account ON reconciliation_audit (tenant_id, account_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys (tenant_id)",
}

// createTables creates the necessary tables in the database
func createTables(db *sqlx.DB, logger *zap.Logger) error {
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	for _, stmt := range uniqueIndexes {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			// Don't return error here, these indexes are not critical
			logger.Warn("failed to create index", zap.String("statement", idx), zap.Error(err))
		}
	}

	return nil
}
