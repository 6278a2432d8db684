package repository

import (
	"context"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
)

// Repository is the ledger store. Ledger entries are append-only: no
// implementation exposes an update or delete for them.
//
// Getters return (nil, nil) when the row does not exist.
type Repository interface {
	// WithTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned as is,
	// except store failures that abort the transaction, which wrap
	// models.ErrTransactionAborted.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Account operations
	CreateAccount(ctx context.Context, account *models.Account) (*models.Account, error)
	GetAccount(ctx context.Context, tenantID, accountID string) (*models.Account, error)
	GetBalance(ctx context.Context, tenantID, accountID string) (*models.AccountBalance, error)

	// Ledger reads
	GetEntry(ctx context.Context, tenantID string, entryID int64) (*models.LedgerEntry, error)
	ListEntries(ctx context.Context, query models.EntryQuery) ([]models.LedgerEntry, error)

	// ScanDrift compares cached balances with ledger sums. An empty tenantID
	// scans every tenant. Read-only; takes no write-path locks.
	ScanDrift(ctx context.Context, tenantID string, threshold int64) ([]models.DriftRecord, error)

	// Tenant settings
	GetTenantSettings(ctx context.Context, tenantID string) (*models.TenantSettings, error)
	UpsertTenantSettings(ctx context.Context, settings *models.TenantSettings) error

	// API keys
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error)
}

// Tx is the set of operations available inside WithTx
type Tx interface {
	AccountExists(ctx context.Context, tenantID, accountID string) (bool, error)

	// LockBalance creates the balance row if needed and takes an exclusive
	// row lock on it, held until the transaction ends.
	LockBalance(ctx context.Context, tenantID, accountID string, now time.Time) (*models.AccountBalance, error)
	UpdateBalance(ctx context.Context, tenantID, accountID string, balance int64, now time.Time) error

	GetEntry(ctx context.Context, tenantID string, entryID int64) (*models.LedgerEntry, error)
	FindEntryByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.LedgerEntry, error)
	FindEntryByNaturalKey(ctx context.Context, key models.NaturalKey) (*models.LedgerEntry, error)

	// InsertEntry appends an entry. A uniqueness violation returns a
	// *models.DuplicateWriteError and leaves the transaction usable.
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) error

	SumEntries(ctx context.Context, tenantID, accountID string) (models.EntrySummary, error)
	InsertReconciliationAudit(ctx context.Context, audit *models.ReconciliationAudit) error
}
