package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const entryColumns = `id, tenant_id, account_id, points_delta, reason, idempotency_key,
	source_kind, source_id, campaign_id, metadata, balance_before, balance_after,
	actor_id, gaming_day, created_at`

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new PostgreSQL repository. A positive
// lockTimeout bounds how long a writer waits for an account's row lock.
func NewPostgresRepository(db *sqlx.DB, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{
		db:          db,
		lockTimeout: lockTimeout,
	}
}

// GetDB returns the underlying database connection
func (r *PostgresRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx runs fn inside a READ COMMITTED transaction
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return abortError(err)
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return abortError(err)
		}
	}

	if err = fn(&postgresTx{tx: tx}); err != nil {
		return abortError(err)
	}

	if err = tx.Commit(); err != nil {
		return abortError(err)
	}
	return nil
}

// Account repository methods
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	if account.Status == "" {
		account.Status = "active"
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (tenant_id, account_id, status, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, account_id) DO NOTHING
	`, account.TenantID, account.AccountID, account.Status, account.CreatedAt)
	if err != nil {
		return nil, err
	}

	return r.GetAccount(ctx, account.TenantID, account.AccountID)
}

func (r *PostgresRepository) GetAccount(ctx context.Context, tenantID, accountID string) (*models.Account, error) {
	query := `SELECT tenant_id, account_id, status, created_at FROM accounts WHERE tenant_id = $1 AND account_id = $2`

	var account models.Account
	err := r.db.GetContext(ctx, &account, query, tenantID, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &account, nil
}

func (r *PostgresRepository) GetBalance(ctx context.Context, tenantID, accountID string) (*models.AccountBalance, error) {
	query := `
		SELECT tenant_id, account_id, current_balance, updated_at
		FROM account_balances
		WHERE tenant_id = $1 AND account_id = $2
	`

	var balance models.AccountBalance
	err := r.db.GetContext(ctx, &balance, query, tenantID, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &balance, nil
}

// Ledger read methods
func (r *PostgresRepository) GetEntry(ctx context.Context, tenantID string, entryID int64) (*models.LedgerEntry, error) {
	return getEntry(ctx, r.db, tenantID, entryID)
}

func (r *PostgresRepository) ListEntries(ctx context.Context, q models.EntryQuery) ([]models.LedgerEntry, error) {
	var (
		conds = []string{"tenant_id = $1", "account_id = $2"}
		args  = []interface{}{q.TenantID, q.AccountID}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	// Keyset predicate for ORDER BY created_at DESC, id ASC
	if q.AfterTime != nil {
		t := arg(*q.AfterTime)
		id := arg(q.AfterID)
		conds = append(conds, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id > %s))", t, t, id))
	}
	if len(q.Reasons) > 0 {
		reasons := make([]string, len(q.Reasons))
		for i, reason := range q.Reasons {
			reasons[i] = string(reason)
		}
		conds = append(conds, fmt.Sprintf("reason = ANY(%s)", arg(pq.Array(reasons))))
	}
	if q.From != nil {
		conds = append(conds, fmt.Sprintf("created_at >= %s", arg(*q.From)))
	}
	if q.To != nil {
		conds = append(conds, fmt.Sprintf("created_at < %s", arg(*q.To)))
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` +
		strings.Join(conds, " AND ") +
		` ORDER BY created_at DESC, id ASC LIMIT ` + arg(q.Limit)

	var entries []models.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}

	return entries, nil
}

// ScanDrift recomputes every account's balance from its entries and compares
// it with the cached row. Accounts with entries but no balance row are
// reported with MissingBalance set.
func (r *PostgresRepository) ScanDrift(ctx context.Context, tenantID string, threshold int64) ([]models.DriftRecord, error) {
	query := `
		WITH sums AS (
			SELECT tenant_id, account_id,
			       SUM(points_delta)::bigint AS total,
			       COUNT(*) AS entry_count,
			       MAX(created_at) AS last_entry_at
			FROM ledger_entries
			WHERE ($1::text = '' OR tenant_id = $1::text)
			GROUP BY tenant_id, account_id
		), balances AS (
			SELECT tenant_id, account_id, current_balance
			FROM account_balances
			WHERE ($1::text = '' OR tenant_id = $1::text)
		)
		SELECT COALESCE(b.tenant_id, s.tenant_id) AS tenant_id,
		       COALESCE(b.account_id, s.account_id) AS account_id,
		       COALESCE(b.current_balance, 0) AS cached_balance,
		       COALESCE(s.total, 0) AS computed_balance,
		       COALESCE(b.current_balance, 0) - COALESCE(s.total, 0) AS drift,
		       COALESCE(s.entry_count, 0) AS entry_count,
		       s.last_entry_at,
		       (b.account_id IS NULL) AS missing_balance
		FROM balances b
		FULL OUTER JOIN sums s ON s.tenant_id = b.tenant_id AND s.account_id = b.account_id
		WHERE ABS(COALESCE(b.current_balance, 0) - COALESCE(s.total, 0)) > $2
		ORDER BY 1, 2
	`

	records := []models.DriftRecord{}
	if err := r.db.SelectContext(ctx, &records, query, tenantID, threshold); err != nil {
		return nil, err
	}

	return records, nil
}

// Tenant settings methods
func (r *PostgresRepository) GetTenantSettings(ctx context.Context, tenantID string) (*models.TenantSettings, error) {
	query := `SELECT tenant_id, timezone, gaming_day_start, updated_at FROM tenant_settings WHERE tenant_id = $1`

	var settings models.TenantSettings
	err := r.db.GetContext(ctx, &settings, query, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &settings, nil
}

func (r *PostgresRepository) UpsertTenantSettings(ctx context.Context, settings *models.TenantSettings) error {
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, timezone, gaming_day_start, updated_at)
		VALUES (:tenant_id, :timezone, :gaming_day_start, :updated_at)
		ON CONFLICT (tenant_id) DO UPDATE
		SET timezone = EXCLUDED.timezone,
		    gaming_day_start = EXCLUDED.gaming_day_start,
		    updated_at = EXCLUDED.updated_at
	`, settings)

	return err
}

// API key methods
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, role, secret_hash, created_at)
		VALUES (:id, :tenant_id, :name, :role, :secret_hash, :created_at)
	`, key)

	return err
}

func (r *PostgresRepository) GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	query := `SELECT id, tenant_id, name, role, secret_hash, created_at, revoked_at FROM api_keys WHERE id = $1`

	var key models.APIKey
	err := r.db.GetContext(ctx, &key, query, keyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &key, nil
}

// postgresTx implements Tx on an open transaction
type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) AccountExists(ctx context.Context, tenantID, accountID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE tenant_id = $1 AND account_id = $2)`,
		tenantID, accountID).Scan(&exists)

	return exists, err
}

func (t *postgresTx) LockBalance(ctx context.Context, tenantID, accountID string, now time.Time) (*models.AccountBalance, error) {
	// Create the row on first write; a no-op afterwards
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO account_balances (tenant_id, account_id, current_balance, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (tenant_id, account_id) DO NOTHING
	`, tenantID, accountID, now)
	if err != nil {
		return nil, err
	}

	var balance models.AccountBalance
	err = t.tx.GetContext(ctx, &balance, `
		SELECT tenant_id, account_id, current_balance, updated_at
		FROM account_balances
		WHERE tenant_id = $1 AND account_id = $2
		FOR UPDATE
	`, tenantID, accountID)
	if err != nil {
		return nil, err
	}

	return &balance, nil
}

func (t *postgresTx) UpdateBalance(ctx context.Context, tenantID, accountID string, balance int64, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE account_balances
		SET current_balance = $3, updated_at = $4
		WHERE tenant_id = $1 AND account_id = $2
	`, tenantID, accountID, balance, now)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: balance row for %s/%s missing", models.ErrTransactionAborted, tenantID, accountID)
	}
	return nil
}

func (t *postgresTx) GetEntry(ctx context.Context, tenantID string, entryID int64) (*models.LedgerEntry, error) {
	return getEntry(ctx, t.tx, tenantID, entryID)
}

func (t *postgresTx) FindEntryByIdempotencyKey(ctx context.Context, tenantID, key string) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE tenant_id = $1 AND idempotency_key = $2`
	return getOneEntry(ctx, t.tx, query, tenantID, key)
}

// FindEntryByNaturalKey matches the partial unique indexes declared in the schema
func (t *postgresTx) FindEntryByNaturalKey(ctx context.Context, key models.NaturalKey) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE tenant_id = $1 AND reason = $2 AND source_kind = $3 AND source_id = $4`
	args := []interface{}{key.TenantID, string(key.Reason), key.SourceKind, key.SourceID}

	if key.Reason == models.ReasonPromotion {
		query += ` AND campaign_id = $5`
		args = append(args, key.CampaignID)
	}

	return getOneEntry(ctx, t.tx, query, args...)
}

// InsertEntry runs under a savepoint so a unique violation, the expected
// outcome of a lost insert race, does not poison the transaction.
func (t *postgresTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT insert_entry`); err != nil {
		return err
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		int64(entry.ID), entry.TenantID, entry.AccountID, entry.PointsDelta, string(entry.Reason),
		entry.IdempotencyKey, entry.SourceKind, entry.SourceID, entry.CampaignID, entry.Metadata,
		entry.BalanceBefore, entry.BalanceAfter, entry.ActorID, entry.GamingDay, entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT insert_entry`); rbErr != nil {
				return rbErr
			}
			return &models.DuplicateWriteError{Constraint: pqErr.Constraint}
		}
		return err
	}

	_, err = t.tx.ExecContext(ctx, `RELEASE SAVEPOINT insert_entry`)
	return err
}

func (t *postgresTx) SumEntries(ctx context.Context, tenantID, accountID string) (models.EntrySummary, error) {
	var summary models.EntrySummary
	err := t.tx.GetContext(ctx, &summary, `
		SELECT COALESCE(SUM(points_delta), 0)::bigint AS sum,
		       COUNT(*) AS count,
		       MAX(created_at) AS last_entry_at
		FROM ledger_entries
		WHERE tenant_id = $1 AND account_id = $2
	`, tenantID, accountID)

	return summary, err
}

func (t *postgresTx) InsertReconciliationAudit(ctx context.Context, audit *models.ReconciliationAudit) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO reconciliation_audit (id, tenant_id, account_id, old_balance, new_balance, actor_id, note, created_at)
		VALUES (:id, :tenant_id, :account_id, :old_balance, :new_balance, :actor_id, :note, :created_at)
	`, audit)

	return err
}

// Helper functions
func getEntry(ctx context.Context, q sqlx.QueryerContext, tenantID string, entryID int64) (*models.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE tenant_id = $1 AND id = $2`
	return getOneEntry(ctx, q, query, tenantID, entryID)
}

func getOneEntry(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := sqlx.GetContext(ctx, q, &entry, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &entry, nil
}

// abortError wraps store failures that abort a transaction so callers can
// tell a retryable abort from a domain error returned by fn.
func abortError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		if errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("%w: %v", models.ErrTransactionAborted, err)
		}
		return err
	}

	switch {
	case pqErr.Code.Class() == "40", // serialization failure, deadlock
		pqErr.Code == "55P03", // lock_not_available (lock_timeout)
		pqErr.Code == "57014", // query_canceled (statement_timeout)
		pqErr.Code.Class() == "23": // integrity violation outside the handled duplicate case
		return fmt.Errorf("%w: %s", models.ErrTransactionAborted, pqErr.Message)
	}
	return err
}
