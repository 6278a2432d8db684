package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/cursor"
	"github.com/casinoloyalty/ledger-server/internal/models"
)

// MemoryRepository is an in-memory Repository for tests and local runs.
//
// Writes inside WithTx are applied immediately and undone on rollback, so
// other goroutines can observe uncommitted rows. Balance rows are guarded by
// per-account locks, which is what the write path relies on.
type MemoryRepository struct {
	mu          sync.Mutex
	accounts    map[accountKey]models.Account
	balances    map[accountKey]models.AccountBalance
	entries     map[int64]models.LedgerEntry
	idempotency map[string]int64
	natural     map[string]int64
	settings    map[string]models.TenantSettings
	apiKeys     map[string]models.APIKey
	audits      []models.ReconciliationAudit

	locksMu     sync.Mutex
	locks       map[accountKey]chan struct{}
	lockTimeout time.Duration
}

type accountKey struct {
	TenantID  string
	AccountID string
}

// NewMemoryRepository creates an empty store. A positive lockTimeout bounds
// how long a writer waits for an account lock.
func NewMemoryRepository(lockTimeout time.Duration) *MemoryRepository {
	return &MemoryRepository{
		accounts:    make(map[accountKey]models.Account),
		balances:    make(map[accountKey]models.AccountBalance),
		entries:     make(map[int64]models.LedgerEntry),
		idempotency: make(map[string]int64),
		natural:     make(map[string]int64),
		settings:    make(map[string]models.TenantSettings),
		apiKeys:     make(map[string]models.APIKey),
		locks:       make(map[accountKey]chan struct{}),
		lockTimeout: lockTimeout,
	}
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx := &memoryTx{repo: m, held: make(map[accountKey]chan struct{})}

	defer func() {
		if err != nil {
			tx.rollback()
		}
		tx.release()
	}()

	return fn(tx)
}

func (m *MemoryRepository) CreateAccount(_ context.Context, account *models.Account) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := accountKey{account.TenantID, account.AccountID}
	if existing, ok := m.accounts[k]; ok {
		return &existing, nil
	}

	a := *account
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = "active"
	}
	m.accounts[k] = a
	return &a, nil
}

func (m *MemoryRepository) GetAccount(_ context.Context, tenantID, accountID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountKey{tenantID, accountID}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryRepository) GetBalance(_ context.Context, tenantID, accountID string) (*models.AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[accountKey{tenantID, accountID}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryRepository) GetEntry(_ context.Context, tenantID string, entryID int64) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getEntryLocked(tenantID, entryID), nil
}

func (m *MemoryRepository) ListEntries(_ context.Context, q models.EntryQuery) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var after *cursor.Cursor
	if q.AfterTime != nil {
		after = &cursor.Cursor{CreatedAt: *q.AfterTime, ID: q.AfterID}
	}
	reasons := make(map[models.Reason]bool, len(q.Reasons))
	for _, r := range q.Reasons {
		reasons[r] = true
	}

	var out []models.LedgerEntry
	for _, e := range m.entries {
		if e.TenantID != q.TenantID || e.AccountID != q.AccountID {
			continue
		}
		if after != nil && !after.Before(e.CreatedAt, int64(e.ID)) {
			continue
		}
		if len(reasons) > 0 && !reasons[e.Reason] {
			continue
		}
		if q.From != nil && e.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !e.CreatedAt.Before(*q.To) {
			continue
		}
		out = append(out, copyEntry(e))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) ScanDrift(_ context.Context, tenantID string, threshold int64) ([]models.DriftRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sums := make(map[accountKey]*models.DriftRecord)
	for _, e := range m.entries {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		k := accountKey{e.TenantID, e.AccountID}
		rec, ok := sums[k]
		if !ok {
			rec = &models.DriftRecord{TenantID: e.TenantID, AccountID: e.AccountID, MissingBalance: true}
			sums[k] = rec
		}
		rec.ComputedBalance += e.PointsDelta
		rec.EntryCount++
		if rec.LastEntryAt == nil || e.CreatedAt.After(*rec.LastEntryAt) {
			at := e.CreatedAt
			rec.LastEntryAt = &at
		}
	}

	for k, b := range m.balances {
		if tenantID != "" && k.TenantID != tenantID {
			continue
		}
		rec, ok := sums[k]
		if !ok {
			rec = &models.DriftRecord{TenantID: k.TenantID, AccountID: k.AccountID}
			sums[k] = rec
		}
		rec.CachedBalance = b.CurrentBalance
		rec.MissingBalance = false
	}

	records := []models.DriftRecord{}
	for _, rec := range sums {
		rec.Drift = rec.CachedBalance - rec.ComputedBalance
		if abs(rec.Drift) > threshold {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].TenantID != records[j].TenantID {
			return records[i].TenantID < records[j].TenantID
		}
		return records[i].AccountID < records[j].AccountID
	})
	return records, nil
}

func (m *MemoryRepository) GetTenantSettings(_ context.Context, tenantID string) (*models.TenantSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.settings[tenantID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryRepository) UpsertTenantSettings(_ context.Context, settings *models.TenantSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	m.settings[settings.TenantID] = *settings
	return nil
}

func (m *MemoryRepository) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.apiKeys[key.ID]; ok {
		return fmt.Errorf("api key %s already exists", key.ID)
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	m.apiKeys[key.ID] = *key
	return nil
}

func (m *MemoryRepository) GetAPIKey(_ context.Context, keyID string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.apiKeys[keyID]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

// OverwriteBalance sets a cached balance directly, bypassing the ledger.
// Used to simulate drift from causes outside the write path.
func (m *MemoryRepository) OverwriteBalance(tenantID, accountID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[accountKey{tenantID, accountID}] = models.AccountBalance{
		TenantID:       tenantID,
		AccountID:      accountID,
		CurrentBalance: balance,
		UpdatedAt:      time.Now().UTC(),
	}
}

// DropBalance removes a cached balance row, simulating a lost aggregate
func (m *MemoryRepository) DropBalance(tenantID, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.balances, accountKey{tenantID, accountID})
}

// CountEntries returns the number of stored entries for an account
func (m *MemoryRepository) CountEntries(tenantID, accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.AccountID == accountID {
			n++
		}
	}
	return n
}

// Audits returns a copy of the reconciliation audit trail
func (m *MemoryRepository) Audits() []models.ReconciliationAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ReconciliationAudit(nil), m.audits...)
}

func (m *MemoryRepository) getEntryLocked(tenantID string, entryID int64) *models.LedgerEntry {
	e, ok := m.entries[entryID]
	if !ok || e.TenantID != tenantID {
		return nil
	}
	c := copyEntry(e)
	return &c
}

func (m *MemoryRepository) accountLock(k accountKey) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	ch, ok := m.locks[k]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[k] = ch
	}
	return ch
}

// memoryTx keeps an undo log so a failed transaction leaves no trace
type memoryTx struct {
	repo *MemoryRepository
	undo []func()
	held map[accountKey]chan struct{}
}

func (t *memoryTx) rollback() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memoryTx) release() {
	for k, ch := range t.held {
		<-ch
		delete(t.held, k)
	}
}

func (t *memoryTx) AccountExists(_ context.Context, tenantID, accountID string) (bool, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	_, ok := t.repo.accounts[accountKey{tenantID, accountID}]
	return ok, nil
}

func (t *memoryTx) LockBalance(ctx context.Context, tenantID, accountID string, now time.Time) (*models.AccountBalance, error) {
	k := accountKey{tenantID, accountID}

	if _, ok := t.held[k]; !ok {
		ch := t.repo.accountLock(k)

		var timeout <-chan time.Time
		if t.repo.lockTimeout > 0 {
			timer := time.NewTimer(t.repo.lockTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case ch <- struct{}{}:
			t.held[k] = ch
		case <-timeout:
			return nil, fmt.Errorf("%w: lock timeout on %s/%s", models.ErrTransactionAborted, tenantID, accountID)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", models.ErrTransactionAborted, ctx.Err())
		}
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	b, ok := t.repo.balances[k]
	if !ok {
		b = models.AccountBalance{TenantID: tenantID, AccountID: accountID, UpdatedAt: now}
		t.repo.balances[k] = b
		t.undo = append(t.undo, func() { delete(t.repo.balances, k) })
	}
	return &b, nil
}

func (t *memoryTx) UpdateBalance(_ context.Context, tenantID, accountID string, balance int64, now time.Time) error {
	k := accountKey{tenantID, accountID}
	if _, ok := t.held[k]; !ok {
		return fmt.Errorf("balance %s/%s updated without holding its lock", tenantID, accountID)
	}

	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	prev, ok := t.repo.balances[k]
	if !ok {
		return fmt.Errorf("%w: balance row for %s/%s missing", models.ErrTransactionAborted, tenantID, accountID)
	}
	t.repo.balances[k] = models.AccountBalance{
		TenantID:       tenantID,
		AccountID:      accountID,
		CurrentBalance: balance,
		UpdatedAt:      now,
	}
	t.undo = append(t.undo, func() { t.repo.balances[k] = prev })
	return nil
}

func (t *memoryTx) GetEntry(_ context.Context, tenantID string, entryID int64) (*models.LedgerEntry, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return t.repo.getEntryLocked(tenantID, entryID), nil
}

func (t *memoryTx) FindEntryByIdempotencyKey(_ context.Context, tenantID, key string) (*models.LedgerEntry, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	id, ok := t.repo.idempotency[tenantID+"|"+key]
	if !ok {
		return nil, nil
	}
	return t.repo.getEntryLocked(tenantID, id), nil
}

func (t *memoryTx) FindEntryByNaturalKey(_ context.Context, key models.NaturalKey) (*models.LedgerEntry, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	id, ok := t.repo.natural[key.String()]
	if !ok {
		return nil, nil
	}
	return t.repo.getEntryLocked(key.TenantID, id), nil
}

func (t *memoryTx) InsertEntry(_ context.Context, entry *models.LedgerEntry) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	id := int64(entry.ID)
	if _, ok := t.repo.entries[id]; ok {
		return &models.DuplicateWriteError{Constraint: "ledger_entries_pkey"}
	}

	var idemKey string
	if entry.IdempotencyKey != nil {
		idemKey = entry.TenantID + "|" + *entry.IdempotencyKey
		if _, ok := t.repo.idempotency[idemKey]; ok {
			return &models.DuplicateWriteError{Constraint: "ux_ledger_entries_idempotency"}
		}
	}
	var naturalKey string
	if nk, ok := entry.NaturalKey(); ok {
		naturalKey = nk.String()
		if _, ok := t.repo.natural[naturalKey]; ok {
			return &models.DuplicateWriteError{Constraint: "ux_ledger_entries_" + string(entry.Reason)}
		}
	}

	t.repo.entries[id] = copyEntry(*entry)
	if idemKey != "" {
		t.repo.idempotency[idemKey] = id
	}
	if naturalKey != "" {
		t.repo.natural[naturalKey] = id
	}

	t.undo = append(t.undo, func() {
		delete(t.repo.entries, id)
		if idemKey != "" {
			delete(t.repo.idempotency, idemKey)
		}
		if naturalKey != "" {
			delete(t.repo.natural, naturalKey)
		}
	})
	return nil
}

func (t *memoryTx) SumEntries(_ context.Context, tenantID, accountID string) (models.EntrySummary, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	var s models.EntrySummary
	for _, e := range t.repo.entries {
		if e.TenantID != tenantID || e.AccountID != accountID {
			continue
		}
		s.Sum += e.PointsDelta
		s.Count++
		if s.LastEntryAt == nil || e.CreatedAt.After(*s.LastEntryAt) {
			at := e.CreatedAt
			s.LastEntryAt = &at
		}
	}
	return s, nil
}

func (t *memoryTx) InsertReconciliationAudit(_ context.Context, audit *models.ReconciliationAudit) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	n := len(t.repo.audits)
	t.repo.audits = append(t.repo.audits, *audit)
	t.undo = append(t.undo, func() { t.repo.audits = t.repo.audits[:n] })
	return nil
}

func copyEntry(e models.LedgerEntry) models.LedgerEntry {
	if e.Metadata != nil {
		md := make(models.Metadata, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
