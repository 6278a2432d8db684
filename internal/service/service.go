package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/casinoloyalty/ledger-server/internal/metrics"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
	"go.uber.org/zap"
)

// Service defines all the ledger operations
type Service interface {
	// Accounts
	RegisterAccount(ctx context.Context, caller models.Caller, req models.RegisterAccountRequest) (*models.Account, error)
	GetBalance(ctx context.Context, caller models.Caller, accountID string) (*models.AccountBalance, error)

	// Write path
	CreateLedgerEntry(ctx context.Context, caller models.Caller, req models.CreateLedgerEntryRequest) (*models.ApplyResult, error)

	// Read path
	GetLedgerEntry(ctx context.Context, caller models.Caller, entryID string) (*models.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, caller models.Caller, req models.ListLedgerEntriesRequest) (*models.LedgerPage, error)

	// Drift and reconciliation
	ScanDrift(ctx context.Context, caller models.Caller, req models.ScanDriftRequest) ([]models.DriftRecord, error)
	ReconcileAccount(ctx context.Context, caller models.Caller, req models.ReconcileAccountRequest) (*models.ReconcileResult, error)
	ReconcileFlagged(ctx context.Context, caller models.Caller, req models.ReconcileFlaggedRequest) ([]models.ReconcileResult, error)

	// Administration
	SetTenantSettings(ctx context.Context, caller models.Caller, settings models.TenantSettings) error
	IssueAPIKey(ctx context.Context, caller models.Caller, req models.IssueAPIKeyRequest) (*models.IssuedAPIKey, error)
	AuthenticateAPIKey(ctx context.Context, token string) (models.Caller, error)
}

// IDGenerator hands out ledger entry ids. *snowflake.Node satisfies it.
type IDGenerator interface {
	Generate() snowflake.ID
}

// Config tunes the service
type Config struct {
	DefaultPageLimit int
	MaxPageLimit     int
	SettingsTTL      time.Duration

	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// DefaultService implements the Service interface
type DefaultService struct {
	repo     repository.Repository
	ids      IDGenerator
	settings *SettingsCache
	logger   *zap.Logger
	metrics  *metrics.LedgerMetrics
	cfg      Config
}

// NewDefaultService creates a new DefaultService. logger and m may be nil.
func NewDefaultService(
	repo repository.Repository,
	ids IDGenerator,
	logger *zap.Logger,
	m *metrics.LedgerMetrics,
	cfg Config,
) *DefaultService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultPageLimit <= 0 {
		cfg.DefaultPageLimit = 20
	}
	if cfg.MaxPageLimit < cfg.DefaultPageLimit {
		cfg.MaxPageLimit = 100
	}
	if cfg.SettingsTTL <= 0 {
		cfg.SettingsTTL = 5 * time.Minute
	}

	return &DefaultService{
		repo:     repo,
		ids:      ids,
		settings: NewSettingsCache(repo, cfg.SettingsTTL, cfg.Now),
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
	}
}

// now returns the current time at the store's precision
func (s *DefaultService) now() time.Time {
	return s.cfg.Now().UTC().Truncate(time.Microsecond)
}

// Account operations
func (s *DefaultService) RegisterAccount(
	ctx context.Context,
	caller models.Caller,
	req models.RegisterAccountRequest,
) (*models.Account, error) {
	if !caller.CanWrite() {
		return nil, models.ErrForbidden
	}

	accountID := strings.TrimSpace(req.AccountID)
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	account, err := s.repo.CreateAccount(ctx, &models.Account{
		TenantID:  caller.TenantID,
		AccountID: accountID,
		Status:    "active",
		CreatedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating account: %w", err)
	}

	return account, nil
}

func (s *DefaultService) GetBalance(ctx context.Context, caller models.Caller, accountID string) (*models.AccountBalance, error) {
	if caller.TenantID == "" {
		return nil, models.ErrUnauthorized
	}

	accountID = strings.TrimSpace(accountID)
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	account, err := s.repo.GetAccount(ctx, caller.TenantID, accountID)
	if err != nil {
		return nil, fmt.Errorf("error getting account: %w", err)
	}
	if account == nil {
		return nil, &models.AccountNotFoundError{TenantID: caller.TenantID, AccountID: accountID}
	}

	balance, err := s.repo.GetBalance(ctx, caller.TenantID, accountID)
	if err != nil {
		return nil, fmt.Errorf("error getting balance: %w", err)
	}

	// No ledger writes yet
	if balance == nil {
		balance = &models.AccountBalance{
			TenantID:  caller.TenantID,
			AccountID: accountID,
			UpdatedAt: account.CreatedAt,
		}
	}

	return balance, nil
}

// GetLedgerEntry retrieves one entry of the caller's tenant
func (s *DefaultService) GetLedgerEntry(ctx context.Context, caller models.Caller, entryID string) (*models.LedgerEntry, error) {
	if caller.TenantID == "" {
		return nil, models.ErrUnauthorized
	}

	id, err := models.ParseEntryID(entryID)
	if err != nil {
		return nil, err
	}

	entry, err := s.repo.GetEntry(ctx, caller.TenantID, int64(id))
	if err != nil {
		return nil, fmt.Errorf("error getting ledger entry: %w", err)
	}
	if entry == nil {
		return nil, models.ErrEntryNotFound
	}

	return entry, nil
}

// SetTenantSettings stores new settings and drops the cached copy
func (s *DefaultService) SetTenantSettings(ctx context.Context, caller models.Caller, settings models.TenantSettings) error {
	if !caller.CanOperate() {
		return models.ErrForbidden
	}

	tenantID, err := caller.ResolveTenant(settings.TenantID, false)
	if err != nil {
		return err
	}
	settings.TenantID = tenantID
	settings.UpdatedAt = s.now()

	if err := settings.Validate(); err != nil {
		return err
	}

	if err := s.repo.UpsertTenantSettings(ctx, &settings); err != nil {
		return fmt.Errorf("error saving tenant settings: %w", err)
	}
	s.settings.Invalidate(tenantID)

	s.logger.Info("tenant settings updated",
		zap.String("tenant_id", tenantID),
		zap.String("timezone", settings.Timezone),
		zap.String("gaming_day_start", settings.GamingDayStart),
		zap.String("actor_id", caller.ActorID),
	)
	return nil
}

// wrapUnexpected adds context to errors that are not part of the taxonomy
func wrapUnexpected(action string, err error) error {
	if err == nil {
		return nil
	}
	if models.IsClientError(err) ||
		models.IsNotFound(err) ||
		models.IsRetryable(err) ||
		errors.Is(err, models.ErrForbidden) ||
		errors.Is(err, models.ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("error %s: %w", action, err)
}

func validateAccountID(accountID string) error {
	if accountID == "" {
		return &models.ValidationError{Field: "accountId", Message: "is required"}
	}
	if len(accountID) > 64 {
		return &models.ValidationError{Field: "accountId", Message: "must be at most 64 characters"}
	}
	return nil
}
