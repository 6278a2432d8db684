package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ScanDrift reports accounts whose cached balance differs from the sum of
// their ledger entries by more than the threshold. It never modifies state.
func (s *DefaultService) ScanDrift(
	ctx context.Context,
	caller models.Caller,
	req models.ScanDriftRequest,
) ([]models.DriftRecord, error) {
	if !caller.CanOperate() {
		return nil, models.ErrForbidden
	}
	if req.Threshold < 0 {
		return nil, &models.ValidationError{Field: "threshold", Message: "must not be negative"}
	}

	tenantID, err := caller.ResolveTenant(req.TenantID, true)
	if err != nil {
		return nil, err
	}

	records, err := s.repo.ScanDrift(ctx, tenantID, req.Threshold)
	if err != nil {
		s.metrics.ObserveDriftScanError()
		return nil, fmt.Errorf("error scanning drift: %w", err)
	}
	if records == nil {
		records = []models.DriftRecord{}
	}

	s.metrics.ObserveDriftScan(tenantID, records)
	for _, r := range records {
		s.logger.Warn("balance drift detected",
			zap.String("tenant_id", r.TenantID),
			zap.String("account_id", r.AccountID),
			zap.Int64("cached_balance", r.CachedBalance),
			zap.Int64("computed_balance", r.ComputedBalance),
			zap.Int64("drift", r.Drift),
			zap.Bool("missing_balance", r.MissingBalance),
		)
	}
	s.logger.Info("drift scan finished",
		zap.String("tenant_id", tenantID),
		zap.Int("drifted_accounts", len(records)),
	)

	return records, nil
}

// ReconcileAccount overwrites the cached balance with the ledger sum under
// the account lock and records an audit row. It is the only path that sets
// a balance to anything other than balance plus delta.
func (s *DefaultService) ReconcileAccount(
	ctx context.Context,
	caller models.Caller,
	req models.ReconcileAccountRequest,
) (*models.ReconcileResult, error) {
	if !caller.CanOperate() {
		return nil, models.ErrForbidden
	}

	tenantID, err := caller.ResolveTenant(req.TenantID, false)
	if err != nil {
		return nil, err
	}
	accountID := strings.TrimSpace(req.AccountID)
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}

	var result *models.ReconcileResult
	err = s.repo.WithTx(ctx, func(tx repository.Tx) error {
		exists, err := tx.AccountExists(ctx, tenantID, accountID)
		if err != nil {
			return err
		}
		if !exists {
			return &models.AccountNotFoundError{TenantID: tenantID, AccountID: accountID}
		}

		balance, err := tx.LockBalance(ctx, tenantID, accountID, s.now())
		if err != nil {
			return err
		}

		summary, err := tx.SumEntries(ctx, tenantID, accountID)
		if err != nil {
			return err
		}

		now := s.now()
		if err := tx.UpdateBalance(ctx, tenantID, accountID, summary.Sum, now); err != nil {
			return err
		}

		audit := &models.ReconciliationAudit{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			AccountID:  accountID,
			OldBalance: balance.CurrentBalance,
			NewBalance: summary.Sum,
			ActorID:    caller.ActorID,
			Note:       req.Note,
			CreatedAt:  now,
		}
		if err := tx.InsertReconciliationAudit(ctx, audit); err != nil {
			return err
		}

		result = &models.ReconcileResult{
			TenantID:   tenantID,
			AccountID:  accountID,
			OldBalance: audit.OldBalance,
			NewBalance: audit.NewBalance,
			AuditID:    audit.ID,
		}
		return nil
	})
	if err != nil {
		return nil, wrapUnexpected("reconciling account", err)
	}

	s.metrics.ObserveReconciliation(tenantID)
	s.logger.Info("account reconciled",
		zap.String("tenant_id", tenantID),
		zap.String("account_id", accountID),
		zap.Int64("old_balance", result.OldBalance),
		zap.Int64("new_balance", result.NewBalance),
		zap.String("audit_id", result.AuditID),
		zap.String("actor_id", caller.ActorID),
	)
	return result, nil
}

// ReconcileFlagged scans for drift and reconciles every flagged account.
// Accounts that fail are reported together; the others are still fixed.
func (s *DefaultService) ReconcileFlagged(
	ctx context.Context,
	caller models.Caller,
	req models.ReconcileFlaggedRequest,
) ([]models.ReconcileResult, error) {
	records, err := s.ScanDrift(ctx, caller, models.ScanDriftRequest{
		TenantID:  req.TenantID,
		Threshold: req.Threshold,
	})
	if err != nil {
		return nil, err
	}

	results := []models.ReconcileResult{}
	var errs []error
	for _, r := range records {
		res, err := s.ReconcileAccount(ctx, caller, models.ReconcileAccountRequest{
			TenantID:  r.TenantID,
			AccountID: r.AccountID,
			Note:      req.Note,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", r.TenantID, r.AccountID, err))
			continue
		}
		results = append(results, *res)
	}

	return results, errors.Join(errs...)
}
