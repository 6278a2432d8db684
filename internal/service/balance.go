package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/metrics"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
	"go.uber.org/zap"
)

// errReleaseLock rolls back a transaction that only read state, so an
// existing entry never touches the balance row.
var errReleaseLock = errors.New("release balance lock")

// CreateLedgerEntry records a balance-affecting event exactly once and keeps
// the cached balance equal to the sum of the account's entries.
func (s *DefaultService) CreateLedgerEntry(
	ctx context.Context,
	caller models.Caller,
	req models.CreateLedgerEntryRequest,
) (*models.ApplyResult, error) {
	started := time.Now()

	result, err := s.createLedgerEntry(ctx, caller, req)

	outcome := writeOutcome(result, err)
	s.metrics.ObserveWrite(req.Reason, outcome, time.Since(started))

	if err != nil {
		fields := []zap.Field{
			zap.String("tenant_id", caller.TenantID),
			zap.String("account_id", req.AccountID),
			zap.String("reason", string(req.Reason)),
			zap.String("outcome", outcome),
			zap.Error(err),
		}
		if outcome == metrics.OutcomeFailed {
			s.logger.Error("ledger write failed", fields...)
		} else {
			s.logger.Info("ledger write rejected", fields...)
		}
		return nil, err
	}

	if result.IsExisting {
		s.logger.Info("ledger write deduplicated", zapEntry(&result.Entry)...)
	} else {
		s.logger.Info("ledger entry recorded", append(zapEntry(&result.Entry),
			zap.Int64("balance_before", result.BalanceBefore),
			zap.Int64("balance_after", result.BalanceAfter),
		)...)
	}
	return result, nil
}

func (s *DefaultService) createLedgerEntry(
	ctx context.Context,
	caller models.Caller,
	req models.CreateLedgerEntryRequest,
) (*models.ApplyResult, error) {
	if caller.TenantID == "" {
		return nil, models.ErrUnauthorized
	}
	if !caller.CanWrite() {
		return nil, models.ErrForbidden
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if err := validateEntryRequest(req); err != nil {
		return nil, err
	}

	settings, err := s.settings.Get(ctx, caller.TenantID)
	if err != nil {
		return nil, err
	}

	result, err := s.applyEntry(ctx, caller, req, settings)
	if err != nil {
		return nil, wrapUnexpected("applying ledger entry", err)
	}
	return result, nil
}

// applyEntry is the balance maintainer: one transaction that locks the
// account's balance row, writes the entry idempotently and moves the balance
// by exactly its delta.
func (s *DefaultService) applyEntry(
	ctx context.Context,
	caller models.Caller,
	req models.CreateLedgerEntryRequest,
	settings models.TenantSettings,
) (*models.ApplyResult, error) {
	var result *models.ApplyResult

	err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
		accountID := req.AccountID

		exists, err := tx.AccountExists(ctx, caller.TenantID, accountID)
		if err != nil {
			return err
		}
		if !exists {
			return &models.AccountNotFoundError{TenantID: caller.TenantID, AccountID: accountID}
		}

		balance, err := tx.LockBalance(ctx, caller.TenantID, accountID, s.now())
		if err != nil {
			return err
		}

		// Taken after the lock so created_at follows commit order per account
		now := s.now()

		entry, err := s.buildEntry(caller, req, settings, now)
		if err != nil {
			return err
		}
		entry.BalanceBefore = balance.CurrentBalance

		written, existing, err := s.writeIdempotent(ctx, tx, entry)
		if err != nil {
			return err
		}

		if existing {
			result = &models.ApplyResult{
				Entry:         *written,
				BalanceBefore: written.BalanceBefore,
				BalanceAfter:  written.BalanceAfter,
				IsExisting:    true,
			}
			return errReleaseLock
		}

		if err := tx.UpdateBalance(ctx, caller.TenantID, accountID, written.BalanceAfter, now); err != nil {
			return err
		}

		result = &models.ApplyResult{
			Entry:         *written,
			BalanceBefore: written.BalanceBefore,
			BalanceAfter:  written.BalanceAfter,
		}
		return nil
	})
	if err != nil && !errors.Is(err, errReleaseLock) {
		return nil, err
	}

	if result == nil {
		return nil, fmt.Errorf("ledger write for %s finished without a result", req.AccountID)
	}
	return result, nil
}

func writeOutcome(result *models.ApplyResult, err error) string {
	switch {
	case err == nil && result.IsExisting:
		return metrics.OutcomeExisting
	case err == nil:
		return metrics.OutcomeCreated
	case models.IsRetryable(err):
		return metrics.OutcomeAborted
	case models.IsClientError(err),
		models.IsNotFound(err),
		errors.Is(err, models.ErrForbidden),
		errors.Is(err, models.ErrUnauthorized):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}

func zapEntry(e *models.LedgerEntry) []zap.Field {
	return []zap.Field{
		zap.String("tenant_id", e.TenantID),
		zap.String("account_id", e.AccountID),
		zap.String("entry_id", e.ID.String()),
		zap.String("reason", string(e.Reason)),
		zap.Int64("points_delta", e.PointsDelta),
		zap.String("actor_id", e.ActorID),
	}
}
