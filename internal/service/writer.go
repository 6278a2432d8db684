package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
)

const (
	maxKeyLength      = 255
	metadataCampaign  = "campaign_id"
	metadataReversed  = "reversed_entry_id"
	maxMetadataFields = 64
)

// validateEntryRequest checks everything about a write that does not need
// the store. It runs before any lock is taken.
func validateEntryRequest(req models.CreateLedgerEntryRequest) error {
	if err := validateAccountID(strings.TrimSpace(req.AccountID)); err != nil {
		return err
	}

	if req.Reason == "" {
		return &models.ValidationError{Field: "reason", Message: "is required"}
	}
	if !req.Reason.Known() {
		return &models.ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", req.Reason)}
	}
	if !req.Reason.Writable() {
		return &models.ValidationError{Field: "reason", Message: fmt.Sprintf("%q is read-only", req.Reason)}
	}

	if req.PointsDelta == nil {
		return &models.ValidationError{Field: "pointsDelta", Message: "is required"}
	}
	delta := *req.PointsDelta

	if (req.SourceKind == "") != (req.SourceID == "") {
		return &models.ValidationError{Field: "sourceKind", Message: "sourceKind and sourceId must be supplied together"}
	}
	if len(req.SourceKind) > maxKeyLength || len(req.SourceID) > maxKeyLength {
		return &models.ValidationError{Field: "sourceId", Message: "source identifiers are too long"}
	}
	if len(req.IdempotencyKey) > maxKeyLength {
		return &models.ValidationError{Field: "idempotencyKey", Message: "must be at most 255 characters"}
	}
	if len(req.Metadata) > maxMetadataFields {
		return &models.ValidationError{Field: "metadata", Message: "too many fields"}
	}

	switch req.Reason {
	case models.ReasonBaseAccrual:
		if delta < 0 {
			return &models.ValidationError{Field: "pointsDelta", Message: "base accrual cannot mint negative points"}
		}
		if req.SourceID == "" {
			return &models.ValidationError{Field: "sourceId", Message: "base accrual requires a source"}
		}
	case models.ReasonPromotion:
		if req.Metadata.String(metadataCampaign) == "" {
			return &models.ValidationError{Field: "metadata.campaign_id", Message: "promotion requires a campaign"}
		}
		if delta == 0 {
			return &models.ValidationError{Field: "pointsDelta", Message: "must not be zero"}
		}
	case models.ReasonRedemption:
		if delta >= 0 {
			return &models.ValidationError{Field: "pointsDelta", Message: "redemption must be negative"}
		}
	case models.ReasonManualReward, models.ReasonAdjustment:
		if delta == 0 {
			return &models.ValidationError{Field: "pointsDelta", Message: "must not be zero"}
		}
	case models.ReasonReversal:
		if req.SourceKind != models.SourceKindLedgerEntry {
			return &models.ValidationError{
				Field:   "sourceKind",
				Message: fmt.Sprintf("reversal must reference a %s", models.SourceKindLedgerEntry),
			}
		}
		if _, err := models.ParseEntryID(req.SourceID); err != nil {
			return &models.ValidationError{Field: "sourceId", Message: "reversal must reference an entry id"}
		}
	}

	return nil
}

// buildEntry derives the row to insert. The gaming day is computed here from
// the tenant settings snapshot instead of by the store.
func (s *DefaultService) buildEntry(
	caller models.Caller,
	req models.CreateLedgerEntryRequest,
	settings models.TenantSettings,
	now time.Time,
) (*models.LedgerEntry, error) {
	gamingDay, err := settings.GamingDay(now)
	if err != nil {
		return nil, err
	}

	metadata := models.Metadata{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	entry := &models.LedgerEntry{
		ID:             s.ids.Generate(),
		TenantID:       caller.TenantID,
		AccountID:      strings.TrimSpace(req.AccountID),
		PointsDelta:    *req.PointsDelta,
		Reason:         req.Reason,
		IdempotencyKey: models.StringPtr(req.IdempotencyKey),
		SourceKind:     models.StringPtr(req.SourceKind),
		SourceID:       models.StringPtr(req.SourceID),
		Metadata:       metadata,
		ActorID:        caller.ActorID,
		GamingDay:      gamingDay,
		CreatedAt:      now,
	}

	switch req.Reason {
	case models.ReasonPromotion:
		entry.CampaignID = models.StringPtr(metadata.String(metadataCampaign))
	case models.ReasonReversal:
		metadata[metadataReversed] = req.SourceID
	}

	return entry, nil
}

// writeIdempotent records entry unless an entry with the same idempotency
// key or natural key exists, in which case that entry is returned with
// existing set. It must run inside the caller's transaction.
func (s *DefaultService) writeIdempotent(
	ctx context.Context,
	tx repository.Tx,
	entry *models.LedgerEntry,
) (written *models.LedgerEntry, existing bool, err error) {
	found, err := findExisting(ctx, tx, entry)
	if err != nil {
		return nil, false, err
	}
	if found != nil {
		return found, true, nil
	}

	if entry.Reason == models.ReasonReversal {
		if err := checkReversal(ctx, tx, entry); err != nil {
			return nil, false, err
		}
	}

	if overflows(entry.BalanceBefore, entry.PointsDelta) {
		return nil, false, &models.ValidationError{Field: "pointsDelta", Message: "balance would overflow"}
	}
	entry.BalanceAfter = entry.BalanceBefore + entry.PointsDelta

	err = tx.InsertEntry(ctx, entry)
	if err == nil {
		return entry, false, nil
	}

	var dup *models.DuplicateWriteError
	if !errors.As(err, &dup) {
		return nil, false, err
	}

	// A concurrent writer with the same identity committed first
	found, err = findExisting(ctx, tx, entry)
	if err != nil {
		return nil, false, err
	}
	if found == nil {
		return nil, false, fmt.Errorf("%w: %s rejected the insert but no matching entry is visible",
			models.ErrTransactionAborted, dup.Constraint)
	}

	s.logger.Debug("insert race resolved to existing entry",
		zapEntry(found)...,
	)
	return found, true, nil
}

// findExisting looks the entry up by idempotency key, then by natural key
func findExisting(ctx context.Context, tx repository.Tx, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	if entry.IdempotencyKey != nil {
		found, err := tx.FindEntryByIdempotencyKey(ctx, entry.TenantID, *entry.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}

	if key, ok := entry.NaturalKey(); ok {
		return tx.FindEntryByNaturalKey(ctx, key)
	}

	return nil, nil
}

// checkReversal enforces the reversal policy: the target exists in the same
// account, is not itself a reversal, and the delta cancels it exactly. At
// most one reversal per target is guaranteed by the natural key.
func checkReversal(ctx context.Context, tx repository.Tx, entry *models.LedgerEntry) error {
	targetID, err := models.ParseEntryID(models.Deref(entry.SourceID))
	if err != nil {
		return err
	}

	target, err := tx.GetEntry(ctx, entry.TenantID, int64(targetID))
	if err != nil {
		return err
	}
	if target == nil || target.AccountID != entry.AccountID {
		return &models.ValidationError{Field: "sourceId", Message: "reversed entry not found in this account"}
	}
	if target.Reason == models.ReasonReversal {
		return &models.ValidationError{Field: "sourceId", Message: "a reversal cannot be reversed"}
	}
	if entry.PointsDelta != -target.PointsDelta {
		return &models.ValidationError{
			Field:   "pointsDelta",
			Message: fmt.Sprintf("reversal must be %d", -target.PointsDelta),
		}
	}
	return nil
}

func overflows(balance, delta int64) bool {
	if delta > 0 {
		return balance > math.MaxInt64-delta
	}
	return balance < math.MinInt64-delta
}
