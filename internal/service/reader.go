package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/casinoloyalty/ledger-server/internal/cursor"
	"github.com/casinoloyalty/ledger-server/internal/models"
)

// ListLedgerEntries returns one page of an account's history, newest first.
// Pages are keyed on (createdAt, id) so entries committed while a client is
// paging never shift or duplicate rows already returned.
func (s *DefaultService) ListLedgerEntries(
	ctx context.Context,
	caller models.Caller,
	req models.ListLedgerEntriesRequest,
) (*models.LedgerPage, error) {
	if caller.TenantID == "" {
		return nil, models.ErrUnauthorized
	}

	query, err := s.buildEntryQuery(caller.TenantID, req)
	if err != nil {
		return nil, err
	}

	account, err := s.repo.GetAccount(ctx, query.TenantID, query.AccountID)
	if err != nil {
		return nil, fmt.Errorf("error getting account: %w", err)
	}
	if account == nil {
		return nil, &models.AccountNotFoundError{TenantID: query.TenantID, AccountID: query.AccountID}
	}

	limit := query.Limit
	query.Limit = limit + 1

	entries, err := s.repo.ListEntries(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing ledger entries: %w", err)
	}

	page := &models.LedgerPage{Entries: []models.LedgerEntry{}}
	if len(entries) > limit {
		page.HasMore = true
		entries = entries[:limit]
	}
	page.Entries = append(page.Entries, entries...)

	if page.HasMore {
		last := entries[len(entries)-1]
		next, err := cursor.Encode(cursor.Cursor{CreatedAt: last.CreatedAt, ID: int64(last.ID)})
		if err != nil {
			return nil, fmt.Errorf("error encoding cursor: %w", err)
		}
		page.NextCursor = &next
	}

	return page, nil
}

func (s *DefaultService) buildEntryQuery(tenantID string, req models.ListLedgerEntriesRequest) (models.EntryQuery, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if err := validateAccountID(accountID); err != nil {
		return models.EntryQuery{}, err
	}

	limit := req.Limit
	switch {
	case limit < 0:
		return models.EntryQuery{}, &models.ValidationError{Field: "limit", Message: "must not be negative"}
	case limit == 0:
		limit = s.cfg.DefaultPageLimit
	case limit > s.cfg.MaxPageLimit:
		limit = s.cfg.MaxPageLimit
	}

	for _, r := range req.Reasons {
		if !r.Known() {
			return models.EntryQuery{}, &models.ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", r)}
		}
	}

	if req.From != nil && req.To != nil && !req.From.Before(*req.To) {
		return models.EntryQuery{}, &models.ValidationError{Field: "from", Message: "must be before to"}
	}

	query := models.EntryQuery{
		TenantID:  tenantID,
		AccountID: accountID,
		Reasons:   req.Reasons,
		From:      req.From,
		To:        req.To,
		Limit:     limit,
	}

	if req.Cursor != "" {
		c, err := cursor.Decode(req.Cursor)
		if err != nil {
			return models.EntryQuery{}, fmt.Errorf("%w: %v", models.ErrInvalidCursor, err)
		}
		query.AfterTime = &c.CreatedAt
		query.AfterID = c.ID
	}

	return query, nil
}
