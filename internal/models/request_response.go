package models

import "time"

// Request models
type RegisterAccountRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

// CreateLedgerEntryRequest is the input to the idempotent write path. The
// tenant comes from the Caller, the account from the route.
type CreateLedgerEntryRequest struct {
	AccountID      string   `json:"-"`
	Reason         Reason   `json:"reason" binding:"required"`
	PointsDelta    *int64   `json:"pointsDelta" binding:"required"`
	SourceKind     string   `json:"sourceKind"`
	SourceID       string   `json:"sourceId"`
	IdempotencyKey string   `json:"idempotencyKey"`
	Metadata       Metadata `json:"metadata"`
}

// ListLedgerEntriesRequest selects one page of an account's history
type ListLedgerEntriesRequest struct {
	AccountID string
	Cursor    string
	Limit     int
	Reasons   []Reason
	From      *time.Time
	To        *time.Time
}

// EntryQuery is the decoded form handed to the repository
type EntryQuery struct {
	TenantID  string
	AccountID string
	AfterTime *time.Time
	AfterID   int64
	Reasons   []Reason
	From      *time.Time
	To        *time.Time
	Limit     int
}

type IssueAPIKeyRequest struct {
	TenantID string
	Name     string
	Role     Role
}

type ScanDriftRequest struct {
	TenantID  string `form:"tenantId"`
	Threshold int64  `form:"threshold"`
}

type ReconcileAccountRequest struct {
	TenantID  string `json:"-"`
	AccountID string `json:"-"`
	Note      string `json:"note"`
}

type ReconcileFlaggedRequest struct {
	TenantID  string
	Threshold int64
	Note      string
}

// ApplyResult is what the balance maintainer returns for one write
type ApplyResult struct {
	Entry         LedgerEntry
	BalanceBefore int64
	BalanceAfter  int64
	IsExisting    bool
}

// LedgerPage is one page of an account's ledger history
type LedgerPage struct {
	Entries    []LedgerEntry
	NextCursor *string
	HasMore    bool
}

// IssuedAPIKey carries the plaintext token, shown once
type IssuedAPIKey struct {
	Key   APIKey
	Token string
}

// ReconcileResult is the outcome of one explicit balance correction
type ReconcileResult struct {
	TenantID   string `json:"tenantId"`
	AccountID  string `json:"accountId"`
	OldBalance int64  `json:"oldBalance"`
	NewBalance int64  `json:"newBalance"`
	AuditID    string `json:"auditId"`
}

// Response models
type AccountResponse struct {
	Status  string  `json:"status"`
	Account Account `json:"account"`
}

type BalanceResponse struct {
	Status  string         `json:"status"`
	Balance AccountBalance `json:"balance"`
}

type LedgerEntryResponse struct {
	Status        string      `json:"status"`
	Entry         LedgerEntry `json:"entry"`
	BalanceBefore int64       `json:"balanceBefore"`
	BalanceAfter  int64       `json:"balanceAfter"`
	IsExisting    bool        `json:"isExisting"`
}

type ListLedgerEntriesResponse struct {
	Status     string        `json:"status"`
	Entries    []LedgerEntry `json:"entries"`
	NextCursor *string       `json:"nextCursor"`
	HasMore    bool          `json:"hasMore"`
}

type ScanDriftResponse struct {
	Status    string        `json:"status"`
	Records   []DriftRecord `json:"records"`
	ScannedAt time.Time     `json:"scannedAt"`
}

type ReconcileResponse struct {
	Status string `json:"status"`
	ReconcileResult
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
