package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason classifies a ledger entry
type Reason string

const (
	ReasonBaseAccrual  Reason = "base_accrual"
	ReasonPromotion    Reason = "promotion"
	ReasonRedemption   Reason = "redemption"
	ReasonManualReward Reason = "manual_reward"
	ReasonAdjustment   Reason = "adjustment"
	ReasonReversal     Reason = "reversal"

	// Legacy reasons are still present in history but can no longer be written
	ReasonMidSession Reason = "mid_session"
	ReasonSessionEnd Reason = "session_end"
	ReasonCorrection Reason = "correction"
)

// SourceKindLedgerEntry is the source kind a reversal points at
const SourceKindLedgerEntry = "ledger_entry"

var writableReasons = map[Reason]bool{
	ReasonBaseAccrual:  true,
	ReasonPromotion:    true,
	ReasonRedemption:   true,
	ReasonManualReward: true,
	ReasonAdjustment:   true,
	ReasonReversal:     true,
}

var legacyReasons = map[Reason]bool{
	ReasonMidSession: true,
	ReasonSessionEnd: true,
	ReasonCorrection: true,
}

// Writable reports whether new entries may be recorded with this reason
func (r Reason) Writable() bool {
	return writableReasons[r]
}

// Known reports whether the reason is writable or a legacy read-only value
func (r Reason) Known() bool {
	return writableReasons[r] || legacyReasons[r]
}

// ParseReason validates a reason coming from a filter or request
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Known() {
		return "", &ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", s)}
	}
	return r, nil
}

// Metadata is the free-form payload stored as JSONB
type Metadata map[string]interface{}

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// String returns the string value stored under key, or "" when absent
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// LedgerEntry is one immutable balance-affecting event
type LedgerEntry struct {
	ID             snowflake.ID `db:"id" json:"id"`
	TenantID       string       `db:"tenant_id" json:"tenantId"`
	AccountID      string       `db:"account_id" json:"accountId"`
	PointsDelta    int64        `db:"points_delta" json:"pointsDelta"`
	Reason         Reason       `db:"reason" json:"reason"`
	IdempotencyKey *string      `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	SourceKind     *string      `db:"source_kind" json:"sourceKind,omitempty"`
	SourceID       *string      `db:"source_id" json:"sourceId,omitempty"`
	CampaignID     *string      `db:"campaign_id" json:"campaignId,omitempty"`
	Metadata       Metadata     `db:"metadata" json:"metadata"`
	BalanceBefore  int64        `db:"balance_before" json:"balanceBefore"`
	BalanceAfter   int64        `db:"balance_after" json:"balanceAfter"`
	ActorID        string       `db:"actor_id" json:"actorId"`
	GamingDay      time.Time    `db:"gaming_day" json:"gamingDay"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
}

// NaturalKey is the business identity of an entry for reasons that allow
// at most one entry per source.
type NaturalKey struct {
	TenantID   string
	Reason     Reason
	SourceKind string
	SourceID   string
	CampaignID string
}

// String renders the key in a stable form, used by the in-memory store
func (k NaturalKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", k.TenantID, k.Reason, k.SourceKind, k.SourceID, k.CampaignID)
}

// NaturalKey returns the entry's natural key, if its reason has one.
func (e *LedgerEntry) NaturalKey() (NaturalKey, bool) {
	if e.SourceKind == nil || e.SourceID == nil {
		return NaturalKey{}, false
	}
	key := NaturalKey{
		TenantID:   e.TenantID,
		Reason:     e.Reason,
		SourceKind: *e.SourceKind,
		SourceID:   *e.SourceID,
	}
	switch e.Reason {
	case ReasonBaseAccrual, ReasonReversal:
		return key, true
	case ReasonPromotion:
		if e.CampaignID == nil {
			return NaturalKey{}, false
		}
		key.CampaignID = *e.CampaignID
		return key, true
	}
	return NaturalKey{}, false
}

// Account is a loyalty account known to a tenant
type Account struct {
	TenantID  string    `db:"tenant_id" json:"tenantId"`
	AccountID string    `db:"account_id" json:"accountId"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// AccountBalance is the cached sum of an account's ledger entries
type AccountBalance struct {
	TenantID       string    `db:"tenant_id" json:"tenantId"`
	AccountID      string    `db:"account_id" json:"accountId"`
	CurrentBalance int64     `db:"current_balance" json:"currentBalance"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// EntrySummary is the aggregate of an account's ledger history
type EntrySummary struct {
	Sum         int64      `db:"sum"`
	Count       int64      `db:"count"`
	LastEntryAt *time.Time `db:"last_entry_at"`
}

// DriftRecord reports an account whose cached balance disagrees with its ledger
type DriftRecord struct {
	TenantID        string     `db:"tenant_id" json:"tenantId"`
	AccountID       string     `db:"account_id" json:"accountId"`
	CachedBalance   int64      `db:"cached_balance" json:"cachedBalance"`
	ComputedBalance int64      `db:"computed_balance" json:"computedBalance"`
	Drift           int64      `db:"drift" json:"drift"`
	EntryCount      int64      `db:"entry_count" json:"entryCount"`
	LastEntryAt     *time.Time `db:"last_entry_at" json:"lastEntryAt,omitempty"`
	MissingBalance  bool       `db:"missing_balance" json:"missingBalance"`
}

// ReconciliationAudit records an explicit overwrite of a cached balance
type ReconciliationAudit struct {
	ID         string    `db:"id" json:"id"`
	TenantID   string    `db:"tenant_id" json:"tenantId"`
	AccountID  string    `db:"account_id" json:"accountId"`
	OldBalance int64     `db:"old_balance" json:"oldBalance"`
	NewBalance int64     `db:"new_balance" json:"newBalance"`
	ActorID    string    `db:"actor_id" json:"actorId"`
	Note       string    `db:"note" json:"note"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// TenantSettings holds the per-casino values the write path depends on.
// A value is a snapshot: FetchedAt tells callers how old it is.
type TenantSettings struct {
	TenantID       string    `db:"tenant_id" json:"tenantId"`
	Timezone       string    `db:"timezone" json:"timezone"`
	GamingDayStart string    `db:"gaming_day_start" json:"gamingDayStart"` // HH:MM local time
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
	FetchedAt      time.Time `db:"-" json:"-"`
}

// DefaultTenantSettings is used for tenants without a settings row
func DefaultTenantSettings(tenantID string) TenantSettings {
	return TenantSettings{
		TenantID:       tenantID,
		Timezone:       "UTC",
		GamingDayStart: "06:00",
	}
}

// GamingDay returns the business date an instant belongs to. Instants before
// the gaming day start belong to the previous calendar day.
func (s TenantSettings) GamingDay(at time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("error loading timezone %q: %w", s.Timezone, err)
	}
	start, err := time.Parse("15:04", s.GamingDayStart)
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing gaming day start %q: %w", s.GamingDayStart, err)
	}

	local := at.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), start.Hour(), start.Minute(), 0, 0, loc)
	if local.Before(startOfDay) {
		day = day.AddDate(0, 0, -1)
	}
	return day, nil
}

// Validate checks the settings can be used to compute gaming days
func (s TenantSettings) Validate() error {
	if _, err := s.GamingDay(time.Now()); err != nil {
		return &ValidationError{Field: "settings", Message: err.Error()}
	}
	return nil
}

// APIKey is a machine credential bound to a tenant. SecretHash is a bcrypt hash.
type APIKey struct {
	ID         string     `db:"id" json:"id"`
	TenantID   string     `db:"tenant_id" json:"tenantId"`
	Name       string     `db:"name" json:"name"`
	Role       Role       `db:"role" json:"role"`
	SecretHash string     `db:"secret_hash" json:"-"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
}

// Role is the capability level of a caller
type Role string

const (
	RoleStaff   Role = "staff"
	RoleService Role = "service"
	RoleAdmin   Role = "admin"
	// RoleSystem is only granted in-process to the CLI and the drift scheduler
	RoleSystem Role = "system"
)

// Caller is the authenticated identity an operation runs as. The tenant is
// always derived from credentials, never from request parameters.
type Caller struct {
	TenantID string
	ActorID  string
	Role     Role
}

// NewCaller builds a tenant-scoped caller from verified credentials
func NewCaller(tenantID, actorID string, role Role) (Caller, error) {
	if tenantID == "" || actorID == "" {
		return Caller{}, ErrUnauthorized
	}
	switch role {
	case RoleStaff, RoleService, RoleAdmin:
	default:
		return Caller{}, fmt.Errorf("%w: unsupported role %q", ErrUnauthorized, role)
	}
	return Caller{TenantID: tenantID, ActorID: actorID, Role: role}, nil
}

// SystemCaller is used by operator tooling running inside the trust boundary
func SystemCaller(actorID string) Caller {
	return Caller{ActorID: actorID, Role: RoleSystem}
}

// CanWrite reports whether the caller may record ledger entries
func (c Caller) CanWrite() bool {
	return c.TenantID != "" && (c.Role == RoleStaff || c.Role == RoleService || c.Role == RoleAdmin)
}

// CanOperate reports whether the caller may scan drift and reconcile
func (c Caller) CanOperate() bool {
	return c.Role == RoleAdmin || c.Role == RoleSystem
}

// ResolveTenant returns the tenant an operation is scoped to. Tenant-scoped
// callers can only name their own tenant; system callers may name any tenant
// or none (all tenants) when allowAll is set.
func (c Caller) ResolveTenant(requested string, allowAll bool) (string, error) {
	if c.Role == RoleSystem {
		if requested == "" && !allowAll {
			return "", &ValidationError{Field: "tenantId", Message: "tenant is required"}
		}
		return requested, nil
	}
	if c.TenantID == "" {
		return "", ErrUnauthorized
	}
	if requested != "" && requested != c.TenantID {
		return "", ErrForbidden
	}
	return c.TenantID, nil
}

// StringPtr returns nil for empty strings
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string, or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ParseEntryID parses a decimal snowflake id
func ParseEntryID(s string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(s)
	if err != nil || id <= 0 {
		return 0, &ValidationError{Field: "entryId", Message: "invalid entry id"}
	}
	return id, nil
}
