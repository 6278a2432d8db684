package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "casino-1"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testContext struct {
	Repo    *repository.MemoryRepository
	Service *DefaultService
	Clock   *testClock
	Staff   models.Caller
	Admin   models.Caller
}

func setupService(t *testing.T) *testContext {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryRepository(2 * time.Second)
	svc := NewDefaultService(repo, node, nil, nil, Config{
		DefaultPageLimit: 20,
		MaxPageLimit:     100,
		SettingsTTL:      time.Minute,
		Now:              clock.Now,
	})

	staff, err := models.NewCaller(testTenant, "staff-7", models.RoleStaff)
	require.NoError(t, err)
	admin, err := models.NewCaller(testTenant, "admin-1", models.RoleAdmin)
	require.NoError(t, err)

	return &testContext{Repo: repo, Service: svc, Clock: clock, Staff: staff, Admin: admin}
}

func (tc *testContext) register(t *testing.T, accountID string) {
	t.Helper()
	_, err := tc.Service.RegisterAccount(context.Background(), tc.Staff, models.RegisterAccountRequest{AccountID: accountID})
	require.NoError(t, err)
}

func (tc *testContext) write(t *testing.T, req models.CreateLedgerEntryRequest) *models.ApplyResult {
	t.Helper()
	res, err := tc.Service.CreateLedgerEntry(context.Background(), tc.Staff, req)
	require.NoError(t, err)
	return res
}

func delta(v int64) *int64 {
	return &v
}

func TestRegisterAccount(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()

	account, err := tc.Service.RegisterAccount(ctx, tc.Staff, models.RegisterAccountRequest{AccountID: " acct-1 "})
	assert.NoError(t, err)
	assert.Equal(t, "acct-1", account.AccountID)
	assert.Equal(t, testTenant, account.TenantID)

	// Registering again returns the same account
	again, err := tc.Service.RegisterAccount(ctx, tc.Staff, models.RegisterAccountRequest{AccountID: "acct-1"})
	assert.NoError(t, err)
	assert.Equal(t, account.CreatedAt, again.CreatedAt)

	_, err = tc.Service.RegisterAccount(ctx, tc.Staff, models.RegisterAccountRequest{AccountID: ""})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = tc.Service.RegisterAccount(ctx, models.SystemCaller("cli"), models.RegisterAccountRequest{AccountID: "x"})
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestGetBalance(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-1")

	// No entries yet
	balance, err := tc.Service.GetBalance(ctx, tc.Staff, "acct-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), balance.CurrentBalance)

	tc.write(t, models.CreateLedgerEntryRequest{
		AccountID:   "acct-1",
		Reason:      models.ReasonManualReward,
		PointsDelta: delta(75),
	})

	balance, err = tc.Service.GetBalance(ctx, tc.Staff, "acct-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(75), balance.CurrentBalance)

	_, err = tc.Service.GetBalance(ctx, tc.Staff, "missing")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	// Another tenant cannot see the account
	other, err := models.NewCaller("casino-2", "staff-1", models.RoleStaff)
	require.NoError(t, err)
	_, err = tc.Service.GetBalance(ctx, other, "acct-1")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestGetBalanceNormalizesAccountID(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "  acct-pad  ")

	balance, err := tc.Service.GetBalance(ctx, tc.Staff, " acct-pad ")
	require.NoError(t, err)
	assert.Equal(t, "acct-pad", balance.AccountID)

	_, err = tc.Service.GetBalance(ctx, tc.Staff, "   ")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestGetLedgerEntry(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-1")

	res := tc.write(t, models.CreateLedgerEntryRequest{
		AccountID:   "acct-1",
		Reason:      models.ReasonManualReward,
		PointsDelta: delta(10),
	})

	entry, err := tc.Service.GetLedgerEntry(ctx, tc.Staff, res.Entry.ID.String())
	assert.NoError(t, err)
	assert.Equal(t, res.Entry.ID, entry.ID)

	_, err = tc.Service.GetLedgerEntry(ctx, tc.Staff, "not-a-number")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = tc.Service.GetLedgerEntry(ctx, tc.Staff, "12345")
	assert.ErrorIs(t, err, models.ErrEntryNotFound)

	other, err := models.NewCaller("casino-2", "staff-1", models.RoleStaff)
	require.NoError(t, err)
	_, err = tc.Service.GetLedgerEntry(ctx, other, res.Entry.ID.String())
	assert.ErrorIs(t, err, models.ErrEntryNotFound)
}

func TestSetTenantSettings(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()

	err := tc.Service.SetTenantSettings(ctx, tc.Staff, models.TenantSettings{Timezone: "UTC", GamingDayStart: "06:00"})
	assert.ErrorIs(t, err, models.ErrForbidden)

	err = tc.Service.SetTenantSettings(ctx, tc.Admin, models.TenantSettings{Timezone: "Mars/Olympus", GamingDayStart: "06:00"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	err = tc.Service.SetTenantSettings(ctx, tc.Admin, models.TenantSettings{TenantID: "casino-2", Timezone: "UTC", GamingDayStart: "06:00"})
	assert.ErrorIs(t, err, models.ErrForbidden)

	err = tc.Service.SetTenantSettings(ctx, tc.Admin, models.TenantSettings{Timezone: "America/Los_Angeles", GamingDayStart: "04:00"})
	assert.NoError(t, err)

	stored, err := tc.Repo.GetTenantSettings(ctx, testTenant)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "America/Los_Angeles", stored.Timezone)

	// System callers must name the tenant
	err = tc.Service.SetTenantSettings(ctx, models.SystemCaller("cli"), models.TenantSettings{Timezone: "UTC", GamingDayStart: "06:00"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
