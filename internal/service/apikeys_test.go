package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticateAPIKey(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()

	issued, err := tc.Service.IssueAPIKey(ctx, models.SystemCaller("cli"), models.IssueAPIKeyRequest{
		TenantID: testTenant,
		Name:     "slot-floor",
		Role:     models.RoleService,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Token, "lk_"+issued.Key.ID+"_"))
	assert.NotContains(t, issued.Key.SecretHash, strings.TrimPrefix(issued.Token, "lk_"+issued.Key.ID+"_"))

	caller, err := tc.Service.AuthenticateAPIKey(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, testTenant, caller.TenantID)
	assert.Equal(t, models.RoleService, caller.Role)
	assert.Equal(t, "apikey:"+issued.Key.ID, caller.ActorID)

	_, err = tc.Service.AuthenticateAPIKey(ctx, issued.Token+"x")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	for _, bad := range []string{"", "lk_", "lk_abc", "token", "lk__secret", "lk_missing_secret"} {
		_, err = tc.Service.AuthenticateAPIKey(ctx, bad)
		assert.ErrorIs(t, err, models.ErrUnauthorized, bad)
	}
}

func TestAuthenticateRevokedAPIKey(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()

	issued, err := tc.Service.IssueAPIKey(ctx, models.SystemCaller("cli"), models.IssueAPIKeyRequest{
		TenantID: testTenant,
		Name:     "old-kiosk",
		Role:     models.RoleStaff,
	})
	require.NoError(t, err)

	revoked := issued.Key
	at := time.Now()
	revoked.ID = "revoked" + revoked.ID
	revoked.RevokedAt = &at
	require.NoError(t, tc.Repo.CreateAPIKey(ctx, &revoked))

	token := "lk_" + revoked.ID + "_" + strings.TrimPrefix(issued.Token, "lk_"+issued.Key.ID+"_")
	_, err = tc.Service.AuthenticateAPIKey(ctx, token)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestIssueAPIKeyValidation(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()

	_, err := tc.Service.IssueAPIKey(ctx, tc.Admin, models.IssueAPIKeyRequest{TenantID: testTenant, Name: "x", Role: models.RoleStaff})
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = tc.Service.IssueAPIKey(ctx, models.SystemCaller("cli"), models.IssueAPIKeyRequest{Name: "x", Role: models.RoleStaff})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = tc.Service.IssueAPIKey(ctx, models.SystemCaller("cli"), models.IssueAPIKeyRequest{TenantID: testTenant, Name: "x", Role: models.RoleSystem})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}
