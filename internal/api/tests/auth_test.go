package api_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/casinoloyalty/ledger-server/internal/api/testutils"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	path := "/api/accounts/acct-1/balance"

	// Test case 1: No credentials
	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Test case 2: Malformed header
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, map[string]string{
		"Authorization": "Token abc",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Test case 3: Token signed with another secret
	forged := testutils.SignToken(t, []byte("other-secret"), testutils.TestTenantID, "staff-1", models.RoleStaff)
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, testutils.AuthHeaders(forged))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Test case 4: Token without a tenant
	noTenant := testutils.SignToken(t, testCtx.JWTSecret, "", "staff-1", models.RoleStaff)
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, testutils.AuthHeaders(noTenant))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Test case 5: System role cannot be claimed by a token
	system := testutils.SignToken(t, testCtx.JWTSecret, testutils.TestTenantID, "root", models.RoleSystem)
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, testutils.AuthHeaders(system))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Test case 6: Valid token reaches the handler
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, testutils.AuthHeaders(testCtx.StaffJWT))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTenantCannotBeSelectedByRequest(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)
	testCtx.RegisterAccount(t, "acct-1")

	// Query parameter naming another tenant
	w := testutils.PerformRequest(testCtx.Router, http.MethodGet,
		"/api/accounts/acct-1/balance?tenantId=casino-other", nil,
		testutils.AuthHeaders(testCtx.StaffJWT))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Header naming another tenant
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet,
		"/api/accounts/acct-1/balance", nil,
		testutils.WithHeader(testutils.AuthHeaders(testCtx.StaffJWT), "X-Tenant-Id", "casino-other"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Naming one's own tenant is harmless
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet,
		"/api/accounts/acct-1/balance?tenantId="+testutils.TestTenantID, nil,
		testutils.AuthHeaders(testCtx.StaffJWT))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyAuthentication(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)
	testCtx.RegisterAccount(t, "acct-1")

	issued, err := testCtx.Service.IssueAPIKey(context.Background(), models.SystemCaller("test"), models.IssueAPIKeyRequest{
		TenantID: testutils.TestTenantID,
		Name:     "rating-system",
		Role:     models.RoleService,
	})
	require.NoError(t, err)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/accounts/acct-1/entries",
		map[string]interface{}{
			"reason":      "base_accrual",
			"pointsDelta": 120,
			"sourceKind":  "session",
			"sourceId":    "s-1",
		},
		map[string]string{"X-API-Key": issued.Token},
	)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/accounts/acct-1/balance", nil,
		map[string]string{"X-API-Key": "lk_nope_nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Service keys cannot run admin operations
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/admin/drift", nil,
		map[string]string{"X-API-Key": issued.Token})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthz(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
