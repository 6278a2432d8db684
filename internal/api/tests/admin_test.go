package api_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/casinoloyalty/ledger-server/internal/api/testutils"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanDriftAndReconcile(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)
	testCtx.RegisterAccount(t, "acct-a")
	staff := testutils.AuthHeaders(testCtx.StaffJWT)
	admin := testutils.AuthHeaders(testCtx.AdminJWT)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/accounts/acct-a/entries",
		map[string]interface{}{"reason": "manual_reward", "pointsDelta": 40}, staff)
	require.Equal(t, http.StatusCreated, w.Code)

	// Test case 1: Staff cannot scan
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/admin/drift", nil, staff)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Test case 2: Clean ledger
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/admin/drift", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var scan models.ScanDriftResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scan))
	assert.Empty(t, scan.Records)
	assert.NotNil(t, scan.Records)

	// Test case 3: Drift is reported, not corrected
	testCtx.Repository.OverwriteBalance(testutils.TestTenantID, "acct-a", 90)
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/admin/drift?threshold=10", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scan))
	require.Len(t, scan.Records, 1)
	assert.Equal(t, int64(50), scan.Records[0].Drift)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/admin/drift?threshold=100", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scan))
	assert.Empty(t, scan.Records)

	// Test case 4: Staff cannot reconcile
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/admin/accounts/acct-a/reconcile", nil, staff)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Test case 5: Admin reconciles with a note
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/admin/accounts/acct-a/reconcile",
		map[string]string{"note": "incident 12"}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reconciled models.ReconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reconciled))
	assert.Equal(t, int64(90), reconciled.OldBalance)
	assert.Equal(t, int64(40), reconciled.NewBalance)
	assert.NotEmpty(t, reconciled.AuditID)

	audits := testCtx.Repository.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, "incident 12", audits[0].Note)
	assert.Equal(t, "admin-1", audits[0].ActorID)

	// Test case 6: Reconcile without a body
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/admin/accounts/acct-a/reconcile", nil, admin)
	assert.Equal(t, http.StatusOK, w.Code)

	// Test case 7: Unknown account
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/admin/accounts/ghost/reconcile", nil, admin)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
