package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/casinoloyalty/ledger-server/internal/api/testutils"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentLedgerEntries(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)
	testCtx.RegisterAccount(t, "acct-b")
	headers := testutils.AuthHeaders(testCtx.StaffJWT)

	t.Run("TestNoLostUpdates", func(t *testing.T) {
		const numGoroutines = 10
		const entriesPerGoroutine = 5

		var wg sync.WaitGroup
		codes := make(chan int, numGoroutines*entriesPerGoroutine)

		// Start multiple goroutines to submit entries simultaneously
		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func(routineID int) {
				defer wg.Done()

				for j := 0; j < entriesPerGoroutine; j++ {
					w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/accounts/acct-b/entries",
						map[string]interface{}{"reason": "manual_reward", "pointsDelta": 10},
						testutils.WithHeader(headers, "Idempotency-Key", fmt.Sprintf("r%d-%d", routineID, j)),
					)
					codes <- w.Code
				}
			}(i)
		}

		wg.Wait()
		close(codes)

		for code := range codes {
			assert.Equal(t, http.StatusCreated, code)
		}

		w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/accounts/acct-b/balance", nil, headers)
		require.Equal(t, http.StatusOK, w.Code)
		var balance models.BalanceResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
		assert.Equal(t, int64(numGoroutines*entriesPerGoroutine*10), balance.Balance.CurrentBalance)
	})

	t.Run("TestSameKeyRecordedOnce", func(t *testing.T) {
		const numGoroutines = 10

		var wg sync.WaitGroup
		responses := make(chan models.LedgerEntryResponse, numGoroutines)

		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/accounts/acct-b/entries",
					map[string]interface{}{
						"reason":      "base_accrual",
						"pointsDelta": 250,
						"sourceKind":  "session",
						"sourceId":    "session-77",
					},
					testutils.WithHeader(headers, "Idempotency-Key", "session-77"),
				)
				var resp models.LedgerEntryResponse
				if assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp)) {
					responses <- resp
				}
			}()
		}

		wg.Wait()
		close(responses)

		created := 0
		ids := make(map[string]bool)
		for resp := range responses {
			if !resp.IsExisting {
				created++
			}
			ids[resp.Entry.ID.String()] = true
		}
		assert.Equal(t, 1, created)
		assert.Len(t, ids, 1)
		assert.Equal(t, 51, testCtx.Repository.CountEntries(testutils.TestTenantID, "acct-b"))
	})
}
