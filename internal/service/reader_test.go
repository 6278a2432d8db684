package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/cursor"
	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEntries(t *testing.T, tc *testContext, accountID string, n int) []models.LedgerEntry {
	t.Helper()
	var out []models.LedgerEntry
	for i := 0; i < n; i++ {
		tc.Clock.Advance(time.Second)
		res := tc.write(t, models.CreateLedgerEntryRequest{
			AccountID:   accountID,
			Reason:      models.ReasonManualReward,
			PointsDelta: delta(int64(i + 1)),
		})
		out = append(out, res.Entry)
	}
	return out
}

func entryIDs(entries []models.LedgerEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID.String()
	}
	return ids
}

func TestListLedgerEntriesPagination(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-a")
	seeded := seedEntries(t, tc, "acct-a", 5)

	req := models.ListLedgerEntriesRequest{AccountID: "acct-a", Limit: 2}

	page1, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, req)
	require.NoError(t, err)
	assert.Equal(t, entryIDs([]models.LedgerEntry{seeded[4], seeded[3]}), entryIDs(page1.Entries))
	assert.True(t, page1.HasMore)
	require.NotNil(t, page1.NextCursor)

	req.Cursor = *page1.NextCursor
	page2, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, req)
	require.NoError(t, err)
	assert.Equal(t, entryIDs([]models.LedgerEntry{seeded[2], seeded[1]}), entryIDs(page2.Entries))
	assert.True(t, page2.HasMore)
	require.NotNil(t, page2.NextCursor)

	req.Cursor = *page2.NextCursor
	page3, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, req)
	require.NoError(t, err)
	assert.Equal(t, entryIDs([]models.LedgerEntry{seeded[0]}), entryIDs(page3.Entries))
	assert.False(t, page3.HasMore)
	assert.Nil(t, page3.NextCursor)
}

func TestListLedgerEntriesStableUnderConcurrentWrites(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-a")
	seeded := seedEntries(t, tc, "acct-a", 4)

	req := models.ListLedgerEntriesRequest{AccountID: "acct-a", Limit: 2}
	page1, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, req)
	require.NoError(t, err)

	// New entries land at the head and must not shift the next page
	seedEntries(t, tc, "acct-a", 3)

	req.Cursor = *page1.NextCursor
	page2, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, req)
	require.NoError(t, err)
	assert.Equal(t, entryIDs([]models.LedgerEntry{seeded[1], seeded[0]}), entryIDs(page2.Entries))
	assert.False(t, page2.HasMore)
}

func TestListLedgerEntriesTiesOnCreatedAt(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-a")

	// Frozen clock: every entry shares one timestamp and ids break the tie
	var written []models.LedgerEntry
	for i := 0; i < 5; i++ {
		res := tc.write(t, models.CreateLedgerEntryRequest{
			AccountID:   "acct-a",
			Reason:      models.ReasonManualReward,
			PointsDelta: delta(1),
		})
		written = append(written, res.Entry)
	}

	var got []models.LedgerEntry
	req := models.ListLedgerEntriesRequest{AccountID: "acct-a", Limit: 2}
	for {
		page, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, req)
		require.NoError(t, err)
		got = append(got, page.Entries...)
		if !page.HasMore {
			break
		}
		req.Cursor = *page.NextCursor
	}

	assert.Equal(t, entryIDs(written), entryIDs(got))
}

func TestListLedgerEntriesInvalidCursor(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-a")
	seedEntries(t, tc, "acct-a", 2)

	for _, bad := range []string{"garbage!", "e30", "eyJ2Ijo5fQ"} {
		t.Run(bad, func(t *testing.T) {
			_, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{
				AccountID: "acct-a",
				Cursor:    bad,
			})
			assert.ErrorIs(t, err, models.ErrInvalidCursor)
			assert.True(t, models.IsClientError(err))
		})
	}

	assert.Equal(t, 2, tc.Repo.CountEntries(testTenant, "acct-a"))
}

func TestListLedgerEntriesLimits(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-a")
	seedEntries(t, tc, "acct-a", 25)

	page, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{AccountID: "acct-a"})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 20)
	assert.True(t, page.HasMore)

	page, err = tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{AccountID: "acct-a", Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 25)
	assert.False(t, page.HasMore)

	_, err = tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{AccountID: "acct-a", Limit: -1})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestListLedgerEntriesFilters(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-a")

	start := tc.Clock.Now()
	for i := 0; i < 3; i++ {
		tc.Clock.Advance(time.Minute)
		tc.write(t, models.CreateLedgerEntryRequest{
			AccountID:   "acct-a",
			Reason:      models.ReasonBaseAccrual,
			PointsDelta: delta(100),
			SourceKind:  "session",
			SourceID:    fmt.Sprintf("session-%d", i),
		})
		tc.Clock.Advance(time.Minute)
		tc.write(t, models.CreateLedgerEntryRequest{
			AccountID:   "acct-a",
			Reason:      models.ReasonRedemption,
			PointsDelta: delta(-10),
		})
	}

	page, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{
		AccountID: "acct-a",
		Reasons:   []models.Reason{models.ReasonRedemption},
	})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 3)
	for _, e := range page.Entries {
		assert.Equal(t, models.ReasonRedemption, e.Reason)
	}

	// [from, to) covers the first accrual and redemption
	from := start
	to := start.Add(2*time.Minute + time.Second)
	page, err = tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{
		AccountID: "acct-a",
		From:      &from,
		To:        &to,
	})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)

	_, err = tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{
		AccountID: "acct-a",
		From:      &to,
		To:        &from,
	})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{
		AccountID: "acct-a",
		Reasons:   []models.Reason{"bogus"},
	})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	// Legacy reasons can be filtered on
	page, err = tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{
		AccountID: "acct-a",
		Reasons:   []models.Reason{models.ReasonSessionEnd},
	})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.NotNil(t, page.Entries)
}

func TestListLedgerEntriesUnknownAccount(t *testing.T) {
	tc := setupService(t)

	_, err := tc.Service.ListLedgerEntries(context.Background(), tc.Staff, models.ListLedgerEntriesRequest{AccountID: "ghost"})
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestListLedgerEntriesCursorFromAnotherAccount(t *testing.T) {
	tc := setupService(t)
	ctx := context.Background()
	tc.register(t, "acct-a")
	tc.register(t, "acct-b")
	seedEntries(t, tc, "acct-b", 3)

	// A well-formed cursor only positions the scan; it never leaks rows
	token, err := cursor.Encode(cursor.Cursor{CreatedAt: tc.Clock.Now().Add(time.Hour), ID: 1})
	require.NoError(t, err)

	page, err := tc.Service.ListLedgerEntries(ctx, tc.Staff, models.ListLedgerEntriesRequest{AccountID: "acct-a", Cursor: token})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.False(t, page.HasMore)
}
