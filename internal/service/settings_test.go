package service

import (
	"context"
	"testing"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsCacheTTL(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository(0)
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewSettingsCache(repo, time.Minute, clock.Now)

	// Unknown tenants get the defaults
	s, err := cache.Get(ctx, "casino-1")
	require.NoError(t, err)
	assert.Equal(t, "UTC", s.Timezone)
	assert.Equal(t, "06:00", s.GamingDayStart)
	assert.Equal(t, clock.Now(), s.FetchedAt)

	require.NoError(t, repo.UpsertTenantSettings(ctx, &models.TenantSettings{
		TenantID:       "casino-1",
		Timezone:       "Europe/Malta",
		GamingDayStart: "08:00",
	}))

	// Still served from cache
	clock.Advance(30 * time.Second)
	s, err = cache.Get(ctx, "casino-1")
	require.NoError(t, err)
	assert.Equal(t, "UTC", s.Timezone)

	// Expired
	clock.Advance(31 * time.Second)
	s, err = cache.Get(ctx, "casino-1")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Malta", s.Timezone)
	assert.Equal(t, clock.Now(), s.FetchedAt)
}

func TestSettingsCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository(0)
	cache := NewSettingsCache(repo, time.Hour, nil)

	_, err := cache.Get(ctx, "casino-1")
	require.NoError(t, err)

	require.NoError(t, repo.UpsertTenantSettings(ctx, &models.TenantSettings{
		TenantID:       "casino-1",
		Timezone:       "Asia/Macau",
		GamingDayStart: "06:00",
	}))
	cache.Invalidate("casino-1")

	s, err := cache.Get(ctx, "casino-1")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Macau", s.Timezone)
}

func TestSettingsCacheRejectsUnusableSettings(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository(0)
	cache := NewSettingsCache(repo, time.Hour, nil)

	require.NoError(t, repo.UpsertTenantSettings(ctx, &models.TenantSettings{
		TenantID:       "casino-1",
		Timezone:       "Nowhere/Atlantis",
		GamingDayStart: "06:00",
	}))

	_, err := cache.Get(ctx, "casino-1")
	assert.Error(t, err)
	assert.False(t, models.IsClientError(err))
}
