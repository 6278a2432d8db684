package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casinoloyalty/ledger-server/internal/models"
	"github.com/casinoloyalty/ledger-server/internal/repository"
)

// SettingsCache keeps per-tenant settings for at most ttl. Each call returns
// an immutable snapshot that is passed down the write path explicitly.
type SettingsCache struct {
	repo repository.Repository
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	items map[string]models.TenantSettings
}

// NewSettingsCache constructs a cache reading through repo
func NewSettingsCache(repo repository.Repository, ttl time.Duration, now func() time.Time) *SettingsCache {
	if now == nil {
		now = time.Now
	}
	return &SettingsCache{
		repo:  repo,
		ttl:   ttl,
		now:   now,
		items: make(map[string]models.TenantSettings),
	}
}

// Get returns the tenant's settings, loading them when absent or expired.
// Tenants without a settings row get the defaults.
func (c *SettingsCache) Get(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	now := c.now()

	c.mu.RLock()
	cached, ok := c.items[tenantID]
	c.mu.RUnlock()
	if ok && now.Sub(cached.FetchedAt) < c.ttl {
		return cached, nil
	}

	stored, err := c.repo.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return models.TenantSettings{}, fmt.Errorf("error loading tenant settings: %w", err)
	}

	settings := models.DefaultTenantSettings(tenantID)
	if stored != nil {
		settings = *stored
	}
	if err := settings.Validate(); err != nil {
		return models.TenantSettings{}, fmt.Errorf("tenant %s has unusable settings: %v", tenantID, err)
	}
	settings.FetchedAt = now

	c.mu.Lock()
	c.items[tenantID] = settings
	c.mu.Unlock()

	return settings, nil
}

// Invalidate drops the cached settings of one tenant
func (c *SettingsCache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.items, tenantID)
	c.mu.Unlock()
}
