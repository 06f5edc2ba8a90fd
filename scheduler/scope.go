// Package scheduler drives periodic rule evaluation: it expands tenant
// scopes, computes catch-up backlogs, and executes windows under a
// concurrency governor with optional cross-instance leasing.
package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ExpandTenantScope resolves a rule's tenant scope. An empty scope means
// every recently active tenant; explicit tenant ids pass through untouched,
// so a rule pinned to a quiet tenant still evaluates (and counts zero).
func ExpandTenantScope(scope []string, recent []string) []string {
	if len(scope) == 0 {
		out := make([]string, len(recent))
		copy(out, recent)
		return out
	}
	out := make([]string, len(scope))
	copy(out, scope)
	return out
}

// TenantLister provides the set of tenants with recent event activity.
type TenantLister interface {
	RecentTenants(ctx context.Context, since int64) ([]string, error)
}

// TenantCache caches the recent-tenant set so every scheduler tick does not
// hit ClickHouse with a DISTINCT scan.
type TenantCache struct {
	lister   TenantLister
	lookback time.Duration
	cache    *expirable.LRU[string, []string]
	now      func() time.Time
}

const tenantCacheKey = "recent"

func NewTenantCache(lister TenantLister, lookback, ttl time.Duration) *TenantCache {
	return &TenantCache{
		lister:   lister,
		lookback: lookback,
		cache:    expirable.NewLRU[string, []string](1, nil, ttl),
		now:      time.Now,
	}
}

// Recent returns the cached tenant set, refreshing from the lister when the
// entry has expired.
func (c *TenantCache) Recent(ctx context.Context) ([]string, error) {
	if tenants, ok := c.cache.Get(tenantCacheKey); ok {
		return tenants, nil
	}

	since := c.now().Add(-c.lookback).Unix()
	tenants, err := c.lister.RecentTenants(ctx, since)
	if err != nil {
		return nil, err
	}
	c.cache.Add(tenantCacheKey, tenants)
	return tenants, nil
}
