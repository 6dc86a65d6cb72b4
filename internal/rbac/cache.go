package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved permission sets in Redis for a bounded window.
// Permission changes are security-relevant, so mutations invalidate the
// entry synchronously; the TTL only bounds staleness from out-of-band
// database edits.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

type cachedEffective struct {
	Permissions []string `json:"permissions"`
	PrimaryRole struct {
		ID          int64    `json:"id"`
		TenantID    int64    `json:"tenant_id"`
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	} `json:"primary_role"`
}

func cacheKey(userID, tenantID int64) string {
	return fmt.Sprintf("rbac:effective:%d:%d", tenantID, userID)
}

// Get loads a cached resolution. A miss or any Redis failure returns ok=false
// so the caller falls through to the repository.
func (c *Cache) Get(ctx context.Context, userID, tenantID int64) (EffectivePermissions, bool) {
	if c == nil || c.client == nil {
		return EffectivePermissions{}, false
	}
	payload, err := c.client.Get(ctx, cacheKey(userID, tenantID)).Bytes()
	if err != nil {
		return EffectivePermissions{}, false
	}
	var cached cachedEffective
	if err := json.Unmarshal(payload, &cached); err != nil {
		return EffectivePermissions{}, false
	}
	return EffectivePermissions{
		Permissions: NewPermissionSet(cached.Permissions...),
		PrimaryRole: Role{
			ID:          cached.PrimaryRole.ID,
			TenantID:    cached.PrimaryRole.TenantID,
			Name:        cached.PrimaryRole.Name,
			Permissions: NewPermissionSet(cached.PrimaryRole.Permissions...),
		},
	}, true
}

// Put stores a resolution. Failures are non-fatal; the next Resolve simply
// hits the repository again.
func (c *Cache) Put(ctx context.Context, userID, tenantID int64, effective EffectivePermissions) error {
	if c == nil || c.client == nil {
		return nil
	}
	var cached cachedEffective
	cached.Permissions = effective.Permissions.Tokens()
	cached.PrimaryRole.ID = effective.PrimaryRole.ID
	cached.PrimaryRole.TenantID = effective.PrimaryRole.TenantID
	cached.PrimaryRole.Name = effective.PrimaryRole.Name
	cached.PrimaryRole.Permissions = effective.PrimaryRole.Permissions.Tokens()
	payload, err := json.Marshal(cached)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(userID, tenantID), payload, c.ttl).Err()
}

// Invalidate drops the cached entry for one (user, tenant) pair.
func (c *Cache) Invalidate(ctx context.Context, userID, tenantID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(userID, tenantID)).Err()
}
