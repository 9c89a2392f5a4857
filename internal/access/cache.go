package access

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/tessera/model"
)

// Directory resolves a user's roles and permissions within a tenant.
type Directory interface {
	UserRoles(ctx context.Context, tenantID, userID string) ([]string, error)
	UserPermissions(ctx context.Context, tenantID, userID string) (model.PermissionSet, error)
}

type cacheEntry struct {
	roles   []string
	perms   model.PermissionSet
	expires time.Time
}

// CachedDirectory caches another Directory per (tenant, user) for a TTL.
// Errors are not cached.
type CachedDirectory struct {
	next  Directory
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCachedDirectory wraps next with a TTL cache.
func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

func cacheKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// UserRoles returns the cached roles of a user.
func (c *CachedDirectory) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	e, err := c.resolve(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return e.roles, nil
}

// UserPermissions returns the cached permissions of a user.
func (c *CachedDirectory) UserPermissions(ctx context.Context, tenantID, userID string) (model.PermissionSet, error) {
	e, err := c.resolve(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return e.perms, nil
}

func (c *CachedDirectory) resolve(ctx context.Context, tenantID, userID string) (cacheEntry, error) {
	key := cacheKey(tenantID, userID)

	c.mu.RLock()
	if e, ok := c.cache[key]; ok && c.now().Before(e.expires) {
		c.mu.RUnlock()
		return e, nil
	}
	c.mu.RUnlock()

	roles, err := c.next.UserRoles(ctx, tenantID, userID)
	if err != nil {
		return cacheEntry{}, err
	}
	perms, err := c.next.UserPermissions(ctx, tenantID, userID)
	if err != nil {
		return cacheEntry{}, err
	}

	e := cacheEntry{roles: roles, perms: perms, expires: c.now().Add(c.ttl)}
	c.mu.Lock()
	c.cache[key] = e
	c.mu.Unlock()
	return e, nil
}

// Invalidate drops the cached entries of a user, or of the whole tenant when
// userID is empty.
func (c *CachedDirectory) Invalidate(tenantID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if userID != "" {
		delete(c.cache, cacheKey(tenantID, userID))
		return
	}
	prefix := tenantID + ":"
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
		}
	}
}
