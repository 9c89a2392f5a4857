package definition

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/tessera/model"
)

// Source loads a definition by ID. workflow.Store satisfies it.
type Source interface {
	GetDefinition(ctx context.Context, tenantID, id string) (model.Definition, error)
}

// Cache is a read-through cache of definitions keyed by tenant and ID. Specs
// never change after creation, so entries are never invalidated; Status on a
// cached entry may be stale and must not be relied on.
//
// Reads are lock-free through an atomic pointer to an immutable map. Misses
// copy the map and swap it in.
type Cache struct {
	source Source
	snap   atomic.Pointer[map[string]model.Definition]
	mu     sync.Mutex
}

// NewCache creates an empty Cache in front of source.
func NewCache(source Source) *Cache {
	c := &Cache{source: source}
	empty := make(map[string]model.Definition)
	c.snap.Store(&empty)
	return c
}

func cacheKey(tenantID, id string) string {
	return tenantID + "/" + id
}

// GetDefinition returns the cached definition or loads it from the source.
func (c *Cache) GetDefinition(ctx context.Context, tenantID, id string) (model.Definition, error) {
	key := cacheKey(tenantID, id)
	if def, ok := (*c.snap.Load())[key]; ok {
		return def, nil
	}

	def, err := c.source.GetDefinition(ctx, tenantID, id)
	if err != nil {
		return model.Definition{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current := *c.snap.Load()
	if _, ok := current[key]; !ok {
		next := maps.Clone(current)
		next[key] = def
		c.snap.Store(&next)
	}
	return def, nil
}

// Len returns the number of cached definitions.
func (c *Cache) Len() int {
	return len(*c.snap.Load())
}
