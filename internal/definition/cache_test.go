package definition

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pitabwire/tessera/model"
)

type countingSource struct {
	calls atomic.Int32
	defs  map[string]model.Definition
}

func (s *countingSource) GetDefinition(_ context.Context, tenantID, id string) (model.Definition, error) {
	s.calls.Add(1)
	def, ok := s.defs[cacheKey(tenantID, id)]
	if !ok {
		return model.Definition{}, model.NewNotFoundError("definition not found")
	}
	return def, nil
}

func newSource() *countingSource {
	return &countingSource{defs: map[string]model.Definition{
		"t1/d1": {ID: "d1", TenantID: "t1", Key: "order"},
		"t2/d1": {ID: "d1", TenantID: "t2", Key: "invoice"},
	}}
}

func TestCache_read_through(t *testing.T) {
	src := newSource()
	c := NewCache(src)

	for range 3 {
		def, err := c.GetDefinition(context.Background(), "t1", "d1")
		if err != nil {
			t.Fatalf("GetDefinition() error = %v", err)
		}
		if def.Key != "order" {
			t.Errorf("Key = %q, want order", def.Key)
		}
	}
	if n := src.calls.Load(); n != 1 {
		t.Errorf("source calls = %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCache_tenant_scoped(t *testing.T) {
	c := NewCache(newSource())

	def, err := c.GetDefinition(context.Background(), "t2", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if def.Key != "invoice" {
		t.Errorf("Key = %q, want invoice", def.Key)
	}
}

func TestCache_errors_not_cached(t *testing.T) {
	src := newSource()
	c := NewCache(src)

	for range 2 {
		_, err := c.GetDefinition(context.Background(), "t1", "missing")
		if !model.IsCode(err, model.ErrNotFound) {
			t.Fatalf("error = %v, want NOT_FOUND", err)
		}
	}
	if n := src.calls.Load(); n != 2 {
		t.Errorf("source calls = %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCache_concurrent(t *testing.T) {
	c := NewCache(newSource())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tenant := "t1"
			if i%2 == 0 {
				tenant = "t2"
			}
			if _, err := c.GetDefinition(context.Background(), tenant, "d1"); err != nil {
				t.Errorf("GetDefinition() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}
