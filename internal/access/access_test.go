package access

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/pitabwire/tessera/model"
)

// --- StaticDirectory ---

func TestStaticDirectory_UserRoles(t *testing.T) {
	d, err := NewStaticDirectory("testdata/directory.yaml")
	if err != nil {
		t.Fatalf("NewStaticDirectory() error = %v", err)
	}

	roles, err := d.UserRoles(context.Background(), "acme", "bob")
	if err != nil {
		t.Fatalf("UserRoles() error = %v", err)
	}
	if !slices.Equal(roles, []string{"controller", "warehouse"}) {
		t.Errorf("roles = %v", roles)
	}

	roles, _ = d.UserRoles(context.Background(), "acme", "nobody")
	if len(roles) != 0 {
		t.Errorf("unknown user roles = %v, want none", roles)
	}
}

func TestStaticDirectory_UserPermissions(t *testing.T) {
	d, _ := NewStaticDirectory("testdata/directory.yaml")
	ctx := context.Background()

	alice, _ := d.UserPermissions(ctx, "acme", "alice")
	if !alice.Has("journal:approve") || alice.Has("orders:pack") {
		t.Errorf("alice permissions = %v", alice)
	}

	bob, _ := d.UserPermissions(ctx, "acme", "bob")
	if !bob.Has("journal:approve") || !bob.Has("journal:post") || !bob.Has("orders:pack") {
		t.Errorf("bob permissions = %v", bob)
	}
}

func TestStaticDirectory_tenants_are_isolated(t *testing.T) {
	d, _ := NewStaticDirectory("testdata/directory.yaml")

	perms, _ := d.UserPermissions(context.Background(), "globex", "alice")
	if !perms.Has("anything:at:all") {
		t.Error("globex alice should hold the wildcard")
	}
	perms, _ = d.UserPermissions(context.Background(), "initech", "alice")
	if len(perms) != 0 {
		t.Errorf("unknown tenant permissions = %v", perms)
	}
}

func TestStaticDirectory_merges_token_roles_of_caller(t *testing.T) {
	d, _ := NewStaticDirectory("testdata/directory.yaml")
	rctx := &model.RequestContext{SubjectID: "alice", TenantID: "acme", Roles: []string{"warehouse"}}
	ctx := model.WithRequestContext(context.Background(), rctx)

	roles, _ := d.UserRoles(ctx, "acme", "alice")
	if !slices.Equal(roles, []string{"finance-approver", "warehouse"}) {
		t.Errorf("roles = %v", roles)
	}
	perms, _ := d.UserPermissions(ctx, "acme", "alice")
	if !perms.Has("orders:pack") {
		t.Error("token role permissions should be merged")
	}

	other, _ := d.UserRoles(ctx, "acme", "bob")
	if slices.Contains(other, "finance-approver") {
		t.Errorf("caller roles leaked into another user: %v", other)
	}
}

func TestStaticDirectory_empty_path(t *testing.T) {
	d, err := NewStaticDirectory("")
	if err != nil {
		t.Fatalf("NewStaticDirectory(\"\") error = %v", err)
	}
	roles, _ := d.UserRoles(context.Background(), "acme", "alice")
	if len(roles) != 0 {
		t.Errorf("roles = %v, want none", roles)
	}
}

func TestStaticDirectory_errors(t *testing.T) {
	if _, err := NewStaticDirectory("testdata/missing.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := NewStaticDirectory("testdata/broken.yaml"); err == nil {
		t.Error("expected error for malformed file")
	}
}

// --- CachedDirectory ---

type countingDirectory struct {
	calls int
	roles []string
	err   error
}

func (c *countingDirectory) UserRoles(context.Context, string, string) ([]string, error) {
	c.calls++
	return c.roles, c.err
}

func (c *countingDirectory) UserPermissions(context.Context, string, string) (model.PermissionSet, error) {
	return model.NewPermissionSet("journal:approve"), c.err
}

func TestCachedDirectory_caches_until_ttl(t *testing.T) {
	next := &countingDirectory{roles: []string{"approver"}}
	c := NewCachedDirectory(next, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for range 3 {
		roles, err := c.UserRoles(ctx, "acme", "alice")
		if err != nil || len(roles) != 1 {
			t.Fatalf("UserRoles = %v, %v", roles, err)
		}
	}
	if next.calls != 1 {
		t.Errorf("calls = %d, want 1", next.calls)
	}

	perms, _ := c.UserPermissions(ctx, "acme", "alice")
	if !perms.Has("journal:approve") || next.calls != 1 {
		t.Errorf("permissions should come from the same entry, calls = %d", next.calls)
	}

	now = now.Add(2 * time.Minute)
	_, _ = c.UserRoles(ctx, "acme", "alice")
	if next.calls != 2 {
		t.Errorf("calls after expiry = %d, want 2", next.calls)
	}
}

func TestCachedDirectory_does_not_cache_errors(t *testing.T) {
	next := &countingDirectory{err: errors.New("directory down")}
	c := NewCachedDirectory(next, time.Minute)

	for range 2 {
		if _, err := c.UserRoles(context.Background(), "acme", "alice"); err == nil {
			t.Fatal("expected error")
		}
	}
	if next.calls != 2 {
		t.Errorf("calls = %d, want 2", next.calls)
	}
}

func TestCachedDirectory_Invalidate(t *testing.T) {
	next := &countingDirectory{roles: []string{"approver"}}
	c := NewCachedDirectory(next, time.Hour)
	ctx := context.Background()

	_, _ = c.UserRoles(ctx, "acme", "alice")
	_, _ = c.UserRoles(ctx, "acme", "bob")
	c.Invalidate("acme", "alice")
	_, _ = c.UserRoles(ctx, "acme", "alice")
	_, _ = c.UserRoles(ctx, "acme", "bob")
	if next.calls != 3 {
		t.Errorf("calls = %d, want 3", next.calls)
	}

	c.Invalidate("acme", "")
	_, _ = c.UserRoles(ctx, "acme", "bob")
	if next.calls != 4 {
		t.Errorf("calls after tenant invalidation = %d, want 4", next.calls)
	}
}
