// Package access resolves the roles and permissions of users for task
// authorization, from a static YAML directory merged with token roles.
package access

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/tessera/model"
)

type directoryFile struct {
	Tenants map[string]tenantEntry `yaml:"tenants"`
}

type tenantEntry struct {
	// Roles maps a role ID to the permission keys it grants.
	Roles map[string][]string `yaml:"roles"`
	// Users maps a user ID to the role IDs they hold.
	Users map[string][]string `yaml:"users"`
}

// StaticDirectory resolves users from a YAML file mapping, per tenant, users
// to roles and roles to permissions. Roles carried by the caller's token are
// merged in when the caller is the user being resolved.
type StaticDirectory struct {
	path string
	mu   sync.RWMutex
	dir  directoryFile
}

// NewStaticDirectory loads a directory from path. An empty path yields a
// directory that knows only token roles.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("access: reading directory file %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("access: parsing directory file %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.dir = f
	d.mu.Unlock()
	return nil
}

// UserRoles returns the role IDs of a user within a tenant.
func (d *StaticDirectory) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	d.mu.RLock()
	roles := slices.Clone(d.dir.Tenants[tenantID].Users[userID])
	d.mu.RUnlock()

	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.TenantID == tenantID && rctx.SubjectID == userID {
		for _, r := range rctx.Roles {
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	slices.Sort(roles)
	return roles, nil
}

// UserPermissions returns the union of the permissions granted by a user's
// roles.
func (d *StaticDirectory) UserPermissions(ctx context.Context, tenantID, userID string) (model.PermissionSet, error) {
	roles, err := d.UserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	perms := model.NewPermissionSet()
	for _, role := range roles {
		perms.Merge(model.NewPermissionSet(d.dir.Tenants[tenantID].Roles[role]...))
	}
	return perms, nil
}
