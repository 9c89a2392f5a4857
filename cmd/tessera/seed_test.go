package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/access"
	"github.com/pitabwire/tessera/internal/approval"
	"github.com/pitabwire/tessera/internal/definition"
	"github.com/pitabwire/tessera/internal/dispatch"
	"github.com/pitabwire/tessera/internal/idempotency"
	"github.com/pitabwire/tessera/internal/tasks"
	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

func newTestSeeder(t *testing.T) *seeder {
	t.Helper()
	dir, err := access.NewStaticDirectory("")
	require.NoError(t, err)

	store := workflow.NewMemoryStore()
	dispatcher := dispatch.NewDispatcher(dispatch.NewMemoryQueue())
	engine := workflow.NewEngine(store, dispatcher)
	manager := tasks.NewManager(store, dir, dispatcher)
	svc := approval.NewService(engine, manager, idempotency.NewGateway(idempotency.NewMemoryStore()))

	return &seeder{engine: engine, approvals: svc, logger: zap.NewNop()}
}

func loadSeeds(t *testing.T) []definition.SeedFile {
	t.Helper()
	files, err := definition.NewLoader().LoadAll([]string{"testdata/seed"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	return files
}

func TestSeeder_installsDefinitionsAndPolicies(t *testing.T) {
	s := newTestSeeder(t)
	ctx := context.Background()

	res, err := s.apply(ctx, loadSeeds(t))
	require.NoError(t, err)
	assert.Equal(t, seedResult{Installed: 2}, res)

	rctx := &model.RequestContext{SubjectID: "ops", TenantID: "globex"}
	def, err := s.engine.ResolveDefinition(ctx, rctx, "ticket.triage", 0)
	require.NoError(t, err)
	assert.Equal(t, model.DefinitionTypeGeneric, def.Type)
	assert.Equal(t, model.DefinitionStatusActive, def.Status)
	assert.Equal(t, "new", def.Spec.Initial)

	policies, err := s.approvals.ListPolicies(ctx, rctx, approval.PolicyFilter{Key: "refund.issue"})
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, model.DefinitionStatusActive, policies[0].Status)
	require.NotNil(t, policies[0].Rules)
	assert.Len(t, policies[0].Rules.Any, 2)
}

func TestSeeder_secondPassSkipsUnchanged(t *testing.T) {
	s := newTestSeeder(t)
	ctx := context.Background()
	files := loadSeeds(t)

	_, err := s.apply(ctx, files)
	require.NoError(t, err)

	res, err := s.apply(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, seedResult{Skipped: 2}, res)

	rctx := &model.RequestContext{SubjectID: "ops", TenantID: "globex"}
	defs, err := s.engine.ListDefinitions(ctx, rctx, model.DefinitionFilters{})
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func TestSeeder_changedSpecAddsVersion(t *testing.T) {
	s := newTestSeeder(t)
	ctx := context.Background()
	files := loadSeeds(t)

	_, err := s.apply(ctx, files)
	require.NoError(t, err)

	files[0].Policies[0].Steps[0].DueInHours = 12
	res, err := s.apply(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, seedResult{Installed: 1, Skipped: 1}, res)

	rctx := &model.RequestContext{SubjectID: "ops", TenantID: "globex"}
	policies, err := s.approvals.ListPolicies(ctx, rctx, approval.PolicyFilter{Key: "refund.issue"})
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, model.DefinitionStatusInactive, policies[0].Status)
	assert.Equal(t, model.DefinitionStatusActive, policies[1].Status)
	assert.Equal(t, 2, policies[1].Version)
}

func TestSeeder_invalidDefinitionFails(t *testing.T) {
	s := newTestSeeder(t)

	files := []definition.SeedFile{{
		Tenant:     "globex",
		SourceFile: "inline.yaml",
		Definitions: []definition.SeedDefinition{{
			Key:  "broken",
			Spec: map[string]any{"initial": "nowhere", "states": map[string]any{"a": map[string]any{"type": "final"}}},
		}},
	}}
	_, err := s.apply(context.Background(), files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `definition "broken"`)
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}
