package main

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/approval"
	"github.com/pitabwire/tessera/internal/definition"
	"github.com/pitabwire/tessera/internal/policy"
	"github.com/pitabwire/tessera/internal/workflow"
	"github.com/pitabwire/tessera/model"
)

// seeder installs seed files. A definition or policy whose latest stored
// version already carries the same spec is skipped, so seeding on every
// start is harmless.
type seeder struct {
	engine    *workflow.Engine
	approvals *approval.Service
	logger    *zap.Logger
}

// seedResult counts what one seeding pass did.
type seedResult struct {
	Installed int
	Skipped   int
}

func (s *seeder) apply(ctx context.Context, files []definition.SeedFile) (seedResult, error) {
	var res seedResult
	for _, f := range files {
		rctx := model.NewSystemContext(f.Tenant, "seed")
		logger := s.logger.With(zap.String("file", f.SourceFile), zap.String("tenant_id", f.Tenant))

		for _, d := range f.Definitions {
			installed, err := s.seedDefinition(ctx, rctx, d)
			if err != nil {
				return res, fmt.Errorf("seed %s: definition %q: %w", f.SourceFile, d.Key, err)
			}
			res.count(installed)
			logger.Debug("definition seeded", zap.String("key", d.Key), zap.Bool("installed", installed))
		}
		for _, p := range f.Policies {
			installed, err := s.seedPolicy(ctx, rctx, p)
			if err != nil {
				return res, fmt.Errorf("seed %s: policy %q: %w", f.SourceFile, p.Key, err)
			}
			res.count(installed)
			logger.Debug("policy seeded", zap.String("key", p.Key), zap.Bool("installed", installed))
		}
	}
	return res, nil
}

func (r *seedResult) count(installed bool) {
	if installed {
		r.Installed++
	} else {
		r.Skipped++
	}
}

func (s *seeder) seedDefinition(ctx context.Context, rctx *model.RequestContext, d definition.SeedDefinition) (bool, error) {
	raw, err := d.SpecJSON()
	if err != nil {
		return false, err
	}
	spec, err := definition.ValidateDocument(raw)
	if err != nil {
		return false, err
	}
	same, err := s.latestMatches(ctx, rctx, d.Key, spec)
	if err != nil || same {
		return false, err
	}

	_, err = s.engine.CreateDefinition(ctx, rctx, workflow.DefinitionInput{
		Key:    d.Key,
		Name:   d.Name,
		Type:   d.Type,
		Status: d.Status,
		Spec:   raw,
	})
	return err == nil, err
}

func (s *seeder) seedPolicy(ctx context.Context, rctx *model.RequestContext, doc model.PolicyDocument) (bool, error) {
	compiled, err := policy.Compile(doc)
	if err != nil {
		return false, err
	}
	// Compare against the spec as it will be stored, after the JSON round trip.
	raw, err := json.Marshal(compiled)
	if err != nil {
		return false, err
	}
	spec, err := definition.ValidateDocument(raw)
	if err != nil {
		return false, err
	}
	same, err := s.latestMatches(ctx, rctx, doc.Key, spec)
	if err != nil || same {
		return false, err
	}

	_, err = s.approvals.CreatePolicy(ctx, rctx, approval.PolicyInput{
		Key:      doc.Key,
		Name:     doc.Name,
		Rules:    doc.Rules,
		Steps:    doc.Steps,
		Activate: true,
	})
	return err == nil, err
}

// latestMatches reports whether the highest stored version of key has spec.
func (s *seeder) latestMatches(ctx context.Context, rctx *model.RequestContext, key string, spec model.MachineSpec) (bool, error) {
	defs, err := s.engine.ListDefinitions(ctx, rctx, model.DefinitionFilters{Key: key})
	if err != nil || len(defs) == 0 {
		return false, err
	}
	want, err := definition.SpecChecksum(spec)
	if err != nil {
		return false, err
	}
	got, err := definition.SpecChecksum(defs[len(defs)-1].Spec)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
