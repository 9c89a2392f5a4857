package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// systemSubjectPrefix marks actors that are components of the engine itself
// rather than authenticated users.
const systemSubjectPrefix = "system:"

// RequestContext identifies the actor behind a command: the subject, the
// tenant every read and write is scoped to, and the roles the token carried.
// It is immutable after construction and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// NewSystemContext returns the actor used when the engine acts on a tenant's
// behalf, for example while seeding definitions.
func NewSystemContext(tenantID, component string) *RequestContext {
	return &RequestContext{SubjectID: systemSubjectPrefix + component, TenantID: tenantID}
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	return errors.Join(errs...)
}

// IsSystem reports whether the actor is an engine component.
func (rc *RequestContext) IsSystem() bool {
	return strings.HasPrefix(rc.SubjectID, systemSubjectPrefix)
}

// TenantOf returns the tenant a command is scoped to. A missing actor or
// tenant is UNAUTHORIZED.
func TenantOf(rc *RequestContext) (string, error) {
	if rc == nil || rc.TenantID == "" {
		return "", NewUnauthorizedError("tenant is required")
	}
	return rc.TenantID, nil
}

// RequireActor checks that a command names both a tenant and a subject.
// Task operations need the subject for authorization and audit.
func RequireActor(rc *RequestContext) error {
	if rc == nil || rc.TenantID == "" || rc.SubjectID == "" {
		return NewUnauthorizedError("authenticated tenant user is required")
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
