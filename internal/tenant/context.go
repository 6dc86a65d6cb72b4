package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Context identifies the tenant and acting user for a single operation.
// It is created once at the boundary and passed by value through the whole
// call chain; it must never be stored in package-level state.
type Context struct {
	TenantID     int64
	ActingUserID int64
	RequestID    string
}

// NewContext builds a Context for a user-attributed operation.
func NewContext(tenantID, actingUserID int64) Context {
	return Context{
		TenantID:     tenantID,
		ActingUserID: actingUserID,
		RequestID:    uuid.NewString(),
	}
}

// System builds a Context for scheduler-originated work. The zero acting
// user marks the system principal, which resolves to a fixed minimal
// permission set rather than a user's role assignments.
func System(tenantID int64) Context {
	return Context{
		TenantID:  tenantID,
		RequestID: uuid.NewString(),
	}
}

// IsSystem reports whether the operation runs as the system principal.
func (c Context) IsSystem() bool {
	return c.ActingUserID == 0
}

// Valid reports whether the context is scoped to exactly one tenant.
func (c Context) Valid() bool {
	return c.TenantID > 0
}

type contextKey struct{}

// WithContext stores the tenant context in ctx.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext extracts the tenant context from ctx.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(Context)
	return tc, ok
}
