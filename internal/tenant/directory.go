package tenant

import "context"

// Info describes a registered tenant.
type Info struct {
	ID   int64
	Name string
}

// Directory lists tenants for recurring-task fan-out. Implementations are
// supplied by the business layer; the orchestration core only reads.
type Directory interface {
	// ListActive returns tenants eligible for scheduled work.
	ListActive(ctx context.Context) ([]Info, error)
	// OptedIn reports whether a tenant enabled the named recurring task.
	OptedIn(ctx context.Context, tenantID int64, task string) (bool, error)
}
