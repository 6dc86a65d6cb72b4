package tenant

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLDirectory provides PostgreSQL backed tenant lookup.
type SQLDirectory struct {
	pool *pgxpool.Pool
}

// NewSQLDirectory constructs a directory over the platform database.
func NewSQLDirectory(pool *pgxpool.Pool) *SQLDirectory {
	return &SQLDirectory{pool: pool}
}

// ListActive returns all active tenants ordered by id.
func (d *SQLDirectory) ListActive(ctx context.Context) ([]Info, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, name FROM companies WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tenants []Info
	for rows.Next() {
		var t Info
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tenants, nil
}

// OptedIn reports whether a tenant enabled the named recurring task.
// A missing row means the tenant never touched the setting; recurring
// tasks default to enabled in that case.
func (d *SQLDirectory) OptedIn(ctx context.Context, tenantID int64, task string) (bool, error) {
	var enabled bool
	err := d.pool.QueryRow(ctx,
		`SELECT enabled FROM company_recurring_tasks WHERE company_id = $1 AND task = $2`,
		tenantID, task,
	).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}
