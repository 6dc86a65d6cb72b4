package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helios-pms/helios/internal/platform/db"
)

// ErrAlreadyAssigned indicates the (user, tenant, role) triple exists.
var ErrAlreadyAssigned = errors.New("rbac: role already assigned")

// SQLRepository provides PostgreSQL backed persistence for role assignments.
type SQLRepository struct {
	pool *pgxpool.Pool
}

// NewSQLRepository constructs a repository.
func NewSQLRepository(pool *pgxpool.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

// ListAssignments returns every assignment for (userID, tenantID).
func (r *SQLRepository) ListAssignments(ctx context.Context, userID, tenantID int64) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, role_id, company_id, is_primary, assigned_at
		 FROM user_role_assignments
		 WHERE user_id = $1 AND company_id = $2
		 ORDER BY assigned_at`,
		userID, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.TenantID, &a.IsPrimary, &a.AssignedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

// GetRoles fetches roles with their permission tokens.
func (r *SQLRepository) GetRoles(ctx context.Context, roleIDs []int64) (map[int64]Role, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, COALESCE(r.company_id, 0), r.name, COALESCE(p.token, '')
		 FROM roles r
		 LEFT JOIN role_permissions p ON p.role_id = r.id
		 WHERE r.id = ANY($1)`,
		roleIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := make(map[int64]Role, len(roleIDs))
	for rows.Next() {
		var id, tenantID int64
		var name, token string
		if err := rows.Scan(&id, &tenantID, &name, &token); err != nil {
			return nil, err
		}
		role, ok := roles[id]
		if !ok {
			role = Role{ID: id, TenantID: tenantID, Name: name, Permissions: make(PermissionSet)}
		}
		if token != "" {
			role.Permissions[token] = struct{}{}
		}
		roles[id] = role
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// InsertAssignment creates an assignment row.
func (r *SQLRepository) InsertAssignment(ctx context.Context, a Assignment) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_role_assignments (user_id, role_id, company_id, is_primary, assigned_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.UserID, a.RoleID, a.TenantID, a.IsPrimary, a.AssignedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyAssigned
		}
		return err
	}
	return nil
}

// DeleteAssignment removes an assignment row.
func (r *SQLRepository) DeleteAssignment(ctx context.Context, userID, tenantID, roleID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_role_assignments WHERE user_id = $1 AND company_id = $2 AND role_id = $3`,
		userID, tenantID, roleID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRoleAssigned
	}
	return nil
}

// ClearPrimary demotes the currently-primary assignment of the pair.
// Assignment rows are never updated in place; the demotion is a delete plus
// reinsert so the external audit trail sees both operations.
func (r *SQLRepository) ClearPrimary(ctx context.Context, userID, tenantID int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`DELETE FROM user_role_assignments
			 WHERE user_id = $1 AND company_id = $2 AND is_primary
			 RETURNING role_id, assigned_at`,
			userID, tenantID,
		)
		if err != nil {
			return err
		}
		var demoted []Assignment
		for rows.Next() {
			a := Assignment{UserID: userID, TenantID: tenantID}
			if err := rows.Scan(&a.RoleID, &a.AssignedAt); err != nil {
				rows.Close()
				return err
			}
			demoted = append(demoted, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, a := range demoted {
			if _, err := tx.Exec(ctx,
				`INSERT INTO user_role_assignments (user_id, role_id, company_id, is_primary, assigned_at)
				 VALUES ($1, $2, $3, FALSE, $4)`,
				a.UserID, a.RoleID, a.TenantID, a.AssignedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}
