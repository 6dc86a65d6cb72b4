package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helios-pms/helios/internal/tenant"
)

// Repository is the narrow data-access surface the aggregator reads from.
// The business layer owns the schema; this core only consumes it.
type Repository interface {
	ListAssignments(ctx context.Context, userID, tenantID int64) ([]Assignment, error)
	GetRoles(ctx context.Context, roleIDs []int64) (map[int64]Role, error)
	InsertAssignment(ctx context.Context, a Assignment) error
	DeleteAssignment(ctx context.Context, userID, tenantID, roleID int64) error
	ClearPrimary(ctx context.Context, userID, tenantID int64) error
}

// Service resolves effective permissions and administers role assignments.
type Service struct {
	repo   Repository
	cache  *Cache
	logger *slog.Logger
	clock  func() time.Time
}

// NewService constructs the aggregator.
func NewService(repo Repository, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Resolve aggregates every role assignment for (userID, tenantID) into one
// effective permission set. Returns ErrNoRoleAssigned when the user holds no
// role in the tenant; callers treat that as zero permission.
func (s *Service) Resolve(ctx context.Context, userID, tenantID int64) (EffectivePermissions, error) {
	if effective, ok := s.cache.Get(ctx, userID, tenantID); ok {
		return effective, nil
	}
	assignments, err := s.repo.ListAssignments(ctx, userID, tenantID)
	if err != nil {
		return EffectivePermissions{}, fmt.Errorf("rbac: list assignments: %w", err)
	}
	roleIDs := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		roleIDs = append(roleIDs, a.RoleID)
	}
	var roles map[int64]Role
	if len(roleIDs) > 0 {
		roles, err = s.repo.GetRoles(ctx, roleIDs)
		if err != nil {
			return EffectivePermissions{}, fmt.Errorf("rbac: get roles: %w", err)
		}
	}
	effective, err := Aggregate(assignments, roles)
	if err != nil {
		return EffectivePermissions{}, err
	}
	if err := s.cache.Put(ctx, userID, tenantID, effective); err != nil {
		s.logger.Warn("rbac cache put", slog.Any("error", err))
	}
	return effective, nil
}

// ResolveContext resolves the principal carried by a tenant context. The
// system principal gets the fixed minimal scope set, never a user's roles.
func (s *Service) ResolveContext(ctx context.Context, tc tenant.Context) (EffectivePermissions, error) {
	if tc.IsSystem() {
		return EffectivePermissions{
			Permissions: SystemScopes(),
			PrimaryRole: Role{Name: "system"},
		}, nil
	}
	return s.Resolve(ctx, tc.ActingUserID, tc.TenantID)
}

// Require resolves the principal and checks one token against the union.
// ErrNoRoleAssigned collapses into ErrPermissionDenied here because the
// caller asked for an authorization decision, not a listing.
func (s *Service) Require(ctx context.Context, tc tenant.Context, token string) error {
	effective, err := s.ResolveContext(ctx, tc)
	if err != nil {
		if errors.Is(err, ErrNoRoleAssigned) {
			return ErrPermissionDenied
		}
		return err
	}
	if !effective.Has(token) {
		return ErrPermissionDenied
	}
	return nil
}

// AssignRole grants a role to a user within a tenant and synchronously
// invalidates the cached resolution before returning.
func (s *Service) AssignRole(ctx context.Context, userID, tenantID, roleID int64, makePrimary bool) error {
	if makePrimary {
		if err := s.repo.ClearPrimary(ctx, userID, tenantID); err != nil {
			return fmt.Errorf("rbac: clear primary: %w", err)
		}
	}
	err := s.repo.InsertAssignment(ctx, Assignment{
		UserID:     userID,
		RoleID:     roleID,
		TenantID:   tenantID,
		IsPrimary:  makePrimary,
		AssignedAt: s.clock(),
	})
	if err != nil {
		return fmt.Errorf("rbac: insert assignment: %w", err)
	}
	return s.invalidate(ctx, userID, tenantID)
}

// RevokeRole removes a role assignment and synchronously invalidates the
// cached resolution before returning.
func (s *Service) RevokeRole(ctx context.Context, userID, tenantID, roleID int64) error {
	if err := s.repo.DeleteAssignment(ctx, userID, tenantID, roleID); err != nil {
		return fmt.Errorf("rbac: delete assignment: %w", err)
	}
	return s.invalidate(ctx, userID, tenantID)
}

func (s *Service) invalidate(ctx context.Context, userID, tenantID int64) error {
	if err := s.cache.Invalidate(ctx, userID, tenantID); err != nil {
		return fmt.Errorf("rbac: invalidate cache: %w", err)
	}
	return nil
}
