package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/helios-pms/helios/internal/tenant"
)

type memoryRepo struct {
	assignments []Assignment
	roles       map[int64]Role
	listCalls   int
}

func (m *memoryRepo) ListAssignments(ctx context.Context, userID, tenantID int64) ([]Assignment, error) {
	m.listCalls++
	var out []Assignment
	for _, a := range m.assignments {
		if a.UserID == userID && a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetRoles(ctx context.Context, roleIDs []int64) (map[int64]Role, error) {
	out := make(map[int64]Role)
	for _, id := range roleIDs {
		if role, ok := m.roles[id]; ok {
			out[id] = role
		}
	}
	return out, nil
}

func (m *memoryRepo) InsertAssignment(ctx context.Context, a Assignment) error {
	m.assignments = append(m.assignments, a)
	return nil
}

func (m *memoryRepo) DeleteAssignment(ctx context.Context, userID, tenantID, roleID int64) error {
	for i, a := range m.assignments {
		if a.UserID == userID && a.TenantID == tenantID && a.RoleID == roleID {
			m.assignments = append(m.assignments[:i], m.assignments[i+1:]...)
			return nil
		}
	}
	return ErrNoRoleAssigned
}

func (m *memoryRepo) ClearPrimary(ctx context.Context, userID, tenantID int64) error {
	for i, a := range m.assignments {
		if a.UserID == userID && a.TenantID == tenantID && a.IsPrimary {
			a.IsPrimary = false
			m.assignments[i] = a
		}
	}
	return nil
}

func newTestService(t *testing.T, repo *memoryRepo) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewService(repo, NewCache(client, time.Minute), nil)
}

func TestResolveCachesUntilInvalidated(t *testing.T) {
	repo := &memoryRepo{
		roles: map[int64]Role{
			1: {ID: 1, TenantID: 3, Name: "Technician", Permissions: NewPermissionSet(PermOrdersView, PermOrdersUpdate)},
			2: {ID: 2, TenantID: 3, Name: "Inventory Lead", Permissions: NewPermissionSet(PermInventoryManage)},
		},
		assignments: []Assignment{
			{UserID: 5, RoleID: 1, TenantID: 3, IsPrimary: true, AssignedAt: time.Now()},
		},
	}
	svc := newTestService(t, repo)
	ctx := context.Background()

	effective, err := svc.Resolve(ctx, 5, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !effective.Has(PermOrdersView) {
		t.Fatal("expected orders:view")
	}
	if repo.listCalls != 1 {
		t.Fatalf("expected 1 repo call, got %d", repo.listCalls)
	}

	// Second resolve hits the cache.
	if _, err := svc.Resolve(ctx, 5, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.listCalls != 1 {
		t.Fatalf("expected cached result, repo called %d times", repo.listCalls)
	}

	// Assigning a role invalidates synchronously; the next resolve sees it.
	if err := svc.AssignRole(ctx, 5, 3, 2, false); err != nil {
		t.Fatalf("assign role: %v", err)
	}
	effective, err = svc.Resolve(ctx, 5, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !effective.Has(PermInventoryManage) {
		t.Fatal("expected inventory:manage after assignment")
	}
	if repo.listCalls != 2 {
		t.Fatalf("expected repo refresh after invalidation, calls %d", repo.listCalls)
	}
	if effective.PrimaryRole.Name != "Technician" {
		t.Fatalf("expected primary Technician, got %s", effective.PrimaryRole.Name)
	}
}

func TestRevokeRoleInvalidates(t *testing.T) {
	repo := &memoryRepo{
		roles: map[int64]Role{
			1: {ID: 1, TenantID: 3, Name: "Technician", Permissions: NewPermissionSet(PermOrdersView)},
		},
		assignments: []Assignment{
			{UserID: 5, RoleID: 1, TenantID: 3, AssignedAt: time.Now()},
		},
	}
	svc := newTestService(t, repo)
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, 5, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.RevokeRole(ctx, 5, 3, 1); err != nil {
		t.Fatalf("revoke role: %v", err)
	}
	if _, err := svc.Resolve(ctx, 5, 3); !errors.Is(err, ErrNoRoleAssigned) {
		t.Fatalf("expected ErrNoRoleAssigned after revoke, got %v", err)
	}
}

func TestResolveContextSystemPrincipal(t *testing.T) {
	svc := newTestService(t, &memoryRepo{})
	effective, err := svc.ResolveContext(context.Background(), tenant.System(9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !effective.Has(PermInventoryView) {
		t.Fatal("system principal should read inventory")
	}
	if effective.Has(PermUsersManageRoles) {
		t.Fatal("system principal must not administer roles")
	}
}

func TestRequireDeniesWithoutAssignment(t *testing.T) {
	svc := newTestService(t, &memoryRepo{})
	err := svc.Require(context.Background(), tenant.NewContext(3, 5), PermOrdersView)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}
