package rbac

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrNoRoleAssigned indicates the user holds no role in the tenant. Callers
// must treat it as zero permission, not as a failure that aborts the chain.
var ErrNoRoleAssigned = errors.New("rbac: no role assigned")

// ErrPermissionDenied indicates the effective permission set does not grant
// the required token. Never retried.
var ErrPermissionDenied = errors.New("rbac: permission denied")

// PermissionSet holds permission tokens. Tokens follow the
// "resource:action" convention; membership is the only operation.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from tokens, dropping empties.
func NewPermissionSet(tokens ...string) PermissionSet {
	set := make(PermissionSet, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

// Union merges other into a new set without mutating the receiver.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	merged := make(PermissionSet, len(s)+len(other))
	for t := range s {
		merged[t] = struct{}{}
	}
	for t := range other {
		merged[t] = struct{}{}
	}
	return merged
}

// Has reports whether the set grants the token. A "resource:*" member
// grants every action on that resource.
func (s PermissionSet) Has(token string) bool {
	if _, ok := s[token]; ok {
		return true
	}
	if idx := strings.Index(token, ":"); idx > 0 {
		if _, ok := s[token[:idx]+":*"]; ok {
			return true
		}
	}
	return false
}

// Tokens returns the members sorted for stable output.
func (s PermissionSet) Tokens() []string {
	tokens := make([]string, 0, len(s))
	for t := range s {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

// Role represents a named permission grouping. TenantID is zero for the
// small set of system-wide roles.
type Role struct {
	ID          int64
	TenantID    int64
	Name        string
	Permissions PermissionSet
}

// Assignment links a user to a role within a tenant. Assignments are never
// mutated in place; reassignment is delete plus insert so the audit trail
// outside this core stays complete.
type Assignment struct {
	UserID     int64
	RoleID     int64
	TenantID   int64
	IsPrimary  bool
	AssignedAt time.Time
}

// EffectivePermissions is the aggregation result for one (user, tenant).
type EffectivePermissions struct {
	Permissions PermissionSet
	PrimaryRole Role
}

// Has reports whether the union grants the token. Authorization always
// checks the union; PrimaryRole is display-only.
func (e EffectivePermissions) Has(token string) bool {
	return e.Permissions.Has(token)
}

// Aggregate computes the union of the assigned roles' permission sets and
// selects the primary role. Union, not intersection: holding multiple roles
// is strictly additive, so combining a narrow operational role with a
// broader one never drops capability.
//
// Primary selection: the flagged assignment wins; otherwise the assignment
// whose role carries the largest permission set, ties broken by earliest
// AssignedAt.
func Aggregate(assignments []Assignment, roles map[int64]Role) (EffectivePermissions, error) {
	if len(assignments) == 0 {
		return EffectivePermissions{}, ErrNoRoleAssigned
	}

	union := make(PermissionSet)
	var primary *Assignment
	var fallback *Assignment
	for i := range assignments {
		a := &assignments[i]
		role, ok := roles[a.RoleID]
		if !ok {
			continue
		}
		union = union.Union(role.Permissions)
		if a.IsPrimary && primary == nil {
			primary = a
		}
		if fallback == nil {
			fallback = a
			continue
		}
		current := roles[fallback.RoleID]
		switch {
		case len(role.Permissions) > len(current.Permissions):
			fallback = a
		case len(role.Permissions) == len(current.Permissions) && a.AssignedAt.Before(fallback.AssignedAt):
			fallback = a
		}
	}
	if fallback == nil {
		return EffectivePermissions{}, ErrNoRoleAssigned
	}
	if primary == nil {
		primary = fallback
	}
	return EffectivePermissions{
		Permissions: union,
		PrimaryRole: roles[primary.RoleID],
	}, nil
}
