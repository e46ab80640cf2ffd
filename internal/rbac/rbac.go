// Package rbac is the RBAC Engine of spec.md §4.4: role CRUD with
// cycle-safe parent-role inheritance, the check_permission decision
// algorithm, accessible_resources enumeration, and the pattern compiler
// permissions are matched against.
package rbac

import (
	"context"
	"time"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/internal/coreerr"
)

// Effect is the outcome a matching permission contributes to a decision.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Permission is one rule inside a Role: a resource pattern, the action
// set it applies to, an effect, and optional attribute constraints
// evaluated against the caller-supplied context.
type Permission struct {
	Resource   string            `json:"resource"`
	Actions    []string          `json:"actions"`
	Effect     Effect            `json:"effect"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// allowsAction reports whether p's action set contains action or "*".
func (p Permission) allowsAction(action string) bool {
	for _, a := range p.Actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// matchesAttributes reports whether every (k,v) constraint on p is
// satisfied by callCtx: present with equal value, unless v is "*".
func (p Permission) matchesAttributes(callCtx map[string]string) bool {
	for k, v := range p.Attributes {
		if v == "*" {
			if _, ok := callCtx[k]; !ok {
				return false
			}
			continue
		}
		if callCtx[k] != v {
			return false
		}
	}
	return true
}

// Role is a named bundle of permissions, optionally inheriting from
// parent roles.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	ParentRoles []string     `json:"parent_roles,omitempty"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Assignment binds a role to a principal, with an optional expiry.
type Assignment struct {
	PrincipalType string     `json:"principal_type"`
	PrincipalID   string     `json:"principal_id"`
	RoleID        string     `json:"role_id"`
	AssignedAt    time.Time  `json:"assigned_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func (a Assignment) expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Decision is the result of check_permission.
type Decision struct {
	Allowed bool
	Reason  string
}

// Store is the persistence contract for role definitions and
// assignments. Implementations: memstore (tests, single-process) and
// pgstore (multi-instance).
type Store interface {
	GetRole(ctx context.Context, id string) (*Role, error)
	PutRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, id string) error
	ListRoles(ctx context.Context) ([]Role, error)

	GetAssignments(ctx context.Context, principalType, principalID string) ([]Assignment, error)
	PutAssignment(ctx context.Context, a Assignment) error
	DeleteAssignment(ctx context.Context, principalType, principalID, roleID string) error
	ListAssignmentsForRole(ctx context.Context, roleID string) ([]Assignment, error)
}

func principalKey(principalType, principalID string) string {
	return principalType + ":" + principalID
}

// ErrRoleNotFound builds the coreerr.NotFound-kind error Store.GetRole
// implementations return when id is absent.
func ErrRoleNotFound(id string) error {
	return coreerr.New(coreerr.NotFound, svcerrors.ErrCodeNotFound, "rbac: role not found: "+id, 404)
}
