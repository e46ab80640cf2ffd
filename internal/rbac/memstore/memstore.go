// Package memstore is an in-memory rbac.Store for tests and
// single-process deployments.
package memstore

import (
	"context"
	"sync"

	"github.com/trustfabric/identitycore/internal/rbac"
)

// Store is a sync.RWMutex-guarded rbac.Store.
type Store struct {
	mu          sync.RWMutex
	roles       map[string]rbac.Role
	assignments []rbac.Assignment
}

// New creates an empty Store.
func New() *Store {
	return &Store{roles: make(map[string]rbac.Role)}
}

func (s *Store) GetRole(_ context.Context, id string) (*rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, rbac.ErrRoleNotFound(id)
	}
	return &r, nil
}

func (s *Store) PutRole(_ context.Context, role rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.ID] = role
	return nil
}

func (s *Store) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, id)
	return nil
}

func (s *Store) ListRoles(_ context.Context) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) GetAssignments(_ context.Context, principalType, principalID string) ([]rbac.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Assignment
	for _, a := range s.assignments {
		if a.PrincipalType == principalType && a.PrincipalID == principalID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) PutAssignment(_ context.Context, a rbac.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.assignments {
		if existing.PrincipalType == a.PrincipalType && existing.PrincipalID == a.PrincipalID && existing.RoleID == a.RoleID {
			s.assignments[i] = a
			return nil
		}
	}
	s.assignments = append(s.assignments, a)
	return nil
}

func (s *Store) DeleteAssignment(_ context.Context, principalType, principalID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.assignments[:0]
	for _, a := range s.assignments {
		if a.PrincipalType == principalType && a.PrincipalID == principalID && a.RoleID == roleID {
			continue
		}
		out = append(out, a)
	}
	s.assignments = out
	return nil
}

func (s *Store) ListAssignmentsForRole(_ context.Context, roleID string) ([]rbac.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Assignment
	for _, a := range s.assignments {
		if a.RoleID == roleID {
			out = append(out, a)
		}
	}
	return out, nil
}

var _ rbac.Store = (*Store)(nil)
