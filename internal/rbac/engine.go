package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/infrastructure/logging"

	rbaccache "github.com/trustfabric/identitycore/infrastructure/cache"
	"github.com/trustfabric/identitycore/internal/coreerr"
)

const (
	rolesCacheTTL       = 10 * time.Minute
	assignmentsCacheTTL = 5 * time.Minute
	patternsRedisKey    = "identitycore:rbac:invalidate"
)

// Engine is the RBAC Engine of spec.md §4.4. Role definitions and
// assignments are cache-through/write-through over Store; compiled
// patterns are cached by source string and never need invalidation on
// their own (the same pattern source always compiles the same way).
type Engine struct {
	store   Store
	logger  *logging.Logger
	redis   *redis.Client
	roles   *rbaccache.Cache
	assigns *rbaccache.Cache
	pats    *patternCache
}

// NewEngine constructs an Engine. redisAddr may be empty to disable the
// cross-instance cache-invalidation mirror.
func NewEngine(store Store, logger *logging.Logger, redisAddr string) *Engine {
	var client *redis.Client
	if redisAddr != "" {
		client = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return &Engine{
		store:   store,
		logger:  logger,
		redis:   client,
		roles:   rbaccache.NewCache(rbaccache.CacheConfig{DefaultTTL: rolesCacheTTL}),
		assigns: rbaccache.NewCache(rbaccache.CacheConfig{DefaultTTL: assignmentsCacheTTL}),
		pats:    newPatternCache(),
	}
}

// InvalidateAll clears every cache layer, for operator intervention per
// spec.md §4.4.
func (e *Engine) InvalidateAll() {
	e.roles.InvalidateAll()
	e.assigns.InvalidateAll()
	e.pats.clear()
}

// CreateRole validates the parent-role set for cycles, persists the
// role, and invalidates its cache entry.
func (e *Engine) CreateRole(ctx context.Context, role Role) error {
	now := time.Now()
	role.CreatedAt = now
	role.UpdatedAt = now

	for _, parentID := range role.ParentRoles {
		if err := e.checkNoCycle(ctx, role.ID, parentID); err != nil {
			return err
		}
	}

	if err := e.store.PutRole(ctx, role); err != nil {
		return err
	}
	e.roles.Invalidate(role.ID)
	return nil
}

// checkNoCycle walks candidateParent's ancestor set and rejects if it
// contains roleID — adding roleID -> candidateParent must not create a
// cycle back to roleID.
func (e *Engine) checkNoCycle(ctx context.Context, roleID, candidateParent string) error {
	visited := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if id == roleID {
			return coreerr.New(coreerr.Conflict, svcerrors.ErrCodeConflict,
				fmt.Sprintf("rbac: assigning parent role %s to %s would create a cycle", candidateParent, roleID), 409)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		r, err := e.getRole(ctx, id)
		if err != nil {
			return nil // dangling parent reference: nothing further to walk
		}
		for _, p := range r.ParentRoles {
			if err := walk(p); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(candidateParent)
}

func (e *Engine) getRole(ctx context.Context, id string) (*Role, error) {
	if v, ok := e.roles.Get(id); ok {
		r := v.(Role)
		return &r, nil
	}
	r, err := e.store.GetRole(ctx, id)
	if err != nil {
		return nil, err
	}
	e.roles.Set(id, *r, rolesCacheTTL)
	return r, nil
}

// GetRole is the cache-through public read.
func (e *Engine) GetRole(ctx context.Context, id string) (*Role, error) {
	return e.getRole(ctx, id)
}

// DeleteRole removes a role and invalidates its cache entry.
func (e *Engine) DeleteRole(ctx context.Context, id string) error {
	if err := e.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	e.roles.Invalidate(id)
	return nil
}

// AssignRole binds roleID to a principal, with an optional expiry.
// Cycle safety is enforced at role-definition time (CreateRole); an
// assignment never introduces a new parent-role edge.
func (e *Engine) AssignRole(ctx context.Context, principalType, principalID, roleID string, expiresAt *time.Time) error {
	a := Assignment{
		PrincipalType: principalType,
		PrincipalID:   principalID,
		RoleID:        roleID,
		AssignedAt:    time.Now(),
		ExpiresAt:     expiresAt,
	}
	if err := e.store.PutAssignment(ctx, a); err != nil {
		return err
	}
	e.invalidateAssignments(principalType, principalID)
	return nil
}

// RevokeAssignment removes a role binding.
func (e *Engine) RevokeAssignment(ctx context.Context, principalType, principalID, roleID string) error {
	if err := e.store.DeleteAssignment(ctx, principalType, principalID, roleID); err != nil {
		return err
	}
	e.invalidateAssignments(principalType, principalID)
	return nil
}

// RevokeAllAssignments removes every assignment of roleID, for
// role-retirement cascades (SPEC_FULL §12).
func (e *Engine) RevokeAllAssignments(ctx context.Context, roleID string) error {
	assignments, err := e.store.ListAssignmentsForRole(ctx, roleID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, a := range assignments {
		if err := e.store.DeleteAssignment(ctx, a.PrincipalType, a.PrincipalID, roleID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.invalidateAssignments(a.PrincipalType, a.PrincipalID)
	}
	return firstErr
}

// RevokeAllForPrincipal removes every role binding held by one principal,
// the RBAC half of the principal-deletion cascade; the token engine's
// RevokeAllForSubject is the other half (SPEC_FULL §12).
func (e *Engine) RevokeAllForPrincipal(ctx context.Context, principalType, principalID string) error {
	assignments, err := e.store.GetAssignments(ctx, principalType, principalID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, a := range assignments {
		if err := e.store.DeleteAssignment(ctx, principalType, principalID, a.RoleID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	e.invalidateAssignments(principalType, principalID)
	return firstErr
}

func (e *Engine) invalidateAssignments(principalType, principalID string) {
	e.assigns.Invalidate(principalKey(principalType, principalID))
	if e.redis != nil {
		ctx := context.Background()
		if err := e.redis.Publish(ctx, patternsRedisKey, principalKey(principalType, principalID)).Err(); err != nil && e.logger != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("rbac: assignment cache invalidation mirror failed")
		}
	}
}

// effectiveRoles resolves the transitive, non-expired, deduplicated
// role set for a principal (spec.md §4.4 step 1).
func (e *Engine) effectiveRoles(ctx context.Context, principalType, principalID string) ([]Role, error) {
	key := principalKey(principalType, principalID)
	var assignments []Assignment
	if v, ok := e.assigns.Get(key); ok {
		assignments = v.([]Assignment)
	} else {
		a, err := e.store.GetAssignments(ctx, principalType, principalID)
		if err != nil {
			return nil, err
		}
		assignments = a
		e.assigns.Set(key, assignments, assignmentsCacheTTL)
	}

	now := time.Now()
	seen := map[string]bool{}
	var roles []Role

	var collect func(roleID string) error
	collect = func(roleID string) error {
		if seen[roleID] {
			return nil
		}
		seen[roleID] = true
		r, err := e.getRole(ctx, roleID)
		if err != nil {
			return nil // dangling assignment: skip
		}
		roles = append(roles, *r)
		for _, p := range r.ParentRoles {
			if err := collect(p); err != nil {
				return err
			}
		}
		return nil
	}

	for _, a := range assignments {
		if a.expired(now) {
			continue
		}
		if err := collect(a.RoleID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

// CheckPermission implements spec.md §4.4's check_permission algorithm.
func (e *Engine) CheckPermission(ctx context.Context, principalType, principalID, resource, action string, callCtx map[string]string) (Decision, error) {
	roles, err := e.effectiveRoles(ctx, principalType, principalID)
	if err != nil {
		return Decision{}, err
	}
	if len(roles) == 0 {
		return Decision{Allowed: false, Reason: "no roles"}, nil
	}

	var firstAllow *Decision
	for _, r := range roles {
		for i, p := range r.Permissions {
			if !e.pats.get(p.Resource).match(resource) {
				continue
			}
			if !p.allowsAction(action) {
				continue
			}
			if !p.matchesAttributes(callCtx) {
				continue
			}

			if p.Effect == Deny {
				return Decision{Allowed: false, Reason: fmt.Sprintf("explicit deny by role %s permission %d", r.ID, i)}, nil
			}
			if firstAllow == nil {
				firstAllow = &Decision{Allowed: true, Reason: fmt.Sprintf("allowed by role %s permission %d", r.ID, i)}
			}
		}
	}

	if firstAllow != nil {
		return *firstAllow, nil
	}
	return Decision{Allowed: false, Reason: "no matching permission"}, nil
}

// AccessibleResources implements spec.md §4.4's accessible_resources:
// every allow-effect resource pattern for action not overridden by a
// deny of the same pattern, optionally filtered by prefix.
func (e *Engine) AccessibleResources(ctx context.Context, principalType, principalID, action, prefix string) ([]string, error) {
	roles, err := e.effectiveRoles(ctx, principalType, principalID)
	if err != nil {
		return nil, err
	}

	allowed := map[string]bool{}
	denied := map[string]bool{}
	var order []string

	for _, r := range roles {
		for _, p := range r.Permissions {
			if !p.allowsAction(action) {
				continue
			}
			if p.Effect == Deny {
				denied[p.Resource] = true
				continue
			}
			if !allowed[p.Resource] {
				allowed[p.Resource] = true
				order = append(order, p.Resource)
			}
		}
	}

	var out []string
	for _, res := range order {
		if denied[res] {
			continue
		}
		if prefix != "" && !hasPatternPrefix(res, prefix) {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

// hasPatternPrefix reports whether a resource pattern string starts
// with prefix — a plain string comparison, since prefix filtering here
// is over pattern source text, not over matched values.
func hasPatternPrefix(pattern, prefix string) bool {
	if len(pattern) < len(prefix) {
		return false
	}
	return pattern[:len(prefix)] == prefix
}
