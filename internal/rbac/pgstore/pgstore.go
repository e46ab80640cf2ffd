// Package pgstore is a Postgres-backed rbac.Store for multi-instance
// deployments, grounded on internal/audit/pgstore's JSONB-column
// pattern: role permissions marshal to a single JSONB column rather
// than a normalized permissions table, since permissions are always
// read and written as a whole with their owning role.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/trustfabric/identitycore/internal/rbac"
)

// Backend is an rbac.Store backed by two Postgres tables: roles and
// role_assignments.
type Backend struct {
	db         *sqlx.DB
	rolesTable string
	assignTable string
}

// Open connects to dsn and returns a Backend.
func Open(dsn string) (*Backend, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("rbac/pgstore: connect: %w", err)
	}
	return New(db), nil
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Backend {
	return &Backend{db: db, rolesTable: "identitycore_rbac_roles", assignTable: "identitycore_rbac_assignments"}
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error { return b.db.Close() }

// EnsureSchema creates the backing tables if they do not already exist.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_roles JSONB NOT NULL DEFAULT '[]',
			permissions JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, b.rolesTable))
	if err != nil {
		return fmt.Errorf("rbac/pgstore: ensure roles table: %w", err)
	}

	_, err = b.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			principal_type TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			role_id TEXT NOT NULL,
			assigned_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			PRIMARY KEY (principal_type, principal_id, role_id)
		)`, b.assignTable))
	if err != nil {
		return fmt.Errorf("rbac/pgstore: ensure assignments table: %w", err)
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_role_idx ON %s (role_id)`, b.assignTable, b.assignTable))
	if err != nil {
		return fmt.Errorf("rbac/pgstore: ensure role index: %w", err)
	}
	return nil
}

func (b *Backend) GetRole(ctx context.Context, id string) (*rbac.Role, error) {
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, name, parent_roles, permissions, created_at, updated_at FROM %s WHERE id = $1`, b.rolesTable), id)

	var r rbac.Role
	var parents, perms []byte
	if err := row.Scan(&r.ID, &r.Name, &parents, &perms, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, rbac.ErrRoleNotFound(id)
	}
	if err := json.Unmarshal(parents, &r.ParentRoles); err != nil {
		return nil, fmt.Errorf("rbac/pgstore: unmarshal parent_roles: %w", err)
	}
	if err := json.Unmarshal(perms, &r.Permissions); err != nil {
		return nil, fmt.Errorf("rbac/pgstore: unmarshal permissions: %w", err)
	}
	return &r, nil
}

func (b *Backend) PutRole(ctx context.Context, role rbac.Role) error {
	parents, err := json.Marshal(role.ParentRoles)
	if err != nil {
		return fmt.Errorf("rbac/pgstore: marshal parent_roles: %w", err)
	}
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("rbac/pgstore: marshal permissions: %w", err)
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, name, parent_roles, permissions, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, parent_roles = EXCLUDED.parent_roles,
			permissions = EXCLUDED.permissions, updated_at = EXCLUDED.updated_at`, b.rolesTable),
		role.ID, role.Name, parents, perms, role.CreatedAt, role.UpdatedAt)
	if err != nil {
		return fmt.Errorf("rbac/pgstore: put role: %w", err)
	}
	return nil
}

func (b *Backend) DeleteRole(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, b.rolesTable), id)
	if err != nil {
		return fmt.Errorf("rbac/pgstore: delete role: %w", err)
	}
	return nil
}

func (b *Backend) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, name, parent_roles, permissions, created_at, updated_at FROM %s`, b.rolesTable))
	if err != nil {
		return nil, fmt.Errorf("rbac/pgstore: list roles: %w", err)
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var r rbac.Role
		var parents, perms []byte
		if err := rows.Scan(&r.ID, &r.Name, &parents, &perms, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("rbac/pgstore: scan role: %w", err)
		}
		_ = json.Unmarshal(parents, &r.ParentRoles)
		_ = json.Unmarshal(perms, &r.Permissions)
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (b *Backend) GetAssignments(ctx context.Context, principalType, principalID string) ([]rbac.Assignment, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT principal_type, principal_id, role_id, assigned_at, expires_at FROM %s
		 WHERE principal_type = $1 AND principal_id = $2`, b.assignTable), principalType, principalID)
	if err != nil {
		return nil, fmt.Errorf("rbac/pgstore: get assignments: %w", err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

func (b *Backend) PutAssignment(ctx context.Context, a rbac.Assignment) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (principal_type, principal_id, role_id, assigned_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (principal_type, principal_id, role_id) DO UPDATE SET
			assigned_at = EXCLUDED.assigned_at, expires_at = EXCLUDED.expires_at`, b.assignTable),
		a.PrincipalType, a.PrincipalID, a.RoleID, a.AssignedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("rbac/pgstore: put assignment: %w", err)
	}
	return nil
}

func (b *Backend) DeleteAssignment(ctx context.Context, principalType, principalID, roleID string) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE principal_type = $1 AND principal_id = $2 AND role_id = $3`, b.assignTable),
		principalType, principalID, roleID)
	if err != nil {
		return fmt.Errorf("rbac/pgstore: delete assignment: %w", err)
	}
	return nil
}

func (b *Backend) ListAssignmentsForRole(ctx context.Context, roleID string) ([]rbac.Assignment, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT principal_type, principal_id, role_id, assigned_at, expires_at FROM %s WHERE role_id = $1`, b.assignTable), roleID)
	if err != nil {
		return nil, fmt.Errorf("rbac/pgstore: list assignments for role: %w", err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

func scanAssignments(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]rbac.Assignment, error) {
	var out []rbac.Assignment
	for rows.Next() {
		var a rbac.Assignment
		if err := rows.Scan(&a.PrincipalType, &a.PrincipalID, &a.RoleID, &a.AssignedAt, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("rbac/pgstore: scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ rbac.Store = (*Backend)(nil)
