package pgstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/trustfabric/identitycore/internal/rbac"
)

func newMockBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestGetRoleScansRoleRow(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Unix(1000, 0)
	rows := sqlmock.NewRows([]string{"id", "name", "parent_roles", "permissions", "created_at", "updated_at"}).
		AddRow("viewer", "Viewer", []byte(`["base"]`), []byte(`[{"resource":"*","actions":["read"],"effect":"allow"}]`), now, now)

	mock.ExpectQuery("SELECT id, name, parent_roles, permissions, created_at, updated_at FROM identitycore_rbac_roles WHERE id = \\$1").
		WithArgs("viewer").
		WillReturnRows(rows)

	role, err := b.GetRole(context.Background(), "viewer")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if role.Name != "Viewer" || len(role.ParentRoles) != 1 || role.ParentRoles[0] != "base" {
		t.Fatalf("unexpected role: %+v", role)
	}
	if len(role.Permissions) != 1 || role.Permissions[0].Resource != "*" {
		t.Fatalf("unexpected permissions: %+v", role.Permissions)
	}
}

func TestGetRoleNotFound(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT id, name, parent_roles, permissions, created_at, updated_at FROM identitycore_rbac_roles WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(errors.New("no rows"))

	if _, err := b.GetRole(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing role")
	}
}

func TestPutRoleUpsertsWithMarshaledColumns(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Unix(2000, 0)
	role := rbac.Role{ID: "viewer", Name: "Viewer", ParentRoles: []string{"base"}, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec("INSERT INTO identitycore_rbac_roles").
		WithArgs("viewer", "Viewer", []byte(`["base"]`), []byte(`[]`), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.PutRole(context.Background(), role); err != nil {
		t.Fatalf("PutRole: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAssignmentsScansRows(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Unix(3000, 0)
	rows := sqlmock.NewRows([]string{"principal_type", "principal_id", "role_id", "assigned_at", "expires_at"}).
		AddRow("user", "u1", "viewer", now, nil)

	mock.ExpectQuery("SELECT principal_type, principal_id, role_id, assigned_at, expires_at FROM identitycore_rbac_assignments").
		WithArgs("user", "u1").
		WillReturnRows(rows)

	got, err := b.GetAssignments(context.Background(), "user", "u1")
	if err != nil {
		t.Fatalf("GetAssignments: %v", err)
	}
	if len(got) != 1 || got[0].RoleID != "viewer" || got[0].ExpiresAt != nil {
		t.Fatalf("unexpected assignments: %+v", got)
	}
}

func TestDeleteAssignmentExecutesDelete(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectExec("DELETE FROM identitycore_rbac_assignments").
		WithArgs("user", "u1", "viewer").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.DeleteAssignment(context.Background(), "user", "u1", "viewer"); err != nil {
		t.Fatalf("DeleteAssignment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
