package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/trustfabric/identitycore/internal/coreerr"
	"github.com/trustfabric/identitycore/internal/rbac"
)

func TestRoleCRUDRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	role := rbac.Role{ID: "viewer", Name: "Viewer", Permissions: []rbac.Permission{
		{Resource: "*", Actions: []string{"read"}, Effect: rbac.Allow},
	}}
	if err := s.PutRole(ctx, role); err != nil {
		t.Fatalf("PutRole: %v", err)
	}

	got, err := s.GetRole(ctx, "viewer")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if got.Name != "Viewer" || len(got.Permissions) != 1 {
		t.Fatalf("unexpected role: %+v", got)
	}

	if err := s.DeleteRole(ctx, "viewer"); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if _, err := s.GetRole(ctx, "viewer"); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	if err := s.PutAssignment(ctx, rbac.Assignment{PrincipalType: "user", PrincipalID: "u1", RoleID: "viewer", ExpiresAt: &exp}); err != nil {
		t.Fatalf("PutAssignment: %v", err)
	}
	if err := s.PutAssignment(ctx, rbac.Assignment{PrincipalType: "user", PrincipalID: "u1", RoleID: "editor"}); err != nil {
		t.Fatalf("PutAssignment: %v", err)
	}

	got, err := s.GetAssignments(ctx, "user", "u1")
	if err != nil || len(got) != 2 {
		t.Fatalf("GetAssignments = %+v, err=%v", got, err)
	}

	if err := s.DeleteAssignment(ctx, "user", "u1", "viewer"); err != nil {
		t.Fatalf("DeleteAssignment: %v", err)
	}
	got, _ = s.GetAssignments(ctx, "user", "u1")
	if len(got) != 1 || got[0].RoleID != "editor" {
		t.Fatalf("got %+v after delete, want only editor", got)
	}
}

func TestPutAssignmentUpdatesExisting(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)

	_ = s.PutAssignment(ctx, rbac.Assignment{PrincipalType: "user", PrincipalID: "u1", RoleID: "viewer", ExpiresAt: &first})
	_ = s.PutAssignment(ctx, rbac.Assignment{PrincipalType: "user", PrincipalID: "u1", RoleID: "viewer", ExpiresAt: &second})

	got, _ := s.GetAssignments(ctx, "user", "u1")
	if len(got) != 1 {
		t.Fatalf("expected upsert to avoid duplicate rows, got %d", len(got))
	}
	if !got[0].ExpiresAt.Equal(second) {
		t.Fatalf("expected second put to win, got %v", got[0].ExpiresAt)
	}
}

func TestListAssignmentsForRole(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.PutAssignment(ctx, rbac.Assignment{PrincipalType: "user", PrincipalID: "u1", RoleID: "viewer"})
	_ = s.PutAssignment(ctx, rbac.Assignment{PrincipalType: "user", PrincipalID: "u2", RoleID: "viewer"})
	_ = s.PutAssignment(ctx, rbac.Assignment{PrincipalType: "user", PrincipalID: "u1", RoleID: "editor"})

	got, err := s.ListAssignmentsForRole(ctx, "viewer")
	if err != nil || len(got) != 2 {
		t.Fatalf("ListAssignmentsForRole = %+v, err=%v", got, err)
	}
}
