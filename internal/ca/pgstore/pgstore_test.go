package pgstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/trustfabric/identitycore/internal/ca"
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

func TestGetRecordScansRow(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Unix(1000, 0)
	rows := sqlmock.NewRows([]string{"id", "subject_dn", "issuer_dn", "not_before", "not_after", "serial",
		"fingerprint", "pem", "type", "revoked", "revoked_at", "reason", "metadata"}).
		AddRow("abc", "CN=svc-a", "CN=root", now, now.Add(time.Hour), "1", "fp", []byte("pem"),
			"server", false, nil, nil, []byte(`{"parent_id":"root-1"}`))

	mock.ExpectQuery("SELECT id, subject_dn, issuer_dn, not_before, not_after, serial, fingerprint, pem, type").
		WithArgs("abc").
		WillReturnRows(rows)

	r, err := b.GetRecord(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if r.Type != ca.TypeServer || r.Metadata["parent_id"] != "root-1" {
		t.Fatalf("unexpected record: %+v", r)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	b, mock := newMockBackend(t)
	mock.ExpectQuery("SELECT id, subject_dn, issuer_dn, not_before, not_after, serial, fingerprint, pem, type").
		WithArgs("missing").
		WillReturnError(errors.New("no rows"))

	if _, err := b.GetRecord(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestPutRecordUpsertsWithMarshaledMetadata(t *testing.T) {
	b, mock := newMockBackend(t)
	now := time.Unix(2000, 0)
	r := ca.Record{
		ID: "abc", SubjectDN: "CN=svc-a", IssuerDN: "CN=root", NotBefore: now, NotAfter: now.Add(time.Hour),
		Serial: "1", Fingerprint: "fp", PEM: []byte("pem"), Type: ca.TypeServer,
		Metadata: map[string]string{"parent_id": "root-1"},
	}

	mock.ExpectExec("INSERT INTO identitycore_ca_certificates").
		WithArgs("abc", "CN=svc-a", "CN=root", now, now.Add(time.Hour), "1", "fp", []byte("pem"),
			"server", false, nil, "", []byte(`{"parent_id":"root-1"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.PutRecord(context.Background(), r); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
