// Package pgstore is a Postgres-backed ca.Store for multi-instance
// deployments, following internal/rbac/pgstore's single-table JSONB
// pattern: certificate metadata marshals to a JSONB column rather than a
// normalized columns-per-field table.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/trustfabric/identitycore/internal/ca"
	"github.com/trustfabric/identitycore/internal/secretstore"
)

// Backend is a ca.Store backed by a single certificates table.
type Backend struct {
	db    *sqlx.DB
	table string
}

// Open connects to dsn and returns a Backend.
func Open(dsn string) (*Backend, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ca/pgstore: connect: %w", err)
	}
	return New(db), nil
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Backend {
	return &Backend{db: db, table: "identitycore_ca_certificates"}
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error { return b.db.Close() }

// EnsureSchema creates the backing table if it does not already exist.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			subject_dn TEXT NOT NULL,
			issuer_dn TEXT NOT NULL,
			not_before TIMESTAMPTZ NOT NULL,
			not_after TIMESTAMPTZ NOT NULL,
			serial TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			pem BYTEA NOT NULL,
			type TEXT NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			revoked_at TIMESTAMPTZ,
			reason TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'
		)`, b.table))
	if err != nil {
		return fmt.Errorf("ca/pgstore: ensure certificates table: %w", err)
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_subject_idx ON %s (subject_dn)`, b.table, b.table))
	if err != nil {
		return fmt.Errorf("ca/pgstore: ensure subject index: %w", err)
	}
	return nil
}

func (b *Backend) GetRecord(ctx context.Context, id string) (*ca.Record, error) {
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, subject_dn, issuer_dn, not_before, not_after, serial, fingerprint, pem, type,
		        revoked, revoked_at, reason, metadata FROM %s WHERE id = $1`, b.table), id)

	var r ca.Record
	var revokedAt *time.Time
	var reason *string
	var meta []byte
	var typ string
	if err := row.Scan(&r.ID, &r.SubjectDN, &r.IssuerDN, &r.NotBefore, &r.NotAfter, &r.Serial,
		&r.Fingerprint, &r.PEM, &typ, &r.Revoked, &revokedAt, &reason, &meta); err != nil {
		return nil, secretstore.NotFound(id)
	}
	r.Type = ca.RecordType(typ)
	if revokedAt != nil {
		r.RevokedAt = *revokedAt
	}
	if reason != nil {
		r.Reason = *reason
	}
	if err := json.Unmarshal(meta, &r.Metadata); err != nil {
		return nil, fmt.Errorf("ca/pgstore: unmarshal metadata: %w", err)
	}
	return &r, nil
}

func (b *Backend) PutRecord(ctx context.Context, r ca.Record) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("ca/pgstore: marshal metadata: %w", err)
	}
	var revokedAt interface{}
	if !r.RevokedAt.IsZero() {
		revokedAt = r.RevokedAt
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, subject_dn, issuer_dn, not_before, not_after, serial, fingerprint, pem,
		                 type, revoked, revoked_at, reason, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			revoked = EXCLUDED.revoked, revoked_at = EXCLUDED.revoked_at,
			reason = EXCLUDED.reason, metadata = EXCLUDED.metadata`, b.table),
		r.ID, r.SubjectDN, r.IssuerDN, r.NotBefore, r.NotAfter, r.Serial, r.Fingerprint, r.PEM,
		string(r.Type), r.Revoked, revokedAt, r.Reason, meta)
	if err != nil {
		return fmt.Errorf("ca/pgstore: put record: %w", err)
	}
	return nil
}

func (b *Backend) ListRecords(ctx context.Context) ([]ca.Record, error) {
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, subject_dn, issuer_dn, not_before, not_after, serial, fingerprint, pem, type,
		        revoked, revoked_at, reason, metadata FROM %s`, b.table))
	if err != nil {
		return nil, fmt.Errorf("ca/pgstore: list records: %w", err)
	}
	defer rows.Close()

	var out []ca.Record
	for rows.Next() {
		var r ca.Record
		var revokedAt *time.Time
		var reason *string
		var meta []byte
		var typ string
		if err := rows.Scan(&r.ID, &r.SubjectDN, &r.IssuerDN, &r.NotBefore, &r.NotAfter, &r.Serial,
			&r.Fingerprint, &r.PEM, &typ, &r.Revoked, &revokedAt, &reason, &meta); err != nil {
			return nil, fmt.Errorf("ca/pgstore: scan record: %w", err)
		}
		r.Type = ca.RecordType(typ)
		if revokedAt != nil {
			r.RevokedAt = *revokedAt
		}
		if reason != nil {
			r.Reason = *reason
		}
		_ = json.Unmarshal(meta, &r.Metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ ca.Store = (*Backend)(nil)
