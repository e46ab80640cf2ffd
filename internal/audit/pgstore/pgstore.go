// Package pgstore is a Postgres-backed audit.StorageBackend for
// multi-instance deployments. It keeps a single append-only table and
// relies on Postgres's own durability guarantees for the
// durable-before-return contract severity >= warning events require.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/trustfabric/identitycore/internal/audit"
)

// Backend is an audit.StorageBackend backed by a Postgres table.
type Backend struct {
	db        *sqlx.DB
	tableName string
}

// Open connects to dsn and returns a Backend. Callers own the returned
// *sqlx.DB's lifetime via Close.
func Open(dsn string) (*Backend, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit/pgstore: connect: %w", err)
	}
	return New(db), nil
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Backend {
	return &Backend{db: db, tableName: "identitycore_audit_log"}
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error { return b.db.Close() }

// EnsureSchema creates the backing table if it does not already exist.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			severity INTEGER NOT NULL,
			principal_id TEXT NOT NULL DEFAULT '',
			principal_type TEXT NOT NULL DEFAULT '',
			resource TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			source_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}'
		)`, b.tableName))
	if err != nil {
		return fmt.Errorf("audit/pgstore: ensure schema: %w", err)
	}
	_, err = b.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts)`, b.tableName, b.tableName))
	if err != nil {
		return fmt.Errorf("audit/pgstore: ensure index: %w", err)
	}
	return nil
}

func (b *Backend) Append(ctx context.Context, e audit.Event) (string, error) {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("audit/pgstore: marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, ts, event_type, severity, principal_id, principal_type,
			resource, action, outcome, source_ip, user_agent, request_id, message, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, b.tableName)
	_, err = b.db.ExecContext(ctx, query,
		e.ID, e.Timestamp, e.EventType, int(e.Severity), e.PrincipalID, e.PrincipalType,
		e.Resource, e.Action, string(e.Outcome), e.SourceIP, e.UserAgent, e.RequestID, e.Message, meta)
	if err != nil {
		return "", fmt.Errorf("audit/pgstore: append: %w", err)
	}
	return e.ID, nil
}

func (b *Backend) Query(ctx context.Context, f audit.Filter, tr audit.TimeRange, p audit.Paging) ([]audit.Event, error) {
	query := fmt.Sprintf(`SELECT id, ts, event_type, severity, principal_id, principal_type,
		resource, action, outcome, source_ip, user_agent, request_id, message, metadata
		FROM %s WHERE severity >= $1`, b.tableName)
	args := []interface{}{int(f.MinSeverity)}

	if f.EventType != "" {
		args = append(args, f.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if f.PrincipalID != "" {
		args = append(args, f.PrincipalID)
		query += fmt.Sprintf(" AND principal_id = $%d", len(args))
	}
	if f.PrincipalType != "" {
		args = append(args, f.PrincipalType)
		query += fmt.Sprintf(" AND principal_type = $%d", len(args))
	}
	if f.Resource != "" {
		args = append(args, f.Resource)
		query += fmt.Sprintf(" AND resource = $%d", len(args))
	}
	if f.Outcome != "" {
		args = append(args, string(f.Outcome))
		query += fmt.Sprintf(" AND outcome = $%d", len(args))
	}
	if !tr.Since.IsZero() {
		args = append(args, tr.Since)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !tr.Until.IsZero() {
		args = append(args, tr.Until)
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	query += " ORDER BY ts ASC"
	if p.Limit > 0 {
		args = append(args, p.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if p.Offset > 0 {
		args = append(args, p.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit/pgstore: query: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var severity int
		var outcome string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &severity, &e.PrincipalID,
			&e.PrincipalType, &e.Resource, &e.Action, &outcome, &e.SourceIP, &e.UserAgent,
			&e.RequestID, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("audit/pgstore: scan: %w", err)
		}
		e.Severity = audit.Severity(severity)
		e.Outcome = audit.Outcome(outcome)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit/pgstore: unmarshal metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ audit.StorageBackend = (*Backend)(nil)
