// Package pgstore is a Postgres-backed secretstore.Store for multi-instance
// deployments. It keeps a single table (key, value, updated_at) and relies
// on Postgres's own durability/atomicity guarantees for the crash-atomic,
// read-your-writes contract secretstore.Store requires.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/trustfabric/identitycore/internal/secretstore"
)

// Store is a secretstore.Store backed by a Postgres table.
type Store struct {
	db        *sqlx.DB
	tableName string
}

// Open connects to dsn and returns a Store. Callers own the returned
// *sqlx.DB's lifetime via Close.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	return New(db), nil
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, tableName: "identitycore_kv"}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the backing table if it does not already exist. It is
// safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.tableName))
	if err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("pgstore: store %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.tableName)
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, secretstore.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("pgstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE $1`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("pgstore: list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("pgstore: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// escapeLikePrefix escapes LIKE metacharacters in a key prefix. Reserved
// prefixes (secretstore.PrefixTokenMetadata, etc.) never contain these, but
// callers may pass arbitrary prefixes via List.
func escapeLikePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}

var _ secretstore.Store = (*Store)(nil)
