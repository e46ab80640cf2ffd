// Package memstore is an in-memory ca.Store for tests and single-process
// deployments.
package memstore

import (
	"context"
	"sync"

	"github.com/trustfabric/identitycore/internal/ca"
	"github.com/trustfabric/identitycore/internal/secretstore"
)

// Store is a sync.RWMutex-guarded ca.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string]ca.Record
}

// New creates an empty Store.
func New() *Store {
	return &Store{records: make(map[string]ca.Record)}
}

func (s *Store) GetRecord(_ context.Context, id string) (*ca.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, secretstore.NotFound(id)
	}
	return &r, nil
}

func (s *Store) PutRecord(_ context.Context, r ca.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	return nil
}

func (s *Store) ListRecords(_ context.Context) ([]ca.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ca.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

var _ ca.Store = (*Store)(nil)
