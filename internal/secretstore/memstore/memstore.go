// Package memstore is an in-memory secretstore.Store for tests and
// single-process deployments.
package memstore

import (
	"context"
	"strings"
	"sync"

	"github.com/trustfabric/identitycore/internal/secretstore"
)

// Store is a sync.RWMutex-guarded map satisfying secretstore.Store.
// Writes copy the supplied slice so callers mutating their buffer after
// Store returns cannot corrupt stored state (crash-atomicity is trivial
// in-process, but read-your-writes isolation still requires the copy).
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Store(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cp
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[key]
	if !ok {
		return nil, secretstore.NotFound(key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

var _ secretstore.Store = (*Store)(nil)
