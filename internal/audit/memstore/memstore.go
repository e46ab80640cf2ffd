// Package memstore is an in-memory audit.StorageBackend for tests and
// single-process deployments.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/trustfabric/identitycore/internal/audit"
)

// Backend is a mutex-guarded slice of events, append-only from the
// caller's perspective.
type Backend struct {
	mu     sync.RWMutex
	events []audit.Event
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) Append(_ context.Context, e audit.Event) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return e.ID, nil
}

func (b *Backend) Query(_ context.Context, f audit.Filter, tr audit.TimeRange, p audit.Paging) ([]audit.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []audit.Event
	for _, e := range b.events {
		if !matches(e, f, tr) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	if p.Offset > 0 {
		if p.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[p.Offset:]
	}
	if p.Limit > 0 && len(matched) > p.Limit {
		matched = matched[:p.Limit]
	}
	return matched, nil
}

func matches(e audit.Event, f audit.Filter, tr audit.TimeRange) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.PrincipalID != "" && e.PrincipalID != f.PrincipalID {
		return false
	}
	if f.PrincipalType != "" && e.PrincipalType != f.PrincipalType {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if e.Severity < f.MinSeverity {
		return false
	}
	if !tr.Since.IsZero() && e.Timestamp.Before(tr.Since) {
		return false
	}
	if !tr.Until.IsZero() && e.Timestamp.After(tr.Until) {
		return false
	}
	return true
}

var _ audit.StorageBackend = (*Backend)(nil)
