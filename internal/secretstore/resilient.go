package secretstore

import (
	"context"

	"github.com/trustfabric/identitycore/infrastructure/fallback"
)

// Resilient wraps a primary Store with a secondary read fallback using
// infrastructure/fallback's primary/fallback executor with exponential
// backoff between attempts. Writes go to primary only — secondary here is
// a read replica or a cache of last-known-good values, never a second
// system of record, so Store/Delete/List never touch it.
type Resilient struct {
	primary   Store
	secondary Store
	handler   *fallback.Handler
}

// NewResilient builds a Resilient store. cfg controls attempt count and
// backoff between the primary and secondary reads; fallback.DefaultConfig
// is a reasonable default.
func NewResilient(primary, secondary Store, cfg fallback.Config) *Resilient {
	return &Resilient{primary: primary, secondary: secondary, handler: fallback.NewHandler(cfg)}
}

func (r *Resilient) Store(ctx context.Context, key string, value []byte) error {
	return r.primary.Store(ctx, key, value)
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	return r.primary.Delete(ctx, key)
}

func (r *Resilient) List(ctx context.Context, prefix string) ([]string, error) {
	return r.primary.List(ctx, prefix)
}

// Get tries primary first, falling back to secondary on any error
// (including a primary NotFound, since a read replica may simply be
// behind rather than genuinely missing the key).
func (r *Resilient) Get(ctx context.Context, key string) ([]byte, error) {
	result := r.handler.Execute(ctx,
		func(ctx context.Context) (interface{}, error) { return r.primary.Get(ctx, key) },
		func(ctx context.Context) (interface{}, error) { return r.secondary.Get(ctx, key) },
	)
	if result.Err != nil {
		return nil, result.Err
	}
	value, _ := result.Value.([]byte)
	return value, nil
}

var _ Store = (*Resilient)(nil)
