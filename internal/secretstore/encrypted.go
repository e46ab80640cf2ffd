package secretstore

import (
	"context"

	"github.com/trustfabric/identitycore/infrastructure/secrets"
)

// sealer is the subset of *secrets.Envelope this decorator needs, narrowed
// so callers outside infrastructure/secrets can be substituted in tests.
type sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(raw []byte) ([]byte, error)
}

// Encrypted wraps a Store so every value is sealed with an AES-256-GCM
// envelope before it reaches the backing implementation, and opened again
// on read — memstore and pgstore themselves stay ignorant of encryption,
// per infrastructure/secrets/envelope.go's documented contract.
type Encrypted struct {
	backing  Store
	envelope sealer
}

// NewEncrypted builds an Encrypted store over backing using envelope.
func NewEncrypted(backing Store, envelope *secrets.Envelope) *Encrypted {
	return &Encrypted{backing: backing, envelope: envelope}
}

func (e *Encrypted) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := e.envelope.Seal(value)
	if err != nil {
		return err
	}
	return e.backing.Store(ctx, key, sealed)
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.backing.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.envelope.Open(sealed)
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.backing.Delete(ctx, key)
}

func (e *Encrypted) List(ctx context.Context, prefix string) ([]string, error) {
	return e.backing.List(ctx, prefix)
}

var _ Store = (*Encrypted)(nil)
