// Package secretstore defines the narrow key->bytes contract consumed by
// the Token Engine, Delegation Engine, and Certificate Authority. The core
// reserves five key prefixes: tokens:metadata:, tokens:blacklist:,
// cert_key_, signing_keys:, and delegation:record: — implementations must
// not interpret keys, only store and retrieve opaque bytes under them.
package secretstore

import (
	"context"

	"github.com/trustfabric/identitycore/internal/coreerr"
	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
)

// Reserved key prefixes (spec.md §4.1, §6).
const (
	PrefixTokenMetadata    = "tokens:metadata:"
	PrefixTokenBlacklist   = "tokens:blacklist:"
	PrefixCertKey          = "cert_key_"
	PrefixSigningKey       = "signing_keys:"
	PrefixDelegationRecord = "delegation:record:"
)

// Store is implemented by memstore.Store and pgstore.Store. Implementations
// must be process-safe (concurrent writers allowed), crash-atomic per
// operation, and provide read-your-writes consistency. No cross-key
// transactional guarantee is required.
type Store interface {
	Store(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// NotFound builds the coreerr.NotFound-kind error Get must return when key
// is absent.
func NotFound(key string) error {
	return coreerr.New(coreerr.NotFound, svcerrors.ErrCodeNotFound, "secret store key not found: "+key, 404)
}
