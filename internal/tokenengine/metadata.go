package tokenengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/infrastructure/resilience"
	"github.com/trustfabric/identitycore/internal/coreerr"
	"github.com/trustfabric/identitycore/internal/secretstore"
)

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func unmarshalMetadata(raw []byte, meta *Metadata) error {
	if err := json.Unmarshal(raw, meta); err != nil {
		return fmt.Errorf("tokenengine: unmarshal metadata: %w", err)
	}
	return nil
}

func (e *Engine) persistMetadata(ctx context.Context, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("tokenengine: marshal metadata: %w", err)
	}
	err = resilience.Retry(ctx, e.retry, func() error {
		return e.store.Store(ctx, secretstore.PrefixTokenMetadata+meta.JTI, raw)
	})
	if err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"tokenengine: persist token metadata", 503, err)
	}
	return nil
}

func (e *Engine) getMetadata(ctx context.Context, jti string) (*Metadata, error) {
	raw, err := e.store.Get(ctx, secretstore.PrefixTokenMetadata+jti)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := unmarshalMetadata(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
