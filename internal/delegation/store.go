package delegation

import (
	"context"
	"encoding/json"
	"fmt"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/internal/coreerr"
	"github.com/trustfabric/identitycore/internal/secretstore"
)

func (e *Engine) persistRecord(ctx context.Context, r Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("delegation: marshal record: %w", err)
	}
	if err := e.store.Store(ctx, secretstore.PrefixDelegationRecord+r.DelegateTokenID, raw); err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"delegation: persist delegation record", 503, err)
	}
	return nil
}

func (e *Engine) getRecord(ctx context.Context, delegateTokenID string) (*Record, error) {
	raw, err := e.store.Get(ctx, secretstore.PrefixDelegationRecord+delegateTokenID)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("delegation: unmarshal record: %w", err)
	}
	return &r, nil
}
