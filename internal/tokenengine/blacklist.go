package tokenengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/internal/coreerr"
	"github.com/trustfabric/identitycore/internal/secretstore"
)

// blacklistRedisKey is the hash holding the cross-instance blacklist
// mirror, keyed by jti.
const blacklistRedisKey = "identitycore:tokenengine:blacklist"

// blacklist is the revoked-jti set. The in-memory map is the authoritative
// fast path (spec.md §3); it is considered warm only after cold-start load
// completes, and verify must fail closed (Transient) until then.
type blacklist struct {
	store  secretstore.Store
	redis  *redis.Client
	logger *logging.Logger

	mu    sync.RWMutex
	warm  bool
	byJTI map[string]BlacklistEntry
}

func newBlacklist(store secretstore.Store, redisClient *redis.Client, logger *logging.Logger) *blacklist {
	return &blacklist{store: store, redis: redisClient, logger: logger, byJTI: make(map[string]BlacklistEntry)}
}

// coldStart loads the full persisted blacklist into memory. Per spec.md
// §4.3, the engine must not accept verify calls until this completes.
func (b *blacklist) coldStart(ctx context.Context) error {
	keys, err := b.store.List(ctx, secretstore.PrefixTokenBlacklist)
	if err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"tokenengine: blacklist cold start: list", 503, err)
	}

	entries := make(map[string]BlacklistEntry, len(keys))
	for _, k := range keys {
		raw, err := b.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var e BlacklistEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		entries[strings.TrimPrefix(k, secretstore.PrefixTokenBlacklist)] = e
	}

	b.mu.Lock()
	b.byJTI = entries
	b.warm = true
	b.mu.Unlock()
	return nil
}

// IsWarm reports whether cold start has completed.
func (b *blacklist) IsWarm() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.warm
}

// Contains is the fast-path revocation check.
func (b *blacklist) Contains(jti string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byJTI[jti]
	return ok
}

// Add revokes jti: persist (1), in-memory (2), cross-instance mirror
// (best-effort). Per spec.md §4.3 the three writes are attempted even on
// partial failure; the persisted write succeeding is sufficient for
// Revoke to report success, so Add itself only returns the persist error.
func (b *blacklist) Add(ctx context.Context, entry BlacklistEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tokenengine: marshal blacklist entry: %w", err)
	}

	persistErr := b.store.Store(ctx, secretstore.PrefixTokenBlacklist+entry.TokenID, raw)

	b.mu.Lock()
	b.byJTI[entry.TokenID] = entry
	b.mu.Unlock()

	if b.redis != nil {
		if err := b.redis.HSet(ctx, blacklistRedisKey, entry.TokenID, raw).Err(); err != nil && b.logger != nil {
			b.logger.WithContext(ctx).WithError(err).Warn("tokenengine: blacklist redis mirror failed")
		}
	}

	if persistErr != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"tokenengine: persist blacklist entry", 503, persistErr)
	}
	return nil
}

// List returns every currently-blacklisted entry, for ListRevoked.
func (b *blacklist) List() []BlacklistEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]BlacklistEntry, 0, len(b.byJTI))
	for _, e := range b.byJTI {
		out = append(out, e)
	}
	return out
}

// Cleanup removes blacklist entries whose ExpiresAt is past: an expired
// token is already rejected by the expiry check, so the blacklist entry
// serves no further purpose.
func (b *blacklist) Cleanup(ctx context.Context) {
	now := time.Now()

	b.mu.Lock()
	var expired []string
	for jti, e := range b.byJTI {
		if e.ExpiresAt.Before(now) {
			expired = append(expired, jti)
			delete(b.byJTI, jti)
		}
	}
	b.mu.Unlock()

	for _, jti := range expired {
		if err := b.store.Delete(ctx, secretstore.PrefixTokenBlacklist+jti); err != nil && b.logger != nil {
			b.logger.WithContext(ctx).WithError(err).WithField("jti", jti).
				Warn("tokenengine: blacklist cleanup failed to delete persisted entry")
		}
		if b.redis != nil {
			_ = b.redis.HDel(ctx, blacklistRedisKey, jti).Err()
		}
	}
}
