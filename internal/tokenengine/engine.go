package tokenengine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/infrastructure/resilience"
	"github.com/trustfabric/identitycore/internal/audit"
	"github.com/trustfabric/identitycore/internal/coreerr"
	"github.com/trustfabric/identitycore/internal/crypto"
	"github.com/trustfabric/identitycore/internal/secretstore"
)

// legacyHMACInfo binds the HKDF-derived legacy verification key to its one
// purpose, so the same LegacySecret can never be replayed to derive a key
// for anything else.
const legacyHMACInfo = "tokenengine:hs256-legacy"

// Config carries the settings an Engine needs from internal/config.
type Config struct {
	Issuer            string
	SigningKeyBits    int
	MaxTokenTTL       time.Duration
	KeyRotationPeriod time.Duration
	BlacklistCleanup  time.Duration
	RedisAddr         string

	// LegacySecret, if set, enables verification of HS256 tokens signed by
	// a predecessor issuer during a migration window (spec.md §11). It is
	// never used to sign new tokens — Mint always produces RS256 — and
	// Verify derives the actual HMAC key from it via HKDF rather than
	// using it directly.
	LegacySecret string
}

// Engine is the Token Engine of spec.md §4.3.
type Engine struct {
	cfg       Config
	store     secretstore.Store
	audit     *audit.Sink
	logger    *logging.Logger
	keys      *keyPool
	blacklist *blacklist
	retry     resilience.RetryConfig
	cron      *cron.Cron
	redis     *redis.Client
	legacyKey []byte
}

// NewEngine constructs an Engine. Callers must call Start before accepting
// verify traffic — Start performs blacklist cold start and schedules
// rotation/cleanup jobs.
func NewEngine(cfg Config, store secretstore.Store, auditSink *audit.Sink, logger *logging.Logger) *Engine {
	if cfg.SigningKeyBits == 0 {
		cfg.SigningKeyBits = 2048
	}
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		audit:     auditSink,
		logger:    logger,
		keys:      newKeyPool(store, cfg.SigningKeyBits),
		blacklist: newBlacklist(store, redisClient, logger),
		retry:     resilience.DefaultRetryConfig(),
		cron:      cron.New(),
		redis:     redisClient,
	}
	if cfg.LegacySecret != "" {
		if key, err := crypto.DeriveKey([]byte(cfg.LegacySecret), nil, legacyHMACInfo, 32); err == nil {
			e.legacyKey = key
		} else if logger != nil {
			logger.Warn(context.Background(), "tokenengine: failed to derive legacy HS256 key, legacy verification disabled",
				map[string]interface{}{"error": err.Error()})
		}
	}
	return e
}

// Start loads signing keys and the blacklist, then schedules background
// rotation and cleanup. Verify must not be called before Start returns.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.keys.bootstrap(ctx); err != nil {
		return err
	}
	if err := e.blacklist.coldStart(ctx); err != nil {
		return err
	}

	if e.cfg.KeyRotationPeriod > 0 {
		spec := fmt.Sprintf("@every %s", e.cfg.KeyRotationPeriod)
		if _, err := e.cron.AddFunc(spec, func() {
			if _, err := e.RotateKeys(context.Background()); err != nil && e.logger != nil {
				e.logger.WithError(err).Error("tokenengine: scheduled key rotation failed")
			}
		}); err != nil {
			return fmt.Errorf("tokenengine: schedule rotation: %w", err)
		}
	}

	cleanup := e.cfg.BlacklistCleanup
	if cleanup == 0 {
		cleanup = time.Hour
	}
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", cleanup), func() {
		e.blacklist.Cleanup(context.Background())
	}); err != nil {
		return fmt.Errorf("tokenengine: schedule blacklist cleanup: %w", err)
	}

	e.cron.Start()
	return nil
}

// Stop halts background jobs.
func (e *Engine) Stop() {
	e.cron.Stop()
}

// Mint implements spec.md §4.3 Mint.
func (e *Engine) Mint(ctx context.Context, req MintRequest) (*MintResult, error) {
	key := e.keys.Current()
	if key == nil {
		return nil, coreerr.New(coreerr.Fatal, svcerrors.ErrCodeInternal,
			"tokenengine: no current signing key", 500)
	}

	now := time.Now()
	jti := uuid.New().String()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    e.cfg.Issuer,
			Subject:   req.Subject,
			Audience:  jwt.ClaimStrings(req.Audience),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
			ID:        jti,
		},
		TokenType:       req.TokenType,
		Roles:           req.Roles,
		Scopes:          req.Scopes,
		Custom:          req.Custom,
		DelegationDepth: req.DelegationDepth,
		ParentTokenID:   req.ParentTokenID,
		Delegator:       req.Delegator,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(key.privateKey)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Fatal, svcerrors.ErrCodeSigningFailed,
			"tokenengine: sign token", 500, err)
	}

	meta := Metadata{
		JTI: jti, Subject: req.Subject, Issuer: e.cfg.Issuer, Audience: req.Audience,
		TokenType: req.TokenType, Roles: req.Roles, Scopes: req.Scopes, Custom: req.Custom,
		KeyID: key.ID, IssuedAt: now, NotBefore: now, ExpiresAt: now.Add(req.TTL),
	}
	if err := e.persistMetadata(ctx, meta); err != nil {
		return nil, err
	}

	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventTokenIssued, PrincipalID: req.Subject, Outcome: audit.OutcomeSuccess,
		Action: "mint_token", Resource: string(req.TokenType),
		Metadata: map[string]string{"jti": jti},
	})

	return &MintResult{Token: signed, Claims: claims, ExpiresAt: meta.ExpiresAt}, nil
}

// VerifyOptions configures Verify.
type VerifyOptions struct {
	RequiredAudience string
	SkipExpiry       bool
}

// Verify implements spec.md §4.3 Verify's short-circuit check order:
// signature -> exp/nbf -> audience -> blacklist.
func (e *Engine) Verify(ctx context.Context, tokenString string, opts VerifyOptions) (*Claims, error) {
	validMethods := []string{"RS256"}
	if e.legacyKey != nil {
		validMethods = append(validMethods, "HS256")
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
			if e.legacyKey == nil {
				return nil, fmt.Errorf("legacy HS256 verification not configured")
			}
			return e.legacyKey, nil
		}
		kid, _ := t.Header["kid"].(string)
		key, ok := e.keys.Lookup(kid)
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return key.publicKey, nil
	}, jwt.WithValidMethods(validMethods), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return nil, coreerr.Wrap(coreerr.InvalidCredential, svcerrors.ErrCodeInvalidSignature,
			"tokenengine: signature verification failed", 401, err)
	}

	now := time.Now()
	if !opts.SkipExpiry {
		if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time) {
			return nil, coreerr.New(coreerr.ExpiredCredential, svcerrors.ErrCodeTokenExpired,
				"tokenengine: token expired", 401)
		}
		if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
			return nil, coreerr.New(coreerr.InvalidCredential, svcerrors.ErrCodeInvalidToken,
				"tokenengine: token not yet valid", 401)
		}
	}

	if opts.RequiredAudience != "" && !containsAudience(claims.RegisteredClaims.Audience, opts.RequiredAudience) {
		return nil, coreerr.New(coreerr.InvalidCredential, svcerrors.ErrCodeInvalidToken,
			"tokenengine: audience mismatch", 401)
	}

	if !e.blacklist.IsWarm() {
		return nil, coreerr.New(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"tokenengine: blacklist cache not yet warm", 503)
	}
	if e.blacklist.Contains(claims.ID) {
		return nil, coreerr.New(coreerr.Revoked, svcerrors.ErrCodeInvalidToken,
			"tokenengine: token revoked", 401)
	}

	return &claims, nil
}

// Revoke implements spec.md §4.3 Revoke: blacklist write, in-memory add,
// metadata update. All three are attempted even on partial failure; the
// blacklist persist succeeding (step 1) is sufficient for success.
func (e *Engine) Revoke(ctx context.Context, jti, reason, revokedBy string) error {
	meta, metaErr := e.getMetadata(ctx, jti)

	expiresAt := time.Now().Add(e.cfg.MaxTokenTTL)
	if metaErr == nil {
		expiresAt = meta.ExpiresAt
	}

	entry := BlacklistEntry{TokenID: jti, ExpiresAt: expiresAt, RevokedAt: time.Now(), Reason: reason}
	addErr := e.blacklist.Add(ctx, entry)

	if metaErr == nil {
		meta.Revoked = true
		meta.RevokedAt = entry.RevokedAt
		meta.RevokedBy = revokedBy
		meta.Reason = reason
		_ = e.persistMetadata(ctx, *meta)
	}

	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventTokenRevoked, Action: "revoke_token", Resource: "token",
		Outcome:  outcomeFor(addErr),
		Metadata: map[string]string{"jti": jti, "reason": reason},
	})

	return addErr
}

// ListRevoked supplements spec.md §4.3 per SPEC_FULL §12: an operator-facing
// read of the current blacklist.
func (e *Engine) ListRevoked(_ context.Context) []BlacklistEntry {
	return e.blacklist.List()
}

// RevokeAllForSubject supplements spec.md §4.3 per SPEC_FULL §12: revokes
// every non-expired token minted for subject, for the principal-deletion
// cascade described in spec.md §3.
func (e *Engine) RevokeAllForSubject(ctx context.Context, subject, reason string) error {
	keys, err := e.store.List(ctx, secretstore.PrefixTokenMetadata)
	if err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"tokenengine: list token metadata", 503, err)
	}

	var firstErr error
	for _, key := range keys {
		raw, err := e.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var meta Metadata
		if err := unmarshalMetadata(raw, &meta); err != nil || meta.Subject != subject || meta.Revoked {
			continue
		}
		if err := e.Revoke(ctx, meta.JTI, reason, "system:principal_deletion"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RotateKeys implements spec.md §4.3 key rotation.
func (e *Engine) RotateKeys(ctx context.Context) (*SigningKey, error) {
	key, err := e.keys.Rotate(ctx, e.cfg.MaxTokenTTL)
	if err != nil {
		return nil, err
	}
	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventKeyRotation, Action: "rotate_keys", Resource: "signing_key",
		Outcome: audit.OutcomeSuccess, Metadata: map[string]string{"key_id": key.ID},
	})
	return key, nil
}

func outcomeFor(err error) audit.Outcome {
	if err != nil {
		return audit.OutcomeError
	}
	return audit.OutcomeSuccess
}
