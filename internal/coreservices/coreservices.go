// Package coreservices wires components A-G into a single process, the
// plain-Go replacement SPEC_FULL.md §6 calls for in place of the source
// repository's global singletons: a gRPC (or any other transport) layer
// is expected to sit on top of CoreServices' exported methods rather than
// reach into any component package directly.
package coreservices

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/infrastructure/secrets"
	"github.com/trustfabric/identitycore/internal/audit"
	auditmem "github.com/trustfabric/identitycore/internal/audit/memstore"
	auditpg "github.com/trustfabric/identitycore/internal/audit/pgstore"
	"github.com/trustfabric/identitycore/internal/ca"
	camem "github.com/trustfabric/identitycore/internal/ca/memstore"
	capg "github.com/trustfabric/identitycore/internal/ca/pgstore"
	"github.com/trustfabric/identitycore/internal/config"
	"github.com/trustfabric/identitycore/internal/delegation"
	"github.com/trustfabric/identitycore/internal/rbac"
	rbacmem "github.com/trustfabric/identitycore/internal/rbac/memstore"
	rbacpg "github.com/trustfabric/identitycore/internal/rbac/pgstore"
	"github.com/trustfabric/identitycore/internal/sandbox"
	"github.com/trustfabric/identitycore/internal/secretstore"
	secretmem "github.com/trustfabric/identitycore/internal/secretstore/memstore"
	secretpg "github.com/trustfabric/identitycore/internal/secretstore/pgstore"
	"github.com/trustfabric/identitycore/internal/tokenengine"
)

// CoreServices bundles components A-G. Its exported methods are the §6
// RPC surface; everything unexported here is wiring.
type CoreServices struct {
	Tokens     *tokenengine.Engine
	RBAC       *rbac.Engine
	Delegation *delegation.Engine
	CA         *ca.Engine
	Sandbox    *sandbox.Executor
	Audit      *audit.Sink
	Logger     *logging.Logger

	db *sqlx.DB
}

// New builds every component from cfg but does not start any background
// work — call Start before accepting traffic.
func New(cfg *config.CoreConfig) (*CoreServices, error) {
	logger := logging.New("identitycore", cfg.LogLevel, cfg.LogFormat)

	var db *sqlx.DB
	if cfg.PostgresDSN != "" {
		var err error
		db, err = sqlx.Connect("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("coreservices: connect postgres: %w", err)
		}
	}

	auditSink, err := newAuditSink(db, logger)
	if err != nil {
		return nil, err
	}

	secretStore, err := newSecretStore(db, cfg)
	if err != nil {
		return nil, err
	}

	rbacStore, err := newRBACStore(db)
	if err != nil {
		return nil, err
	}

	caStore, err := newCAStore(db)
	if err != nil {
		return nil, err
	}

	tokens := tokenengine.NewEngine(tokenengine.Config{
		Issuer:            cfg.Issuer,
		SigningKeyBits:    cfg.SigningKeyBits,
		MaxTokenTTL:       cfg.AccessTokenTTL,
		KeyRotationPeriod: cfg.KeyRotationPeriod,
		BlacklistCleanup:  cfg.BlacklistCleanup,
		RedisAddr:         cfg.RedisAddr,
		LegacySecret:      cfg.LegacyTokenSecret,
	}, secretStore, auditSink, logger)

	rbacEngine := rbac.NewEngine(rbacStore, logger, cfg.RedisAddr)

	delegationEngine := delegation.NewEngine(tokens, secretStore, auditSink, logger)

	caEngine := ca.NewEngine(caStore, secretStore, auditSink, logger)

	sandboxExecutor := sandbox.NewExecutor(cfg.SandboxRoot, nil, auditSink, logger)

	return &CoreServices{
		Tokens:     tokens,
		RBAC:       rbacEngine,
		Delegation: delegationEngine,
		CA:         caEngine,
		Sandbox:    sandboxExecutor,
		Audit:      auditSink,
		Logger:     logger,
		db:         db,
	}, nil
}

// Start performs every component's cold-start sequence: the Token Engine's
// blacklist load and rotation/cleanup scheduling, then the Certificate
// Authority's root bootstrap (which depends on the secret store being
// live, not on the Token Engine).
func (c *CoreServices) Start(ctx context.Context) error {
	if err := c.Tokens.Start(ctx); err != nil {
		return fmt.Errorf("coreservices: start token engine: %w", err)
	}
	if err := c.CA.Bootstrap(ctx); err != nil {
		return fmt.Errorf("coreservices: bootstrap certificate authority: %w", err)
	}
	return nil
}

// Stop releases background work and the database handle, if any.
func (c *CoreServices) Stop() {
	c.Tokens.Stop()
	if c.db != nil {
		_ = c.db.Close()
	}
}

// DeletePrincipal implements spec.md §3's Principal deletion cascade:
// "deletion cascades: all assignments and all active tokens are revoked."
// Both halves are attempted even if one fails, and both errors are
// reported, since each is independently visible to an operator retrying
// the call.
func (c *CoreServices) DeletePrincipal(ctx context.Context, principalType, principalID, reason string) error {
	tokenErr := c.Tokens.RevokeAllForSubject(ctx, principalID, reason)
	rbacErr := c.RBAC.RevokeAllForPrincipal(ctx, principalType, principalID)

	if tokenErr != nil && rbacErr != nil {
		return fmt.Errorf("coreservices: delete principal: tokens: %v; rbac: %w", tokenErr, rbacErr)
	}
	if tokenErr != nil {
		return fmt.Errorf("coreservices: delete principal: revoke tokens: %w", tokenErr)
	}
	if rbacErr != nil {
		return fmt.Errorf("coreservices: delete principal: revoke assignments: %w", rbacErr)
	}
	return nil
}

func newAuditSink(db *sqlx.DB, logger *logging.Logger) (*audit.Sink, error) {
	if db == nil {
		return audit.NewSink(auditmem.New(), logger), nil
	}
	backend := auditpg.New(db)
	if err := backend.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("coreservices: ensure audit schema: %w", err)
	}
	return audit.NewSink(backend, logger), nil
}

func newSecretStore(db *sqlx.DB, cfg *config.CoreConfig) (secretstore.Store, error) {
	var backing secretstore.Store
	if db == nil {
		backing = secretmem.New()
	} else {
		pg := secretpg.New(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("coreservices: ensure secret store schema: %w", err)
		}
		backing = pg
	}

	if cfg.SecretsMasterKey == "" {
		if !cfg.IsDevelopment() && !cfg.IsTesting() {
			return nil, fmt.Errorf("coreservices: SECRETS_MASTER_KEY is required outside development/testing")
		}
		return backing, nil
	}

	envelope, err := secrets.NewEnvelope([]byte(cfg.SecretsMasterKey), cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("coreservices: build secrets envelope: %w", err)
	}
	return secretstore.NewEncrypted(backing, envelope), nil
}

func newRBACStore(db *sqlx.DB) (rbac.Store, error) {
	if db == nil {
		return rbacmem.New(), nil
	}
	backend := rbacpg.New(db)
	if err := backend.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("coreservices: ensure rbac schema: %w", err)
	}
	return backend, nil
}

func newCAStore(db *sqlx.DB) (ca.Store, error) {
	if db == nil {
		return camem.New(), nil
	}
	backend := capg.New(db)
	if err := backend.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("coreservices: ensure ca schema: %w", err)
	}
	return backend, nil
}
