// Package delegation is the Delegation Engine of spec.md §4.5: a layer
// on top of internal/tokenengine that mints, verifies, and revokes
// scoped delegate tokens, and chains them across a sequence of hops.
//
// Parent/child linkage is deliberately one-directional: a delegation
// record carries only parent_token_id, never a list of children. A
// revocation therefore only ever walks up, never down a fan-out tree —
// the Design Notes decision recorded in DESIGN.md's Open Questions.
package delegation

import (
	"context"
	"fmt"
	"time"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/internal/audit"
	"github.com/trustfabric/identitycore/internal/coreerr"
	"github.com/trustfabric/identitycore/internal/secretstore"
	"github.com/trustfabric/identitycore/internal/tokenengine"
)

// Record is the persisted delegation state, indexed by
// delegate_token_id per spec.md §4.5.
type Record struct {
	DelegateTokenID  string            `json:"delegate_token_id"`
	ParentTokenID    string            `json:"parent_token_id"`
	DelegatorSubject string            `json:"delegator"`
	DelegateSubject  string            `json:"delegate_subject"`
	Permissions      []string          `json:"permissions"`
	Resources        []string          `json:"resources"`
	Depth            int               `json:"depth"`
	MaxHops          int               `json:"max_hops,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	Revoked          bool              `json:"revoked"`
	RevokedAt        time.Time         `json:"revoked_at,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// MintRequest is the input to MintDelegate.
type MintRequest struct {
	ParentToken         string
	DelegatePrincipalID string
	Permissions         []string
	Resources           []string
	TTL                 time.Duration
	MaxHops             int
	Metadata            map[string]string
}

// MintResult is the output of MintDelegate.
type MintResult struct {
	Token  string
	Record Record
}

// Engine mints, verifies, and revokes delegate tokens on top of a
// tokenengine.Engine.
type Engine struct {
	tokens *tokenengine.Engine
	store  secretstore.Store
	audit  *audit.Sink
	logger *logging.Logger
}

// NewEngine constructs an Engine.
func NewEngine(tokens *tokenengine.Engine, store secretstore.Store, auditSink *audit.Sink, logger *logging.Logger) *Engine {
	return &Engine{tokens: tokens, store: store, audit: auditSink, logger: logger}
}

// MintDelegate implements spec.md §4.5's Mint-a-delegate validation and
// issuance.
func (e *Engine) MintDelegate(ctx context.Context, req MintRequest) (*MintResult, error) {
	parent, err := e.tokens.Verify(ctx, req.ParentToken, tokenengine.VerifyOptions{})
	if err != nil {
		return nil, err
	}

	parentDepth := parent.DelegationDepth

	if req.MaxHops > 0 && parentDepth >= req.MaxHops {
		return nil, coreerr.New(coreerr.PermissionDenied, svcerrors.ErrCodeForbidden,
			"delegation: max_hops exceeded", 403)
	}

	if !hasRole(parent.Roles, "admin") && !isSubsetOfScopes(req.Permissions, parent.Scopes) {
		return nil, coreerr.New(coreerr.PermissionDenied, svcerrors.ErrCodeForbidden,
			"delegation: requested permissions exceed parent scope", 403)
	}

	custom := map[string]string{
		"delegation_depth": fmt.Sprintf("%d", parentDepth+1),
		"parent_token_id":  parent.ID,
		"delegator":        parent.Subject,
	}
	for k, v := range req.Metadata {
		custom["meta_"+k] = v
	}

	mint, err := e.tokens.Mint(ctx, tokenengine.MintRequest{
		Subject:         req.DelegatePrincipalID,
		Audience:        []string{"delegation"},
		TokenType:       tokenengine.TokenService,
		TTL:             req.TTL,
		Roles:           parent.Roles,
		Scopes:          req.Permissions,
		Custom:          custom,
		DelegationDepth: parentDepth + 1,
		ParentTokenID:   parent.ID,
		Delegator:       parent.Subject,
	})
	if err != nil {
		return nil, err
	}

	record := Record{
		DelegateTokenID:  mint.Claims.ID,
		ParentTokenID:    parent.ID,
		DelegatorSubject: parent.Subject,
		DelegateSubject:  req.DelegatePrincipalID,
		Permissions:      req.Permissions,
		Resources:        req.Resources,
		Depth:            parentDepth + 1,
		MaxHops:          req.MaxHops,
		Metadata:         req.Metadata,
		CreatedAt:        time.Now(),
	}
	if err := e.persistRecord(ctx, record); err != nil {
		return nil, err
	}

	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventTokenIssued, PrincipalID: req.DelegatePrincipalID, Outcome: audit.OutcomeSuccess,
		Action: "mint_delegate", Resource: "token",
		Metadata: map[string]string{"jti": mint.Claims.ID, "parent_jti": parent.ID, "delegator": parent.Subject},
	})

	return &MintResult{Token: mint.Token, Record: record}, nil
}

// VerifyOptions configures VerifyDelegate.
type VerifyOptions struct {
	RequiredPermissions []string
}

// VerifyDelegate implements spec.md §4.5's Verify-a-delegate: a normal
// token verify plus delegation-specific checks.
func (e *Engine) VerifyDelegate(ctx context.Context, token string, opts VerifyOptions) (*tokenengine.Claims, *Record, error) {
	claims, err := e.tokens.Verify(ctx, token, tokenengine.VerifyOptions{})
	if err != nil {
		return nil, nil, err
	}

	if claims.DelegationDepth < 1 || claims.ParentTokenID == "" {
		return nil, nil, coreerr.New(coreerr.InvalidCredential, svcerrors.ErrCodeInvalidToken,
			"delegation: token is not a delegate", 401)
	}

	record, err := e.getRecord(ctx, claims.ID)
	if err != nil {
		return nil, nil, err
	}
	if record.Revoked {
		return nil, nil, coreerr.New(coreerr.Revoked, svcerrors.ErrCodeInvalidToken,
			"delegation: delegate record revoked", 401)
	}

	if len(opts.RequiredPermissions) > 0 && !isSubsetOfScopes(opts.RequiredPermissions, claims.Scopes) {
		return nil, nil, coreerr.New(coreerr.PermissionDenied, svcerrors.ErrCodeForbidden,
			"delegation: required permissions not held", 403)
	}

	return claims, record, nil
}

// RevokeDelegate implements spec.md §4.5's Revoke-a-delegate: mark the
// record revoked and revoke the underlying token.
func (e *Engine) RevokeDelegate(ctx context.Context, delegateTokenID, reason string) error {
	record, err := e.getRecord(ctx, delegateTokenID)
	if err != nil {
		return err
	}
	record.Revoked = true
	record.RevokedAt = time.Now()
	record.Reason = reason
	if err := e.persistRecord(ctx, *record); err != nil {
		return err
	}

	if err := e.tokens.Revoke(ctx, delegateTokenID, reason, "delegation_engine"); err != nil {
		return err
	}

	e.audit.Log(ctx, audit.Event{
		EventType: audit.EventTokenRevoked, Action: "revoke_delegate", Resource: "token",
		Outcome: audit.OutcomeSuccess, Metadata: map[string]string{"jti": delegateTokenID, "reason": reason},
	})
	return nil
}

// ChainHop is one step of a ChainMint call.
type ChainHop struct {
	Service     string
	Permissions []string
	Resources   []string
	TTL         time.Duration
	Metadata    map[string]string
}

// ChainMint implements spec.md §4.5's Chain mint: each hop is minted
// using the previous hop's token as parent, with max_hops shrinking one
// step per hop so the chain's permissible depth tightens as it grows.
//
// The ceiling is sized at twice the chain length above the starting
// depth: parent_depth grows by exactly 1 per hop while max_hops falls by
// exactly 1, so a ceiling of just depth+len(hops) would close the gap to
// zero by the final hop and reject it. Doubling the length keeps every
// hop's gap positive while max_hops still strictly decreases hop over
// hop.
func (e *Engine) ChainMint(ctx context.Context, parentToken string, hops []ChainHop) ([]MintResult, error) {
	start, err := e.tokens.Verify(ctx, parentToken, tokenengine.VerifyOptions{})
	if err != nil {
		return nil, err
	}
	ceiling := start.DelegationDepth + 2*len(hops)

	results := make([]MintResult, 0, len(hops))
	current := parentToken
	for i, hop := range hops {
		res, err := e.MintDelegate(ctx, MintRequest{
			ParentToken:         current,
			DelegatePrincipalID: hop.Service,
			Permissions:         hop.Permissions,
			Resources:           hop.Resources,
			TTL:                 hop.TTL,
			MaxHops:             ceiling - i,
			Metadata:            hop.Metadata,
		})
		if err != nil {
			return results, fmt.Errorf("delegation: chain mint hop %d (%s): %w", i, hop.Service, err)
		}
		results = append(results, *res)
		current = res.Token
	}
	return results, nil
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// isSubsetOfScopes reports whether every permission in want is present
// in scopes, where a scope of "*" is a universal set per spec.md §4.5.
func isSubsetOfScopes(want, scopes []string) bool {
	for _, s := range scopes {
		if s == "*" {
			return true
		}
	}
	have := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		have[s] = true
	}
	for _, w := range want {
		if !have[w] {
			return false
		}
	}
	return true
}
