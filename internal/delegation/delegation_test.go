package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/internal/audit"
	auditmem "github.com/trustfabric/identitycore/internal/audit/memstore"
	"github.com/trustfabric/identitycore/internal/coreerr"
	"github.com/trustfabric/identitycore/internal/secretstore/memstore"
	"github.com/trustfabric/identitycore/internal/tokenengine"
)

func newTestEngines(t *testing.T) (*tokenengine.Engine, *Engine) {
	t.Helper()
	logger := logging.New("delegation-test", "error", "json")
	sink := audit.NewSink(auditmem.New(), logger)
	store := memstore.New()

	tokens := tokenengine.NewEngine(tokenengine.Config{
		Issuer:         "identitycore-test",
		SigningKeyBits: 2048,
		MaxTokenTTL:    time.Hour,
	}, store, sink, logger)
	if err := tokens.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(tokens.Stop)

	return tokens, NewEngine(tokens, store, sink, logger)
}

func mintParent(t *testing.T, tokens *tokenengine.Engine, roles, scopes []string) string {
	t.Helper()
	res, err := tokens.Mint(context.Background(), tokenengine.MintRequest{
		Subject: "user-1", TokenType: tokenengine.TokenAccess, TTL: time.Hour,
		Audience: []string{"svc-a"}, Roles: roles, Scopes: scopes,
	})
	if err != nil {
		t.Fatalf("Mint parent: %v", err)
	}
	return res.Token
}

func TestMintDelegateRejectsWhenPermissionsExceedScope(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"user"}, []string{"read:orders"})

	_, err := d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         parent,
		DelegatePrincipalID: "worker-1",
		Permissions:         []string{"write:orders"},
		TTL:                 time.Minute,
	})
	if !coreerr.Is(err, coreerr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestMintDelegateAllowsSubsetOfParentScope(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"user"}, []string{"read:orders", "write:orders"})

	res, err := d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         parent,
		DelegatePrincipalID: "worker-1",
		Permissions:         []string{"read:orders"},
		TTL:                 time.Minute,
	})
	if err != nil {
		t.Fatalf("MintDelegate: %v", err)
	}
	if res.Record.Depth != 1 || res.Record.DelegatorSubject != "user-1" {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
}

func TestMintDelegateAllowsAnyPermissionForAdminParent(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"admin"}, []string{})

	_, err := d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         parent,
		DelegatePrincipalID: "worker-1",
		Permissions:         []string{"write:anything"},
		TTL:                 time.Minute,
	})
	if err != nil {
		t.Fatalf("MintDelegate: %v", err)
	}
}

func TestMintDelegateAllowsUniversalScope(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"user"}, []string{"*"})

	_, err := d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         parent,
		DelegatePrincipalID: "worker-1",
		Permissions:         []string{"write:anything"},
		TTL:                 time.Minute,
	})
	if err != nil {
		t.Fatalf("MintDelegate: %v", err)
	}
}

func TestMintDelegateRejectsWhenMaxHopsExceeded(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"admin"}, []string{"*"})

	first, err := d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         parent,
		DelegatePrincipalID: "worker-1",
		Permissions:         []string{"read:orders"},
		TTL:                 time.Minute,
		MaxHops:             1,
	})
	if err != nil {
		t.Fatalf("first hop MintDelegate: %v", err)
	}

	// first's delegation_depth is now 1, equal to the max_hops budget passed
	// with this second request, so extending it again must reject (1 >= 1).
	_, err = d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         first.Token,
		DelegatePrincipalID: "worker-2",
		Permissions:         []string{"read:orders"},
		TTL:                 time.Minute,
		MaxHops:             1,
	})
	if !coreerr.Is(err, coreerr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied once max_hops is exhausted, got %v", err)
	}
}

func TestVerifyDelegateRoundTrip(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"user"}, []string{"read:orders", "write:orders"})

	res, err := d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         parent,
		DelegatePrincipalID: "worker-1",
		Permissions:         []string{"read:orders"},
		TTL:                 time.Minute,
	})
	if err != nil {
		t.Fatalf("MintDelegate: %v", err)
	}

	claims, record, err := d.VerifyDelegate(context.Background(), res.Token, VerifyOptions{RequiredPermissions: []string{"read:orders"}})
	if err != nil {
		t.Fatalf("VerifyDelegate: %v", err)
	}
	if claims.DelegationDepth != 1 || claims.ParentTokenID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if record.Revoked {
		t.Fatalf("expected fresh record to be unrevoked")
	}
}

func TestVerifyDelegateRejectsWhenRequiredPermissionMissing(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"user"}, []string{"read:orders", "write:orders"})

	res, err := d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         parent,
		DelegatePrincipalID: "worker-1",
		Permissions:         []string{"read:orders"},
		TTL:                 time.Minute,
	})
	if err != nil {
		t.Fatalf("MintDelegate: %v", err)
	}

	_, _, err = d.VerifyDelegate(context.Background(), res.Token, VerifyOptions{RequiredPermissions: []string{"write:orders"}})
	if !coreerr.Is(err, coreerr.PermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestVerifyDelegateRejectsNonDelegateToken(t *testing.T) {
	tokens, d := newTestEngines(t)
	plain := mintParent(t, tokens, []string{"user"}, []string{"read:orders"})

	_, _, err := d.VerifyDelegate(context.Background(), plain, VerifyOptions{})
	if !coreerr.Is(err, coreerr.InvalidCredential) {
		t.Fatalf("expected InvalidCredential for a non-delegate token, got %v", err)
	}
}

func TestRevokeDelegateMarksRecordAndUnderlyingTokenRevoked(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"user"}, []string{"read:orders"})

	res, err := d.MintDelegate(context.Background(), MintRequest{
		ParentToken:         parent,
		DelegatePrincipalID: "worker-1",
		Permissions:         []string{"read:orders"},
		TTL:                 time.Minute,
	})
	if err != nil {
		t.Fatalf("MintDelegate: %v", err)
	}

	if err := d.RevokeDelegate(context.Background(), res.Record.DelegateTokenID, "cleanup"); err != nil {
		t.Fatalf("RevokeDelegate: %v", err)
	}

	_, _, err = d.VerifyDelegate(context.Background(), res.Token, VerifyOptions{})
	if !coreerr.Is(err, coreerr.Revoked) {
		t.Fatalf("expected Revoked, got %v", err)
	}
}

func TestChainMintShrinksMaxHopsEachHop(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"admin"}, []string{"*"})

	results, err := d.ChainMint(context.Background(), parent, []ChainHop{
		{Service: "svc-a", Permissions: []string{"read:orders"}, TTL: time.Minute},
		{Service: "svc-b", Permissions: []string{"read:orders"}, TTL: time.Minute},
		{Service: "svc-c", Permissions: []string{"read:orders"}, TTL: time.Minute},
	})
	if err != nil {
		t.Fatalf("ChainMint: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(results))
	}
	if results[0].Record.MaxHops <= results[1].Record.MaxHops || results[1].Record.MaxHops <= results[2].Record.MaxHops {
		t.Fatalf("expected max hops to strictly decrease each hop, got %d, %d, %d",
			results[0].Record.MaxHops, results[1].Record.MaxHops, results[2].Record.MaxHops)
	}
	if results[0].Record.Depth != 1 || results[1].Record.Depth != 2 || results[2].Record.Depth != 3 {
		t.Fatalf("unexpected depth progression: %d, %d, %d",
			results[0].Record.Depth, results[1].Record.Depth, results[2].Record.Depth)
	}
}

func TestChainMintStopsAndReturnsPartialResultsOnHopFailure(t *testing.T) {
	tokens, d := newTestEngines(t)
	parent := mintParent(t, tokens, []string{"user"}, []string{"read:orders"})

	results, err := d.ChainMint(context.Background(), parent, []ChainHop{
		{Service: "svc-a", Permissions: []string{"read:orders"}, TTL: time.Minute},
		{Service: "svc-b", Permissions: []string{"write:orders"}, TTL: time.Minute}, // exceeds scope
		{Service: "svc-c", Permissions: []string{"read:orders"}, TTL: time.Minute},
	})
	if err == nil {
		t.Fatal("expected chain mint to fail when a hop requests permissions outside the chain's scope")
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly the one successful hop before the failure, got %d", len(results))
	}
}
