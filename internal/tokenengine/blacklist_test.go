package tokenengine

import (
	"context"
	"testing"
	"time"

	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/internal/secretstore/memstore"
)

func TestBlacklistNotWarmBeforeColdStart(t *testing.T) {
	b := newBlacklist(memstore.New(), nil, logging.New("test", "error", "json"))
	if b.IsWarm() {
		t.Fatal("expected blacklist to be cold before coldStart")
	}
	if b.Contains("anything") {
		t.Fatal("expected Contains to report false before any entries exist")
	}
}

func TestBlacklistColdStartLoadsPersistedEntries(t *testing.T) {
	store := memstore.New()
	logger := logging.New("test", "error", "json")
	ctx := context.Background()

	seed := newBlacklist(store, nil, logger)
	if err := seed.Add(ctx, BlacklistEntry{TokenID: "jti-1", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	fresh := newBlacklist(store, nil, logger)
	if err := fresh.coldStart(ctx); err != nil {
		t.Fatalf("coldStart: %v", err)
	}
	if !fresh.IsWarm() {
		t.Fatal("expected warm after coldStart")
	}
	if !fresh.Contains("jti-1") {
		t.Fatal("expected cold-started blacklist to contain persisted entry")
	}
}

func TestBlacklistAddIsImmediatelyVisible(t *testing.T) {
	store := memstore.New()
	logger := logging.New("test", "error", "json")
	b := newBlacklist(store, nil, logger)
	ctx := context.Background()
	if err := b.coldStart(ctx); err != nil {
		t.Fatalf("coldStart: %v", err)
	}

	entry := BlacklistEntry{TokenID: "jti-2", ExpiresAt: time.Now().Add(time.Hour), Reason: "compromised"}
	if err := b.Add(ctx, entry); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !b.Contains("jti-2") {
		t.Fatal("expected immediate visibility of a newly-added entry")
	}

	list := b.List()
	if len(list) != 1 || list[0].TokenID != "jti-2" {
		t.Fatalf("unexpected List result: %+v", list)
	}
}

func TestBlacklistCleanupRemovesExpiredEntries(t *testing.T) {
	store := memstore.New()
	logger := logging.New("test", "error", "json")
	b := newBlacklist(store, nil, logger)
	ctx := context.Background()
	if err := b.coldStart(ctx); err != nil {
		t.Fatalf("coldStart: %v", err)
	}

	if err := b.Add(ctx, BlacklistEntry{TokenID: "expired", ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("Add expired: %v", err)
	}
	if err := b.Add(ctx, BlacklistEntry{TokenID: "live", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Add live: %v", err)
	}

	b.Cleanup(ctx)

	if b.Contains("expired") {
		t.Fatal("expected expired entry removed by Cleanup")
	}
	if !b.Contains("live") {
		t.Fatal("expected live entry to survive Cleanup")
	}

	if _, err := store.Get(ctx, "tokens:blacklist:expired"); err == nil {
		t.Fatal("expected persisted expired entry to be deleted")
	}
}
