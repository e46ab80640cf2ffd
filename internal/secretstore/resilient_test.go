package secretstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/trustfabric/identitycore/infrastructure/fallback"
	"github.com/trustfabric/identitycore/internal/secretstore"
	"github.com/trustfabric/identitycore/internal/secretstore/memstore"
)

func TestResilientReadsFromPrimaryWhenHealthy(t *testing.T) {
	ctx := context.Background()
	primary, secondary := memstore.New(), memstore.New()
	_ = primary.Store(ctx, "tokens:metadata:jti1", []byte("primary-value"))
	_ = secondary.Store(ctx, "tokens:metadata:jti1", []byte("secondary-value"))

	store := secretstore.NewResilient(primary, secondary, fastFallbackConfig())
	got, err := store.Get(ctx, "tokens:metadata:jti1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "primary-value" {
		t.Fatalf("got %q, want primary-value", got)
	}
}

func TestResilientFallsBackToSecondaryOnPrimaryMiss(t *testing.T) {
	ctx := context.Background()
	primary, secondary := memstore.New(), memstore.New()
	_ = secondary.Store(ctx, "tokens:metadata:jti1", []byte("secondary-value"))

	store := secretstore.NewResilient(primary, secondary, fastFallbackConfig())
	got, err := store.Get(ctx, "tokens:metadata:jti1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "secondary-value" {
		t.Fatalf("got %q, want secondary-value", got)
	}
}

func TestResilientReturnsErrorWhenBothMiss(t *testing.T) {
	ctx := context.Background()
	store := secretstore.NewResilient(memstore.New(), memstore.New(), fastFallbackConfig())
	if _, err := store.Get(ctx, "tokens:metadata:missing"); err == nil {
		t.Fatal("expected an error when neither store has the key")
	}
}

func TestResilientWritesGoOnlyToPrimary(t *testing.T) {
	ctx := context.Background()
	primary, secondary := memstore.New(), memstore.New()
	store := secretstore.NewResilient(primary, secondary, fastFallbackConfig())

	if err := store.Store(ctx, "tokens:metadata:jti2", []byte("v")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := secondary.Get(ctx, "tokens:metadata:jti2"); err == nil {
		t.Fatal("expected secondary to remain untouched by writes")
	}
}

func fastFallbackConfig() fallback.Config {
	return fallback.Config{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0,
	}
}
