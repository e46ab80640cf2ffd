package tokenengine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustfabric/identitycore/internal/coreerr"
	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
	"github.com/trustfabric/identitycore/internal/secretstore"
)

// KeyStatus is a signing key's position in the current/rotating-out/retired
// lifecycle described in spec.md §3/§4.3.
type KeyStatus string

const (
	KeyCurrent     KeyStatus = "current"
	KeyRotatingOut KeyStatus = "rotating-out"
	KeyRetired     KeyStatus = "retired"
)

// SigningKey is one RSA key pair in the pool. RotatedOutAt is set the
// instant the key stops being current — pruning measures a key's
// retirement age from there, not from CreatedAt, since a token can be
// signed with this key up until the moment it rotates out.
type SigningKey struct {
	ID           string    `json:"id"`
	Algorithm    string    `json:"alg"`
	PrivatePEM   string    `json:"private"`
	PublicPEM    string    `json:"public"`
	CreatedAt    time.Time `json:"created_at"`
	RotatedOutAt time.Time `json:"rotated_out_at,omitempty"`
	Status       KeyStatus `json:"status"`
	privateKey   *rsa.PrivateKey
	publicKey    *rsa.PublicKey
}

func newSigningKey(bits int) (*SigningKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("tokenengine: generate signing key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type: "PRIVATE KEY", Bytes: mustMarshalPKCS8(priv),
	})
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type: "PUBLIC KEY", Bytes: mustMarshalPKIX(&priv.PublicKey),
	})
	return &SigningKey{
		ID:         uuid.New().String(),
		Algorithm:  "RS256",
		PrivatePEM: string(privPEM),
		PublicPEM:  string(pubPEM),
		CreatedAt:  time.Now(),
		Status:     KeyCurrent,
		privateKey: priv,
		publicKey:  &priv.PublicKey,
	}, nil
}

func mustMarshalPKCS8(priv *rsa.PrivateKey) []byte {
	b, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		panic(fmt.Sprintf("tokenengine: marshal private key: %v", err))
	}
	return b
}

func mustMarshalPKIX(pub *rsa.PublicKey) []byte {
	b, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		panic(fmt.Sprintf("tokenengine: marshal public key: %v", err))
	}
	return b
}

func parseSigningKey(rec *SigningKey) error {
	block, _ := pem.Decode([]byte(rec.PrivatePEM))
	if block == nil {
		return fmt.Errorf("tokenengine: invalid private key PEM for key %s", rec.ID)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("tokenengine: parse private key %s: %w", rec.ID, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("tokenengine: key %s is not RSA", rec.ID)
	}
	rec.privateKey = priv
	rec.publicKey = &priv.PublicKey
	return nil
}

// keyPool owns the signing key lifecycle: exactly one current key, any
// number of rotating-out/retired keys whose public material must stay
// available until the longest-lived token they signed has expired.
type keyPool struct {
	store secretstore.Store
	bits  int

	mu      sync.RWMutex
	current *SigningKey
	byID    map[string]*SigningKey
}

func newKeyPool(store secretstore.Store, bits int) *keyPool {
	return &keyPool{store: store, bits: bits, byID: make(map[string]*SigningKey)}
}

// bootstrap loads existing keys from the store, generating a fresh current
// key if none exists.
func (p *keyPool) bootstrap(ctx context.Context) error {
	keys, err := p.store.List(ctx, secretstore.PrefixSigningKey)
	if err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"tokenengine: list signing keys", 503, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range keys {
		raw, err := p.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec SigningKey
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if err := parseSigningKey(&rec); err != nil {
			continue
		}
		p.byID[rec.ID] = &rec
		if rec.Status == KeyCurrent {
			p.current = &rec
		}
	}

	if p.current == nil {
		key, err := newSigningKey(p.bits)
		if err != nil {
			return err
		}
		if err := p.persist(ctx, key); err != nil {
			return err
		}
		p.byID[key.ID] = key
		p.current = key
	}
	return nil
}

func (p *keyPool) persist(ctx context.Context, key *SigningKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("tokenengine: marshal signing key: %w", err)
	}
	if err := p.store.Store(ctx, secretstore.PrefixSigningKey+key.ID, raw); err != nil {
		return coreerr.Wrap(coreerr.Transient, svcerrors.ErrCodeDatabaseError,
			"tokenengine: persist signing key", 503, err)
	}
	return nil
}

// Current returns the key used to sign new tokens.
func (p *keyPool) Current() *SigningKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Lookup returns the key with the given id, regardless of status — a
// rotating-out or retired key's public material must still verify
// signatures on not-yet-expired tokens.
func (p *keyPool) Lookup(id string) (*SigningKey, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k, ok := p.byID[id]
	return k, ok
}

// Rotate atomically installs a new current key, demotes the old current to
// rotating-out, and prunes retired keys whose youngest possible token has
// expired. maxTokenTTL bounds how long a retired key's public material must
// remain queryable.
func (p *keyPool) Rotate(ctx context.Context, maxTokenTTL time.Duration) (*SigningKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newKey, err := newSigningKey(p.bits)
	if err != nil {
		return nil, err
	}
	if err := p.persist(ctx, newKey); err != nil {
		return nil, err
	}

	if old := p.current; old != nil {
		old.Status = KeyRotatingOut
		old.RotatedOutAt = time.Now()
		if err := p.persist(ctx, old); err != nil {
			return nil, err
		}
	}

	p.byID[newKey.ID] = newKey
	p.current = newKey

	p.pruneRetiredLocked(ctx, maxTokenTTL)
	return newKey, nil
}

// pruneRetiredLocked demotes a rotating-out key to retired once
// maxTokenTTL has passed since it stopped being current — the youngest
// token it could have signed has expired by then — and deletes keys
// already retired past that same bound.
func (p *keyPool) pruneRetiredLocked(ctx context.Context, maxTokenTTL time.Duration) {
	cutoff := time.Now().Add(-maxTokenTTL)
	for id, k := range p.byID {
		switch k.Status {
		case KeyRotatingOut:
			if k.RotatedOutAt.Before(cutoff) {
				k.Status = KeyRetired
				_ = p.persist(ctx, k)
			}
		case KeyRetired:
			if k.RotatedOutAt.Before(cutoff) {
				_ = p.store.Delete(ctx, secretstore.PrefixSigningKey+id)
				delete(p.byID, id)
			}
		}
	}
}
