package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/trustfabric/identitycore/internal/runtime"
)

// Envelope seals and opens byte values with AES-256-GCM, using a single
// master key. internal/secretstore implementations pass every value through
// an Envelope before it touches a backing store, so neither the memory nor
// the Postgres store needs to know a value is ciphertext.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope builds an Envelope from a master key, which may be supplied as
// 64 hex characters (optionally "0x"-prefixed) or as 32 raw bytes. In any
// environment other than Development/Testing, a 32-byte non-hex key is
// rejected: it is almost always a mistake (an un-decoded hex string cut
// short, or a password used in place of a key).
func NewEnvelope(rawKey []byte, env runtime.Environment) (*Envelope, error) {
	key, err := normalizeMasterKey(rawKey, env)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: build aead: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Seal encrypts plaintext, prepending a fresh random nonce to the returned
// ciphertext.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	out := e.aead.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a value produced by Seal.
func (e *Envelope) Open(raw []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(raw) < ns {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := raw[:ns], raw[ns:]
	plain, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plain, nil
}

func normalizeMasterKey(raw []byte, env runtime.Environment) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("secrets: %s is required", MasterKeyEnv)
	}
	if isHex(trimmed) {
		decoded, err := hex.DecodeString(trimmed)
		if err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}

	if len(trimmed) == 32 {
		if env != runtime.Development && env != runtime.Testing {
			return nil, fmt.Errorf("secrets: %s must be 32 bytes hex-encoded (64 hex chars) outside development", MasterKeyEnv)
		}
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("secrets: %s must be 32 bytes (or 64 hex chars)", MasterKeyEnv)
}

func isHex(value string) bool {
	if value == "" {
		return false
	}
	for _, c := range value {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
