// Package secrets provides at-rest encryption for values persisted through
// internal/secretstore. It knows nothing about keys, prefixes, or the
// component that owns a given value — it is a pure byte-envelope.
package secrets

import "errors"

// MasterKeyEnv is the environment variable carrying the envelope master key.
const MasterKeyEnv = "SECRETS_MASTER_KEY"

var (
	// ErrInvalidCiphertext indicates a stored value cannot be decrypted,
	// either because it is truncated or because authentication failed.
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")
)
