// Package tokenengine mints, verifies, and revokes signed tokens. Signing
// uses RS256 via golang-jwt/jwt/v5; signing keys rotate through a
// current/rotating-out/retired lifecycle (keys.go); revocation is a
// blacklist mirrored in memory and in the secret store, kept warm by a
// cold-start load and pruned by a background cleanup job (blacklist.go).
package tokenengine

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType discriminates the four kinds of token the engine mints.
type TokenType string

const (
	TokenAccess     TokenType = "access"
	TokenRefresh    TokenType = "refresh"
	TokenService    TokenType = "service"
	TokenDelegation TokenType = "delegation"
)

// Claims is the JWT payload the engine signs and verifies. DelegationDepth,
// ParentTokenID, and Delegator are only populated on delegation tokens
// (internal/delegation is the sole minter of those).
type Claims struct {
	jwt.RegisteredClaims

	TokenType TokenType         `json:"token_type"`
	Roles     []string          `json:"roles,omitempty"`
	Scopes    []string          `json:"scopes,omitempty"`
	Custom    map[string]string `json:"custom,omitempty"`

	DelegationDepth int    `json:"delegation_depth,omitempty"`
	ParentTokenID   string `json:"parent_token_id,omitempty"`
	Delegator       string `json:"delegator,omitempty"`
}

// Metadata is the secret-store record kept at tokens:metadata:{jti},
// alongside the serialized token itself (held only by the client).
type Metadata struct {
	JTI       string            `json:"jti"`
	Subject   string            `json:"subject"`
	Issuer    string            `json:"issuer"`
	Audience  []string          `json:"audience"`
	TokenType TokenType         `json:"token_type"`
	Roles     []string          `json:"roles"`
	Scopes    []string          `json:"scopes"`
	Custom    map[string]string `json:"custom"`
	KeyID     string            `json:"key_id"`
	IssuedAt  time.Time         `json:"issued_at"`
	NotBefore time.Time         `json:"not_before"`
	ExpiresAt time.Time         `json:"expires_at"`
	Revoked   bool              `json:"revoked"`
	RevokedAt time.Time         `json:"revoked_at,omitempty"`
	RevokedBy string            `json:"revoked_by,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// BlacklistEntry is the secret-store record kept at
// tokens:blacklist:{jti}.
type BlacklistEntry struct {
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason"`
}

// MintRequest is the input to Mint.
type MintRequest struct {
	Subject   string
	Audience  []string
	TokenType TokenType
	TTL       time.Duration
	Roles     []string
	Scopes    []string
	Custom    map[string]string

	// Set only by internal/delegation when minting a delegate token.
	DelegationDepth int
	ParentTokenID   string
	Delegator       string
}

// MintResult is the output of Mint.
type MintResult struct {
	Token     string
	Claims    Claims
	ExpiresAt time.Time
}
