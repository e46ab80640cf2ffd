// Package coreerr closes the error taxonomy of the trust and identity
// fabric over infrastructure/errors.ServiceError. Every public operation in
// internal/secretstore, internal/audit, internal/tokenengine, internal/rbac,
// internal/delegation, internal/ca, and internal/sandbox returns an error
// whose Kind is exactly one of the eight values below; component code
// classifies with Is, never by comparing ServiceError.Code directly.
package coreerr

import (
	stderrors "errors"

	svcerrors "github.com/trustfabric/identitycore/infrastructure/errors"
)

// Kind is one of the eight abstract error kinds the fabric surfaces.
type Kind int

const (
	// InvalidCredential: signature mismatch, malformed token, missing
	// fields. Surfaced to caller; never retried.
	InvalidCredential Kind = iota
	// ExpiredCredential: token past exp, or assignment past expires_at.
	// Surfaced; not retried.
	ExpiredCredential
	// Revoked: jti in blacklist, cert serial in CRL, delegation record
	// revoked. Surfaced; terminal.
	Revoked
	// PermissionDenied: RBAC check returned allowed=false, or delegation
	// scope check failed. Surfaced with the reason string; terminal.
	PermissionDenied
	// NotFound: entity lookup missed. Surfaced.
	NotFound
	// Conflict: duplicate role name, re-revoke of already-revoked,
	// assignment cycle detected, bootstrap race. Surfaced.
	Conflict
	// Transient: secret-store I/O error, audit flush error during the
	// synchronous path, certificate authority unavailable. Retried
	// internally for idempotent operations; surfaced after exhaustion.
	Transient
	// Fatal: signing key material missing, CA cert missing after
	// bootstrap, sandbox container creation refused by the OS. Not
	// retried; logged at severity=critical and surfaced.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidCredential:
		return "invalid_credential"
	case ExpiredCredential:
		return "expired_credential"
	case Revoked:
		return "revoked"
	case PermissionDenied:
		return "permission_denied"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// kindError pairs a Kind with the wrapped ServiceError. Wrapping preserves
// context but must never re-classify — component code constructs a
// kindError exactly once, at the point the kind is known.
type kindError struct {
	kind Kind
	svc  *svcerrors.ServiceError
}

func (e *kindError) Error() string { return e.svc.Error() }
func (e *kindError) Unwrap() error { return e.svc }

// New builds an error of the given kind wrapping a ServiceError built from
// code/message/httpStatus.
func New(kind Kind, code svcerrors.ErrorCode, message string, httpStatus int) error {
	return &kindError{kind: kind, svc: svcerrors.New(code, message, httpStatus)}
}

// Wrap builds an error of the given kind wrapping an existing error inside
// a ServiceError.
func Wrap(kind Kind, code svcerrors.ErrorCode, message string, httpStatus int, err error) error {
	return &kindError{kind: kind, svc: svcerrors.Wrap(code, message, httpStatus, err)}
}

// Is reports whether err (or anything in its chain) is a coreerr of the
// given Kind.
func Is(err error, kind Kind) bool {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, returning ok=false if err is not a
// coreerr at all (e.g. a raw I/O error that has not yet been classified).
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}

// ServiceErrorOf extracts the underlying ServiceError, for callers that
// need the HTTP-status-shaped view (e.g. an out-of-scope gRPC gateway
// translating to a wire status).
func ServiceErrorOf(err error) *svcerrors.ServiceError {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.svc
	}
	return svcerrors.GetServiceError(err)
}
