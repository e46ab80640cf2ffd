// Package audit is the append-only event recorder consumed by every other
// component (tokenengine, rbac, delegation, ca, sandbox write to it; nothing
// reads from it except operators via Query). Audit writes must never cause
// the originating operation to fail — Sink swallows its own backend errors
// after logging them.
package audit

import (
	"context"
	"time"
)

// Severity orders from least to most urgent. Comparisons use the integer
// value directly (debug < info < ... < emergency).
type Severity int

const (
	Debug Severity = iota
	Info
	Notice
	Warning
	Error
	Critical
	Alert
	Emergency
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Notice:
		return "notice"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	case Alert:
		return "alert"
	case Emergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Outcome is the result discriminator carried on every event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
	OutcomeUnknown Outcome = "unknown"
)

// Stable event-type names, per the wire contract.
const (
	EventLogin               = "login"
	EventFailedLogin         = "failed_login"
	EventTokenIssued         = "token_issued"
	EventTokenRevoked        = "token_revoked"
	EventAccessGranted       = "access_granted"
	EventAccessDenied        = "access_denied"
	EventRoleAssigned        = "role_assigned"
	EventRoleRevoked         = "role_revoked"
	EventKeyRotation         = "key_rotation"
	EventBruteForceDetected  = "brute_force_detected"
	EventSuspiciousActivity  = "suspicious_activity"
	EventRateLimitExceeded   = "rate_limit_exceeded"
	EventTokenValidationFail = "token_validation_failed"
	EventCertIssued          = "certificate_issued"
	EventCertRevoked         = "certificate_revoked"
	EventSandboxExecution    = "sandbox_execution"
)

// Event is the immutable audit record. Callers may leave Severity at its
// zero value (Debug) to request automatic derivation from EventType and
// Outcome via DeriveSeverity.
type Event struct {
	ID            string
	Timestamp     time.Time
	EventType     string
	Severity      Severity
	PrincipalID   string
	PrincipalType string
	Resource      string
	Action        string
	Outcome       Outcome
	SourceIP      string
	UserAgent     string
	RequestID     string
	Message       string
	Metadata      map[string]string
}

// DeriveSeverity applies the fixed event-type/outcome → severity table.
// Explicit severities set by the caller (anything above Debug) pass
// through unchanged; Debug is treated as "not supplied" since no emitted
// event type derives to Debug.
func DeriveSeverity(e Event) Severity {
	if e.Severity != Debug {
		return e.Severity
	}
	switch e.EventType {
	case EventBruteForceDetected:
		return Critical
	case EventSuspiciousActivity:
		return Warning
	case EventAccessDenied:
		return Notice
	case EventFailedLogin:
		if e.Outcome == OutcomeFailure {
			return Warning
		}
	case EventTokenValidationFail:
		return Warning
	}
	switch e.Outcome {
	case OutcomeError:
		return Error
	case OutcomeFailure:
		return Warning
	}
	return Info
}

// Filter narrows Query results. Zero-valued fields are unconstrained.
type Filter struct {
	EventType     string
	PrincipalID   string
	PrincipalType string
	Resource      string
	MinSeverity   Severity
	Outcome       Outcome
}

// TimeRange bounds a Query by event timestamp, both inclusive. A zero
// Until means "no upper bound".
type TimeRange struct {
	Since time.Time
	Until time.Time
}

// Paging bounds Query result size. A zero Limit means "backend default".
type Paging struct {
	Limit  int
	Offset int
}

// StorageBackend is the opaque persistence layer a Sink writes through.
// The backend itself is out of scope for this component; memstore and
// pgstore are the two implementations this module ships.
type StorageBackend interface {
	Append(ctx context.Context, e Event) (string, error)
	Query(ctx context.Context, f Filter, tr TimeRange, p Paging) ([]Event, error)
}
