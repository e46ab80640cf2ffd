package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/trustfabric/identitycore/infrastructure/logging"
	"github.com/trustfabric/identitycore/infrastructure/redaction"
	"github.com/trustfabric/identitycore/infrastructure/resilience"
	"github.com/trustfabric/identitycore/infrastructure/security"
)

// DefaultBufferBound is the number of sub-warning events Sink holds before
// forcing a flush.
const DefaultBufferBound = 256

// Sink is the append-only event recorder. Events at severity >= Warning
// are appended to the backend before Log returns; lower-severity events
// are buffered and flushed on overflow or on an explicit Flush call.
type Sink struct {
	backend     StorageBackend
	logger      *logging.Logger
	bufferBound int
	retry       resilience.RetryConfig

	mu     sync.Mutex
	buffer []Event
}

// NewSink wraps backend. logger receives diagnostics about the sink's own
// failures (audit errors never propagate to the caller of Log).
func NewSink(backend StorageBackend, logger *logging.Logger) *Sink {
	return &Sink{
		backend:     backend,
		logger:      logger,
		bufferBound: DefaultBufferBound,
		retry:       resilience.DefaultRetryConfig(),
	}
}

// Log records e, deriving its severity if unset and sanitizing its
// human-readable message. It returns the assigned event id. Backend
// failures are logged and swallowed; Log never returns a backend error to
// protect the caller's primary operation.
func (s *Sink) Log(ctx context.Context, e Event) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Severity = DeriveSeverity(e)
	e.Message = security.SanitizeString(e.Message)
	e.Metadata = redactMetadata(e.Metadata)

	if e.Severity >= Warning {
		if _, err := s.backend.Append(ctx, e); err != nil {
			s.logDropped(ctx, e, err)
		}
		return e.ID, nil
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, e)
	overflow := len(s.buffer) >= s.bufferBound
	s.mu.Unlock()

	if overflow {
		s.Flush(ctx)
	}
	return e.ID, nil
}

// Flush drains the buffer, appending each event to the backend
// individually with a bounded retry per event (spec.md §4.2: a flush
// failure must be retried individually and must not block later events).
// An event that still fails after retry is logged and dropped from this
// round; Flush itself never returns an error since flush failures are, by
// contract, non-fatal to the caller.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	for _, e := range pending {
		event := e
		err := resilience.Retry(ctx, s.retry, func() error {
			_, err := s.backend.Append(ctx, event)
			return err
		})
		if err != nil {
			s.logDropped(ctx, event, err)
		}
	}
	return nil
}

// Query drains the buffer before delegating to the backend so buffered
// events are visible to readers.
func (s *Sink) Query(ctx context.Context, f Filter, tr TimeRange, p Paging) ([]Event, error) {
	s.Flush(ctx)
	return s.backend.Query(ctx, f, tr, p)
}

// redactMetadata scrubs event metadata values the same way sanitize.go's
// message scrubbing protects the free-text Message field — callers
// occasionally pass a raw header or request body fragment as a metadata
// value, and this is the last line of defense before it becomes durable.
func redactMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return metadata
	}
	r := redaction.NewRedactor(redaction.DefaultConfig())
	boxed := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		boxed[k] = v
	}
	redacted := r.RedactMap(boxed)

	out := make(map[string]string, len(redacted))
	for k, v := range redacted {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (s *Sink) logDropped(ctx context.Context, e Event, err error) {
	if s.logger == nil {
		return
	}
	s.logger.WithContext(ctx).WithError(err).WithField("event_id", e.ID).
		WithField("event_type", e.EventType).Warn("audit: dropping event after backend failure")
}
