package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trustfabric/identitycore/infrastructure/resilience"
)

// fakeBackend lets tests force Append failures without a real database.
type fakeBackend struct {
	mu       sync.Mutex
	events   []Event
	failNext int
	// failIDs, when set, fails Append for that event id a fixed number of
	// times (or forever, if negative) regardless of failNext.
	failIDs map[string]int
}

func (f *fakeBackend) Append(_ context.Context, e Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.failIDs[e.ID]; ok && n != 0 {
		if n > 0 {
			f.failIDs[e.ID] = n - 1
		}
		return "", errors.New("backend unavailable")
	}
	if f.failNext > 0 {
		f.failNext--
		return "", errors.New("backend unavailable")
	}
	f.events = append(f.events, e)
	return e.ID, nil
}

// fastRetryConfig keeps retry-driven tests from waiting out the sink's
// default backoff schedule (about 100ms, then 200ms).
func fastRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func (f *fakeBackend) Query(_ context.Context, _ Filter, _ TimeRange, _ Paging) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out, nil
}

func TestLogWarningAndAboveIsSynchronous(t *testing.T) {
	backend := &fakeBackend{}
	sink := NewSink(backend, nil)

	id, err := sink.Log(context.Background(), Event{EventType: EventAccessDenied})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated event id")
	}
	backend.mu.Lock()
	n := len(backend.events)
	backend.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected synchronous append, backend has %d events", n)
	}
}

func TestLogBelowWarningIsBuffered(t *testing.T) {
	backend := &fakeBackend{}
	sink := NewSink(backend, nil)

	_, _ = sink.Log(context.Background(), Event{EventType: EventLogin, Outcome: OutcomeSuccess})

	backend.mu.Lock()
	n := len(backend.events)
	backend.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected buffered event to not reach backend yet, got %d", n)
	}

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	backend.mu.Lock()
	n = len(backend.events)
	backend.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected flush to deliver buffered event, got %d", n)
	}
}

func TestLogOverflowTriggersFlush(t *testing.T) {
	backend := &fakeBackend{}
	sink := NewSink(backend, nil)
	sink.bufferBound = 2

	_, _ = sink.Log(context.Background(), Event{EventType: EventLogin, Outcome: OutcomeSuccess})
	_, _ = sink.Log(context.Background(), Event{EventType: EventLogin, Outcome: OutcomeSuccess})

	backend.mu.Lock()
	n := len(backend.events)
	backend.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected overflow to force a flush of both events, got %d", n)
	}
}

func TestFlushFailureDoesNotBlockLaterEvents(t *testing.T) {
	backend := &fakeBackend{failIDs: map[string]int{"first": -1}}
	sink := NewSink(backend, nil)
	sink.retry = fastRetryConfig()

	_, _ = sink.Log(context.Background(), Event{EventType: EventLogin, ID: "first"})
	_, _ = sink.Log(context.Background(), Event{EventType: EventLogin, ID: "second"})

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.events) != 1 || backend.events[0].ID != "second" {
		t.Fatalf("expected only the second event to survive the permanently-failing first event, got %+v", backend.events)
	}
}

func TestFlushRetriesTransientFailureInsteadOfDroppingImmediately(t *testing.T) {
	backend := &fakeBackend{failIDs: map[string]int{"flaky": 1}}
	sink := NewSink(backend, nil)
	sink.retry = fastRetryConfig()

	_, _ = sink.Log(context.Background(), Event{EventType: EventLogin, ID: "flaky"})

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.events) != 1 || backend.events[0].ID != "flaky" {
		t.Fatalf("expected the transiently-failing event to survive after a retry, got %+v", backend.events)
	}
}

func TestQueryDrainsBufferFirst(t *testing.T) {
	backend := &fakeBackend{}
	sink := NewSink(backend, nil)
	_, _ = sink.Log(context.Background(), Event{EventType: EventLogin, Outcome: OutcomeSuccess})

	results, err := sink.Query(context.Background(), Filter{}, TimeRange{}, Paging{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected Query to see the buffered event, got %d results", len(results))
	}
}

func TestLogSanitizesMessage(t *testing.T) {
	backend := &fakeBackend{}
	sink := NewSink(backend, nil)

	_, _ = sink.Log(context.Background(), Event{
		EventType: EventAccessDenied,
		Message:   `password=hunter2-secret`,
	})

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(backend.events))
	}
	if backend.events[0].Message == `password=hunter2-secret` {
		t.Fatal("expected sensitive message to be sanitized before reaching the backend")
	}
}

func TestLogRedactsMetadataValues(t *testing.T) {
	backend := &fakeBackend{}
	sink := NewSink(backend, nil)

	_, _ = sink.Log(context.Background(), Event{
		EventType: EventAccessDenied,
		Metadata:  map[string]string{"exit_code": "1", "note": "token=abc123.def456.ghi789"},
	})

	backend.mu.Lock()
	defer backend.mu.Unlock()
	stored := backend.events[0].Metadata
	if stored["exit_code"] != "1" {
		t.Fatalf("expected unrelated metadata to pass through, got %q", stored["exit_code"])
	}
	if stored["note"] == "token=abc123.def456.ghi789" {
		t.Fatal("expected a token-shaped metadata value to be redacted")
	}
}
