package watchdog

import (
	"testing"
	"time"

	"github.com/mailstack/sqlpgsql/internal/config"
)

func testBackoff() config.BackoffConfig {
	return config.BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	}
}

func TestNewStartsUnknownAndReconnectDue(t *testing.T) {
	w := New("db.example.com", testBackoff(), nil)
	if w.Status() != StatusUnknown {
		t.Fatalf("expected StatusUnknown, got %v", w.Status())
	}
	if !w.IsHealthy() {
		t.Fatal("expected unknown status to be treated as healthy")
	}
	if !w.ShouldReconnect(time.Now()) {
		t.Fatal("expected a fresh watchdog to always allow a first connect attempt")
	}
}

func TestRecordFatalErrorMarksUnhealthy(t *testing.T) {
	w := New("db.example.com", testBackoff(), nil)
	w.RecordFatalError("connection refused")

	if w.Status() != StatusUnhealthy {
		t.Fatalf("expected StatusUnhealthy, got %v", w.Status())
	}
	if w.IsHealthy() {
		t.Fatal("expected IsHealthy to be false after a fatal error")
	}
	if w.LastError() != "connection refused" {
		t.Fatalf("unexpected last error: %q", w.LastError())
	}
	if w.ConsecutiveFailures() != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", w.ConsecutiveFailures())
	}
}

func TestRecordSuccessClearsFailureHistory(t *testing.T) {
	w := New("db.example.com", testBackoff(), nil)
	w.RecordFatalError("timeout")
	w.RecordFatalError("timeout")
	w.RecordSuccess()

	if w.Status() != StatusHealthy {
		t.Fatalf("expected StatusHealthy, got %v", w.Status())
	}
	if w.ConsecutiveFailures() != 0 {
		t.Fatalf("expected failures reset to 0, got %d", w.ConsecutiveFailures())
	}
	if w.LastError() != "" {
		t.Fatalf("expected last error cleared, got %q", w.LastError())
	}
}

func TestShouldReconnectRespectsBackoffWindow(t *testing.T) {
	w := New("db.example.com", testBackoff(), nil)
	now := time.Now()

	w.RecordFatalError("refused")
	w.NoteConnectAttempt(now)

	if w.ShouldReconnect(now.Add(10 * time.Millisecond)) {
		t.Fatal("expected reconnect to be withheld within the backoff window")
	}
	if !w.ShouldReconnect(now.Add(150 * time.Millisecond)) {
		t.Fatal("expected reconnect to be due once the initial interval elapses")
	}
}

func TestBackoffGrowsExponentiallyAndCapsAtMax(t *testing.T) {
	w := New("db.example.com", testBackoff(), nil)
	now := time.Now()

	// First failure: backoff = initial (100ms).
	w.RecordFatalError("1")
	w.NoteConnectAttempt(now)
	if w.ShouldReconnect(now.Add(50 * time.Millisecond)) {
		t.Fatal("expected 100ms backoff to withhold a retry at 50ms")
	}

	// Second failure: backoff doubles to 200ms.
	w.RecordFatalError("2")
	w.NoteConnectAttempt(now)
	if w.ShouldReconnect(now.Add(150 * time.Millisecond)) {
		t.Fatal("expected 200ms backoff to withhold a retry at 150ms")
	}
	if !w.ShouldReconnect(now.Add(250 * time.Millisecond)) {
		t.Fatal("expected 200ms backoff to allow a retry at 250ms")
	}

	// Drive enough failures that backoff would exceed maxInterval (1s) and
	// confirm it's capped rather than growing unbounded.
	for i := 0; i < 20; i++ {
		w.RecordFatalError("n")
	}
	w.NoteConnectAttempt(now)
	if w.currentBackoff > w.maxInterval {
		t.Fatalf("expected backoff capped at %v, got %v", w.maxInterval, w.currentBackoff)
	}
}

func TestNoteConnectAttemptTracksTime(t *testing.T) {
	w := New("db.example.com", testBackoff(), nil)
	now := time.Now()
	w.NoteConnectAttempt(now)
	if w.lastTryAt != now {
		t.Fatalf("expected lastTryAt to be recorded, got %v", w.lastTryAt)
	}
}
