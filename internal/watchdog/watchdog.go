// Package watchdog tracks one connection's fatal-error history and decides
// when a reconnect attempt is due. Unlike a health checker that polls a
// fleet of tenants on a ticker, this driver core never polls: the FSM
// itself detects fatal errors as they happen (a dropped socket, a
// FATAL-severity backend error) and reports them here, and the embedding
// caller asks ShouldReconnect before issuing the next connect() attempt.
package watchdog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mailstack/sqlpgsql/internal/config"
	"github.com/mailstack/sqlpgsql/internal/metrics"
)

// Status mirrors the teacher's health.Status enum, trimmed to this
// package's single-connection scope.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Watchdog tracks fatal-error occurrences for one connection and computes
// an exponential backoff schedule for when a reconnect should next be
// attempted.
type Watchdog struct {
	mu sync.Mutex

	host    string
	metrics *metrics.Collector

	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64

	status              Status
	consecutiveFailures int
	lastError           string
	lastFailureAt       time.Time
	lastTryAt           time.Time
	currentBackoff      time.Duration
}

// New creates a Watchdog for one connection's host label, using the
// backoff schedule from cfg. m may be nil if metrics are not wired.
func New(host string, cfg config.BackoffConfig, m *metrics.Collector) *Watchdog {
	return &Watchdog{
		host:            host,
		metrics:         m,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
		multiplier:      cfg.Multiplier,
		status:          StatusUnknown,
	}
}

// RecordFatalError records a fatal error observed by the FSM, advancing
// the backoff schedule and marking the connection unhealthy.
func (w *Watchdog) RecordFatalError(errMsg string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.consecutiveFailures++
	w.lastError = errMsg
	w.lastFailureAt = time.Now()
	w.status = StatusUnhealthy

	w.currentBackoff = w.nextBackoffLocked()

	if w.metrics != nil {
		w.metrics.FatalErrorObserved()
	}
	slog.Warn("watchdog recorded fatal error", "host", w.host, "consecutive_failures", w.consecutiveFailures, "backoff", w.currentBackoff, "error", errMsg)
}

func (w *Watchdog) nextBackoffLocked() time.Duration {
	if w.consecutiveFailures <= 1 {
		return w.initialInterval
	}
	d := w.currentBackoff
	if d == 0 {
		d = w.initialInterval
	}
	d = time.Duration(float64(d) * w.multiplier)
	if d > w.maxInterval {
		d = w.maxInterval
	}
	return d
}

// RecordSuccess clears the failure history on a successful connect,
// mirroring the teacher's "tenant recovered" transition.
func (w *Watchdog) RecordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.consecutiveFailures > 0 {
		slog.Info("watchdog cleared after successful connect", "host", w.host, "prior_failures", w.consecutiveFailures)
	}
	w.status = StatusHealthy
	w.consecutiveFailures = 0
	w.lastError = ""
	w.currentBackoff = 0
}

// NoteConnectAttempt records the time of a connect attempt, regardless of
// outcome, so ShouldReconnect can measure elapsed time against the
// backoff window.
func (w *Watchdog) NoteConnectAttempt(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastTryAt = now
}

// ShouldReconnect reports whether enough time has elapsed since the last
// connect attempt for a new one to be due, given the current backoff
// window. A connection with no recorded failures is always due.
func (w *Watchdog) ShouldReconnect(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.consecutiveFailures == 0 || w.lastTryAt.IsZero() {
		return true
	}
	return now.Sub(w.lastTryAt) >= w.currentBackoff
}

// Status returns the current health status.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastError returns the most recently recorded fatal error, if any.
func (w *Watchdog) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError
}

// ConsecutiveFailures returns the current run length of fatal errors
// since the last successful connect.
func (w *Watchdog) ConsecutiveFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consecutiveFailures
}

// IsHealthy returns whether the connection is healthy, treating unknown
// (never yet observed) as healthy so a fresh driver isn't reported down
// before its first connect attempt.
func (w *Watchdog) IsHealthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status != StatusUnhealthy
}
