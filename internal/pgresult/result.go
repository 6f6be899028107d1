// Package pgresult holds one completed server response and exposes the
// row cursor, field metadata, and typed value accessors a caller reads
// it back through. A Result is produced by internal/pgquery at the end
// of the query pipeline and is not safe for concurrent use.
package pgresult

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mailstack/sqlpgsql/internal/pgwire"
)

// Source is the minimal surface of the underlying connection a Result
// needs: a genuinely blocking fetch of the next result packet (for
// next_row's documented past-end behavior — see NextRow) and access to
// the connection's own error state and fatal-flagging.
type Source interface {
	BlockingNextResult() (*pgwire.ResultSet, error)
	MarkFatal()
	LastError() string
}

// Result is this driver's lazily-materialized, user-facing view of a
// completed statement's server response. Not safe for concurrent use by
// more than one goroutine — matching the core's no-locking model, this
// type has no mutex of its own.
type Result struct {
	refcount int32

	source Source
	wire   *pgwire.ResultSet

	failed   bool
	fatal    bool
	tryRetry bool
	timedOut bool

	rownum   int // -1 until the first NextRow/classification
	rowCount int

	fieldIndex    map[string]int
	currentValues []*string
	binaryCache   map[int][]byte

	onRelease func()
}

// New wraps wire as a fresh Result with a refcount of 1. source may be
// nil for results that will never be iterated past their first packet
// (e.g. the "not connected" sentinel) — NextRow on such a Result never
// reaches the past-end path that needs it.
func New(wire *pgwire.ResultSet, source Source) *Result {
	return &Result{
		refcount: 1,
		source:   source,
		wire:     wire,
		rownum:   -1,
	}
}

// SetTimedOut marks the Result as having failed because its query timer
// fired, which error() reports ahead of any other failure reason.
func (r *Result) SetTimedOut() { r.timedOut = true; r.failed = true }

// Failed reports whether the result should be treated as an error by
// the caller (a failed NextRow classification, a timeout, or a fatal
// connection-level failure).
func (r *Result) Failed() bool { return r.failed }

// Fatal reports whether the failure also means the owning connection's
// socket is no longer usable.
func (r *Result) Fatal() bool { return r.fatal }

// TryRetry reports whether the upper layer may reasonably retry this
// operation on a fresh connection.
func (r *Result) TryRetry() bool { return r.tryRetry }

// MarkFatal flags both the Result and (via its Source) the owning
// connection as having hit a fatal error: failed, fatal, and retryable.
// classifyCurrent calls this for a FatalError result status or an absent
// result handle; the query pipeline also calls it directly when the
// wire-level connection status itself reports bad, per the fatal-error
// detection rule this type's caller is built against.
func (r *Result) MarkFatal() {
	r.failed = true
	r.fatal = true
	r.tryRetry = true
	if r.source != nil {
		r.source.MarkFatal()
	}
}

// Ref increments the reference count, mirroring the vendor library's
// refcounted result handles.
func (r *Result) Ref() { atomic.AddInt32(&r.refcount, 1) }

// Free decrements the reference count. On the last release, onRelease
// (set by the query pipeline when it hands the Result to the caller) is
// invoked exactly once — this is what triggers the pipeline's drain of
// any extra result packets left on the wire, not a no-op.
func (r *Result) Free() {
	if atomic.AddInt32(&r.refcount, -1) == 0 && r.onRelease != nil {
		release := r.onRelease
		r.onRelease = nil
		release()
	}
}

// SetOnRelease installs the callback invoked when the last reference is
// freed. Intended for internal/pgquery's use when attaching a Result to
// the pipeline's drain step.
func (r *Result) SetOnRelease(f func()) { r.onRelease = f }

// NextRow advances the row cursor and returns 1 (a row is available), 0
// (no more rows / command completed with none), or -1 (failure).
//
// The first call classifies the current packet's status. Later calls
// advance within its buffered rows; once those are exhausted, NextRow
// performs a genuinely blocking fetch of the next result packet — the
// simple-query protocol can deliver more than one packet for a single
// dispatched query, and this accessor is the one documented place that
// blocks to retrieve it rather than suspending back to the event loop.
func (r *Result) NextRow() int {
	if r.rownum == -1 {
		return r.classifyCurrent()
	}

	r.invalidateRowCaches()
	r.rownum++
	if r.rownum < r.rowCount {
		return 1
	}

	next, err := r.source.BlockingNextResult()
	if err != nil {
		r.MarkFatal()
		return -1
	}
	if next == nil {
		// ReadyForQuery with nothing left to report: the natural end of
		// a (possibly multi-statement) dispatched query, not a dropped
		// connection — unlike classifyCurrent's nil-handle case, which
		// only applies to a query's very first fetch.
		r.rownum = 0
		r.rowCount = 0
		return 0
	}
	r.wire = next
	r.fieldIndex = nil
	r.rownum = -1
	return r.classifyCurrent()
}

// classifyCurrent inspects r.wire's status the way the first next_row
// call (and each subsequent packet fetched past a row array's end) must:
// an absent result handle implies a lost connection, not an empty
// result, so it is fatal rather than a quiet 0.
func (r *Result) classifyCurrent() int {
	r.invalidateRowCaches()
	if r.wire == nil {
		r.MarkFatal()
		r.rownum = 0
		return -1
	}
	switch r.wire.Status {
	case pgwire.StatusCommandOK:
		r.rownum = 0
		r.rowCount = 0
		return 0
	case pgwire.StatusTuplesOK:
		r.rowCount = len(r.wire.Rows)
		r.rownum = 0
		if r.rowCount > 0 {
			return 1
		}
		return 0
	case pgwire.StatusEmptyQuery, pgwire.StatusNonfatalError:
		r.failed = true
		r.rownum = 0
		return -1
	default:
		r.MarkFatal()
		r.rownum = 0
		return -1
	}
}

// FieldsCount returns the number of fields in the current packet's
// RowDescription, read directly from the packet (0 when there is none).
func (r *Result) FieldsCount() int {
	if r.wire == nil {
		return 0
	}
	return len(r.wire.Fields)
}

// FieldName returns the i'th field's name, or "" if i is out of range.
func (r *Result) FieldName(i int) string {
	if r.wire == nil || i < 0 || i >= len(r.wire.Fields) {
		return ""
	}
	return r.wire.Fields[i]
}

// FindField returns the index of the named field and whether it was
// found, building a name→index map lazily on first use so repeated
// lookups (a common pattern in row-processing loops) don't rescan.
func (r *Result) FindField(name string) (int, bool) {
	if r.fieldIndex == nil {
		r.fieldIndex = make(map[string]int, r.FieldsCount())
		if r.wire != nil {
			for i, f := range r.wire.Fields {
				r.fieldIndex[f] = i
			}
		}
	}
	i, ok := r.fieldIndex[name]
	return i, ok
}

func (r *Result) currentRow() [][]byte {
	if r.wire == nil || r.rownum < 0 || r.rownum >= len(r.wire.Rows) {
		return nil
	}
	return r.wire.Rows[r.rownum]
}

// FieldValue returns the current row's i'th value as a string, and false
// if the server reported SQL NULL there.
func (r *Result) FieldValue(i int) (string, bool) {
	row := r.currentRow()
	if row == nil || i < 0 || i >= len(row) {
		return "", false
	}
	if row[i] == nil {
		return "", false
	}
	return string(row[i]), true
}

// FindFieldValue looks a field up by name and returns its current-row
// value, mirroring FieldValue's NULL convention.
func (r *Result) FindFieldValue(name string) (string, bool) {
	i, ok := r.FindField(name)
	if !ok {
		return "", false
	}
	return r.FieldValue(i)
}

// FieldValueBinary returns the current row's i'th value unescaped from
// PostgreSQL's hex bytea text format ("\x4865...") into raw bytes,
// caching the result for the lifetime of the current row.
func (r *Result) FieldValueBinary(i int) ([]byte, bool, error) {
	if r.binaryCache == nil {
		r.binaryCache = make(map[int][]byte)
	}
	if cached, ok := r.binaryCache[i]; ok {
		return cached, true, nil
	}
	text, ok := r.FieldValue(i)
	if !ok {
		return nil, false, nil
	}
	if !strings.HasPrefix(text, `\x`) {
		return nil, false, fmt.Errorf("pgresult: field %d is not hex bytea: %q", i, text)
	}
	data, err := hex.DecodeString(text[2:])
	if err != nil {
		return nil, false, fmt.Errorf("pgresult: decoding bytea field %d: %w", i, err)
	}
	r.binaryCache[i] = data
	return data, true, nil
}

// Values returns the current row's values, one per field, lazily
// materialized and cached; a nil entry marks SQL NULL.
func (r *Result) Values() []*string {
	if r.currentValues != nil {
		return r.currentValues
	}
	row := r.currentRow()
	values := make([]*string, len(row))
	for i, v := range row {
		if v == nil {
			continue
		}
		s := string(v)
		values[i] = &s
	}
	r.currentValues = values
	return values
}

// CmdTuples forwards the current packet's affected-row count the way the
// vendor library's PQcmdTuples does — see pgwire.ResultSet.CmdTuples.
func (r *Result) CmdTuples() string {
	if r.wire == nil {
		return ""
	}
	return r.wire.CmdTuples()
}

func (r *Result) invalidateRowCaches() {
	r.currentValues = nil
	r.binaryCache = nil
}

// Error composes the user-facing error message: the timeout text takes
// priority, then the connection's own last error if no server result is
// present at all, otherwise the packet's own error message with any
// trailing newline stripped (PostgreSQL error messages are newline
// terminated).
func (r *Result) Error() string {
	if r.timedOut {
		return "Query timed out"
	}
	if r.wire == nil {
		if r.source != nil {
			return r.source.LastError()
		}
		return ""
	}
	return strings.TrimRight(r.wire.ErrorMessage, "\n")
}
