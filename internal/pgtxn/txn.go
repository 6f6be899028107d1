// Package pgtxn implements the transaction coordinator: buffering a FIFO
// list of statements under one logical transaction and serializing them
// onto a connection as BEGIN/.../COMMIT, either asynchronously (chaining
// through the connection's deferred-continuation slot) or synchronously
// (a plain sequence of blocking query_s calls).
package pgtxn

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mailstack/sqlpgsql/internal/pgquery"
	"github.com/mailstack/sqlpgsql/internal/pgresult"
)

// Conn is the connection surface the coordinator drives. It is declared
// here, not on pgconn.Conn, for the same reason pgquery.Conn is declared
// in pgquery: so this package never imports pgconn.
type Conn interface {
	pgquery.Conn

	// SetNextContinuation chains the next statement in a multi-statement
	// sequence; see pgconn.Conn's doc comment on the same method.
	SetNextContinuation(f func())

	IsDisconnected() bool
	ConnectS() error
}

type stmt struct {
	text         string
	affectedRows *uint64
}

// Txn buffers statements for one transaction before any of them are sent.
// Not safe for concurrent use, matching every other type in this driver.
type Txn struct {
	conn   Conn
	stmts  []stmt
	failed bool
	err    string
}

// Begin allocates a transaction handle bound to conn. No wire traffic
// happens until Commit or CommitS.
func Begin(conn Conn) *Txn {
	return &Txn{conn: conn}
}

// Update appends a statement to the buffered list. affectedRows may be
// nil; if non-nil, it receives the statement's CmdTuples count once the
// transaction commits successfully.
func (t *Txn) Update(text string, affectedRows *uint64) {
	if t.failed {
		return
	}
	t.stmts = append(t.stmts, stmt{text: text, affectedRows: affectedRows})
}

// Rollback destroys the transaction without any wire traffic: no
// statement has been sent yet when the caller reaches for Rollback
// instead of Commit, so there is nothing on the server to undo.
func (t *Txn) Rollback() {
	t.stmts = nil
	t.failed = true
	t.err = ""
}

// Commit dispatches the buffered statements and invokes cb exactly once
// with nil (success) or the failure, formatted as "<error> (query: ...)".
func (t *Txn) Commit(cb func(error)) {
	if t.failed {
		if t.err == "" {
			cb(nil)
			return
		}
		cb(fmt.Errorf("%s", t.err))
		return
	}
	switch len(t.stmts) {
	case 0:
		cb(nil)
	case 1:
		t.commitSingle(cb)
	default:
		t.commitMulti(cb)
	}
}

func (t *Txn) commitSingle(cb func(error)) {
	s := t.stmts[0]
	pgquery.Query(t.conn, s.text, func(res *pgresult.Result) {
		err := finishStatement(s, res)
		res.Free()
		cb(err)
	})
}

// commitMulti serializes BEGIN, each statement, then COMMIT by installing
// a deferred continuation after each statement's own callback returns
// successfully — the FSM invokes it in place of returning to Idle,
// keeping the connection Busy across the whole sequence (§4.2's
// Busy -> Busy "deferred continuation present" row).
func (t *Txn) commitMulti(cb func(error)) {
	pgquery.Query(t.conn, "BEGIN", func(res *pgresult.Result) {
		if res.Failed() || res.NextRow() < 0 {
			errMsg := res.Error()
			res.Free()
			cb(fmt.Errorf("%s (query: BEGIN)", errMsg))
			return
		}
		t.conn.SetNextContinuation(func() { t.dispatchStatement(0, cb) })
		res.Free()
	})
}

func (t *Txn) dispatchStatement(idx int, cb func(error)) {
	s := t.stmts[idx]
	pgquery.Query(t.conn, s.text, func(res *pgresult.Result) {
		defer res.Free()
		err := finishStatement(s, res)
		if err != nil {
			t.abortAsync(err, cb)
			return
		}
		next := idx + 1
		if next < len(t.stmts) {
			t.conn.SetNextContinuation(func() { t.dispatchStatement(next, cb) })
			return
		}
		t.conn.SetNextContinuation(func() { t.dispatchCommit(cb) })
	})
}

func (t *Txn) dispatchCommit(cb func(error)) {
	pgquery.Query(t.conn, "COMMIT", func(res *pgresult.Result) {
		failed := res.Failed() || res.NextRow() < 0
		errMsg := res.Error()
		res.Free()
		if failed {
			cb(fmt.Errorf("%s (query: COMMIT)", errMsg))
			return
		}
		cb(nil)
	})
}

// abortAsync sends a best-effort ROLLBACK before reporting origErr. This
// is the resolved form of the documented ambiguity around the async
// commit path: rather than leaving the transaction open on the server
// until the next BEGIN implicitly aborts it, an explicit ROLLBACK is
// chained in as the deferred continuation. Its own outcome does not
// change origErr — the caller already has the real failure reason.
func (t *Txn) abortAsync(origErr error, cb func(error)) {
	t.conn.SetNextContinuation(func() {
		pgquery.Query(t.conn, "ROLLBACK", func(res *pgresult.Result) {
			res.Free()
			cb(origErr)
		})
	})
}

// CommitS is the blocking variant, matching the vendor vtable's
// transaction_commit_s: 0 on success, -1 with errOut populated on
// failure. If the connection has dropped to Disconnected by the time the
// attempt finishes, it logs and retries exactly once after a blocking
// reconnect.
func (t *Txn) CommitS() (status int, errOut string) {
	if t.failed {
		if t.err == "" {
			return 0, ""
		}
		return -1, t.err
	}

	status, errOut = t.commitSOnce()
	if status != 0 && t.conn.IsDisconnected() {
		slog.Warn("transaction commit failed on a dropped connection; reconnecting to retry once", "err", errOut)
		if err := t.conn.ConnectS(); err == nil {
			status, errOut = t.commitSOnce()
		}
	}
	return status, errOut
}

func (t *Txn) commitSOnce() (int, string) {
	if len(t.stmts) == 1 {
		return t.commitSSingle()
	}
	return t.commitSMulti()
}

func (t *Txn) commitSSingle() (int, string) {
	s := t.stmts[0]
	res := pgquery.QueryS(t.conn, s.text)
	defer res.Free()
	if res.Failed() || res.NextRow() < 0 {
		return -1, fmt.Sprintf("%s (query: %s)", res.Error(), s.text)
	}
	finishAffectedRows(s, res)
	return 0, ""
}

func (t *Txn) commitSMulti() (int, string) {
	begin := pgquery.QueryS(t.conn, "BEGIN")
	if begin.Failed() || begin.NextRow() < 0 {
		errMsg := fmt.Sprintf("%s (query: BEGIN)", begin.Error())
		begin.Free()
		return -1, errMsg
	}
	begin.Free()

	for _, s := range t.stmts {
		res := pgquery.QueryS(t.conn, s.text)
		if res.Failed() || res.NextRow() < 0 {
			errMsg := fmt.Sprintf("%s (query: %s)", res.Error(), s.text)
			res.Free()
			rollback := pgquery.QueryS(t.conn, "ROLLBACK")
			rollback.Free()
			return -1, errMsg
		}
		finishAffectedRows(s, res)
		res.Free()
	}

	commit := pgquery.QueryS(t.conn, "COMMIT")
	defer commit.Free()
	if commit.Failed() || commit.NextRow() < 0 {
		return -1, fmt.Sprintf("%s (query: COMMIT)", commit.Error())
	}
	return 0, ""
}

func finishStatement(s stmt, res *pgresult.Result) error {
	if res.Failed() || res.NextRow() < 0 {
		return fmt.Errorf("%s (query: %s)", res.Error(), s.text)
	}
	finishAffectedRows(s, res)
	return nil
}

// finishAffectedRows parses CmdTuples into the caller's out-slot. A
// non-numeric tag at this point is an internal consistency error: no
// successfully classified server response should ever produce one.
func finishAffectedRows(s stmt, res *pgresult.Result) {
	if s.affectedRows == nil {
		return
	}
	n, err := strconv.ParseUint(res.CmdTuples(), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("pgtxn: non-numeric affected-row count %q for %q: %v", res.CmdTuples(), s.text, err))
	}
	*s.affectedRows = n
}
