// Package pgquery implements the query pipeline: translating a single
// logical "send a statement, then deliver its result(s)" request into
// the discrete send/flush/consume/fetch/drain phases the event loop
// drives one readiness notification at a time, never blocking it.
package pgquery

import (
	"log/slog"
	"time"

	"github.com/mailstack/sqlpgsql/internal/ioloop"
	"github.com/mailstack/sqlpgsql/internal/pgresult"
	"github.com/mailstack/sqlpgsql/internal/pgwire"
)

// Conn is the subset of connection behavior the pipeline needs to drive
// a query to completion and report back to the owning FSM. It embeds
// pgresult.Source because every Result this package produces needs the
// same connection-level error/fatal/next-packet surface.
//
// internal/pgconn.Conn implements this; it is defined here (consumer
// side) rather than there so this package does not import pgconn —
// pgconn imports pgquery to dispatch queries, not the other way round.
type Conn interface {
	pgresult.Source

	Wire() *pgwire.AsyncConn
	Loop() *ioloop.Loop
	QueryTimeoutSecs() int

	// MarkBusy records that a pending Result now owns the connection and
	// hands the FSM an abort hook: if the connection is forced closed
	// (e.g. an explicit Disconnect) while this query is still in flight,
	// the FSM calls abort so the caller's callback still fires exactly
	// once instead of being silently dropped.
	//
	// ReturnFromBusy is called once this Result's pipeline (including
	// its drain of any extra packets) has finished, and is where the
	// FSM decides whether to invoke a deferred continuation, close on
	// a fatal error, or simply go Idle.
	MarkBusy(abort func())
	ReturnFromBusy()

	// QueryTimedOut reports that this pipeline's query exceeded
	// QueryTimeoutSecs, for whatever observability hook the FSM has wired
	// in (see pgconn.Conn.SetObservers); a Conn with nothing wired treats
	// this as a no-op.
	QueryTimedOut()
}

// Exec is exec(q)'s contract: fire-and-forget. The Result is classified
// and released as soon as it arrives, so the pipeline drains and the
// connection leaves Busy; a failure is only logged, through slog's
// default logger — there is no caller to hand it to.
func Exec(c Conn, sql string) {
	Query(c, sql, func(res *pgresult.Result) {
		if res.Failed() || res.NextRow() < 0 {
			slog.Error("exec failed", "err", res.Error())
		}
		res.Free()
	})
}

// Query dispatches sql and invokes cb exactly once with a Result
// (possibly failed). Preconditions (the caller, pgconn.Conn, is
// responsible for checking state == Idle before calling this) are not
// re-checked here.
func Query(c Conn, sql string, cb func(*pgresult.Result)) {
	p := &pipeline{conn: c, sql: sql, cb: cb}
	p.start()
}

// pipeline carries one dispatched query's state across suspension
// points. A new pipeline is allocated per query; nothing about it is
// reused.
type pipeline struct {
	conn Conn
	sql  string
	cb   func(*pgresult.Result)

	timer *ioloop.Timer
	watch *ioloop.Watch

	timedOut bool
	finished bool
}

func (p *pipeline) start() {
	wire := p.conn.Wire()
	if err := wire.SendQuery(p.sql); err != nil {
		p.finishWithResult(p.newFatalResult())
		return
	}
	p.conn.MarkBusy(p.abort)
	p.armTimeout()
	p.flushPhase()
}

// abort is the FSM's hook for a connection that is being forced closed
// while this pipeline is still in flight (see Conn.MarkBusy). It is a
// no-op once the pipeline has already finished on its own.
func (p *pipeline) abort() {
	if p.finished {
		return
	}
	p.cancelTimeout()
	p.clearWatch()
	p.finishWithResult(p.newFatalResult())
}

// Phase 1/2: Send / Flush drain.
func (p *pipeline) flushPhase() {
	status, err := p.conn.Wire().Flush()
	switch status {
	case pgwire.FlushDone:
		p.consumePhase()
	case pgwire.FlushPending:
		_ = err // nothing to report yet; keep waiting for writability
		p.installWatch(ioloop.Write, p.flushPhase)
	case pgwire.FlushError:
		p.finishWithResult(p.newFatalResult())
	}
}

// Phase 3: Consume input, fetch the first result.
func (p *pipeline) consumePhase() {
	wire := p.conn.Wire()
	if err := wire.ConsumeInput(); err != nil {
		p.finishWithResult(p.newFatalResult())
		return
	}
	if wire.IsBusy() {
		p.installWatch(ioloop.Read, p.consumePhase)
		return
	}
	p.clearWatch()

	wireResult, err := wire.GetResult()
	if err != nil {
		p.finishWithResult(p.newFatalResult())
		return
	}
	res := pgresult.New(wireResult, p.conn)
	if wire.Status() != pgwire.StatusConnOK {
		res.MarkFatal()
	}
	p.finishWithResult(res)
}

// Phase 4: Finish. Classifies the result, invokes the caller's callback,
// and arranges for phase 5 to run once the caller releases the Result.
func (p *pipeline) finishWithResult(res *pgresult.Result) {
	if p.finished {
		return
	}
	p.finished = true
	p.cancelTimeout()
	p.clearWatch()
	if p.timedOut {
		res.SetTimedOut()
	}

	res.SetOnRelease(func() { p.drainExtras() })

	// The callback may synchronously drop the last reference to res,
	// which re-enters drainExtras from inside this call — that is an
	// explicitly tolerated re-entrancy, not a bug.
	p.cb(res)
}

// Phase 5: Drain extras. After the caller releases the Result, read any
// remaining server results off the wire (the simple-query protocol can
// deliver more than this pipeline's caller consumed) before the
// connection is usable for the next query.
func (p *pipeline) drainExtras() {
	wire := p.conn.Wire()
	for {
		if err := wire.ConsumeInput(); err != nil {
			p.conn.MarkFatal()
			p.conn.ReturnFromBusy()
			return
		}
		if wire.IsBusy() {
			p.watch = p.conn.Loop().WatchIO(wire.NetConn(), ioloop.Read, p.drainExtras)
			return
		}
		extra, err := wire.GetResult()
		if err != nil {
			p.conn.MarkFatal()
			p.conn.ReturnFromBusy()
			return
		}
		if extra == nil {
			p.clearWatch()
			p.conn.ReturnFromBusy()
			return
		}
		// Discarded: nothing holds a reference to this packet.
	}
}

func (p *pipeline) armTimeout() {
	secs := p.conn.QueryTimeoutSecs()
	if secs <= 0 {
		return
	}
	p.timer = p.conn.Loop().AddTimer(time.Duration(secs)*time.Second, p.onTimeout)
}

func (p *pipeline) cancelTimeout() {
	if p.timer != nil {
		p.conn.Loop().RemoveTimer(p.timer)
		p.timer = nil
	}
}

func (p *pipeline) onTimeout() {
	p.timedOut = true
	p.conn.QueryTimedOut()
	p.clearWatch()
	p.finishWithResult(pgresult.New(nil, p.conn))
}

func (p *pipeline) installWatch(dir ioloop.Direction, handler func()) {
	p.clearWatch()
	p.watch = p.conn.Loop().WatchIO(p.conn.Wire().NetConn(), dir, handler)
}

func (p *pipeline) clearWatch() {
	if p.watch != nil {
		p.conn.Loop().UnwatchIO(p.watch)
		p.watch = nil
	}
}

func (p *pipeline) newFatalResult() *pgresult.Result {
	res := pgresult.New(nil, p.conn)
	res.MarkFatal()
	return res
}
