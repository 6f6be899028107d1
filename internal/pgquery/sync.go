package pgquery

import "github.com/mailstack/sqlpgsql/internal/pgresult"

// QueryS is query_s: a synchronous variant of Query that returns the
// completed Result instead of taking a callback.
//
// The documented design for this API spins a private event loop nested
// inside the calling thread, preserving the outer loop's timers across
// the recursion (see the design notes on private-loop sub-schedulers).
// That pattern exists to solve a problem Go's goroutines don't have:
// in a single-threaded C event loop, the thread that wants to block is
// the same thread that must keep servicing every other connection's
// I/O, so "block" has to mean "recursively pump a nested loop instead".
//
// Here, the Loop's own dispatch goroutine (started separately via
// Loop.Run) is free to keep driving every other connection sharing it
// while this goroutine parks on a one-shot channel. That is strictly
// simpler and carries the same guarantee the nested loop existed to
// provide — other connections are not starved by one goroutine's
// synchronous wait.
//
// The one constraint this simplification introduces: QueryS must never
// be called from a goroutine that is itself running as a callback
// dispatched by the same Loop (i.e. from inside Loop.Run's own
// goroutine) — doing so blocks the one goroutine that would otherwise
// deliver this query's own readiness events, and it never completes.
// Call it from an ordinary application goroutine instead.
func QueryS(c Conn, sql string) *pgresult.Result {
	done := make(chan *pgresult.Result, 1)
	Query(c, sql, func(res *pgresult.Result) {
		done <- res
	})
	return <-done
}
