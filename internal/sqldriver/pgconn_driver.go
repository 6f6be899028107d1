package sqldriver

import (
	"log/slog"

	"github.com/mailstack/sqlpgsql/internal/ioloop"
	"github.com/mailstack/sqlpgsql/internal/pgconn"
	"github.com/mailstack/sqlpgsql/internal/pgresult"
	"github.com/mailstack/sqlpgsql/internal/pgtxn"
)

func init() {
	Register("pgsql", openPGConn, true)
}

func openPGConn(connString string, loop *ioloop.Loop, logger *slog.Logger, connectTimeoutSecs, queryTimeoutSecs int) Driver {
	return &PGConnDriver{conn: pgconn.Init(connString, loop, logger, connectTimeoutSecs, queryTimeoutSecs)}
}

// PGConnDriver adapts *pgconn.Conn to the Driver interface. The adapter
// layer exists because pgconn.Query/QueryS hand back *pgresult.Result
// directly (so pgconn never needs to know this package exists), while
// Driver's vtable-facing shape needs the Result interface.
type PGConnDriver struct {
	conn *pgconn.Conn
}

// Unwrap returns the underlying *pgconn.Conn, for callers (like the demo
// binary's API server) that need the concrete FSM state this package's
// Driver interface deliberately doesn't expose.
func (d *PGConnDriver) Unwrap() *pgconn.Conn { return d.conn }

func (d *PGConnDriver) Connect() error { return d.conn.Connect() }
func (d *PGConnDriver) Disconnect()    { d.conn.Disconnect() }
func (d *PGConnDriver) EscapeString(s string) string {
	return d.conn.EscapeString(s)
}
func (d *PGConnDriver) EscapeBlob(data []byte) string {
	return d.conn.EscapeBlob(data)
}
func (d *PGConnDriver) Exec(sql string) { d.conn.Exec(sql) }

func (d *PGConnDriver) Query(sql string, cb func(Result)) {
	d.conn.Query(sql, func(res *pgresult.Result) { cb(res) })
}

func (d *PGConnDriver) QueryS(sql string) Result {
	return d.conn.QueryS(sql)
}

func (d *PGConnDriver) TransactionBegin() Transaction {
	return d.conn.TransactionBegin()
}

var (
	_ Driver      = (*PGConnDriver)(nil)
	_ Result      = (*pgresult.Result)(nil)
	_ Transaction = (*pgtxn.Txn)(nil)
)
