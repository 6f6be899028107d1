// Package sqldriver is the registry the mail server's generic SQL
// abstraction layer consults to find a named backend driver, plus the
// vtable-shaped interfaces (Driver/Transaction/Result) every backend must
// implement. "pgsql" is registered against the adapter in pgconn_driver.go;
// a MySQL or other backend would register under its own name the same way.
package sqldriver

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mailstack/sqlpgsql/internal/ioloop"
)

// Result is the vtable a completed query's response is read back through:
// free, next_row, fields_count, field_name, find_field, field_value,
// field_value_binary, find_field_value, values, error.
type Result interface {
	Free()
	NextRow() int
	FieldsCount() int
	FieldName(i int) string
	FindField(name string) (int, bool)
	FieldValue(i int) (string, bool)
	FieldValueBinary(i int) ([]byte, bool, error)
	FindFieldValue(name string) (string, bool)
	Values() []*string
	Error() string
}

// Transaction is the vtable transaction_begin returns: update,
// transaction_commit(cb), transaction_commit_s, transaction_rollback.
type Transaction interface {
	Update(sql string, affectedRows *uint64)
	Commit(cb func(error))
	CommitS() (status int, errOut string)
	Rollback()
}

// Driver is one backend connection's vtable: connect/disconnect,
// escaping, exec/query/query_s, and transaction_begin.
type Driver interface {
	Connect() error
	Disconnect()
	EscapeString(s string) string
	EscapeBlob(data []byte) string
	Exec(sql string)
	Query(sql string, cb func(Result))
	QueryS(sql string) Result
	TransactionBegin() Transaction
}

// OpenFunc constructs a fresh Driver bound to one connect string and event
// loop. Mirrors the vendor library's "a driver is a named family of
// connections you open one at a time", not a shared pooled handle.
type OpenFunc func(connString string, loop *ioloop.Loop, logger *slog.Logger, connectTimeoutSecs, queryTimeoutSecs int) Driver

type registration struct {
	open   OpenFunc
	pooled bool
}

var (
	mu       sync.RWMutex
	registry = make(map[string]registration)
)

// Register adds a named driver to the registry. pooled mirrors the
// vendor library's per-driver "Pooled" flag: whether the mail server's
// connection manager may keep idle connections of this type around
// between uses rather than opening one per request.
func Register(name string, open OpenFunc, pooled bool) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = registration{open: open, pooled: pooled}
}

// Unregister removes a named driver. Mainly useful in tests.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, name)
}

// Lookup returns the named driver's OpenFunc and pooled flag.
func Lookup(name string) (open OpenFunc, pooled bool, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	reg, ok := registry[name]
	if !ok {
		return nil, false, false
	}
	return reg.open, reg.pooled, true
}

// Open looks up name and opens a new Driver instance, or returns an error
// if no driver is registered under that name.
func Open(name, connString string, loop *ioloop.Loop, logger *slog.Logger, connectTimeoutSecs, queryTimeoutSecs int) (Driver, error) {
	open, _, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("sqldriver: no driver registered under name %q", name)
	}
	return open(connString, loop, logger, connectTimeoutSecs, queryTimeoutSecs), nil
}

// Names returns every currently registered driver name.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}
