package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for one sqlpgsql driver instance.
type Collector struct {
	Registry *prometheus.Registry

	connectionState   *prometheus.GaugeVec
	connectsTotal     *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter
	queryDuration     *prometheus.HistogramVec
	queriesTotal      *prometheus.CounterVec
	queryTimeouts     prometheus.Counter
	transactionsTotal *prometheus.CounterVec
	transactionDur    prometheus.Histogram
	fatalErrorsTotal  prometheus.Counter
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests, or once per driver instance
// embedded in the same process) — each call creates an independent
// registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sqlpgsql_connection_state",
				Help: "Current FSM state (1=active) per state label: disconnected, connecting, idle, busy",
			},
			[]string{"host", "state"},
		),
		connectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlpgsql_connects_total",
				Help: "Connection attempts by outcome",
			},
			[]string{"host", "outcome"},
		),
		reconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlpgsql_reconnects_total",
				Help: "Reconnect attempts initiated by the watchdog after a fatal error",
			},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlpgsql_query_duration_seconds",
				Help:    "Duration from query dispatch to result delivery",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"host"},
		),
		queriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlpgsql_queries_total",
				Help: "Completed queries by outcome",
			},
			[]string{"host", "outcome"},
		),
		queryTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlpgsql_query_timeouts_total",
				Help: "Queries that exceeded the configured query timeout",
			},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlpgsql_transactions_total",
				Help: "Completed transactions by outcome: committed, rolled_back",
			},
			[]string{"outcome"},
		),
		transactionDur: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sqlpgsql_transaction_duration_seconds",
				Help:    "Duration from BEGIN dispatch to COMMIT/ROLLBACK completion",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
		),
		fatalErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlpgsql_fatal_errors_total",
				Help: "Fatal errors observed on the connection (network failure or FATAL-severity backend error)",
			},
		),
	}

	reg.MustRegister(
		c.connectionState,
		c.connectsTotal,
		c.reconnectsTotal,
		c.queryDuration,
		c.queriesTotal,
		c.queryTimeouts,
		c.transactionsTotal,
		c.transactionDur,
		c.fatalErrorsTotal,
	)

	return c
}

// fsmStates lists every state label connectionState can carry, so
// SetConnectionState can zero out the ones the FSM just left.
var fsmStates = []string{"disconnected", "connecting", "idle", "busy"}

// SetConnectionState reflects the FSM's current state into the gauge,
// clearing the other three state labels for the same host.
func (c *Collector) SetConnectionState(host, state string) {
	for _, s := range fsmStates {
		val := 0.0
		if s == state {
			val = 1.0
		}
		c.connectionState.WithLabelValues(host, s).Set(val)
	}
}

// ConnectAttempted records a connect attempt's outcome: "ok" or "failed".
func (c *Collector) ConnectAttempted(host, outcome string) {
	c.connectsTotal.WithLabelValues(host, outcome).Inc()
}

// ReconnectAttempted increments the watchdog-initiated reconnect counter.
func (c *Collector) ReconnectAttempted() {
	c.reconnectsTotal.Inc()
}

// QueryCompleted records a query's duration and outcome ("ok" or "failed").
func (c *Collector) QueryCompleted(host, outcome string, d time.Duration) {
	c.queryDuration.WithLabelValues(host).Observe(d.Seconds())
	c.queriesTotal.WithLabelValues(host, outcome).Inc()
}

// QueryTimedOut increments the query timeout counter.
func (c *Collector) QueryTimedOut() {
	c.queryTimeouts.Inc()
}

// TransactionCompleted records a transaction's duration and outcome.
func (c *Collector) TransactionCompleted(outcome string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(outcome).Inc()
	c.transactionDur.Observe(d.Seconds())
}

// FatalErrorObserved increments the fatal error counter.
func (c *Collector) FatalErrorObserved() {
	c.fatalErrorsTotal.Inc()
}

// RemoveHost removes all per-host metrics, for use when a driver instance
// is torn down while the process (and its metrics registry) keeps running.
func (c *Collector) RemoveHost(host string) {
	c.connectionState.DeletePartialMatch(prometheus.Labels{"host": host})
	c.connectsTotal.DeletePartialMatch(prometheus.Labels{"host": host})
	c.queryDuration.DeletePartialMatch(prometheus.Labels{"host": host})
	c.queriesTotal.DeletePartialMatch(prometheus.Labels{"host": host})
}
