// sqlpgsql-demo wires the driver's ambient stack together against a real
// PostgreSQL server: loads configuration, opens a connection through the
// named driver registry, runs a query and a small transaction once the
// connection reaches Idle, and serves the introspection API until
// signaled to stop.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailstack/sqlpgsql/internal/api"
	"github.com/mailstack/sqlpgsql/internal/config"
	"github.com/mailstack/sqlpgsql/internal/ioloop"
	"github.com/mailstack/sqlpgsql/internal/metrics"
	"github.com/mailstack/sqlpgsql/internal/pgconn"
	"github.com/mailstack/sqlpgsql/internal/sqldriver"
	"github.com/mailstack/sqlpgsql/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "configs/sqlpgsql-demo.yaml", "path to configuration file")
	apiPort := flag.Int("api-port", 8080, "introspection API port")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("sqlpgsql-demo starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (host=%s dbname=%s)", *configPath, cfg.Connect.Host, cfg.Connect.DBName)

	m := metrics.New()
	wd := watchdog.New(cfg.Connect.Host, cfg.Backoff, m)

	loop := ioloop.New()
	go loop.Run()
	defer loop.Stop()

	drv, err := sqldriver.Open("pgsql", cfg.Connect.ConnString(), loop, slog.Default(), cfg.Timeouts.ConnectSecs, cfg.Timeouts.QuerySecs)
	if err != nil {
		log.Fatalf("Failed to open pgsql driver: %v", err)
	}
	pgDrv, ok := drv.(*sqldriver.PGConnDriver)
	if !ok {
		log.Fatalf("pgsql driver did not return the expected adapter type")
	}
	conn := pgDrv.Unwrap()
	conn.SetObservers(m, wd)

	if err := drv.Connect(); err != nil {
		log.Fatalf("Failed to start connecting: %v", err)
	}

	apiServer := api.NewServer(conn, wd, m.Registry)
	if err := apiServer.Start(*apiPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Configuration reloaded; new timeouts take effect on the next connect")
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	go maintainConnection(loop, conn, m, wd)
	go runDemoWorkload(loop, pgDrv, m, cfg.Connect.Host)

	log.Printf("sqlpgsql-demo ready - connecting to %s, API on :%d", cfg.Connect.Host, *apiPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	drv.Disconnect()

	log.Printf("sqlpgsql-demo stopped")
}

// maintainConnection keeps the connection alive across the process
// lifetime: whenever the FSM has dropped to Disconnected (an initial
// connect failure, or a fatal error during a later query), it asks the
// watchdog whether enough backoff has elapsed to try again, and if so
// reissues Connect. Polling rather than an event callback keeps this
// loop's shape identical to runDemoWorkload's own waitForIdle below,
// both driven off the same Loop so neither ever blocks it.
func maintainConnection(loop *ioloop.Loop, conn *pgconn.Conn, m *metrics.Collector, wd *watchdog.Watchdog) {
	var tick func()
	tick = func() {
		if conn.IsDisconnected() && wd.ShouldReconnect(time.Now()) {
			m.ReconnectAttempted()
			if err := conn.Connect(); err != nil {
				log.Printf("reconnect attempt failed to start: %v", err)
			}
		}
		loop.AddTimer(200*time.Millisecond, tick)
	}
	loop.AddTimer(200*time.Millisecond, tick)
}

// runDemoWorkload waits for the connection to reach Idle (polling on the
// loop's own goroutine, never blocking it) and then issues one query and
// one two-statement transaction, logging their outcomes.
func runDemoWorkload(loop *ioloop.Loop, pgDrv *sqldriver.PGConnDriver, m *metrics.Collector, host string) {
	conn := pgDrv.Unwrap()
	var drv sqldriver.Driver = pgDrv

	var waitForIdle func()
	waitForIdle = func() {
		if conn.State().String() != "idle" {
			loop.AddTimer(50*time.Millisecond, waitForIdle)
			return
		}

		start := time.Now()
		drv.Query("SELECT 1", func(res sqldriver.Result) {
			defer res.Free()
			outcome := "ok"
			if res.NextRow() < 0 {
				outcome = "failed"
				log.Printf("demo query failed: %s", res.Error())
			} else if v, ok := res.FieldValue(0); ok {
				log.Printf("demo query returned: %s", v)
			}
			m.QueryCompleted(host, outcome, time.Since(start))
		})

		txn := drv.TransactionBegin()
		var affected uint64
		txn.Update("SELECT 1", &affected)
		txn.Update("SELECT 1", nil)
		txnStart := time.Now()
		txn.Commit(func(err error) {
			outcome := "committed"
			if err != nil {
				outcome = "rolled_back"
				log.Printf("demo transaction failed: %v", err)
			}
			m.TransactionCompleted(outcome, time.Since(txnStart))
		})
	}
	loop.AddTimer(0, waitForIdle)
}
