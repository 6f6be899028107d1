// Package api exposes a minimal HTTP introspection surface over one
// driver connection: FSM state, last error, and Prometheus metrics. The
// teacher's tenant CRUD endpoints and HTML dashboard have no equivalent
// here — there is exactly one connection to introspect, not a fleet of
// tenants to administer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailstack/sqlpgsql/internal/pgconn"
	"github.com/mailstack/sqlpgsql/internal/watchdog"
)

// Server is the introspection and metrics HTTP server for one driver
// connection.
type Server struct {
	conn       *pgconn.Conn
	watchdog   *watchdog.Watchdog
	promReg    *prometheus.Registry
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server reporting on conn's state, backed by
// w's fatal-error history and promReg (typically metrics.Collector.Registry).
func NewServer(conn *pgconn.Conn, w *watchdog.Watchdog, promReg *prometheus.Registry) *Server {
	return &Server{
		conn:      conn,
		watchdog:  w,
		promReg:   promReg,
		startTime: time.Now(),
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] introspection API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":       int(time.Since(s.startTime).Seconds()),
		"go_version":           runtime.Version(),
		"goroutines":           runtime.NumGoroutine(),
		"memory_mb":            float64(mem.Alloc) / 1024 / 1024,
		"host":                 s.conn.HostLabel(),
		"state":                s.conn.State().String(),
		"fatal":                s.conn.IsFatal(),
		"last_error":           s.conn.LastError(),
		"consecutive_failures": s.watchdog.ConsecutiveFailures(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.watchdog.IsHealthy()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":               boolToStatus(healthy),
		"connection_state":     s.conn.State().String(),
		"consecutive_failures": s.watchdog.ConsecutiveFailures(),
		"last_error":           s.watchdog.LastError(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.conn.State() == pgconn.StateIdle {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
