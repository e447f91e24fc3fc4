// Package opsapi exposes the daemon's operational HTTP surface:
// liveness, readiness and a Prometheus scrape endpoint. This is
// ambient observability, distinct from the client request port
// (pkg/ipc), for which no wire protocol is implemented here.
//
// Modeled almost verbatim on warren/pkg/api/health.go's
// net/http+encoding/json mux-registration shape, with the readiness
// checks swapped for securityd's own (storage reachability, Root
// session liveness, smartcard helper state).
package opsapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/securityd/pkg/metrics"
)

// ReadinessChecker reports whether the daemon is ready to serve
// requests and a breakdown of the checks behind that verdict.
// *daemon.Server satisfies this.
type ReadinessChecker interface {
	Ready() (bool, map[string]string)
}

// Server serves /health, /ready and /metrics.
type Server struct {
	checker ReadinessChecker
	mux     *http.ServeMux
	version string
}

// New builds an opsapi Server backed by checker.
func New(checker ReadinessChecker, version string) *Server {
	mux := http.NewServeMux()
	s := &Server{checker: checker, mux: mux, version: version}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start runs the operational HTTP server on addr. Blocks until the
// server stops or errors.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler returns the HTTP handler for embedding in another server.
func (s *Server) Handler() http.Handler { return s.mux }

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "healthy", Timestamp: time.Now(), Version: s.version}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready, checks := s.checker.Ready()
	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	resp := readyResponse{Status: status, Timestamp: time.Now(), Checks: checks}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}
