package health

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hadijannat/aas-uns-bridge/errors"
)

// ReadyFunc reports whether the daemon can accept traffic. The ready
// endpoint returns 503 while it reports false (e.g. broker disconnected).
type ReadyFunc func() bool

// Server serves liveness, readiness and status endpoints.
type Server struct {
	port    int
	monitor *Monitor
	ready   ReadyFunc
	server  *http.Server
	mu      sync.Mutex
}

// NewServer creates a health server backed by the monitor.
func NewServer(port int, monitor *Monitor, ready ReadyFunc) *Server {
	if port == 0 {
		port = 8081
	}
	return &Server{
		port:    port,
		monitor: monitor,
		ready:   ready,
	}
}

// Start starts the health HTTP server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			stderrors.New("server already running"),
			"Server", "Start", "check server state",
		)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz/live", s.handleLive)
	mux.HandleFunc("/healthz/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			_ = err
		}
	}()

	return nil
}

// Stop shuts the health server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	return err
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("broker not connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.monitor.AggregateHealth("aas-uns-bridge")

	w.Header().Set("Content-Type", "application/json")
	if !status.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
