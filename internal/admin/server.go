// Package admin serves the loopback-only local endpoint of the agent:
// stop, status, and metrics. There is no authentication; the bind
// address is required to be a loopback interface instead.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hardshare/hardshare/pkg/metrics"
)

// DefaultAddr is the default local admin bind.
const DefaultAddr = "127.0.0.1:6666"

// shutdownGrace bounds how long in-flight requests may finish after a
// stop is requested.
const shutdownGrace = 10 * time.Second

// ErrNotLoopback rejects non-loopback bind addresses.
var ErrNotLoopback = errors.New("admin: bind address must be loopback")

// Server is the local admin HTTP endpoint.
type Server struct {
	addr    string
	status  func() interface{}
	stop    func()
	logger  zerolog.Logger
	metrics *metrics.Metrics

	httpServer *http.Server
}

// New creates the server. status supplies the GET /status payload and
// stop is invoked after a POST /stop has been answered.
func New(addr string, status func() interface{}, stop func(), logger zerolog.Logger, m *metrics.Metrics) (*Server, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	if err := checkLoopback(addr); err != nil {
		return nil, err
	}

	s := &Server{
		addr:    addr,
		status:  status,
		stop:    stop,
		logger:  logger.With().Str("component", "admin").Logger(),
		metrics: m,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", m.Handler())
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// checkLoopback verifies that addr resolves to a loopback interface.
func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("admin: parse bind address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
	}
	return nil
}

// Run serves until ctx is done, then drains with a bounded grace
// period.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen on %s: %w", s.addr, err)
	}
	s.logger.Info().Str("addr", s.addr).Msg("local admin endpoint up")

	errc := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("admin: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("admin shutdown incomplete")
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	s.logger.Info().Msg("stop requested")
	w.WriteHeader(http.StatusOK)

	// Answer first, then let the agent begin its graceful shutdown.
	go s.stop()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Warn().Err(err).Msg("status encode failed")
	}
}
