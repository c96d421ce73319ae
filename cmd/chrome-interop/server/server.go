// Package server provides an importable HTTP server for the Chrome interop
// test, so E2E tests can start and stop it without running main().
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/thesyncim/remb/pkg/remb"
)

// Config holds server configuration options.
type Config struct {
	Addr         string        // Listen address (e.g., ":8080" or ":0" for random port)
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout

	Logger *zap.Logger

	Estimator    remb.EstimatorConfig
	Relay        remb.RelayConfig
	RTCPInterval time.Duration
	SenderSSRC   uint32

	// EventManager, when set, is shared by every peer connection.
	EventManager *remb.EventManager

	// Metrics records every peer connection's session. May be nil.
	Metrics *remb.Metrics

	// MetricsPath and MetricsHandler mount a metrics endpoint when both
	// are set.
	MetricsPath    string
	MetricsHandler http.Handler
}

// DefaultConfig returns a configuration suitable for testing.
// Uses ":0" to bind to a random available port.
func DefaultConfig() Config {
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Estimator:    remb.DefaultEstimatorConfig(),
		Relay:        remb.DefaultRelayConfig(),
		RTCPInterval: 500 * time.Millisecond,
	}
}

// Stats summarizes the REMB packets sent to the browsers.
type Stats struct {
	Connections int      `json:"connections"`
	REMBCount   uint64   `json:"remb_count"`
	LastBitrate uint64   `json:"last_bitrate_bps"`
	LastSSRCs   []uint32 `json:"last_ssrcs"`
}

// Server is an importable HTTP server for WebRTC Chrome interop testing.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
	offers     *offerHandler

	addr    string
	mu      sync.Mutex
	running bool
}

// NewServer creates a new server with the given configuration.
// The server is not started until Start() is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	offers, err := newOfferHandler(cfg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(HTMLPage))
	})
	mux.Handle("/offer", offers)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(offers.Stats())
	})
	if cfg.MetricsPath != "" && cfg.MetricsHandler != nil {
		mux.Handle(cfg.MetricsPath, cfg.MetricsHandler)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		httpServer: httpServer,
		logger:     cfg.Logger,
		offers:     offers,
	}, nil
}

// Start begins listening and serving HTTP requests.
// Returns the actual address the server is listening on (useful when port is 0).
// This method is non-blocking - the server runs in a goroutine.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", errors.Wrap(err, "failed to listen")
	}

	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("http server stopped", zap.Error(err))
		}
	}()

	return s.addr, nil
}

// Shutdown gracefully shuts down the server and closes every peer
// connection it accepted.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	err := s.httpServer.Shutdown(ctx)
	s.offers.closeAll()
	return err
}

// Addr returns the address the server is listening on.
// Returns empty string if server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stats returns what has been sent so far.
func (s *Server) Stats() Stats {
	return s.offers.Stats()
}
