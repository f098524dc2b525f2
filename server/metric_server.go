package server

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/INLOpen/nexushistory/config"
	"github.com/INLOpen/nexushistory/sys"
	"github.com/arl/statsviz"
)

// MetricsServer manages the HTTP server for metrics and debugging.
type MetricsServer struct {
	server  *http.Server
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewMetricsServer creates and configures a new HTTP server.
func NewMetricsServer(cfg *config.DebugConfig, logger *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	logger = logger.With("component", "MetricsServer")

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
		if cfg.MonitorUIEnabled {
			if err := statsviz.Register(mux,
				statsviz.Root("/viz"),
				statsviz.SendFrequency(250*time.Millisecond),
			); err != nil {
				logger.Warn("Failed to register statsviz", "error", err)
			} else {
				logger.Info("Runtime statistics UI is available at /viz")
			}
		}
	}

	if cfg.TrackOpenFiles {
		mux.HandleFunc("/debug/files", serveOpenFiles)
		logger.Info("Open archive files are listed on /debug/files")
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":6061"
	}
	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func serveOpenFiles(w http.ResponseWriter, r *http.Request) {
	handles := sys.OpenHandles()
	if handles == nil {
		handles = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": len(handles), "files": handles})
}

// Handler returns the server's mux.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves on lis, or on the configured address when lis is nil. It's a blocking call.
func (s *MetricsServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	var err error
	if lis == nil {
		s.logger.Info("Metrics server for metrics and pprof listening", "address", s.server.Addr)
		err = s.server.ListenAndServe()
	} else {
		s.logger.Info("Metrics server for metrics and pprof listening", "address", lis.Addr().String())
		err = s.server.Serve(lis)
	}
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server failed", "error", err)
		return fmt.Errorf("failed to start Metrics server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the Metrics server.
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping Metrics server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Metrics server shutdown failed", "error", err)
	} else {
		s.logger.Info("Metrics server stopped gracefully.")
	}
}
