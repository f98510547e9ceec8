package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bones7456/Unspoken/internal/config"
	"github.com/bones7456/Unspoken/internal/registry"
	"github.com/bones7456/Unspoken/internal/room"
)

// RelayServer wires dependencies and hosts the WebSocket endpoint plus the
// admin HTTP endpoint.
type RelayServer struct {
	cfg       config.Config
	log       *zap.Logger
	relay     *Relay
	httpSrv   *http.Server
	adminHTTP *http.Server
	metrics   *relayMetrics
	ready     atomic.Bool
}

// NewRelayServer constructs a server with its dependencies. Nil stores get
// in-memory defaults when Start runs.
func NewRelayServer(cfg config.Config, logger *zap.Logger) *RelayServer {
	return &RelayServer{
		cfg: cfg,
		log: logger,
	}
}

// Start boots the relay and blocks until shutdown. Cancelling ctx triggers
// a graceful stop bounded by the configured grace period.
func (s *RelayServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newRelayMetrics(promReg)
	s.startAdminServer(promReg)

	s.relay = NewRelay(s.log, registry.NewConnections(), registry.NewKeys(), room.NewTable(), RelayOptions{
		Metrics:      s.metrics,
		SendBuffer:   s.cfg.SendBufferSize,
		WriteTimeout: s.cfg.WriteTimeout,
		ReadLimit:    s.cfg.ReadLimitBytes,
	})

	// Sessions are parented to ctx rather than the request context, so a
	// process shutdown unwinds every read loop and its cleanup sweep.
	handler := s.relay.Handler(ctx)
	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.Handle("/", handler)

	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err = s.httpSrv.Serve(lis)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:    s.cfg.AdminAddress,
		Handler: mux,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	// Shutdown does not wait on hijacked WebSocket connections; those unwind
	// through the cancelled session contexts.
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("graceful shutdown timed out; forcing stop")
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("relay server stopped")
}
