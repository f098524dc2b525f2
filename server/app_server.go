package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/INLOpen/nexushistory/auth"
	"github.com/INLOpen/nexushistory/config"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// AppServer runs the gRPC server together with the optional debug HTTP server
// and system metrics collector.
type AppServer struct {
	grpcLis      net.Listener
	grpcServer   *GRPCServer
	metricServer *MetricsServer
	collector    *SystemCollector
	cfg          *config.Config
	logger       *slog.Logger
	cancel       context.CancelFunc
	ready        chan struct{}
}

// NewAppServer creates the servers for services. When lis is nil the gRPC
// server listens on server.grpc_port.
func NewAppServer(services Services, cfg *config.Config, lis net.Listener, logger *slog.Logger) (*AppServer, error) {
	var authenticator auth.IAuthenticator
	if cfg.Security.Enabled {
		a, err := auth.NewAuthenticator(cfg.Security.UserFilePath, ReadOnlyMethods(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
		}
		authenticator = a
	} else {
		authenticator = auth.NewNonAuthenticator()
	}

	if lis == nil {
		grpcAddr := fmt.Sprintf(":%d", cfg.Server.GRPCPort)
		var err error
		lis, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on gRPC port %s: %w", grpcAddr, err)
		}
	}
	logger.Info("gRPC server will listen on", "address", lis.Addr().String())

	grpcSrv, err := NewGRPCServer(services, &cfg.Server, authenticator, logger)
	if err != nil {
		lis.Close()
		return nil, fmt.Errorf("failed to create gRPC server: %w", err)
	}

	appSrv := &AppServer{
		grpcLis:    lis,
		grpcServer: grpcSrv,
		cfg:        cfg,
		logger:     logger.With("component", "AppServer"),
		ready:      make(chan struct{}),
	}
	if cfg.Debug.Enabled {
		appSrv.metricServer = NewMetricsServer(&cfg.Debug, logger)
		if cfg.Archive.Directory != "" {
			interval := config.ParseDuration(cfg.Debug.SystemMetricsInterval, 0, logger)
			appSrv.collector = NewSystemCollector(cfg.Archive.Directory, interval, logger)
		}
	}
	return appSrv, nil
}

// Addr returns the gRPC listener address.
func (s *AppServer) Addr() net.Addr {
	return s.grpcLis.Addr()
}

// Ready is closed once Start has launched every server.
func (s *AppServer) Ready() <-chan struct{} {
	return s.ready
}

// Start runs all configured servers in parallel. It blocks until all servers stop.
func (s *AppServer) Start() error {
	g, ctx := errgroup.WithContext(context.Background())
	var appCtx context.Context
	appCtx, s.cancel = context.WithCancel(ctx)

	g.Go(func() error {
		go func() {
			<-appCtx.Done()
			s.logger.Info("Context cancelled, stopping gRPC server...")
			s.grpcServer.Stop()
		}()
		s.logger.Info("Starting gRPC server...")
		return s.grpcServer.Start(s.grpcLis)
	})

	if s.metricServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.metricServer.Stop()
			}()
			return s.metricServer.Start(nil)
		})
	}
	if s.collector != nil {
		s.collector.Start()
		defer s.collector.Stop()
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	close(s.ready)
	err := g.Wait()

	// Differentiate between a graceful shutdown and an actual error.
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// Stop gracefully shuts down all servers.
func (s *AppServer) Stop() {
	<-s.ready
	if s.cancel != nil {
		s.cancel()
	}
}
