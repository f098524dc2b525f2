package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/INLOpen/nexushistory/auth"
	"github.com/INLOpen/nexushistory/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps the grpc.Server hosting the Archive and/or Manager services.
const (
	// maxMessageSize bounds a single request or reply.
	maxMessageSize = 64 << 20
	stopGrace      = 10 * time.Second
)

type GRPCServer struct {
	server    *grpc.Server
	healthSrv *health.Server
	logger    *slog.Logger
}

// Services selects what a GRPCServer registers. Nil entries are skipped.
type Services struct {
	Archive ArchiveServiceServer
	Manager ManagerServiceServer
}

// NewGRPCServer creates and configures a new gRPC server instance.
// It handles TLS, authentication, and service registration.
func NewGRPCServer(services Services, cfg *config.ServerConfig, authenticator auth.IAuthenticator, logger *slog.Logger) (*GRPCServer, error) {
	s := &GRPCServer{
		logger:    logger.With("component", "GRPCServer"),
		healthSrv: health.NewServer(),
	}

	var opts []grpc.ServerOption
	if cfg.TLS.Enabled {
		creds, err := loadTLSCredentials(&cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("could not load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		s.logger.Info("gRPC server initialized with TLS.")
	} else {
		s.logger.Info("gRPC server initialized without TLS (insecure).")
	}

	logging := NewLoggingInterceptor(logger)
	opts = append(opts,
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 10 * time.Second, PermitWithoutStream: true}),
		grpc.ChainUnaryInterceptor(logging.Unary(), authenticator.UnaryInterceptor),
		grpc.ChainStreamInterceptor(authenticator.StreamInterceptor),
	)

	s.server = grpc.NewServer(opts...)
	if services.Archive != nil {
		s.server.RegisterService(&ArchiveService_ServiceDesc, services.Archive)
		s.healthSrv.SetServingStatus(ArchiveServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	if services.Manager != nil {
		s.server.RegisterService(&ManagerService_ServiceDesc, services.Manager)
		s.healthSrv.SetServingStatus(ManagerServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	grpc_health_v1.RegisterHealthServer(s.server, s.healthSrv)
	reflection.Register(s.server)

	return s, nil
}

// Start begins listening for gRPC requests.
func (s *GRPCServer) Start(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "address", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop drains in-flight calls, cancelling them once stopGrace has passed.
func (s *GRPCServer) Stop() {
	s.logger.Info("Stopping gRPC server...")
	s.healthSrv.Shutdown()
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		s.logger.Warn("Graceful stop timed out, cancelling remaining calls", "grace", stopGrace)
		s.server.Stop()
		<-done
	}
	s.logger.Info("gRPC server stopped.")
}

func loadTLSCredentials(cfg *config.TLSConfig) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert,
	}), nil
}
