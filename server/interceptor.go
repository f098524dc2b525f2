package server

import (
	"context"
	"expvar"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	rpcCallsTotal  = expvar.NewMap("rpc_calls_total")
	rpcErrorsTotal = expvar.NewMap("rpc_errors_total")
)

// LoggingInterceptor logs every unary call and turns handler panics into
// Internal errors.
type LoggingInterceptor struct {
	logger *slog.Logger
}

func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{logger: logger.With("component", "RPC")}
}

// Unary returns a gRPC unary server interceptor.
func (i *LoggingInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("Panic in RPC handler", "method", info.FullMethod, "panic", r, "stack", string(debug.Stack()))
				resp, err = nil, status.Errorf(codes.Internal, "internal error in %s", info.FullMethod)
			}
			code := status.Code(err)
			rpcCallsTotal.Add(info.FullMethod, 1)
			if code != codes.OK {
				rpcErrorsTotal.Add(info.FullMethod, 1)
			}
			level := slog.LevelDebug
			if code == codes.Internal || code == codes.Unknown {
				level = slog.LevelError
			}
			i.logger.Log(ctx, level, "RPC handled", "method", info.FullMethod, "code", code.String(), "duration", time.Since(start), "error", err)
		}()
		return handler(ctx, req)
	}
}
