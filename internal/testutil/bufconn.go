// Package testutil holds in-process network helpers for gRPC and HTTP tests.
package testutil

import (
	"context"
	"net"
	"net/http"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// BufconnTarget is the dial target used with a bufconn dialer.
const BufconnTarget = "passthrough:///bufnet"

// NewBufconnListener returns a new bufconn.Listener with a sensible default buffer size.
func NewBufconnListener(bufferSize int) *bufconn.Listener {
	if bufferSize <= 0 {
		bufferSize = 1024 * 1024
	}
	return bufconn.Listen(bufferSize)
}

// BufconnDialOptions returns a slice of grpc.DialOption configured to use the provided
// bufconn listener. Callers can append additional DialOptions as needed.
func BufconnDialOptions(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
}

// ServeBufconn serves srv on a fresh bufconn listener until the test ends and
// returns an insecure client connection to it.
func ServeBufconn(t *testing.T, srv *grpc.Server, extra ...grpc.DialOption) *grpc.ClientConn {
	t.Helper()
	lis := NewBufconnListener(0)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	opts := append(BufconnDialOptions(lis), grpc.WithTransportCredentials(insecure.NewCredentials()))
	conn, err := grpc.NewClient(BufconnTarget, append(opts, extra...)...)
	if err != nil {
		t.Fatalf("failed to dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// HTTPClient returns a client whose every request is dialed into lis,
// whatever host the URL names.
func HTTPClient(lis *bufconn.Listener) *http.Client {
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		},
	}}
}
