package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/manager"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// ArchiveClient calls the Archive service of one worker host.
type ArchiveClient struct {
	conn grpc.ClientConnInterface
}

func NewArchiveClient(conn grpc.ClientConnInterface) *ArchiveClient {
	return &ArchiveClient{conn: conn}
}

func (c *ArchiveClient) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

func (c *ArchiveClient) Changed(ctx context.Context, deviceID string, events []core.ChangeEvent) error {
	props := make([]*structpb.Value, 0, len(events))
	for _, ev := range events {
		props = append(props, eventToValue(ev))
	}
	_, err := c.invoke(ctx, ArchiveChanged_FullMethodName, newStruct(map[string]*structpb.Value{
		"deviceId":   structpb.NewStringValue(deviceID),
		"properties": structpb.NewListValue(&structpb.ListValue{Values: props}),
	}))
	return err
}

func (c *ArchiveClient) SchemaUpdated(ctx context.Context, deviceID string, schema *core.Schema, ts core.Timestamp) error {
	sv, err := schemaToValue(schema)
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, ArchiveSchemaUpdated_FullMethodName, newStruct(map[string]*structpb.Value{
		"deviceId":  structpb.NewStringValue(deviceID),
		"schema":    sv,
		"timestamp": timestampValue(ts),
	}))
	return err
}

func (c *ArchiveClient) TagDeviceToBeDiscontinued(ctx context.Context, deviceID string, wasValid bool, reason byte) error {
	fields := map[string]*structpb.Value{
		"deviceId": structpb.NewStringValue(deviceID),
		"wasValid": structpb.NewBoolValue(wasValid),
	}
	if reason != 0 {
		fields["reason"] = structpb.NewStringValue(string(reason))
	}
	_, err := c.invoke(ctx, ArchiveTagDeviceToBeDiscontinued_FullMethodName, newStruct(fields))
	return err
}

// Flush flushes deviceID, or every logger of the host when deviceID is empty.
func (c *ArchiveClient) Flush(ctx context.Context, deviceID string) error {
	fields := map[string]*structpb.Value{}
	if deviceID != "" {
		fields["deviceId"] = structpb.NewStringValue(deviceID)
	}
	_, err := c.invoke(ctx, ArchiveFlush_FullMethodName, newStruct(fields))
	return err
}

func (c *ArchiveClient) GetPropertyHistory(ctx context.Context, deviceID, property string, req core.HistoryRequest) (*core.HistoryResult, error) {
	out, err := c.invoke(ctx, ArchiveGetPropertyHistory_FullMethodName, newStruct(map[string]*structpb.Value{
		"deviceId":   structpb.NewStringValue(deviceID),
		"property":   structpb.NewStringValue(property),
		"from":       timestampValue(req.From),
		"to":         timestampValue(req.To),
		"maxNumData": structpb.NewNumberValue(float64(req.MaxNumData)),
	}))
	if err != nil {
		return nil, err
	}
	return historyFromStruct(out)
}

func (c *ArchiveClient) GetConfigurationFromPast(ctx context.Context, deviceID string, timepoint core.Timestamp) (*core.ConfigurationSnapshot, error) {
	out, err := c.invoke(ctx, ArchiveGetConfigurationFromPast_FullMethodName, newStruct(map[string]*structpb.Value{
		"deviceId":  structpb.NewStringValue(deviceID),
		"timepoint": timestampValue(timepoint),
	}))
	if err != nil {
		return nil, err
	}
	return snapshotFromStruct(out)
}

func (c *ArchiveClient) InstantiateLogger(ctx context.Context, loggerID, deviceID string) error {
	_, err := c.invoke(ctx, ArchiveInstantiateLogger_FullMethodName, newStruct(map[string]*structpb.Value{
		"loggerId": structpb.NewStringValue(loggerID),
		"deviceId": structpb.NewStringValue(deviceID),
	}))
	return err
}

func (c *ArchiveClient) InstantiateReaders(ctx context.Context, count int) error {
	_, err := c.invoke(ctx, ArchiveInstantiateReaders_FullMethodName, newStruct(map[string]*structpb.Value{
		"count": structpb.NewNumberValue(float64(count)),
	}))
	return err
}

func (c *ArchiveClient) ShutdownLogger(ctx context.Context, loggerID string) error {
	_, err := c.invoke(ctx, ArchiveShutdownLogger_FullMethodName, newStruct(map[string]*structpb.Value{
		"loggerId": structpb.NewStringValue(loggerID),
	}))
	return err
}

// ManagerClient notifies the assignment manager of topology changes.
type ManagerClient struct {
	conn grpc.ClientConnInterface
}

func NewManagerClient(conn grpc.ClientConnInterface) *ManagerClient {
	return &ManagerClient{conn: conn}
}

func (c *ManagerClient) InstanceNew(ctx context.Context, kind, id, host string, archive bool) error {
	in := newStruct(map[string]*structpb.Value{
		"kind":    structpb.NewStringValue(kind),
		"id":      structpb.NewStringValue(id),
		"host":    structpb.NewStringValue(host),
		"archive": structpb.NewBoolValue(archive),
	})
	return fromStatus(c.conn.Invoke(ctx, ManagerInstanceNew_FullMethodName, in, new(structpb.Struct)))
}

func (c *ManagerClient) InstanceGone(ctx context.Context, kind, id, host string) error {
	in := newStruct(map[string]*structpb.Value{
		"kind": structpb.NewStringValue(kind),
		"id":   structpb.NewStringValue(id),
		"host": structpb.NewStringValue(host),
	})
	return fromStatus(c.conn.Invoke(ctx, ManagerInstanceGone_FullMethodName, in, new(structpb.Struct)))
}

// Assignments returns the manager's logger to host map.
func (c *ManagerClient) Assignments(ctx context.Context) (map[string]string, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ManagerAssignments_FullMethodName, newStruct(nil), out); err != nil {
		return nil, fromStatus(err)
	}
	res := make(map[string]string)
	for loggerID, v := range out.GetFields()["assignments"].GetStructValue().GetFields() {
		res[loggerID] = v.GetStringValue()
	}
	return res, nil
}

// ClientOptions configures outgoing connections to worker hosts.
type ClientOptions struct {
	TLS *tls.Config // nil dials without TLS
	// Credentials, when set, are attached to every call.
	Credentials credentials.PerRPCCredentials
	Compression string
	// DialOptions are appended last, e.g. a bufconn dialer in tests.
	DialOptions []grpc.DialOption
}

func (o ClientOptions) dialOptions() []grpc.DialOption {
	var opts []grpc.DialOption
	if o.TLS != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(o.TLS)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if o.Credentials != nil {
		opts = append(opts, grpc.WithPerRPCCredentials(o.Credentials))
	}
	if o.Compression != "" && o.Compression != "none" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(o.Compression)))
	}
	return append(opts, o.DialOptions...)
}

// Dial opens a client connection to target (host:port).
func Dial(target string, opts ClientOptions) (*grpc.ClientConn, error) {
	if !strings.Contains(target, "://") {
		target = "passthrough:///" + target
	}
	conn, err := grpc.NewClient(target, opts.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return conn, nil
}

// HostClient is the manager's view of the worker hosts. Host ids are the
// hosts' gRPC addresses; one connection per host is kept open.
type HostClient struct {
	opts   ClientOptions
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ manager.HostClient = (*HostClient)(nil)

func NewHostClient(opts ClientOptions, logger *slog.Logger) *HostClient {
	return &HostClient{opts: opts, logger: logger.With("component", "HostClient"), conns: make(map[string]*grpc.ClientConn)}
}

func (c *HostClient) archive(hostID string) (*ArchiveClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[hostID]
	if !ok {
		var err error
		conn, err = Dial(hostID, c.opts)
		if err != nil {
			return nil, err
		}
		c.conns[hostID] = conn
		c.logger.Debug("Opened connection to host", "host_id", hostID)
	}
	return NewArchiveClient(conn), nil
}

func (c *HostClient) InstantiateLogger(ctx context.Context, hostID, loggerID, deviceID string) error {
	a, err := c.archive(hostID)
	if err != nil {
		return err
	}
	return a.InstantiateLogger(ctx, loggerID, deviceID)
}

func (c *HostClient) InstantiateReaders(ctx context.Context, hostID string, count int) error {
	a, err := c.archive(hostID)
	if err != nil {
		return err
	}
	return a.InstantiateReaders(ctx, count)
}

// discontinuedByManager is recorded when a device disappears from the topology.
const discontinuedByManager = 'D'

func (c *HostClient) TagDiscontinued(ctx context.Context, hostID, deviceID string) error {
	a, err := c.archive(hostID)
	if err != nil {
		return err
	}
	return a.TagDeviceToBeDiscontinued(ctx, deviceID, true, discontinuedByManager)
}

func (c *HostClient) ShutdownLogger(ctx context.Context, hostID, loggerID string) error {
	a, err := c.archive(hostID)
	if err != nil {
		return err
	}
	return a.ShutdownLogger(ctx, loggerID)
}

// Close closes every host connection.
func (c *HostClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for hostID, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, hostID)
	}
	return firstErr
}

// timeoutInterceptor bounds every outgoing call that has no deadline yet.
func timeoutInterceptor(d time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, ok := ctx.Deadline(); !ok && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// WithTimeout returns a dial option bounding calls without a deadline.
func WithTimeout(d time.Duration) grpc.DialOption {
	return grpc.WithChainUnaryInterceptor(timeoutInterceptor(d))
}
