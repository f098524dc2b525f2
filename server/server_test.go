package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/nexushistory/auth"
	"github.com/INLOpen/nexushistory/backfill"
	"github.com/INLOpen/nexushistory/compressors"
	"github.com/INLOpen/nexushistory/config"
	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/internal/testutil"
	"github.com/INLOpen/nexushistory/manager"
	"github.com/INLOpen/nexushistory/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const testDevice = "SA1/MOTOR/X"

func ts(sec int) core.Timestamp {
	return core.Timestamp{Seconds: uint64(1700000000 + sec), TrainID: uint64(sec)}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	svc := backfill.NewService(backfill.Options{Workers: 1, Runner: &backfill.InProcessRunner{}})
	svc.Start()
	t.Cleanup(svc.Stop)
	n, err := node.New(node.Options{NodeID: "bufnet", Dir: t.TempDir(), FlushInterval: time.Hour, MaxHistorySize: 50, Readers: 2, Backfill: svc})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func newTestGRPCServer(t *testing.T, services Services, authenticator auth.IAuthenticator) *GRPCServer {
	t.Helper()
	if authenticator == nil {
		authenticator = auth.NewNonAuthenticator()
	}
	srv, err := NewGRPCServer(services, &config.Default().Server, authenticator, discardLogger())
	require.NoError(t, err)
	return srv
}

func TestArchiveService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	compressors.Register()
	n := newTestNode(t)
	srv := newTestGRPCServer(t, Services{Archive: NewArchiveService(n, discardLogger())}, nil)
	conn := testutil.ServeBufconn(t, srv.server, grpc.WithDefaultCallOptions(grpc.UseCompressor(compressors.ZstdName)))
	client := NewArchiveClient(conn)

	require.NoError(t, client.InstantiateReaders(ctx, 1))
	require.NoError(t, client.InstantiateLogger(ctx, manager.LoggerID(testDevice), testDevice))
	schema := core.NewSchema("Motor").
		Set("position", core.TypeDouble, core.ArchiveEveryEvent).
		Set("state", core.TypeString, core.ArchiveEveryEvent)
	require.NoError(t, client.SchemaUpdated(ctx, testDevice, schema, ts(0)))

	var events []core.ChangeEvent
	for i := 1; i <= 5; i++ {
		events = append(events, core.ChangeEvent{Path: "position", Type: core.TypeDouble, Value: strings.Repeat("1", i), Timestamp: ts(i)})
	}
	events = append(events, core.ChangeEvent{Path: "state", Type: core.TypeString, Value: "ON", Timestamp: ts(3), User: "operator"})
	require.NoError(t, client.Changed(ctx, testDevice, events))
	require.NoError(t, client.Flush(ctx, ""))

	res, err := client.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(0), To: ts(10)})
	require.NoError(t, err)
	assert.Equal(t, testDevice, res.DeviceID)
	require.Len(t, res.Entries, 5)
	assert.Equal(t, "1", res.Entries[0].Value)
	assert.Equal(t, ts(5), res.Entries[4].Timestamp)

	snap, err := client.GetConfigurationFromPast(ctx, testDevice, ts(4))
	require.NoError(t, err)
	assert.True(t, snap.AtTimepoint)
	assert.Equal(t, "1111", snap.Configuration["position"].Value)
	assert.Equal(t, "ON", snap.Configuration["state"].Value)
	assert.True(t, snap.Schema.Has("state"))

	_, err = client.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{To: ts(10), MaxNumData: 51})
	require.ErrorIs(t, err, core.ErrOutOfRange)
	assert.Equal(t, codes.OutOfRange, status.Code(err))

	_, err = client.GetConfigurationFromPast(ctx, testDevice, ts(0))
	require.ErrorIs(t, err, core.ErrTimepointTooEarly)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = client.Changed(ctx, "OTHER/DEVICE/1", events)
	require.ErrorIs(t, err, node.ErrNoLogger)

	require.NoError(t, client.TagDeviceToBeDiscontinued(ctx, testDevice, false, 'x'))
	require.NoError(t, client.ShutdownLogger(ctx, manager.LoggerID(testDevice)))
	assert.Empty(t, n.Loggers())
}

func TestArchiveService_InvalidArguments(t *testing.T) {
	n := newTestNode(t)
	srv := newTestGRPCServer(t, Services{Archive: NewArchiveService(n, discardLogger())}, nil)
	conn := testutil.ServeBufconn(t, srv.server)

	call := func(method string, fields map[string]any) error {
		in, err := structpb.NewStruct(fields)
		require.NoError(t, err)
		return conn.Invoke(context.Background(), method, in, new(structpb.Struct))
	}
	testCases := map[string]struct {
		method string
		fields map[string]any
	}{
		"missing device":    {ArchiveChanged_FullMethodName, map[string]any{}},
		"missing path":      {ArchiveChanged_FullMethodName, map[string]any{"deviceId": "D", "properties": []any{map[string]any{"value": "1"}}}},
		"negative seconds":  {ArchiveGetConfigurationFromPast_FullMethodName, map[string]any{"deviceId": "D", "timepoint": map[string]any{"seconds": -1}}},
		"bad schema":        {ArchiveSchemaUpdated_FullMethodName, map[string]any{"deviceId": "D", "schema": "{"}},
		"long reason":       {ArchiveTagDeviceToBeDiscontinued_FullMethodName, map[string]any{"deviceId": "D", "reason": "xy"}},
		"zero readers":      {ArchiveInstantiateReaders_FullMethodName, map[string]any{"count": 0}},
		"missing logger id": {ArchiveShutdownLogger_FullMethodName, map[string]any{}},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, codes.InvalidArgument, status.Code(call(tc.method, tc.fields)))
		})
	}
}

func TestHostClient_DrivesWorkerHost(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	srv := newTestGRPCServer(t, Services{Archive: NewArchiveService(n, discardLogger())}, nil)
	lis := testutil.NewBufconnListener(0)
	go func() { _ = srv.server.Serve(lis) }()
	t.Cleanup(srv.server.Stop)

	hosts := NewHostClient(ClientOptions{DialOptions: append(testutil.BufconnDialOptions(lis), WithTimeout(5*time.Second))}, discardLogger())
	t.Cleanup(func() { hosts.Close() })

	store, err := manager.NewFileStore(t.TempDir())
	require.NoError(t, err)
	m, err := manager.New(manager.Options{ServerList: []string{"bufnet"}, ReadersPerHost: 1, Client: hosts, Store: store})
	require.NoError(t, err)

	require.NoError(t, m.HostAppeared(ctx, "bufnet"))
	require.NoError(t, m.DeviceAppeared(ctx, testDevice, true))
	m.Wait()
	assert.Equal(t, []string{manager.LoggerID(testDevice)}, n.Loggers())
	assert.Equal(t, manager.StateLoggerUp, m.State(testDevice))

	require.NoError(t, m.DeviceGone(ctx, testDevice))
	m.Wait()
	assert.Empty(t, n.Loggers())
	require.NoError(t, m.Close())
}

func TestManagerService(t *testing.T) {
	ctx := context.Background()
	store, err := manager.NewFileStore(t.TempDir())
	require.NoError(t, err)
	m, err := manager.New(manager.Options{ServerList: []string{"h1", "h2"}, Client: nopHostClient{}, Store: store})
	require.NoError(t, err)

	srv := newTestGRPCServer(t, Services{Manager: NewManagerService(m, discardLogger())}, nil)
	client := NewManagerClient(testutil.ServeBufconn(t, srv.server))

	require.NoError(t, client.InstanceNew(ctx, KindHost, "h1", "", false))
	require.NoError(t, client.InstanceNew(ctx, KindDevice, "DEV/1", "", true))
	require.NoError(t, client.InstanceNew(ctx, KindDevice, "DEV/2", "", true))
	require.NoError(t, client.InstanceNew(ctx, KindLogger, "DataLogger-DEV/3", "h2", false))
	require.NoError(t, client.InstanceGone(ctx, KindDevice, "DEV/1", ""))
	m.Wait()

	assignments, err := client.Assignments(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"DataLogger-DEV/1": "h1",
		"DataLogger-DEV/2": "h2",
		"DataLogger-DEV/3": "h2",
	}, assignments)

	err = client.InstanceNew(ctx, "satellite", "x", "", false)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	err = client.InstanceGone(ctx, KindLogger, "DataLogger-DEV/3", "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

type nopHostClient struct{}

func (nopHostClient) InstantiateLogger(ctx context.Context, hostID, loggerID, deviceID string) error {
	return nil
}
func (nopHostClient) InstantiateReaders(ctx context.Context, hostID string, count int) error {
	return nil
}
func (nopHostClient) TagDiscontinued(ctx context.Context, hostID, deviceID string) error { return nil }
func (nopHostClient) ShutdownLogger(ctx context.Context, hostID, loggerID string) error   { return nil }

func TestGRPCServer_Authentication(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	hash, err := auth.HashPassword("pw")
	require.NoError(t, err)
	require.NoError(t, auth.WriteUserFile(path, map[string]auth.UserRecord{
		"viewer": {Username: "viewer", PasswordHash: hash, Role: auth.RoleReader},
		"op":     {Username: "op", PasswordHash: hash, Role: auth.RoleWriter},
	}))
	authenticator, err := auth.NewAuthenticator(path, ReadOnlyMethods(), discardLogger())
	require.NoError(t, err)

	n := newTestNode(t)
	srv := newTestGRPCServer(t, Services{Archive: NewArchiveService(n, discardLogger())}, authenticator)
	client := NewArchiveClient(testutil.ServeBufconn(t, srv.server))

	as := func(user string) context.Context {
		token := base64.StdEncoding.EncodeToString([]byte(user + ":pw"))
		return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Basic "+token)
	}

	err = client.Flush(context.Background(), "")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	err = client.Flush(as("viewer"), "")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	require.NoError(t, client.Flush(as("op"), ""))

	res, err := client.GetPropertyHistory(as("viewer"), testDevice, "position", core.HistoryRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
}

func TestWire_Timestamps(t *testing.T) {
	want := core.Timestamp{Seconds: 1700000000, Fraction: 999_999_999_999_999_999, TrainID: 1<<63 + 7}
	got, err := timestampFromStruct(timestampValue(want).GetStructValue())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	in, err := structpb.NewStruct(map[string]any{"seconds": 12, "trainId": "99"})
	require.NoError(t, err)
	got, err = timestampFromStruct(in)
	require.NoError(t, err)
	assert.Equal(t, core.Timestamp{Seconds: 12, TrainID: 99}, got)

	for _, bad := range []map[string]any{
		{"seconds": 1.5},
		{"seconds": "abc"},
		{"fraction": "1000000000000000000"},
		{"trainId": true},
	} {
		in, err := structpb.NewStruct(bad)
		require.NoError(t, err)
		_, err = timestampFromStruct(in)
		assert.Error(t, err, bad)
	}
}

func TestStatusMapping(t *testing.T) {
	testCases := []struct {
		err  error
		code codes.Code
	}{
		{&core.OutOfRangeError{Name: "maxNumData", Value: 5, Limit: 1}, codes.OutOfRange},
		{&core.TemporalError{Reason: core.ErrOutsideLoggedData}, codes.FailedPrecondition},
		{node.ErrNoLogger, codes.NotFound},
		{core.ErrClosed, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.code, status.Code(toStatus(tc.err)), tc.err.Error())
	}
	assert.NoError(t, toStatus(nil))

	back := fromStatus(toStatus(&core.TemporalError{Reason: core.ErrOutsideLoggedData}))
	assert.ErrorIs(t, back, core.ErrOutsideLoggedData)
	assert.Equal(t, codes.FailedPrecondition, status.Code(back))
}

func TestLoggingInterceptor_RecoversPanics(t *testing.T) {
	i := NewLoggingInterceptor(discardLogger())
	_, err := i.Unary()(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x/Boom"},
		func(ctx context.Context, req interface{}) (interface{}, error) { panic("boom") })
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestMetricsServer(t *testing.T) {
	cfg := config.Default().Debug
	cfg.TrackOpenFiles = true
	ms := NewMetricsServer(&cfg, discardLogger())
	lis := testutil.NewBufconnListener(0)
	done := make(chan error, 1)
	go func() { done <- ms.Start(lis) }()

	httpClient := testutil.HTTPClient(lis)
	resp, err := httpClient.Get("http://bufnet/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "memstats")

	resp, err = httpClient.Get("http://bufnet/debug/files")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"count"`)

	resp, err = httpClient.Get("http://bufnet/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ms.Stop()
	require.NoError(t, <-done)
}

func TestSystemCollector(t *testing.T) {
	sc := NewSystemCollector(t.TempDir(), time.Hour, discardLogger())
	sc.Collect()
	assert.Greater(t, diskFreeBytes.Value(), int64(0))
	sc.Start()
	sc.Stop()
	sc.Stop()
}

func TestAppServer_StartStop(t *testing.T) {
	cfg := config.Default()
	cfg.Archive.Directory = t.TempDir()
	n := newTestNode(t)
	lis := testutil.NewBufconnListener(0)
	app, err := NewAppServer(Services{Archive: NewArchiveService(n, discardLogger())}, cfg, lis, discardLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Start() }()
	<-app.Ready()

	conn, err := Dial("bufnet", ClientOptions{DialOptions: testutil.BufconnDialOptions(lis)})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, NewArchiveClient(conn).Flush(context.Background(), ""))

	app.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app server did not stop")
	}
}
