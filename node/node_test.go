package node

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/nexushistory/backfill"
	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "SA1/MOTOR/X"

func ts(sec int) core.Timestamp {
	return core.Timestamp{Seconds: uint64(1700000000 + sec), TrainID: uint64(sec)}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	svc := backfill.NewService(backfill.Options{Workers: 1})
	svc.Start()
	t.Cleanup(svc.Stop)
	n, err := New(Options{NodeID: "host-a", Dir: t.TempDir(), FlushInterval: time.Hour, MaxHistorySize: 50, Readers: 2, Backfill: svc})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNode_LoggerLifecycle(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	require.NoError(t, n.InstantiateLogger("DataLogger-"+testDevice, testDevice))
	require.NoError(t, n.InstantiateLogger("DataLogger-"+testDevice, testDevice))
	require.Error(t, n.InstantiateLogger("Other", testDevice))
	assert.Equal(t, []string{"DataLogger-" + testDevice}, n.Loggers())

	schema := core.NewSchema("Motor").Set("position", core.TypeDouble, core.ArchiveEveryEvent)
	require.NoError(t, n.SchemaUpdated(ctx, testDevice, schema, ts(0)))
	require.NoError(t, n.Changed(ctx, testDevice, []core.ChangeEvent{
		{DeviceID: testDevice, Path: "position", Type: core.TypeDouble, Value: "1.5", Timestamp: ts(1)},
	}))
	require.NoError(t, n.Flush(ctx, ""))

	res, err := n.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(0), To: ts(5)})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "1.5", res.Entries[0].Value)

	snap, err := n.GetConfigurationFromPast(ctx, testDevice, ts(2))
	require.NoError(t, err)
	assert.Equal(t, "1.5", snap.Configuration["position"].Value)

	_, err = n.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{To: ts(5), MaxNumData: 51})
	assert.True(t, core.IsOutOfRange(err))

	require.NoError(t, n.TagDiscontinued(ctx, testDevice, false, 'x'))
	require.NoError(t, n.ShutdownLogger("DataLogger-"+testDevice))
	require.NoError(t, n.ShutdownLogger("DataLogger-"+testDevice))
	assert.Empty(t, n.Loggers())

	err = n.Changed(ctx, testDevice, nil)
	require.ErrorIs(t, err, ErrNoLogger)
	require.ErrorIs(t, n.Flush(ctx, testDevice), ErrNoLogger)
}

func TestNode_ReaderPoolIsBounded(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.InstantiateReaders(1))
	require.Error(t, n.InstantiateReaders(0))

	// hold the only reader
	held := make(chan struct{})
	release := make(chan struct{})
	go n.withReader(context.Background(), func(_ *query.Reader) error {
		close(held)
		<-release
		return nil
	})
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := n.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	res, err := n.GetPropertyHistory(context.Background(), testDevice, "position", core.HistoryRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
}

func TestNode_CloseRejectsCalls(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.InstantiateLogger("L", testDevice))
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	require.ErrorIs(t, n.InstantiateLogger("L", testDevice), core.ErrClosed)
	require.ErrorIs(t, n.Changed(context.Background(), testDevice, nil), core.ErrClosed)
}
