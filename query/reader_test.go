package query

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexushistory/archive"
	"github.com/INLOpen/nexushistory/backfill"
	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/INLOpen/nexushistory/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "SA1/MOTOR/X"

func ts(sec int) core.Timestamp {
	return core.Timestamp{Seconds: uint64(1700000000 + sec), TrainID: uint64(sec)}
}

func motorSchema() *core.Schema {
	return core.NewSchema("Motor").
		Set("position", core.TypeDouble, core.ArchiveEveryEvent).
		Set("velocity", core.TypeDouble, core.ArchiveEveryEvent).
		Set("secret", core.TypeString, core.NoArchiving)
}

func ev(path, value string, sec int) core.ChangeEvent {
	return core.ChangeEvent{DeviceID: testDevice, Path: path, Type: core.TypeDouble, Value: value, Timestamp: ts(sec), User: "op"}
}

func openWriter(t *testing.T, dir string) *archive.Writer {
	t.Helper()
	w, err := archive.Open(archive.Options{Dir: dir, DeviceID: testDevice, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.SchemaUpdated(context.Background(), motorSchema(), ts(0)))
	return w
}

// writeSeries logs one event per second for path, one batch per event.
func writeSeries(t *testing.T, w *archive.Writer, path string, from, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev(path, strconv.Itoa(from+i), from+i)}))
	}
	require.NoError(t, w.Flush(ctx))
}

func newTestReader(t *testing.T, dir string, mutate ...func(*Options)) *Reader {
	t.Helper()
	opts := Options{Dir: dir, MaxHistorySize: 100}
	for _, m := range mutate {
		m(&opts)
	}
	r, err := NewReader(opts)
	require.NoError(t, err)
	return r
}

func values(entries []core.HistoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out
}

func seq(from, count int) []string {
	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, strconv.Itoa(from+i))
	}
	return out
}

type recordingBackfill struct {
	mu   sync.Mutex
	reqs []backfill.Request
}

func (b *recordingBackfill) Build(req backfill.Request) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	return "job", true, nil
}

func (b *recordingBackfill) requests() []backfill.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backfill.Request(nil), b.reqs...)
}

func TestGetPropertyHistory_RoundTrip(t *testing.T) {
	ctx := context.Background()

	t.Run("raw scan of the live file", func(t *testing.T) {
		dir := t.TempDir()
		w := openWriter(t, dir)
		writeSeries(t, w, "position", 1, 50)

		r := newTestReader(t, dir)
		res, err := r.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(1), To: ts(100)})
		require.NoError(t, err)
		assert.Equal(t, seq(1, 50), values(res.Entries))
		assert.False(t, res.StartClamped)
		for i := 1; i < len(res.Entries); i++ {
			assert.True(t, res.Entries[i-1].Timestamp.Before(res.Entries[i].Timestamp))
		}
		assert.Equal(t, ts(1).Micros(), res.Entries[0].Timestamp.Micros())
		assert.Equal(t, core.TypeDouble, res.Entries[0].Type)
	})

	t.Run("fine index", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestReader(t, dir)
		added, err := r.RegisterProperty(testDevice, "position")
		require.NoError(t, err)
		require.True(t, added)

		w := openWriter(t, dir)
		writeSeries(t, w, "position", 1, 30)
		writeSeries(t, w, "velocity", 31, 5)
		_, err = os.Stat(archive.Layout{Root: dir}.FineIndex(testDevice, 0, "position"))
		require.NoError(t, err)

		res, err := r.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(10), To: ts(20)})
		require.NoError(t, err)
		assert.Equal(t, seq(10, 11), values(res.Entries))
	})

	t.Run("range before first entry is clamped", func(t *testing.T) {
		dir := t.TempDir()
		w := openWriter(t, dir)
		writeSeries(t, w, "position", 5, 3)
		r := newTestReader(t, dir)
		res, err := r.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(0), To: ts(10)})
		require.NoError(t, err)
		assert.True(t, res.StartClamped)
		assert.Equal(t, seq(5, 3), values(res.Entries))
	})

	t.Run("across sessions and rotations", func(t *testing.T) {
		dir := t.TempDir()
		r := newTestReader(t, dir)
		_, err := r.RegisterProperty(testDevice, "position")
		require.NoError(t, err)

		w, err := archive.Open(archive.Options{Dir: dir, DeviceID: testDevice, FlushInterval: time.Hour, MaxFileSize: 400})
		require.NoError(t, err)
		require.NoError(t, w.SchemaUpdated(ctx, motorSchema(), ts(0)))
		writeSeries(t, w, "position", 1, 20)
		require.NoError(t, w.Close())
		require.Greater(t, w.FileIndex(), 1)

		w2 := openWriter(t, dir)
		writeSeries(t, w2, "position", 21, 10)

		res, err := r.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(1), To: ts(100)})
		require.NoError(t, err)
		assert.Equal(t, seq(1, 30), values(res.Entries))
	})
}

func TestGetPropertyHistory_DownSampling(t *testing.T) {
	dir := t.TempDir()
	r := newTestReader(t, dir)
	_, err := r.RegisterProperty(testDevice, "position")
	require.NoError(t, err)
	w := openWriter(t, dir)
	writeSeries(t, w, "position", 0, 100)

	res, err := r.GetPropertyHistory(context.Background(), testDevice, "position", core.HistoryRequest{From: ts(0), To: ts(200), MaxNumData: 10})
	require.NoError(t, err)
	n := len(res.Entries)
	assert.LessOrEqual(t, n, 10)
	assert.GreaterOrEqual(t, n, 5)
	assert.Equal(t, "0", res.Entries[0].Value)
	assert.Equal(t, "99", res.Entries[n-1].Value)
}

func TestGetPropertyHistory_MaxNumDataBounds(t *testing.T) {
	dir := t.TempDir()
	w := openWriter(t, dir)
	writeSeries(t, w, "position", 1, 5)
	r := newTestReader(t, dir)
	ctx := context.Background()

	for _, n := range []int{-1, 101} {
		_, err := r.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(0), To: ts(10), MaxNumData: n})
		require.Error(t, err, "maxNumData %d", n)
		assert.True(t, core.IsOutOfRange(err))
		assert.Contains(t, err.Error(), strconv.Itoa(n))
		assert.Contains(t, err.Error(), "100")
	}

	for _, n := range []int{0, 100} {
		res, err := r.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(0), To: ts(10), MaxNumData: n})
		require.NoError(t, err, "maxNumData %d", n)
		assert.Len(t, res.Entries, 5)
	}
}

func TestGetPropertyHistory_UnknownDeviceAndTooEarly(t *testing.T) {
	dir := t.TempDir()
	r := newTestReader(t, dir)
	ctx := context.Background()

	res, err := r.GetPropertyHistory(ctx, "NO/SUCH/DEVICE", "position", core.HistoryRequest{From: ts(0), To: ts(10)})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	_, err = os.Stat(archive.Layout{Root: dir}.DeviceDir("NO/SUCH/DEVICE"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	w := openWriter(t, dir)
	writeSeries(t, w, "position", 10, 3)
	_, err = r.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(1), To: ts(5)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTimepointTooEarly))
	assert.True(t, core.IsTemporal(err))
}

func TestGetPropertyHistory_CorruptLines(t *testing.T) {
	dir := t.TempDir()
	w := openWriter(t, dir)
	writeSeries(t, w, "position", 1, 10)
	require.NoError(t, w.Close())

	layout := archive.Layout{Root: dir}
	rawPath := layout.RawFile(testDevice, 0)
	data, err := os.ReadFile(rawPath)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	junk := "20231114T221320.000000Z|1700000000.0|1700000000|0|0|position|DOUBLE|666\n"
	corrupted := strings.Join(lines[:5], "") + junk + strings.Join(lines[5:], "")
	require.NoError(t, os.WriteFile(rawPath, []byte(corrupted), 0644))

	bf := &recordingBackfill{}
	r := newTestReader(t, dir, func(o *Options) { o.Backfill = bf })
	req := core.HistoryRequest{From: ts(0), To: ts(100)}

	res, err := r.GetPropertyHistory(context.Background(), testDevice, "position", req)
	require.NoError(t, err)
	assert.Equal(t, seq(1, 10), values(res.Entries))
	require.Len(t, bf.requests(), 1)
	assert.Equal(t, backfill.Request{Dir: dir, DeviceID: testDevice, Property: "position", FileIndex: 0}, bf.requests()[0])

	// once the index exists the same range is answered through it
	_, err = backfill.IndexFile(context.Background(), backfill.Request{Dir: dir, DeviceID: testDevice, Property: "position", FileIndex: 0}, nil)
	require.NoError(t, err)
	res, err = r.GetPropertyHistory(context.Background(), testDevice, "position", req)
	require.NoError(t, err)
	assert.Equal(t, seq(1, 10), values(res.Entries))
	assert.Len(t, bf.requests(), 1)
}

func TestGetPropertyHistory_StaleIndexEntry(t *testing.T) {
	dir := t.TempDir()
	w := openWriter(t, dir)
	ctx := context.Background()
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "1", 1)}))
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("velocity", "2", 2)}))
	require.NoError(t, w.Close())

	layout := archive.Layout{Root: dir}
	data, err := os.ReadFile(layout.RawFile(testDevice, 0))
	require.NoError(t, err)
	secondLine := int64(strings.IndexByte(string(data), '\n') + 1)

	// index for velocity whose first record points at the position line
	var idx []byte
	idx = append(idx, record.NewIndexRecord(ts(1), 0, true).Marshal()...)
	idx = append(idx, record.NewIndexRecord(ts(2), secondLine, false).Marshal()...)
	require.NoError(t, os.WriteFile(layout.FineIndex(testDevice, 0, "velocity"), idx, 0644))

	r := newTestReader(t, dir)
	res, err := r.GetPropertyHistory(ctx, testDevice, "velocity", core.HistoryRequest{From: ts(0), To: ts(10)})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, values(res.Entries))
}

func TestGetPropertyHistory_LiveFileIsNotBackfilled(t *testing.T) {
	dir := t.TempDir()
	w := openWriter(t, dir)
	writeSeries(t, w, "velocity", 1, 3)

	bf := &recordingBackfill{}
	r := newTestReader(t, dir, func(o *Options) { o.Backfill = bf })
	res, err := r.GetPropertyHistory(context.Background(), testDevice, "velocity", core.HistoryRequest{From: ts(0), To: ts(10)})
	require.NoError(t, err)
	assert.Len(t, res.Entries, 3)
	assert.Empty(t, bf.requests())

	props, err := archive.Layout{Root: dir}.ReadIndexedProperties(testDevice)
	require.NoError(t, err)
	assert.Contains(t, props, "velocity")
}

func TestGetPropertyHistory_MarksLastOfSession(t *testing.T) {
	dir := t.TempDir()
	w := openWriter(t, dir)
	ctx := context.Background()
	writeSeries(t, w, "position", 1, 3)
	require.NoError(t, w.TagDiscontinued(ctx, true, 0))
	writeSeries(t, w, "position", 10, 2)

	r := newTestReader(t, dir)
	res, err := r.GetPropertyHistory(ctx, testDevice, "position", core.HistoryRequest{From: ts(0), To: ts(20)})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3", "10", "11"}, values(res.Entries))
	var last []bool
	for _, e := range res.Entries {
		last = append(last, e.IsLast)
	}
	assert.Equal(t, []bool{false, false, true, false, false}, last)
}

func TestGetPropertyHistory_Hooks(t *testing.T) {
	dir := t.TempDir()
	w := openWriter(t, dir)
	writeSeries(t, w, "position", 1, 2)

	hm := hooks.NewHookManager(nil)
	var (
		mu    sync.Mutex
		posts []hooks.PostQueryPayload
	)
	hm.Register(hooks.EventPreQuery, hooks.ListenerFunc{Fn: func(_ context.Context, e hooks.HookEvent) error {
		if e.Payload().(hooks.PreQueryPayload).Property == "forbidden" {
			return errors.New("denied")
		}
		return nil
	}})
	hm.Register(hooks.EventPostQuery, hooks.ListenerFunc{Fn: func(_ context.Context, e hooks.HookEvent) error {
		mu.Lock()
		posts = append(posts, e.Payload().(hooks.PostQueryPayload))
		mu.Unlock()
		return nil
	}})
	r := newTestReader(t, dir, func(o *Options) { o.HookManager = hm })

	_, err := r.GetPropertyHistory(context.Background(), testDevice, "forbidden", core.HistoryRequest{To: ts(10)})
	require.ErrorContains(t, err, "denied")

	_, err = r.GetPropertyHistory(context.Background(), testDevice, "position", core.HistoryRequest{To: ts(10)})
	require.NoError(t, err)
	hm.Stop()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, posts, 1)
	assert.Equal(t, hooks.QueryHistory, posts[0].Kind)
	assert.Equal(t, 2, posts[0].Returned)
}

func TestGetConfigurationFromPast(t *testing.T) {
	dir := t.TempDir()
	w := openWriter(t, dir)
	ctx := context.Background()
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "1", 1), ev("velocity", "2", 2)}))
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "3", 5)}))
	smaller := core.NewSchema("Motor").Set("position", core.TypeDouble, core.ArchiveEveryEvent)
	require.NoError(t, w.SchemaUpdated(ctx, smaller, ts(6)))
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "7", 7)}))
	require.NoError(t, w.Flush(ctx))

	r := newTestReader(t, dir)

	t.Run("inside the session", func(t *testing.T) {
		snap, err := r.GetConfigurationFromPast(ctx, testDevice, ts(3))
		require.NoError(t, err)
		assert.True(t, snap.AtTimepoint)
		assert.Equal(t, "1", snap.Configuration["position"].Value)
		assert.Equal(t, "2", snap.Configuration["velocity"].Value)
		assert.Equal(t, ts(2).Micros(), snap.ConfigTimepoint.Micros())
		assert.True(t, snap.Schema.Has("velocity"))
	})

	t.Run("filtered by the schema active at the time point", func(t *testing.T) {
		snap, err := r.GetConfigurationFromPast(ctx, testDevice, ts(8))
		require.NoError(t, err)
		assert.Equal(t, map[string]core.ConfigValue{
			"position": {Value: "7", Type: core.TypeDouble, Timestamp: ts(7)},
		}, snap.Configuration)
		assert.False(t, snap.Schema.Has("velocity"))
	})

	t.Run("before the first login", func(t *testing.T) {
		_, err := r.GetConfigurationFromPast(ctx, testDevice, ts(0))
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrTimepointTooEarly))
	})

	t.Run("before any schema", func(t *testing.T) {
		_, err := r.GetConfigurationFromPast(ctx, testDevice, ts(-10))
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrTimepointTooEarly))
	})

	t.Run("after discontinuation", func(t *testing.T) {
		require.NoError(t, w.TagDiscontinued(ctx, true, 0))
		snap, err := r.GetConfigurationFromPast(ctx, testDevice, ts(1000))
		require.NoError(t, err)
		assert.False(t, snap.AtTimepoint)
		assert.Equal(t, "7", snap.Configuration["position"].Value)
		assert.NotContains(t, snap.Configuration, "velocity")
	})
}

func TestGetConfigurationFromPast_SkipsLateLoginLines(t *testing.T) {
	dir := t.TempDir()
	w := openWriter(t, dir)
	ctx := context.Background()
	// the login batch is not ordered by time
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "late", 9), ev("velocity", "early", 2)}))
	require.NoError(t, w.Flush(ctx))

	r := newTestReader(t, dir)
	snap, err := r.GetConfigurationFromPast(ctx, testDevice, ts(5))
	require.NoError(t, err)
	assert.Equal(t, "early", snap.Configuration["velocity"].Value)
	assert.NotContains(t, snap.Configuration, "position")
}

func TestReduce(t *testing.T) {
	cands := make([]candidate, 40)
	for i := range cands {
		cands[i] = candidate{loc: location{offset: int64(i)}}
	}
	cands[17].first = true

	kept := reduce(cands, 8)
	assert.LessOrEqual(t, len(kept), 8)
	assert.Equal(t, int64(0), kept[0].loc.offset)
	assert.Equal(t, int64(39), kept[len(kept)-1].loc.offset)
	var sawFlagged bool
	for _, c := range kept {
		sawFlagged = sawFlagged || c.loc.offset == 17
	}
	assert.True(t, sawFlagged, fmt.Sprintf("flagged record dropped: %v", kept))

	assert.Len(t, reduce(cands, 0), 40)
	assert.Len(t, reduce(cands, 40), 40)
}

func TestNewReader_Validation(t *testing.T) {
	_, err := NewReader(Options{})
	require.ErrorIs(t, err, core.ErrConfiguration)
	_, err = NewReader(Options{Dir: t.TempDir(), MaxHistorySize: -5})
	require.ErrorIs(t, err, core.ErrConfiguration)
	r, err := NewReader(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxHistorySize, r.MaxHistorySize())
}
