package archive

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

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

func testSchema() *core.Schema {
	return core.NewSchema("Motor").
		Set("position", core.TypeDouble, core.ArchiveEveryEvent).
		Set("velocity", core.TypeDouble, core.ArchiveEveryEvent).
		Set("secret", core.TypeString, core.NoArchiving).
		Set("node", core.TypeHash, "")
}

func ev(path, value string, sec int) core.ChangeEvent {
	return core.ChangeEvent{DeviceID: testDevice, Path: path, Type: core.TypeDouble, Value: value, Timestamp: ts(sec), User: "op"}
}

func openTestWriter(t *testing.T, dir string, mutate ...func(*Options)) *Writer {
	t.Helper()
	opts := Options{Dir: dir, DeviceID: testDevice}
	for _, m := range mutate {
		m(&opts)
	}
	w, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.SchemaUpdated(context.Background(), testSchema(), ts(0)))
	return w
}

func readRawLines(t *testing.T, l Layout, fileIndex int) []record.RawLine {
	t.Helper()
	f, err := os.Open(l.RawFile(testDevice, fileIndex))
	require.NoError(t, err)
	defer f.Close()
	var lines []record.RawLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line, err := record.ParseRawLine(sc.Text())
		require.NoError(t, err)
		lines = append(lines, line)
	}
	require.NoError(t, sc.Err())
	return lines
}

func readContent(t *testing.T, l Layout) []record.ContentEntry {
	t.Helper()
	entries, skipped, err := l.ReadContentIndex(testDevice)
	require.NoError(t, err)
	require.Zero(t, skipped)
	return entries
}

func TestWriter_AppendsAndFlags(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir)
	ctx := context.Background()
	l := Layout{Root: dir}

	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("velocity", "2", 5), ev("position", "1", 3)}))
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "1.5", 6)}))
	require.NoError(t, w.Flush(ctx))

	lines := readRawLines(t, l, 0)
	require.Len(t, lines, 3)
	assert.Equal(t, record.FlagLogin, lines[0].Flag)
	assert.Equal(t, record.FlagLogin, lines[1].Flag)
	assert.Equal(t, record.FlagValid, lines[2].Flag)
	assert.Equal(t, "1.5", lines[2].Value)
	assert.Equal(t, "op", lines[2].User)

	entries := readContent(t, l)
	require.Len(t, entries, 1)
	assert.Equal(t, record.EventLogin, entries[0].Event)
	assert.Equal(t, int64(0), entries[0].Offset)
	assert.Equal(t, ts(3).Micros(), entries[0].Micros(), "+LOG carries the earliest timestamp of the login batch")
	assert.Equal(t, 0, entries[0].FileIndex)
}

func TestWriter_DropsBeforeSchemaAndFiltersPolicy(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, DeviceID: testDevice})
	require.NoError(t, err)
	defer w.Close()
	ctx := context.Background()
	l := Layout{Root: dir}

	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "1", 1)}))
	require.NoError(t, w.Flush(ctx))
	_, err = os.Stat(l.RawFile(testDevice, 0))
	assert.True(t, os.IsNotExist(err), "nothing is written before a schema is known")

	require.NoError(t, w.SchemaUpdated(ctx, testSchema(), ts(1)))
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{
		ev("secret", "x", 2),
		{DeviceID: testDevice, Path: "node", Type: core.TypeHash, Timestamp: ts(2)},
		ev("unknown", "1", 2),
		ev("position", "2", 2),
		{DeviceID: "OTHER/DEVICE", Path: "position", Type: core.TypeDouble, Value: "9", Timestamp: ts(2)},
	}))
	require.NoError(t, w.Flush(ctx))

	lines := readRawLines(t, l, 0)
	require.Len(t, lines, 1)
	assert.Equal(t, "position", lines[0].Path)

	schemas, _, err := l.ReadSchemas(testDevice)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.True(t, schemas[0].Schema.Has("secret"))

	// an identical schema is not recorded twice
	require.NoError(t, w.SchemaUpdated(ctx, testSchema(), ts(3)))
	schemas, _, err = l.ReadSchemas(testDevice)
	require.NoError(t, err)
	assert.Len(t, schemas, 1)
}

func TestWriter_DiscontinueIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir)
	ctx := context.Background()
	l := Layout{Root: dir}

	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "1", 1), ev("position", "2", 7)}))
	require.NoError(t, w.TagDiscontinued(ctx, false, 'x'))
	require.NoError(t, w.TagDiscontinued(ctx, true, 0))

	lines := readRawLines(t, l, 0)
	require.Len(t, lines, 3)
	logout := lines[2]
	assert.Equal(t, record.FlagLogout, logout.Flag)
	assert.Equal(t, record.LogoutPath, logout.Path)
	assert.Equal(t, ts(7).Micros(), logout.Timestamp.Micros(), "LOGOUT carries the last seen timestamp")

	entries := readContent(t, l)
	require.Len(t, entries, 2)
	assert.Equal(t, record.EventLogout, entries[1].Event)
	assert.Equal(t, "reason:x", entries[1].User)

	info, err := os.Stat(l.RawFile(testDevice, 0))
	require.NoError(t, err)
	logoutLen := int64(len(logout.String()) + 1)
	assert.Equal(t, info.Size()-logoutLen, entries[1].Offset, "-LOG points at the LOGOUT line")

	// the next write starts a new session in a fresh file
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "3", 9)}))
	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, 1, w.FileIndex())
	next := readRawLines(t, l, 1)
	require.Len(t, next, 1)
	assert.Equal(t, record.FlagLogin, next[0].Flag)
	assert.Len(t, readContent(t, l), 3)
}

func TestWriter_DiscontinueWithoutDataIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir)
	require.NoError(t, w.TagDiscontinued(context.Background(), true, 0))
	require.NoError(t, w.Close())

	_, err := os.Stat(Layout{Root: dir}.RawFile(testDevice, 0))
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_Rotation(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir, func(o *Options) { o.MaxFileSize = 240 })
	ctx := context.Background()
	l := Layout{Root: dir}

	for i := 1; i <= 4; i++ {
		require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "1.5", i)}))
	}
	require.NoError(t, w.Flush(ctx))

	assert.Equal(t, 1, w.FileIndex())
	last, err := l.ReadLastIndex(testDevice)
	require.NoError(t, err)
	assert.Equal(t, 1, last)

	first := readRawLines(t, l, 0)
	second := readRawLines(t, l, 1)
	assert.Len(t, first, 3)
	require.Len(t, second, 1)
	assert.Equal(t, record.FlagNew, second[0].Flag)

	var news []record.ContentEntry
	for _, e := range readContent(t, l) {
		if e.Event == record.EventNew {
			news = append(news, e)
		}
	}
	require.Len(t, news, 1)
	assert.Equal(t, int64(0), news[0].Offset)
	assert.Equal(t, 1, news[0].FileIndex)
}

func TestWriter_RotationInsideLoginBatch(t *testing.T) {
	dir := t.TempDir()
	w := openTestWriter(t, dir, func(o *Options) { o.MaxFileSize = 240 })
	ctx := context.Background()
	l := Layout{Root: dir}

	batch := make([]core.ChangeEvent, 0, 4)
	for i := 1; i <= 4; i++ {
		batch = append(batch, ev("position", "1.5", i))
	}
	require.NoError(t, w.Changed(ctx, batch))
	require.NoError(t, w.Flush(ctx))
	require.Equal(t, 1, w.FileIndex())

	for _, line := range readRawLines(t, l, 0) {
		assert.Equal(t, record.FlagLogin, line.Flag)
	}
	second := readRawLines(t, l, 1)
	require.Len(t, second, 1)
	assert.Equal(t, record.FlagNew, second[0].Flag)

	entries := readContent(t, l)
	require.Len(t, entries, 2)
	assert.Equal(t, record.EventLogin, entries[0].Event)
	assert.Equal(t, record.EventNew, entries[1].Event)
	assert.Equal(t, 1, entries[1].FileIndex)
}

func TestWriter_FineIndex(t *testing.T) {
	dir := t.TempDir()
	l := Layout{Root: dir}
	added, err := l.RegisterIndexedProperty(testDevice, "position")
	require.NoError(t, err)
	require.True(t, added)
	added, err = l.RegisterIndexedProperty(testDevice, "position")
	require.NoError(t, err)
	require.False(t, added)

	w := openTestWriter(t, dir)
	ctx := context.Background()
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("velocity", "0", 1), ev("position", "1", 1)}))
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "2", 2)}))
	require.NoError(t, w.Changed(ctx, []core.ChangeEvent{ev("position", "3", 3)}))
	require.NoError(t, w.Flush(ctx))

	_, err = os.Stat(l.FineIndex(testDevice, 0, "velocity"))
	assert.True(t, os.IsNotExist(err), "unindexed properties get no fine index")

	idx, err := os.Open(l.FineIndex(testDevice, 0, "position"))
	require.NoError(t, err)
	defer idx.Close()
	recs, err := record.ReadIndexRecords(idx, 0, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Flags.Has(record.FlagFirstAfterNew))
	assert.False(t, recs[1].Flags.Has(record.FlagFirstAfterNew))

	raw, err := os.Open(l.RawFile(testDevice, 0))
	require.NoError(t, err)
	defer raw.Close()
	for i, rec := range recs {
		_, err := raw.Seek(int64(rec.Position), 0)
		require.NoError(t, err)
		line, err := bufio.NewReader(raw).ReadString('\n')
		require.NoError(t, err)
		parsed, err := record.ParseRawLine(line)
		require.NoError(t, err)
		assert.Equal(t, "position", parsed.Path)
		assert.InDelta(t, ts(i+1).Epoch(), rec.Epoch, 1e-6)
	}
}

func TestWriter_SessionStartsFreshFile(t *testing.T) {
	dir := t.TempDir()
	l := Layout{Root: dir}

	w := openTestWriter(t, dir)
	require.NoError(t, w.Changed(context.Background(), []core.ChangeEvent{ev("position", "1", 1)}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "Close is idempotent")

	// Close discontinued the device and advanced the pointer
	lines := readRawLines(t, l, 0)
	require.Len(t, lines, 2)
	assert.Equal(t, record.FlagLogout, lines[1].Flag)

	w2 := openTestWriter(t, dir)
	assert.Equal(t, 1, w2.FileIndex())
}

func TestWriter_RecoverAdvancesPastForeignData(t *testing.T) {
	dir := t.TempDir()
	l := Layout{Root: dir}
	require.NoError(t, os.MkdirAll(l.RawDir(testDevice), 0755))
	require.NoError(t, l.WriteLastIndex(testDevice, 4))
	require.NoError(t, os.WriteFile(l.RawFile(testDevice, 4), []byte("partial line from a crash"), 0644))

	w := openTestWriter(t, dir)
	assert.Equal(t, 5, w.FileIndex())
}

func TestWriter_OneLiveWriterPerDevice(t *testing.T) {
	dir := t.TempDir()
	openTestWriter(t, dir)

	_, err := Open(Options{Dir: dir, DeviceID: testDevice})
	assert.Error(t, err)
}

func TestWriter_ClosedWriterRejectsCalls(t *testing.T) {
	w := openTestWriter(t, t.TempDir())
	require.NoError(t, w.Close())

	err := w.Changed(context.Background(), []core.ChangeEvent{ev("position", "1", 1)})
	assert.True(t, errors.Is(err, core.ErrClosed))
	assert.True(t, errors.Is(w.Flush(context.Background()), core.ErrClosed))
}

func TestOpen_ConfigurationErrors(t *testing.T) {
	_, err := Open(Options{DeviceID: testDevice})
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = Open(Options{Dir: file, DeviceID: testDevice})
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = Open(Options{Dir: t.TempDir(), DeviceID: testDevice, MinFreeBytes: 1 << 62})
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

type dropAllListener struct{}

func (dropAllListener) OnEvent(_ context.Context, e hooks.HookEvent) error {
	p := e.Payload().(hooks.PreAppendPayload)
	*p.Events = (*p.Events)[:0]
	return nil
}
func (dropAllListener) Priority() int { return 1 }
func (dropAllListener) IsAsync() bool { return false }

func TestWriter_PreAppendHookFilters(t *testing.T) {
	dir := t.TempDir()
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPreAppend, dropAllListener{})
	w := openTestWriter(t, dir, func(o *Options) { o.HookManager = hm })

	require.NoError(t, w.Changed(context.Background(), []core.ChangeEvent{ev("position", "1", 1)}))
	require.NoError(t, w.Flush(context.Background()))
	_, err := os.Stat(Layout{Root: dir}.RawFile(testDevice, 0))
	assert.True(t, os.IsNotExist(err))
}
