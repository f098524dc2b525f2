package archive

import (
	"bufio"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/INLOpen/nexushistory/record"
	"github.com/INLOpen/nexushistory/sys"
)

var (
	linesWrittenTotal  = expvar.NewInt("archive_lines_written_total")
	eventsDroppedTotal = expvar.NewInt("archive_events_dropped_total")
	rotationsTotal     = expvar.NewInt("archive_rotations_total")
	indexRecordsTotal  = expvar.NewInt("archive_index_records_total")
)

const (
	DefaultMaxFileSize   = 100 * 1024 * 1024
	DefaultFlushInterval = time.Second
	defaultInboxSize     = 256
	rawWriteBufferSize   = 64 * 1024
	indexWriteBufferSize = 4 * 1024
)

// Options configures a Writer.
type Options struct {
	// Dir is the archive root; the device's files live below Dir/<DeviceID>.
	Dir      string
	DeviceID string
	// MaxFileSize is the raw file size in bytes at which the writer rotates.
	MaxFileSize   int64
	FlushInterval time.Duration
	// MinFreeBytes makes Open fail when the archive file system has less space.
	MinFreeBytes uint64
	InboxSize    int
	Logger       *slog.Logger
	HookManager  hooks.HookManager
}

// Writer logs the change events of exactly one device. All file handles are owned
// by a single goroutine fed through an inbox channel, so appends, flush ticks and
// rotation never interleave.
type Writer struct {
	opts   Options
	layout Layout
	logger *slog.Logger
	hooks  hooks.HookManager

	inbox     chan message
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	fileIndex atomic.Int64

	releaseLock func() error

	st state // owned by run()
}

type state struct {
	schema           *core.Schema
	lastSchemaLine   string
	propsStamp       IndexedPropertiesStamp
	indexedProps     map[string]struct{}
	fileProps        map[string]struct{}
	raw              sys.FileHandle
	rawBuf           *bufio.Writer
	rawSize          int64
	pendingNew       bool
	loggedIn         bool
	lastSeen         core.Timestamp
	lastContentMicro int64
	streams          map[string]*indexStream
}

type indexStream struct {
	f         sys.FileHandle
	buf       *bufio.Writer
	w         *record.IndexWriter
	first     bool
	lastEpoch float64
}

type message interface{}

type changedMsg struct {
	events []core.ChangeEvent
}

type schemaMsg struct {
	schema *core.Schema
	ts     core.Timestamp
	reply  chan error
}

type discontinueMsg struct {
	wasValid bool
	reason   byte
	reply    chan error
}

type flushMsg struct {
	reply chan error
}

type stopMsg struct{}

// Open validates the device directory, takes the per-device logger lock and
// starts the writer goroutine. Problems with the directory are reported as
// *core.ConfigurationError.
func Open(opts Options) (*Writer, error) {
	if opts.Dir == "" {
		return nil, &core.ConfigurationError{Option: "directory", Err: errors.New("must not be empty")}
	}
	if opts.DeviceID == "" {
		return nil, errors.New("device id must not be empty")
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.Nop()
	}

	w := &Writer{
		opts:   opts,
		layout: Layout{Root: opts.Dir},
		logger: opts.Logger.With("component", "ArchiveWriter", "device_id", opts.DeviceID),
		hooks:  opts.HookManager,
		inbox:  make(chan message, opts.InboxSize),
		done:   make(chan struct{}),
		st:     state{streams: make(map[string]*indexStream)},
	}

	rawDir := w.layout.RawDir(opts.DeviceID)
	if err := sys.CheckWritable(rawDir); err != nil {
		return nil, &core.ConfigurationError{Option: "directory", Err: err}
	}
	if err := os.MkdirAll(w.layout.IdxDir(opts.DeviceID), 0755); err != nil {
		return nil, &core.ConfigurationError{Option: "directory", Err: err}
	}
	if opts.MinFreeBytes > 0 {
		free, err := sys.FreeSpace(rawDir)
		if err != nil {
			return nil, &core.ConfigurationError{Option: "directory", Err: err}
		}
		if free < opts.MinFreeBytes {
			return nil, &core.ConfigurationError{
				Option: "directory",
				Err:    fmt.Errorf("only %d bytes free, need %d", free, opts.MinFreeBytes),
			}
		}
	}

	release, err := sys.LockOwner(w.layout.loggerLock(opts.DeviceID))
	if err != nil && !errors.Is(err, sys.ErrOSFileLockNotSupported) {
		return nil, fmt.Errorf("device %s already has a live logger: %w", opts.DeviceID, err)
	}
	w.releaseLock = release

	if err := w.recover(); err != nil {
		w.unlock()
		return nil, err
	}

	go w.run()
	w.logger.Info("Archive writer started", "file_index", w.fileIndex.Load(), "max_file_size", opts.MaxFileSize)
	return w, nil
}

// recover restores the raw file pointer and the last content index and schema
// entries. A non-empty current raw file belongs to a previous session, so
// writing resumes in a fresh file.
func (w *Writer) recover() error {
	dev := w.opts.DeviceID
	n, err := w.layout.ReadLastIndex(dev)
	if err != nil {
		return err
	}
	if info, err := os.Stat(w.layout.RawFile(dev, n)); err == nil && info.Size() > 0 {
		n++
		if err := w.layout.WriteLastIndex(dev, n); err != nil {
			return fmt.Errorf("failed to advance last index for %s: %w", dev, err)
		}
	}
	w.fileIndex.Store(int64(n))

	entries, _, err := w.layout.ReadContentIndex(dev)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		w.st.lastContentMicro = entries[len(entries)-1].Micros()
	}

	schemas, _, err := w.layout.ReadSchemas(dev)
	if err != nil {
		return err
	}
	if len(schemas) > 0 {
		if data, err := schemas[len(schemas)-1].Schema.Marshal(); err == nil {
			w.st.lastSchemaLine = string(data)
		}
	}
	return nil
}

// DeviceID returns the device this writer logs.
func (w *Writer) DeviceID() string { return w.opts.DeviceID }

// FileIndex returns the index of the raw file currently written.
func (w *Writer) FileIndex() int { return int(w.fileIndex.Load()) }

// Changed queues change events for logging. Events are dropped, not failed,
// when they cannot be written; the only errors are ErrClosed and ctx errors.
func (w *Writer) Changed(ctx context.Context, events []core.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	return w.send(ctx, changedMsg{events: events})
}

// SchemaUpdated installs the schema that filters subsequent events and records it
// in the schema snapshot file.
func (w *Writer) SchemaUpdated(ctx context.Context, schema *core.Schema, ts core.Timestamp) error {
	if schema == nil {
		return errors.New("schema must not be nil")
	}
	reply := make(chan error, 1)
	if err := w.send(ctx, schemaMsg{schema: schema, ts: ts, reply: reply}); err != nil {
		return err
	}
	return w.wait(ctx, reply)
}

// TagDiscontinued writes the LOGOUT line and the -LOG content entry and closes
// all streams. Calling it again without new events in between is a no-op.
func (w *Writer) TagDiscontinued(ctx context.Context, wasValid bool, reason byte) error {
	reply := make(chan error, 1)
	if err := w.send(ctx, discontinueMsg{wasValid: wasValid, reason: reason, reply: reply}); err != nil {
		return err
	}
	return w.wait(ctx, reply)
}

// Flush waits until every event queued before the call is written and all open
// streams are flushed to the operating system.
func (w *Writer) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := w.send(ctx, flushMsg{reply: reply}); err != nil {
		return err
	}
	return w.wait(ctx, reply)
}

// Close discontinues the device, closes all files and releases the logger lock.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.inbox <- stopMsg{}
		<-w.done
		w.unlock()
		w.logger.Info("Archive writer closed", "file_index", w.fileIndex.Load())
	})
	return nil
}

func (w *Writer) unlock() {
	if w.releaseLock != nil {
		if err := w.releaseLock(); err != nil {
			w.logger.Warn("Failed to release logger lock", "error", err)
		}
		w.releaseLock = nil
	}
}

func (w *Writer) send(ctx context.Context, m message) error {
	if w.closed.Load() {
		return core.ErrClosed
	}
	select {
	case w.inbox <- m:
		return nil
	case <-w.done:
		return core.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) wait(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-w.done:
		select {
		case err := <-reply:
			return err
		default:
			return core.ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case m := <-w.inbox:
			switch msg := m.(type) {
			case changedMsg:
				w.handleChanged(msg.events)
			case schemaMsg:
				msg.reply <- w.handleSchema(msg.schema, msg.ts)
			case discontinueMsg:
				msg.reply <- w.discontinue(msg.wasValid, msg.reason)
			case flushMsg:
				msg.reply <- w.flushAll()
			case stopMsg:
				if err := w.discontinue(true, 0); err != nil {
					w.logger.Error("Failed to discontinue on close", "error", err)
				}
				w.closeStreams()
				return
			}
		case <-ticker.C:
			if err := w.flushAll(); err != nil {
				w.logger.Warn("Periodic flush failed", "error", err)
			}
		}
	}
}

func (w *Writer) handleSchema(schema *core.Schema, ts core.Timestamp) error {
	w.st.schema = schema
	data, err := schema.Marshal()
	if err != nil {
		return err
	}
	if string(data) == w.st.lastSchemaLine {
		return nil
	}
	if ts.IsZero() {
		ts = core.NewTimestamp(time.Now(), 0)
	}
	line, err := record.SchemaEntry{Timestamp: ts, Schema: schema}.Encode()
	if err != nil {
		return err
	}
	if err := appendLine(w.layout.SchemaFile(w.opts.DeviceID), line); err != nil {
		return fmt.Errorf("failed to append schema snapshot: %w", err)
	}
	w.st.lastSchemaLine = string(data)
	return nil
}

func (w *Writer) handleChanged(events []core.ChangeEvent) {
	dev := w.opts.DeviceID
	if w.st.schema == nil {
		eventsDroppedTotal.Add(int64(len(events)))
		w.logger.Debug("Dropping events received before a schema", "count", len(events))
		return
	}

	batch := make([]core.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if ev.DeviceID != "" && ev.DeviceID != dev {
			w.logger.Warn("Dropping event for another device", "event_device_id", ev.DeviceID, "path", ev.Path)
			eventsDroppedTotal.Add(1)
			continue
		}
		if ev.IsComposite() || !w.st.schema.Archivable(ev.Path) {
			continue
		}
		batch = append(batch, ev)
	}

	if err := w.hooks.Trigger(context.Background(), hooks.NewPreAppendEvent(hooks.PreAppendPayload{DeviceID: dev, Events: &batch})); err != nil {
		w.logger.Warn("Append cancelled by hook", "count", len(batch), "error", err)
		eventsDroppedTotal.Add(int64(len(batch)))
		return
	}
	if len(batch) == 0 {
		return
	}

	w.refreshIndexedProperties()

	login := !w.st.loggedIn
	loginFile := -1
	written := 0
	var bytesWritten int64
	for i, ev := range batch {
		if err := w.ensureRaw(); err != nil {
			w.logger.Error("Failed to open raw file, dropping events", "file_index", w.FileIndex(), "error", err)
			eventsDroppedTotal.Add(int64(len(batch) - i))
			break
		}
		if login && !w.st.loggedIn {
			if err := w.writeContent(record.EventLogin, minTimestamp(batch), w.st.rawSize, ""); err != nil {
				w.logger.Error("Failed to write +LOG entry", "error", err)
			}
			w.st.loggedIn = true
			w.st.pendingNew = false
			loginFile = w.FileIndex()
		}
		flag := record.FlagValid
		switch {
		case login && w.FileIndex() == loginFile:
			flag = record.FlagLogin
		case w.st.pendingNew:
			flag = record.FlagNew
		}
		if w.st.pendingNew {
			if err := w.writeContent(record.EventNew, ev.Timestamp, 0, ev.User); err != nil {
				w.logger.Error("Failed to write =NEW entry", "error", err)
			}
			w.st.pendingNew = false
		}

		n, err := w.appendLine(ev, flag)
		bytesWritten += int64(n)
		if err != nil {
			w.logger.Error("Failed to append raw line, dropping event", "path", ev.Path, "error", err)
			eventsDroppedTotal.Add(1)
			continue
		}
		written++
		if ev.Timestamp.Compare(w.st.lastSeen) > 0 {
			w.st.lastSeen = ev.Timestamp
		}
		if w.st.rawSize >= w.opts.MaxFileSize {
			w.rotate()
		}
	}

	if written > 0 {
		_ = w.hooks.Trigger(context.Background(), hooks.NewPostAppendEvent(hooks.PostAppendPayload{
			DeviceID:     dev,
			FileIndex:    w.FileIndex(),
			LinesWritten: written,
			BytesWritten: bytesWritten,
		}))
	}
}

// refreshIndexedProperties re-reads properties_with_index.txt when its size or
// modification time changed. When the set changed, all fine index streams are
// closed; they reopen lazily on the next record.
func (w *Writer) refreshIndexedProperties() {
	dev := w.opts.DeviceID
	stamp, err := w.layout.StatIndexedProperties(dev)
	if err != nil {
		w.logger.Warn("Failed to stat indexed properties", "error", err)
		return
	}
	if w.st.indexedProps != nil && stamp == w.st.propsStamp {
		return
	}
	props, err := w.layout.ReadIndexedProperties(dev)
	if err != nil {
		w.logger.Warn("Failed to read indexed properties", "error", err)
		return
	}
	w.st.propsStamp = stamp
	if w.st.indexedProps != nil && !sameSet(props, w.st.indexedProps) {
		w.logger.Debug("Indexed properties changed, closing index streams", "count", len(props))
		w.closeIndexStreams()
	}
	w.st.indexedProps = props
}

func (w *Writer) ensureRaw() error {
	if w.st.raw != nil {
		return nil
	}
	path := w.layout.RawFile(w.opts.DeviceID, w.FileIndex())
	f, err := sys.OpenAppend(path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.st.raw = f
	w.st.rawBuf = bufio.NewWriterSize(f, rawWriteBufferSize)
	w.st.rawSize = info.Size()
	w.st.fileProps = make(map[string]struct{}, len(w.st.indexedProps))
	for p := range w.st.indexedProps {
		w.st.fileProps[p] = struct{}{}
	}
	return nil
}

func (w *Writer) appendLine(ev core.ChangeEvent, flag record.LineFlag) (int, error) {
	buf := core.LineBufferPool.Get()
	defer core.LineBufferPool.Put(buf)

	line := record.FromEvent(ev, flag).AppendTo(buf.AvailableBuffer())
	position := w.st.rawSize
	n, err := w.st.rawBuf.Write(line)
	w.st.rawSize += int64(n)
	if err != nil {
		return n, err
	}
	linesWrittenTotal.Add(1)

	if _, ok := w.st.fileProps[ev.Path]; ok {
		if err := w.appendIndex(ev, position); err != nil {
			w.logger.Warn("Failed to append fine index record", "path", ev.Path, "error", err)
		}
	}
	return n, nil
}

func (w *Writer) appendIndex(ev core.ChangeEvent, position int64) error {
	s, ok := w.st.streams[ev.Path]
	if !ok {
		path := w.layout.FineIndex(w.opts.DeviceID, w.FileIndex(), ev.Path)
		f, err := sys.OpenAppend(path)
		if err != nil {
			return err
		}
		buf := bufio.NewWriterSize(f, indexWriteBufferSize)
		s = &indexStream{f: f, buf: buf, w: record.NewIndexWriter(buf), first: true, lastEpoch: lastIndexEpoch(path)}
		w.st.streams[ev.Path] = s
	}
	rec := record.NewIndexRecord(ev.Timestamp, position, s.first)
	if rec.Epoch < s.lastEpoch {
		// keep the file sorted for binary search when device clocks step back
		rec.Epoch = s.lastEpoch
	}
	if err := s.w.Write(rec); err != nil {
		return err
	}
	s.first = false
	s.lastEpoch = rec.Epoch
	indexRecordsTotal.Add(1)
	return nil
}

func (w *Writer) writeContent(event record.ContentEvent, ts core.Timestamp, offset int64, user string) error {
	// entries stay sorted even when device clocks step back
	if m := ts.Micros(); m < w.st.lastContentMicro {
		train := ts.TrainID
		ts = core.TimestampFromMicros(w.st.lastContentMicro)
		ts.TrainID = train
	}
	entry := record.ContentEntry{
		Event:     event,
		Timestamp: ts,
		Offset:    offset,
		User:      user,
		FileIndex: w.FileIndex(),
	}
	if err := appendLine(w.layout.ContentIndex(w.opts.DeviceID), entry.String()); err != nil {
		return err
	}
	w.st.lastContentMicro = ts.Micros()
	return nil
}

// rotate closes the current raw file and its index streams and advances the
// pointer. The next event opens the new file lazily.
func (w *Writer) rotate() {
	closedIndex := w.FileIndex()
	closedSize := w.st.rawSize
	w.closeStreams()
	if err := w.advance(); err != nil {
		w.logger.Error("Failed to persist last index on rotation", "error", err)
	}
	w.st.pendingNew = true
	rotationsTotal.Add(1)
	w.logger.Debug("Rotated raw file", "closed_index", closedIndex, "size", closedSize)
	_ = w.hooks.Trigger(context.Background(), hooks.NewPostRotateEvent(hooks.PostRotatePayload{
		DeviceID:     w.opts.DeviceID,
		ClosedIndex:  closedIndex,
		ClosedSize:   closedSize,
		NewFileIndex: w.FileIndex(),
	}))
}

func (w *Writer) advance() error {
	next := w.FileIndex() + 1
	w.fileIndex.Store(int64(next))
	return w.layout.WriteLastIndex(w.opts.DeviceID, next)
}

func (w *Writer) discontinue(wasValid bool, reason byte) error {
	if !w.st.loggedIn {
		return nil
	}
	if err := w.ensureRaw(); err != nil {
		w.closeStreams()
		w.st.loggedIn = false
		return fmt.Errorf("failed to open raw file for LOGOUT: %w", err)
	}

	user := ""
	if !wasValid {
		user = "reason:" + string(reason)
	}
	offset := w.st.rawSize
	line := record.LogoutLine(w.st.lastSeen, "")
	buf := line.AppendTo(nil)
	n, err := w.st.rawBuf.Write(buf)
	w.st.rawSize += int64(n)
	if err != nil {
		w.logger.Error("Failed to write LOGOUT line", "error", err)
	} else {
		linesWrittenTotal.Add(1)
		if err := w.writeContent(record.EventLogout, w.st.lastSeen, offset, user); err != nil {
			w.logger.Error("Failed to write -LOG entry", "error", err)
		}
	}

	fileIndex := w.FileIndex()
	w.closeStreams()
	w.st.loggedIn = false
	w.st.pendingNew = false
	// the next session starts in a fresh file
	if aerr := w.advance(); aerr != nil {
		w.logger.Error("Failed to persist last index on discontinue", "error", aerr)
	}

	w.logger.Info("Device discontinued", "file_index", fileIndex, "was_valid", wasValid)
	_ = w.hooks.Trigger(context.Background(), hooks.NewPostDiscontinueEvent(hooks.PostDiscontinuePayload{
		DeviceID:  w.opts.DeviceID,
		FileIndex: fileIndex,
		Offset:    offset,
		WasValid:  wasValid,
		Reason:    user,
	}))
	return err
}

func (w *Writer) flushAll() error {
	var firstErr error
	if w.st.rawBuf != nil {
		if err := w.st.rawBuf.Flush(); err != nil {
			firstErr = fmt.Errorf("failed to flush raw file: %w", err)
		}
	}
	for prop, s := range w.st.streams {
		if err := s.buf.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to flush index for %s: %w", prop, err)
		}
	}
	return firstErr
}

func (w *Writer) closeIndexStreams() {
	for prop, s := range w.st.streams {
		if err := s.buf.Flush(); err != nil {
			w.logger.Warn("Failed to flush index stream", "path", prop, "error", err)
		}
		if err := s.f.Close(); err != nil {
			w.logger.Warn("Failed to close index stream", "path", prop, "error", err)
		}
		delete(w.st.streams, prop)
	}
}

func (w *Writer) closeStreams() {
	w.closeIndexStreams()
	if w.st.raw == nil {
		return
	}
	if err := w.st.rawBuf.Flush(); err != nil {
		w.logger.Warn("Failed to flush raw file", "error", err)
	}
	if err := w.st.raw.Close(); err != nil {
		w.logger.Warn("Failed to close raw file", "error", err)
	}
	w.st.raw = nil
	w.st.rawBuf = nil
	w.st.rawSize = 0
}

// lastIndexEpoch returns the epoch of the last whole record of an existing
// index file, or 0.
func lastIndexEpoch(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	n := record.RecordCount(info.Size())
	if n == 0 {
		return 0
	}
	rec, err := record.ReadIndexRecordAt(f, n-1)
	if err != nil {
		return 0
	}
	return rec.Epoch
}

func minTimestamp(events []core.ChangeEvent) core.Timestamp {
	min := events[0].Timestamp
	for _, ev := range events[1:] {
		if ev.Timestamp.Compare(min) < 0 {
			min = ev.Timestamp
		}
	}
	return min
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
