// Package node is a worker host: it owns the archive writers placed on it and
// a fixed pool of readers.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexushistory/archive"
	"github.com/INLOpen/nexushistory/backfill"
	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/INLOpen/nexushistory/query"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoLogger is returned for calls addressing a device without a logger on this node.
var ErrNoLogger = errors.New("no logger for device on this node")

const DefaultReaders = 2

type Options struct {
	NodeID         string
	Dir            string
	MaxFileSize    int64
	FlushInterval  time.Duration
	MinFreeBytes   uint64
	MaxHistorySize int
	Readers        int
	Backfill       *backfill.Service
	Logger         *slog.Logger
	HookManager    hooks.HookManager
	Tracer         trace.Tracer
}

type loggerEntry struct {
	loggerID string
	writer   *archive.Writer
}

// Node routes archive calls to writers by device and queries to its readers.
type Node struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	loggers map[string]*loggerEntry // by device id
	byID    map[string]string       // logger id -> device id
	closed  bool

	readerMu sync.Mutex
	readers  chan *query.Reader
	size     int
}

func New(opts Options) (*Node, error) {
	if opts.Dir == "" {
		return nil, &core.ConfigurationError{Option: "directory", Err: errors.New("must not be empty")}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HookManager == nil {
		opts.HookManager = hooks.Nop()
	}
	n := &Node{
		opts:    opts,
		logger:  opts.Logger.With("component", "Node", "node_id", opts.NodeID),
		loggers: make(map[string]*loggerEntry),
		byID:    make(map[string]string),
		readers: make(chan *query.Reader),
	}
	count := opts.Readers
	if count <= 0 {
		count = DefaultReaders
	}
	if err := n.InstantiateReaders(count); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) ID() string { return n.opts.NodeID }

// InstantiateLogger starts the writer of deviceID under loggerID. Instantiating
// an existing logger again is a no-op.
func (n *Node) InstantiateLogger(loggerID, deviceID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return core.ErrClosed
	}
	if e, ok := n.loggers[deviceID]; ok {
		if e.loggerID != loggerID {
			return fmt.Errorf("device %s already logged by %s", deviceID, e.loggerID)
		}
		return nil
	}
	w, err := archive.Open(archive.Options{
		Dir:           n.opts.Dir,
		DeviceID:      deviceID,
		MaxFileSize:   n.opts.MaxFileSize,
		FlushInterval: n.opts.FlushInterval,
		MinFreeBytes:  n.opts.MinFreeBytes,
		Logger:        n.opts.Logger,
		HookManager:   n.opts.HookManager,
	})
	if err != nil {
		return fmt.Errorf("failed to instantiate logger %s: %w", loggerID, err)
	}
	n.loggers[deviceID] = &loggerEntry{loggerID: loggerID, writer: w}
	n.byID[loggerID] = deviceID
	n.logger.Info("Logger instantiated", "logger_id", loggerID, "device_id", deviceID)
	return nil
}

// ShutdownLogger closes the writer registered as loggerID. Unknown ids are ignored.
func (n *Node) ShutdownLogger(loggerID string) error {
	n.mu.Lock()
	deviceID, ok := n.byID[loggerID]
	var e *loggerEntry
	if ok {
		e = n.loggers[deviceID]
		delete(n.loggers, deviceID)
		delete(n.byID, loggerID)
	}
	n.mu.Unlock()
	if e == nil {
		return nil
	}
	n.logger.Info("Logger shut down", "logger_id", loggerID, "device_id", deviceID)
	return e.writer.Close()
}

// Loggers returns the logger ids running on this node, sorted.
func (n *Node) Loggers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.byID))
	for id := range n.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// InstantiateReaders sets the reader pool to count readers.
func (n *Node) InstantiateReaders(count int) error {
	if count <= 0 {
		return fmt.Errorf("reader count must be positive, got %d", count)
	}
	n.readerMu.Lock()
	defer n.readerMu.Unlock()
	if count == n.size {
		return nil
	}
	pool := make(chan *query.Reader, count)
	for i := 0; i < count; i++ {
		r, err := query.NewReader(query.Options{
			Dir:            n.opts.Dir,
			MaxHistorySize: n.opts.MaxHistorySize,
			Backfill:       n.backfiller(),
			Logger:         n.opts.Logger.With("reader", i),
			HookManager:    n.opts.HookManager,
			Tracer:         n.opts.Tracer,
		})
		if err != nil {
			return fmt.Errorf("failed to create reader %d: %w", i, err)
		}
		pool <- r
	}
	n.readers = pool
	n.size = count
	n.logger.Info("Readers instantiated", "count", count)
	return nil
}

func (n *Node) backfiller() query.Backfiller {
	if n.opts.Backfill == nil {
		return nil
	}
	return n.opts.Backfill
}

// withReader runs fn with a reader from the pool, blocking while all are busy.
func (n *Node) withReader(ctx context.Context, fn func(r *query.Reader) error) error {
	n.readerMu.Lock()
	pool := n.readers
	n.readerMu.Unlock()
	select {
	case r := <-pool:
		defer func() { pool <- r }()
		return fn(r)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) writer(deviceID string) (*archive.Writer, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, core.ErrClosed
	}
	e, ok := n.loggers[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLogger, deviceID)
	}
	return e.writer, nil
}

func (n *Node) Changed(ctx context.Context, deviceID string, events []core.ChangeEvent) error {
	w, err := n.writer(deviceID)
	if err != nil {
		return err
	}
	return w.Changed(ctx, events)
}

func (n *Node) SchemaUpdated(ctx context.Context, deviceID string, schema *core.Schema, ts core.Timestamp) error {
	w, err := n.writer(deviceID)
	if err != nil {
		return err
	}
	return w.SchemaUpdated(ctx, schema, ts)
}

func (n *Node) TagDiscontinued(ctx context.Context, deviceID string, wasValid bool, reason byte) error {
	w, err := n.writer(deviceID)
	if err != nil {
		return err
	}
	return w.TagDiscontinued(ctx, wasValid, reason)
}

// Flush flushes the writer of deviceID, or every writer when deviceID is empty.
func (n *Node) Flush(ctx context.Context, deviceID string) error {
	if deviceID != "" {
		w, err := n.writer(deviceID)
		if err != nil {
			return err
		}
		return w.Flush(ctx)
	}
	n.mu.RLock()
	writers := make([]*archive.Writer, 0, len(n.loggers))
	for _, e := range n.loggers {
		writers = append(writers, e.writer)
	}
	n.mu.RUnlock()
	var errs []error
	for _, w := range writers {
		if err := w.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.DeviceID(), err))
		}
	}
	return errors.Join(errs...)
}

func (n *Node) GetPropertyHistory(ctx context.Context, deviceID, property string, req core.HistoryRequest) (*core.HistoryResult, error) {
	var res *core.HistoryResult
	err := n.withReader(ctx, func(r *query.Reader) error {
		var err error
		res, err = r.GetPropertyHistory(ctx, deviceID, property, req)
		return err
	})
	return res, err
}

func (n *Node) GetConfigurationFromPast(ctx context.Context, deviceID string, timepoint core.Timestamp) (*core.ConfigurationSnapshot, error) {
	var snap *core.ConfigurationSnapshot
	err := n.withReader(ctx, func(r *query.Reader) error {
		var err error
		snap, err = r.GetConfigurationFromPast(ctx, deviceID, timepoint)
		return err
	})
	return snap, err
}

// Close shuts down every logger on the node. Each writer tags its device
// discontinued on close.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	entries := make([]*loggerEntry, 0, len(n.loggers))
	for _, e := range n.loggers {
		entries = append(entries, e)
	}
	n.loggers = make(map[string]*loggerEntry)
	n.byID = make(map[string]string)
	n.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	n.logger.Info("Node closed", "loggers", len(entries))
	return errors.Join(errs...)
}
