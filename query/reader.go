// Package query implements the Reader: property history and configuration
// reconstruction over a device archive written by package archive.
package query

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexushistory/archive"
	"github.com/INLOpen/nexushistory/backfill"
	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	historyRequestsTotal   = expvar.NewInt("query_history_requests_total")
	configRequestsTotal    = expvar.NewInt("query_configuration_requests_total")
	corruptLinesTotal      = expvar.NewInt("query_corrupt_lines_skipped_total")
	backfillTriggeredTotal = expvar.NewInt("query_backfills_triggered_total")
	rawScansTotal          = expvar.NewInt("query_raw_scans_total")
)

const (
	DefaultMaxHistorySize = 10000
	defaultParallelism    = 4
)

// Backfiller queues a fine index build for a closed raw file.
type Backfiller interface {
	Build(req backfill.Request) (string, bool, error)
}

type Options struct {
	Dir            string
	MaxHistorySize int
	// Parallelism bounds concurrent fine index lookups within one request.
	Parallelism int
	Backfill    Backfiller
	Logger      *slog.Logger
	HookManager hooks.HookManager
	Tracer      trace.Tracer
}

// Reader answers history and configuration queries. It holds no per-request
// state and may be shared between goroutines.
type Reader struct {
	layout         archive.Layout
	maxHistorySize int
	parallelism    int
	backfill       Backfiller
	logger         *slog.Logger
	hookManager    hooks.HookManager
	tracer         trace.Tracer
}

func NewReader(opts Options) (*Reader, error) {
	if opts.Dir == "" {
		return nil, &core.ConfigurationError{Option: "directory", Err: errors.New("must not be empty")}
	}
	if opts.MaxHistorySize == 0 {
		opts.MaxHistorySize = DefaultMaxHistorySize
	}
	if opts.MaxHistorySize < 0 {
		return nil, &core.ConfigurationError{Option: "max_history_size", Err: fmt.Errorf("must be positive, got %d", opts.MaxHistorySize)}
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hm := opts.HookManager
	if hm == nil {
		hm = hooks.Nop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/INLOpen/nexushistory/query")
	}
	return &Reader{
		layout:         archive.Layout{Root: opts.Dir},
		maxHistorySize: opts.MaxHistorySize,
		parallelism:    opts.Parallelism,
		backfill:       opts.Backfill,
		logger:         logger.With("component", "Reader"),
		hookManager:    hm,
		tracer:         tracer,
	}, nil
}

func (r *Reader) MaxHistorySize() int { return r.maxHistorySize }

func (r *Reader) Dir() string { return r.layout.Root }

// resolveMaxNumData maps 0 to the configured maximum and rejects values outside [0, max].
func (r *Reader) resolveMaxNumData(n int) (int, error) {
	if n < 0 || n > r.maxHistorySize {
		return 0, &core.OutOfRangeError{Name: "maxNumData", Value: int64(n), Limit: int64(r.maxHistorySize)}
	}
	if n == 0 {
		return r.maxHistorySize, nil
	}
	return n, nil
}

func (r *Reader) deviceExists(deviceID string) (bool, error) {
	info, err := os.Stat(r.layout.DeviceDir(deviceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat device dir for %s: %w", deviceID, err)
	}
	return info.IsDir(), nil
}

// RegisterProperty adds property to the device's indexed properties. It reports
// whether the property was new.
func (r *Reader) RegisterProperty(deviceID, property string) (bool, error) {
	added, err := r.layout.RegisterIndexedProperty(deviceID, property)
	if err != nil {
		return false, err
	}
	if added {
		r.logger.Info("Registered property for indexing", "device_id", deviceID, "property", property)
	}
	return added, nil
}

func (r *Reader) triggerBackfill(deviceID, property string, fileIndex int) {
	if r.backfill == nil {
		return
	}
	req := backfill.Request{Dir: r.layout.Root, DeviceID: deviceID, Property: property, FileIndex: fileIndex}
	jobID, queued, err := r.backfill.Build(req)
	if err != nil {
		r.logger.Warn("Failed to queue index backfill", "device_id", deviceID, "property", property, "file_index", fileIndex, "error", err)
		return
	}
	if queued {
		backfillTriggeredTotal.Add(1)
		r.logger.Debug("Queued index backfill", "job_id", jobID, "device_id", deviceID, "property", property, "file_index", fileIndex)
	}
}

// instrument wraps a read with the pre/post query hooks and a span.
func (r *Reader) instrument(ctx context.Context, kind hooks.QueryKind, deviceID, property string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := r.tracer.Start(ctx, "Reader."+string(kind))
	defer span.End()

	if err := r.hookManager.Trigger(ctx, hooks.NewPreQueryEvent(hooks.PreQueryPayload{Kind: kind, DeviceID: deviceID, Property: property})); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query rejected by hook")
		return fmt.Errorf("query cancelled by pre-hook: %w", err)
	}

	start := time.Now()
	returned, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.hookManager.Trigger(ctx, hooks.NewPostQueryEvent(hooks.PostQueryPayload{
		Kind:     kind,
		DeviceID: deviceID,
		Property: property,
		Returned: returned,
		Duration: time.Since(start),
		Error:    err,
	}))
	return err
}
