package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexushistory/hooks"
)

var (
	rawStatsOnce        sync.Once
	rawFilesClosed      *expvar.Int
	rawBytesClosed      *expvar.Int
	discontinuedDevices *expvar.Int
)

func initRawStatsMetrics() {
	rawStatsOnce.Do(func() {
		rawFilesClosed = expvar.NewInt("archive_raw_files_rotated_total")
		rawBytesClosed = expvar.NewInt("archive_raw_bytes_rotated_total")
		discontinuedDevices = expvar.NewInt("archive_discontinued_total")
		expvar.Publish("archive_raw_file_avg_bytes", expvar.Func(func() interface{} {
			files := rawFilesClosed.Value()
			if files == 0 {
				return 0.0
			}
			return float64(rawBytesClosed.Value()) / float64(files)
		}))
	})
}

// RawFileStatsListener aggregates rotation and discontinuation statistics.
type RawFileStatsListener struct {
	logger *slog.Logger
}

func NewRawFileStatsListener(logger *slog.Logger) *RawFileStatsListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initRawStatsMetrics()
	return &RawFileStatsListener{logger: logger.With("component", "RawFileStatsListener")}
}

func (l *RawFileStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch p := event.Payload().(type) {
	case hooks.PostRotatePayload:
		rawFilesClosed.Add(1)
		rawBytesClosed.Add(p.ClosedSize)
		l.logger.Info("Raw file rotated",
			"device_id", p.DeviceID,
			"closed_index", p.ClosedIndex,
			"closed_bytes", p.ClosedSize,
			"new_index", p.NewFileIndex,
		)
	case hooks.PostDiscontinuePayload:
		discontinuedDevices.Add(1)
		l.logger.Info("Device discontinued", "device_id", p.DeviceID, "file_index", p.FileIndex, "was_valid", p.WasValid, "reason", p.Reason)
	case hooks.PostAssignPayload:
		l.logger.Info("Logger assigned", "device_id", p.DeviceID, "logger_id", p.LoggerID, "host_id", p.HostID)
	}
	return nil
}

func (l *RawFileStatsListener) Priority() int { return 100 }

func (l *RawFileStatsListener) IsAsync() bool { return true }
