package listeners

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
)

var (
	badDataMetricsOnce sync.Once
	badDataRejected    *expvar.Int
)

func initBadDataMetrics() {
	badDataMetricsOnce.Do(func() {
		badDataRejected = expvar.NewInt("archive_bad_data_rejected_total")
	})
}

// BadDataRules bounds what the archive accepts. A zero field disables that check.
type BadDataRules struct {
	MaxFutureSkew time.Duration
	MaxVectorSize int
}

// BadDataListener drops change events stamped too far in the future or carrying
// oversized vectors before they reach the raw log.
type BadDataListener struct {
	logger *slog.Logger
	rules  BadDataRules
	now    func() time.Time
}

func NewBadDataListener(logger *slog.Logger, rules BadDataRules) *BadDataListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initBadDataMetrics()
	return &BadDataListener{
		logger: logger.With("component", "BadDataListener"),
		rules:  rules,
		now:    time.Now,
	}
}

// OnEvent filters the PreAppend batch in place. It never cancels the batch.
func (l *BadDataListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPreAppend {
		return nil
	}
	payload, ok := event.Payload().(hooks.PreAppendPayload)
	if !ok {
		l.logger.Error("Received PreAppend event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	events := *payload.Events
	kept := events[:0]
	for _, ev := range events {
		if reason := l.reject(ev); reason != "" {
			badDataRejected.Add(1)
			l.logger.Warn("Rejected bad data",
				"device_id", payload.DeviceID,
				"path", ev.Path,
				"timestamp", ev.Timestamp.ISO8601(),
				"reason", reason,
			)
			continue
		}
		kept = append(kept, ev)
	}
	*payload.Events = kept
	return nil
}

func (l *BadDataListener) reject(ev core.ChangeEvent) string {
	if l.rules.MaxFutureSkew > 0 {
		limit := l.now().Add(l.rules.MaxFutureSkew)
		if ev.Timestamp.Time().After(limit) {
			return "timestamp in the future"
		}
	}
	if l.rules.MaxVectorSize > 0 {
		if n := ev.VectorLength(); n > l.rules.MaxVectorSize {
			return fmt.Sprintf("vector of %d elements exceeds %d", n, l.rules.MaxVectorSize)
		}
	}
	return ""
}

func (l *BadDataListener) Priority() int { return 10 }

func (l *BadDataListener) IsAsync() bool { return false }
