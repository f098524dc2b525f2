package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexushistory/hooks"
	"github.com/caio/go-tdigest/v4"
)

var (
	queryLatencyOnce   sync.Once
	queryLatencyVar    *expvar.Map
	queryErrorsTotal   *expvar.Int
	querySlowThreshold = time.Second
)

// QueryLatencyListener keeps a t-digest of query durations per query kind and
// publishes p50/p90/p99 under the "query_latency_ms" expvar.
type QueryLatencyListener struct {
	logger  *slog.Logger
	mu      sync.Mutex
	digests map[hooks.QueryKind]*tdigest.TDigest
}

func NewQueryLatencyListener(logger *slog.Logger) *QueryLatencyListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &QueryLatencyListener{
		logger:  logger.With("component", "QueryLatencyListener"),
		digests: make(map[hooks.QueryKind]*tdigest.TDigest),
	}
	queryLatencyOnce.Do(func() {
		queryLatencyVar = expvar.NewMap("query_latency_ms")
		queryErrorsTotal = expvar.NewInt("query_errors_total")
	})
	return l
}

func (l *QueryLatencyListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostQueryPayload)
	if !ok {
		return nil
	}
	if payload.Error != nil {
		queryErrorsTotal.Add(1)
	}
	ms := float64(payload.Duration) / float64(time.Millisecond)

	l.mu.Lock()
	td, ok := l.digests[payload.Kind]
	if !ok {
		var err error
		td, err = tdigest.New()
		if err != nil {
			l.mu.Unlock()
			return err
		}
		l.digests[payload.Kind] = td
	}
	err := td.AddWeighted(ms, 1)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if payload.Duration > querySlowThreshold {
		l.logger.Warn("Slow query",
			"kind", payload.Kind,
			"device_id", payload.DeviceID,
			"property", payload.Property,
			"duration", payload.Duration,
			"returned", payload.Returned,
		)
	}
	l.publish(payload.Kind)
	return nil
}

// Quantile returns the q-quantile in milliseconds for the kind, or 0 without samples.
func (l *QueryLatencyListener) Quantile(kind hooks.QueryKind, q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	td, ok := l.digests[kind]
	if !ok || td.Count() == 0 {
		return 0
	}
	return td.Quantile(q)
}

func (l *QueryLatencyListener) publish(kind hooks.QueryKind) {
	for _, q := range []struct {
		name string
		q    float64
	}{{"p50", 0.5}, {"p90", 0.9}, {"p99", 0.99}} {
		f := new(expvar.Float)
		f.Set(l.Quantile(kind, q.q))
		queryLatencyVar.Set(string(kind)+"_"+q.name, f)
	}
}

func (l *QueryLatencyListener) Priority() int { return 100 }

func (l *QueryLatencyListener) IsAsync() bool { return true }
