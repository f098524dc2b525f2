package backfill

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexushistory/core"
	"github.com/INLOpen/nexushistory/hooks"
	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
)

var (
	backfillQueuedTotal    = expvar.NewInt("backfill_jobs_queued_total")
	backfillDedupedTotal   = expvar.NewInt("backfill_jobs_deduplicated_total")
	backfillSucceededTotal = expvar.NewInt("backfill_jobs_succeeded_total")
	backfillFailedTotal    = expvar.NewInt("backfill_jobs_failed_total")
)

const (
	DefaultWorkers    = 2
	DefaultQueueSize  = 1024
	DefaultJobTimeout = 5 * time.Minute
)

// ErrQueueFull is returned by Build when no more jobs can be accepted.
var ErrQueueFull = errors.New("backfill queue is full")

type Options struct {
	Workers     int
	QueueSize   int
	JobTimeout  time.Duration
	Runner      Runner
	Logger      *slog.Logger
	HookManager hooks.HookManager
}

type job struct {
	id  string
	req Request
}

// Service is a deduplicating work queue of index builds processed by a fixed
// pool of workers. A request is a no-op while an identical request is queued
// or in flight.
type Service struct {
	numWorkers  int
	jobTimeout  time.Duration
	runner      Runner
	jobQueue    chan job
	logger      *slog.Logger
	hookManager hooks.HookManager

	mu      sync.Mutex
	pending map[seriesKey]*roaring.Bitmap
	active  int
	idle    *sync.Cond
	stopped bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewService(opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Runner == nil {
		opts.Runner = &InProcessRunner{Logger: logger}
	}
	hm := opts.HookManager
	if hm == nil {
		hm = hooks.Nop()
	}
	s := &Service{
		numWorkers:  opts.Workers,
		jobTimeout:  opts.JobTimeout,
		runner:      opts.Runner,
		jobQueue:    make(chan job, opts.QueueSize),
		logger:      logger.With("component", "BackfillService"),
		hookManager: hm,
		pending:     make(map[seriesKey]*roaring.Bitmap),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Start launches the workers.
func (s *Service) Start() {
	s.logger.Info("Starting backfill workers", "count", s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop refuses new requests, lets the workers drain the queue and waits for them.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.jobQueue)
		s.wg.Wait()
		s.logger.Info("Backfill workers stopped")
	})
}

// Build enqueues req. It returns the job id and whether a new job was queued;
// a duplicate of a queued or running request returns ("", false, nil).
func (s *Service) Build(req Request) (string, bool, error) {
	if req.FileIndex < 0 {
		return "", false, fmt.Errorf("invalid file index %d for %s", req.FileIndex, req.DeviceID)
	}
	key := req.seriesKey()
	fileIndex := uint32(req.FileIndex)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", false, core.ErrClosed
	}
	bm, ok := s.pending[key]
	if !ok {
		bm = roaring.New()
		s.pending[key] = bm
	}
	if bm.Contains(fileIndex) {
		backfillDedupedTotal.Add(1)
		return "", false, nil
	}
	j := job{id: uuid.NewString(), req: req}
	select {
	case s.jobQueue <- j:
	default:
		if bm.IsEmpty() {
			delete(s.pending, key)
		}
		return "", false, fmt.Errorf("failed to enqueue backfill %s: %w", req, ErrQueueFull)
	}
	bm.Add(fileIndex)
	s.active++
	backfillQueuedTotal.Add(1)
	s.logger.Debug("Queued backfill", "job_id", j.id, "request", req.String())
	return j.id, true, nil
}

// Pending reports whether req is queued or running.
func (s *Service) Pending(req Request) bool {
	if req.FileIndex < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bm, ok := s.pending[req.seriesKey()]
	return ok && bm.Contains(uint32(req.FileIndex))
}

// WaitIdle blocks until no job is queued or running, or ctx is done.
func (s *Service) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.active > 0 && ctx.Err() == nil {
			s.idle.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// wake the waiter so it observes ctx.Err
		s.mu.Lock()
		s.idle.Broadcast()
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	s.logger.Debug("Backfill worker started", "worker_id", id)
	for j := range s.jobQueue {
		s.process(j)
	}
	s.logger.Debug("Backfill worker shutting down", "worker_id", id)
}

func (s *Service) process(j job) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	err := s.runner.Run(ctx, j.req)
	cancel()
	duration := time.Since(start)

	if err != nil {
		backfillFailedTotal.Add(1)
		s.logger.Error("Backfill failed", "job_id", j.id, "request", j.req.String(), "error", err)
	} else {
		backfillSucceededTotal.Add(1)
		s.logger.Info("Backfill completed", "job_id", j.id, "request", j.req.String(), "duration", duration)
	}

	s.mu.Lock()
	key := j.req.seriesKey()
	if bm, ok := s.pending[key]; ok {
		bm.Remove(uint32(j.req.FileIndex))
		if bm.IsEmpty() {
			delete(s.pending, key)
		}
	}
	s.active--
	if s.active == 0 {
		s.idle.Broadcast()
	}
	s.mu.Unlock()

	s.hookManager.Trigger(context.Background(), hooks.NewPostBackfillEvent(hooks.PostBackfillPayload{
		JobID:     j.id,
		DeviceID:  j.req.DeviceID,
		Property:  j.req.Property,
		FileIndex: j.req.FileIndex,
		Duration:  duration,
		Error:     err,
	}))
}
