// Package scheduler runs the periodic background workers: alert
// evaluation, purge processing, selection cleanup, partition
// maintenance, and projection reconciliation.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"mdmd.sh/internal/metrics"
)

// Worker is one periodic job. Run is called at most once at a time per
// worker; overlapping runs never happen.
type Worker struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// maxBackoff caps the error backoff regardless of interval.
const maxBackoff = 10 * time.Minute

// Scheduler owns the worker loops.
type Scheduler struct {
	workers []Worker
	logger  *slog.Logger
	// jitterFrac spreads first runs so replicas do not tick in lockstep.
	jitterFrac float64
}

// New creates a scheduler with the default 10% start jitter.
func New(workers ...Worker) *Scheduler {
	return &Scheduler{
		workers:    workers,
		logger:     slog.Default().With("component", "scheduler"),
		jitterFrac: 0.1,
	}
}

// Add registers another worker before Run.
func (s *Scheduler) Add(w Worker) {
	s.workers = append(s.workers, w)
}

// Run starts every worker loop and blocks until ctx is cancelled and
// all loops have stopped.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			s.loop(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, w Worker) {
	// Initial delay with jitter; consecutive failures stretch it.
	delay := s.jitter(w.Interval)
	failures := 0

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := s.runOnce(ctx, w)
		switch {
		case err != nil:
			failures++
			metrics.WorkerRunsTotal.WithLabelValues(w.Name, "error").Inc()
			s.logger.Warn("worker run failed", "worker", w.Name,
				"failures", failures, "error", err)
		default:
			failures = 0
			metrics.WorkerRunsTotal.WithLabelValues(w.Name, "ok").Inc()
		}

		timer.Reset(s.nextDelay(w.Interval, failures))
	}
}

// runOnce isolates panics so a bad tick never takes the process down.
// A recovered panic counts as a failed tick, so a worker that keeps
// panicking backs off like any other failing worker.
func (s *Scheduler) runOnce(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker panicked", "worker", w.Name,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("worker %s panicked: %v", w.Name, r)
		}
	}()
	return w.Run(ctx)
}

// nextDelay doubles the interval per consecutive failure, capped.
func (s *Scheduler) nextDelay(interval time.Duration, failures int) time.Duration {
	delay := interval
	for i := 0; i < failures && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return s.jitter(delay)
}

func (s *Scheduler) jitter(d time.Duration) time.Duration {
	if s.jitterFrac <= 0 {
		return d
	}
	spread := float64(d) * s.jitterFrac
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
