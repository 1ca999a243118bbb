// Package ingest implements the heartbeat write path: payload validation,
// the two-step append+upsert, the bounded event queue, and the hourly
// projection reconciler.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/repository"
)

const (
	// DefaultQueueCap bounds the in-memory event queue.
	DefaultQueueCap = 10000
	// flushBatchSize caps one bulk insert.
	flushBatchSize = 50
	// flushInterval is the longest a partial batch waits before writing.
	flushInterval = 500 * time.Millisecond
)

// EventQueue decouples event logging from the request path. Enqueue never
// blocks: when the queue is full the event is counted and dropped.
type EventQueue struct {
	ch     chan *models.DeviceEvent
	events repository.EventRepository
	logger *slog.Logger
}

// NewEventQueue creates a queue with the given capacity (0 uses the
// default).
func NewEventQueue(events repository.EventRepository, capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return &EventQueue{
		ch:     make(chan *models.DeviceEvent, capacity),
		events: events,
		logger: slog.Default().With("component", "event-queue"),
	}
}

// Enqueue offers an event to the queue. Overflow is dropped, never
// blocking the heartbeat handler.
func (q *EventQueue) Enqueue(event *models.DeviceEvent) bool {
	select {
	case q.ch <- event:
		metrics.EventQueueDepth.Set(float64(len(q.ch)))
		return true
	default:
		metrics.EventQueueDroppedTotal.Inc()
		return false
	}
}

// Depth reports the number of queued events.
func (q *EventQueue) Depth() int {
	return len(q.ch)
}

// Run drains the queue in batches of up to 50, flushing partial batches
// every 500 ms, until ctx is cancelled. A final drain runs on shutdown.
func (q *EventQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*models.DeviceEvent, 0, flushBatchSize)
	for {
		select {
		case <-ctx.Done():
			q.flush(context.Background(), batch)
			q.drainRemaining()
			return
		case event := <-q.ch:
			batch = append(batch, event)
			if len(batch) >= flushBatchSize {
				q.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				q.flush(ctx, batch)
				batch = batch[:0]
			}
			metrics.EventQueueDepth.Set(float64(len(q.ch)))
		}
	}
}

func (q *EventQueue) flush(ctx context.Context, batch []*models.DeviceEvent) {
	if len(batch) == 0 {
		return
	}
	if err := q.events.InsertBatch(ctx, batch); err != nil {
		q.logger.Error("event batch flush failed", "count", len(batch), "error", err)
	}
}

func (q *EventQueue) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch := make([]*models.DeviceEvent, 0, flushBatchSize)
	for {
		select {
		case event := <-q.ch:
			batch = append(batch, event)
			if len(batch) >= flushBatchSize {
				q.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			q.flush(ctx, batch)
			return
		}
	}
}
