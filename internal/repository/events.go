package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

// EventRepository bulk-inserts operational events drained from the
// in-memory queue.
type EventRepository interface {
	InsertBatch(ctx context.Context, events []*models.DeviceEvent) error
}

type eventRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewEventRepository creates the event repository.
func NewEventRepository(db DBTX) EventRepository {
	return &eventRepository{
		db:     db,
		logger: slog.Default().With("component", "event-repository"),
	}
}

func (r *eventRepository) InsertBatch(ctx context.Context, events []*models.DeviceEvent) error {
	if len(events) == 0 {
		return nil
	}

	// One multi-row INSERT per batch; the flusher caps batches at 50 so
	// the statement stays small.
	var sb strings.Builder
	sb.WriteString(`INSERT INTO device_events (event_id, device_id, event_type, payload, occurred_at) VALUES `)
	args := make([]any, 0, len(events)*5)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, e.EventID, e.DeviceID, e.EventType, nullBytes(e.Payload), e.OccurredAt)
	}
	sb.WriteString(" ON CONFLICT (event_id) DO NOTHING")

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "bulk inserting device events")
	}
	return nil
}
