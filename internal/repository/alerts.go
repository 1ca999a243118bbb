package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

// AlertRepository persists per-(device, condition) alert state and the
// audit trail of alert decisions.
type AlertRepository interface {
	GetState(ctx context.Context, deviceID string, condition models.AlertCondition) (*models.AlertState, error)
	UpsertState(ctx context.Context, state *models.AlertState) error
	ListStates(ctx context.Context) ([]*models.AlertState, error)
	InsertEvent(ctx context.Context, event *models.AlertEvent) error
	ListEvents(ctx context.Context, since time.Time, limit int) ([]*models.AlertEvent, error)
}

type alertRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewAlertRepository creates the alert repository.
func NewAlertRepository(db DBTX) AlertRepository {
	return &alertRepository{
		db:     db,
		logger: slog.Default().With("component", "alert-repository"),
	}
}

const alertStateColumns = `device_id, condition, state, pending_since, alerting_since,
	cooldown_until, last_value, updated_at`

func (r *alertRepository) GetState(ctx context.Context, deviceID string, condition models.AlertCondition) (*models.AlertState, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+alertStateColumns+` FROM alert_states WHERE device_id = $1 AND condition = $2`,
		deviceID, condition)
	var s models.AlertState
	err := row.Scan(&s.DeviceID, &s.Condition, &s.State, &s.PendingSince, &s.AlertingSince,
		&s.CooldownUntil, &s.LastValue, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// A missing row is the implicit ok state.
		return &models.AlertState{DeviceID: deviceID, Condition: condition, State: models.AlertOK}, nil
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning alert state")
	}
	return &s, nil
}

func (r *alertRepository) UpsertState(ctx context.Context, s *models.AlertState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_states
			(device_id, condition, state, pending_since, alerting_since, cooldown_until, last_value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (device_id, condition) DO UPDATE SET
			state = excluded.state,
			pending_since = excluded.pending_since,
			alerting_since = excluded.alerting_since,
			cooldown_until = excluded.cooldown_until,
			last_value = excluded.last_value,
			updated_at = now()`,
		s.DeviceID, s.Condition, s.State, s.PendingSince, s.AlertingSince, s.CooldownUntil, nullBytes(s.LastValue))
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "upserting alert state")
	}
	return nil
}

func (r *alertRepository) ListStates(ctx context.Context) ([]*models.AlertState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+alertStateColumns+` FROM alert_states ORDER BY device_id, condition`)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing alert states")
	}
	defer rows.Close()

	var states []*models.AlertState
	for rows.Next() {
		var s models.AlertState
		if err := rows.Scan(&s.DeviceID, &s.Condition, &s.State, &s.PendingSince, &s.AlertingSince,
			&s.CooldownUntil, &s.LastValue, &s.UpdatedAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning alert state row")
		}
		states = append(states, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "iterating alert states")
	}
	return states, nil
}

func (r *alertRepository) InsertEvent(ctx context.Context, e *models.AlertEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_events
			(event_id, device_id, condition, kind, severity, message, delivered, suppressed_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.EventID, e.DeviceID, e.Condition, e.Kind, e.Severity, e.Message, e.Delivered,
		nullString(e.SuppressedReason))
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "inserting alert event")
	}
	return nil
}

func (r *alertRepository) ListEvents(ctx context.Context, since time.Time, limit int) ([]*models.AlertEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, device_id, condition, kind, severity, message, delivered,
			COALESCE(suppressed_reason, ''), created_at
		FROM alert_events
		WHERE created_at >= $1
		ORDER BY created_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing alert events")
	}
	defer rows.Close()

	var events []*models.AlertEvent
	for rows.Next() {
		var e models.AlertEvent
		if err := rows.Scan(&e.EventID, &e.DeviceID, &e.Condition, &e.Kind, &e.Severity, &e.Message,
			&e.Delivered, &e.SuppressedReason, &e.CreatedAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning alert event")
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "iterating alert events")
	}
	return events, nil
}
