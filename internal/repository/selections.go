package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

// SelectionRepository persists transient device selections for bulk ops.
type SelectionRepository interface {
	Create(ctx context.Context, sel *models.DeviceSelection) error
	Get(ctx context.Context, selectionID string) (*models.DeviceSelection, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type selectionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSelectionRepository creates the selection repository.
func NewSelectionRepository(db DBTX) SelectionRepository {
	return &selectionRepository{
		db:     db,
		logger: slog.Default().With("component", "selection-repository"),
	}
}

func (r *selectionRepository) Create(ctx context.Context, sel *models.DeviceSelection) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_selections (selection_id, device_ids, created_by, expires_at)
		VALUES ($1, $2, $3, $4)`,
		sel.SelectionID, pq.Array(sel.DeviceIDs), sel.CreatedBy, sel.ExpiresAt)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "creating device selection")
	}
	return nil
}

func (r *selectionRepository) Get(ctx context.Context, selectionID string) (*models.DeviceSelection, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT selection_id, device_ids, created_by, created_at, expires_at
		FROM device_selections WHERE selection_id = $1 AND expires_at > now()`, selectionID)
	var sel models.DeviceSelection
	var deviceIDs pq.StringArray
	err := row.Scan(&sel.SelectionID, &deviceIDs, &sel.CreatedBy, &sel.CreatedAt, &sel.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "selection %s not found or expired", selectionID)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning device selection")
	}
	sel.DeviceIDs = deviceIDs
	return &sel, nil
}

func (r *selectionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM device_selections WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrCodeInternal, "deleting expired selections")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
