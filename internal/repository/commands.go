package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/lib/pq"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

// CommandRepository owns the command ledger and its result rows.
type CommandRepository interface {
	// Insert writes one ledger row. A duplicate request_id returns the
	// existing row with inserted=false and performs no write; the caller
	// must not re-dispatch in that case.
	Insert(ctx context.Context, record *models.CommandRecord) (existing *models.CommandRecord, inserted bool, err error)

	Get(ctx context.Context, requestID string) (*models.CommandRecord, error)
	ListForDevice(ctx context.Context, deviceID string, limit int) ([]*models.CommandRecord, error)

	// InsertResult writes the device-reported outcome at most once per
	// request_id. Duplicates report inserted=false and change nothing.
	InsertResult(ctx context.Context, result *models.CommandResult) (bool, error)
	GetResult(ctx context.Context, requestID string) (*models.CommandResult, error)

	DeleteForDevices(ctx context.Context, deviceIDs []string) (int64, error)
}

type commandRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewCommandRepository creates the command ledger repository.
func NewCommandRepository(db DBTX) CommandRepository {
	return &commandRepository{
		db:     db,
		logger: slog.Default().With("component", "command-repository"),
	}
}

const commandColumns = `request_id, device_id, action, parameters, payload_hash, status,
	http_code, COALESCE(provider_message_id, ''), latency_ms, COALESCE(error_detail, ''), issued_by, created_at`

func (r *commandRepository) Insert(ctx context.Context, c *models.CommandRecord) (*models.CommandRecord, bool, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_commands
			(request_id, device_id, action, parameters, payload_hash, status,
			 http_code, provider_message_id, latency_ms, error_detail, issued_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.RequestID, c.DeviceID, c.Action, nullBytes(c.Parameters), c.PayloadHash, c.Status,
		c.HTTPCode, nullString(c.ProviderMessageID), c.LatencyMS, nullString(c.ErrorDetail), c.IssuedBy)
	if err == nil {
		return c, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, merrors.Wrap(err, merrors.ErrCodeInternal, "writing command ledger row")
	}

	existing, getErr := r.Get(ctx, c.RequestID)
	if getErr != nil {
		return nil, false, getErr
	}
	// A replayed request_id with a different payload means two distinct
	// commands claimed the same id. That is ledger corruption.
	if existing.PayloadHash != c.PayloadHash {
		return nil, false, merrors.Newf(merrors.ErrCodeInvariant,
			"ledger row %s exists with different payload hash", c.RequestID)
	}
	return existing, false, nil
}

func (r *commandRepository) Get(ctx context.Context, requestID string) (*models.CommandRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM device_commands WHERE request_id = $1`, requestID)
	var c models.CommandRecord
	err := row.Scan(&c.RequestID, &c.DeviceID, &c.Action, &c.Parameters, &c.PayloadHash, &c.Status,
		&c.HTTPCode, &c.ProviderMessageID, &c.LatencyMS, &c.ErrorDetail, &c.IssuedBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "command %s not found", requestID)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning command row")
	}
	return &c, nil
}

func (r *commandRepository) ListForDevice(ctx context.Context, deviceID string, limit int) ([]*models.CommandRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM device_commands
		 WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing device commands")
	}
	defer rows.Close()

	var records []*models.CommandRecord
	for rows.Next() {
		var c models.CommandRecord
		if err := rows.Scan(&c.RequestID, &c.DeviceID, &c.Action, &c.Parameters, &c.PayloadHash, &c.Status,
			&c.HTTPCode, &c.ProviderMessageID, &c.LatencyMS, &c.ErrorDetail, &c.IssuedBy, &c.CreatedAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning command row")
		}
		records = append(records, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "iterating command rows")
	}
	return records, nil
}

func (r *commandRepository) InsertResult(ctx context.Context, res *models.CommandResult) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO device_command_results (request_id, device_id, status, message, reported_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO NOTHING`,
		res.RequestID, res.DeviceID, res.Status, res.Message, res.ReportedAt)
	if err != nil {
		return false, merrors.Wrap(err, merrors.ErrCodeInternal, "writing command result")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, merrors.Wrap(err, merrors.ErrCodeInternal, "reading result insert outcome")
	}
	return n > 0, nil
}

func (r *commandRepository) GetResult(ctx context.Context, requestID string) (*models.CommandResult, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT request_id, device_id, status, message, reported_at, created_at
		FROM device_command_results WHERE request_id = $1`, requestID)
	var res models.CommandResult
	err := row.Scan(&res.RequestID, &res.DeviceID, &res.Status, &res.Message, &res.ReportedAt, &res.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "no result for command %s", requestID)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning command result")
	}
	return &res, nil
}

func (r *commandRepository) DeleteForDevices(ctx context.Context, deviceIDs []string) (int64, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM device_commands WHERE device_id = ANY($1)`, pq.Array(deviceIDs))
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrCodeInternal, "purging command ledger")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
