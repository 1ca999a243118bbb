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

const deviceColumns = `device_id, alias, token_hash, COALESCE(token_fingerprint, ''), fcm_token,
	agent_version, monitored_package, monitor_threshold_min, revoked_at, last_seen, created_at, updated_at`

// DeviceRepository is the device aggregate's data access surface.
type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	Get(ctx context.Context, deviceID string) (*models.Device, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error)
	ListWithoutFingerprint(ctx context.Context, limit int) ([]*models.Device, error)
	SetFingerprint(ctx context.Context, deviceID, fingerprint string) error
	List(ctx context.Context, limit, offset int) ([]*models.Device, error)
	UpdateSettings(ctx context.Context, deviceID string, alias, monitoredPackage *string, thresholdMin *int) error
	Revoke(ctx context.Context, deviceID string, at time.Time) error
	TouchSeen(ctx context.Context, deviceID string, seenAt time.Time, alias, fcmToken, agentVersion string) error
	FCMToken(ctx context.Context, deviceID string) (string, error)
}

type deviceRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewDeviceRepository creates the device repository.
func NewDeviceRepository(db DBTX) DeviceRepository {
	return &deviceRepository{
		db:     db,
		logger: slog.Default().With("component", "device-repository"),
	}
}

func (r *deviceRepository) Create(ctx context.Context, device *models.Device) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, alias, token_hash, token_fingerprint, monitored_package, monitor_threshold_min)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		device.DeviceID, device.Alias, device.TokenHash, nullString(device.TokenFingerprint),
		device.MonitoredPackage, device.MonitorThresholdMin)
	if err != nil {
		if isUniqueViolation(err) {
			return merrors.Wrap(err, merrors.ErrCodeAlreadyExists, "device already registered")
		}
		return merrors.Wrap(err, merrors.ErrCodeInternal, "creating device")
	}
	return nil
}

func (r *deviceRepository) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	return scanDevice(row)
}

func (r *deviceRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE token_fingerprint = $1`, fingerprint)
	return scanDevice(row)
}

func (r *deviceRepository) ListWithoutFingerprint(ctx context.Context, limit int) ([]*models.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE token_fingerprint IS NULL AND revoked_at IS NULL
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing legacy devices")
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (r *deviceRepository) SetFingerprint(ctx context.Context, deviceID, fingerprint string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET token_fingerprint = $2, updated_at = now()
		 WHERE device_id = $1 AND token_fingerprint IS NULL`, deviceID, fingerprint)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "backfilling fingerprint")
	}
	return nil
}

func (r *deviceRepository) List(ctx context.Context, limit, offset int) ([]*models.Device, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 ORDER BY last_seen DESC NULLS LAST, device_id
		 LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing devices")
	}
	defer rows.Close()
	return scanDevices(rows)
}

func (r *deviceRepository) UpdateSettings(ctx context.Context, deviceID string, alias, monitoredPackage *string, thresholdMin *int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			alias = COALESCE($2, alias),
			monitored_package = COALESCE($3, monitored_package),
			monitor_threshold_min = COALESCE($4, monitor_threshold_min),
			updated_at = now()
		WHERE device_id = $1`,
		deviceID, alias, monitoredPackage, thresholdMin)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "updating device settings")
	}
	return requireRowAffected(res, "device", deviceID)
}

func (r *deviceRepository) Revoke(ctx context.Context, deviceID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET revoked_at = $2, updated_at = now()
		 WHERE device_id = $1 AND revoked_at IS NULL`, deviceID, at)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "revoking device token")
	}
	// Revoking an already revoked device is a no-op, but an unknown id is
	// still an error for the caller.
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := r.Get(ctx, deviceID); err != nil {
			return err
		}
	}
	return nil
}

func (r *deviceRepository) TouchSeen(ctx context.Context, deviceID string, seenAt time.Time, alias, fcmToken, agentVersion string) error {
	// Alias is backfilled, never overwritten: an operator-set alias wins
	// over whatever the agent reports.
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			last_seen = GREATEST(COALESCE(last_seen, 'epoch'::timestamptz), $2),
			alias = CASE WHEN alias = '' AND $3 <> '' THEN $3 ELSE alias END,
			fcm_token = CASE WHEN $4 <> '' THEN $4 ELSE fcm_token END,
			agent_version = CASE WHEN $5 <> '' THEN $5 ELSE agent_version END,
			updated_at = now()
		WHERE device_id = $1`,
		deviceID, seenAt, alias, fcmToken, agentVersion)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "updating device last_seen")
	}
	return nil
}

func (r *deviceRepository) FCMToken(ctx context.Context, deviceID string) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx,
		`SELECT fcm_token FROM devices WHERE device_id = $1 AND revoked_at IS NULL`, deviceID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", merrors.Newf(merrors.ErrCodeNotFound, "device %s not found", deviceID)
	}
	if err != nil {
		return "", merrors.Wrap(err, merrors.ErrCodeInternal, "reading fcm token")
	}
	if token == "" {
		return "", merrors.Newf(merrors.ErrCodeUnavailable, "device %s has no push token", deviceID)
	}
	return token, nil
}

func scanDevice(row *sql.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(&d.DeviceID, &d.Alias, &d.TokenHash, &d.TokenFingerprint, &d.FCMToken,
		&d.AgentVersion, &d.MonitoredPackage, &d.MonitorThresholdMin,
		&d.RevokedAt, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.New(merrors.ErrCodeNotFound, "device not found")
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning device")
	}
	return &d, nil
}

func scanDevices(rows *sql.Rows) ([]*models.Device, error) {
	var devices []*models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.DeviceID, &d.Alias, &d.TokenHash, &d.TokenFingerprint, &d.FCMToken,
			&d.AgentVersion, &d.MonitoredPackage, &d.MonitorThresholdMin,
			&d.RevokedAt, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning device row")
		}
		devices = append(devices, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "iterating devices")
	}
	return devices, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "reading rows affected")
	}
	if n == 0 {
		return merrors.Newf(merrors.ErrCodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}
