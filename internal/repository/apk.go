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

// APKRepository owns the artifact catalog, install attempts, and download
// telemetry.
type APKRepository interface {
	Insert(ctx context.Context, apk *models.APKVersion) error
	Get(ctx context.Context, apkID string) (*models.APKVersion, error)
	List(ctx context.Context, limit, offset int) ([]*models.APKVersion, error)

	InsertInstallation(ctx context.Context, inst *models.APKInstallation) error
	UpdateInstallationStatus(ctx context.Context, requestID, status string) error
	GetInstallation(ctx context.Context, requestID string) (*models.APKInstallation, error)

	InsertDownloadEvent(ctx context.Context, apkID, deviceID string, bytes, durationMS int64, cacheHit bool) error
	DeleteDownloadEventsForDevices(ctx context.Context, deviceIDs []string) (int64, error)
	DeleteDownloadEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type apkRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewAPKRepository creates the artifact repository.
func NewAPKRepository(db DBTX) APKRepository {
	return &apkRepository{
		db:     db,
		logger: slog.Default().With("component", "apk-repository"),
	}
}

func (r *apkRepository) Insert(ctx context.Context, a *models.APKVersion) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO apk_versions
			(apk_id, category, package_name, version_code, version_name, filename, object_key, size_bytes, sha256, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.APKID, a.Category, a.PackageName, a.VersionCode, a.VersionName,
		a.Filename, a.ObjectKey, a.SizeBytes, a.SHA256, a.UploadedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return merrors.Newf(merrors.ErrCodeAlreadyExists,
				"apk %s version %d already uploaded", a.PackageName, a.VersionCode)
		}
		return merrors.Wrap(err, merrors.ErrCodeInternal, "inserting apk version")
	}
	return nil
}

func (r *apkRepository) Get(ctx context.Context, apkID string) (*models.APKVersion, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT apk_id, category, package_name, version_code, version_name,
			filename, object_key, size_bytes, sha256, uploaded_by, created_at
		FROM apk_versions WHERE apk_id = $1`, apkID)
	var a models.APKVersion
	err := row.Scan(&a.APKID, &a.Category, &a.PackageName, &a.VersionCode, &a.VersionName,
		&a.Filename, &a.ObjectKey, &a.SizeBytes, &a.SHA256, &a.UploadedBy, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "apk %s not found", apkID)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning apk version")
	}
	return &a, nil
}

func (r *apkRepository) List(ctx context.Context, limit, offset int) ([]*models.APKVersion, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT apk_id, category, package_name, version_code, version_name,
			filename, object_key, size_bytes, sha256, uploaded_by, created_at
		FROM apk_versions
		ORDER BY package_name, version_code DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing apk versions")
	}
	defer rows.Close()

	var apks []*models.APKVersion
	for rows.Next() {
		var a models.APKVersion
		if err := rows.Scan(&a.APKID, &a.Category, &a.PackageName, &a.VersionCode, &a.VersionName,
			&a.Filename, &a.ObjectKey, &a.SizeBytes, &a.SHA256, &a.UploadedBy, &a.CreatedAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning apk row")
		}
		apks = append(apks, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "iterating apk rows")
	}
	return apks, nil
}

func (r *apkRepository) InsertInstallation(ctx context.Context, inst *models.APKInstallation) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO apk_installations (request_id, apk_id, device_id, run_id, batch_index, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO NOTHING`,
		inst.RequestID, inst.APKID, inst.DeviceID, nullString(inst.RunID), inst.BatchIndex, inst.Status)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "inserting apk installation")
	}
	return nil
}

func (r *apkRepository) UpdateInstallationStatus(ctx context.Context, requestID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE apk_installations SET status = $2, updated_at = now() WHERE request_id = $1`,
		requestID, status)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "updating apk installation")
	}
	return nil
}

func (r *apkRepository) GetInstallation(ctx context.Context, requestID string) (*models.APKInstallation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT request_id, apk_id, device_id, COALESCE(run_id::text, ''), batch_index, status, created_at, updated_at
		FROM apk_installations WHERE request_id = $1`, requestID)
	var inst models.APKInstallation
	err := row.Scan(&inst.RequestID, &inst.APKID, &inst.DeviceID, &inst.RunID, &inst.BatchIndex,
		&inst.Status, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "installation %s not found", requestID)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning apk installation")
	}
	return &inst, nil
}

func (r *apkRepository) InsertDownloadEvent(ctx context.Context, apkID, deviceID string, bytes, durationMS int64, cacheHit bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO apk_download_events (apk_id, device_id, bytes, duration_ms, cache_hit)
		VALUES ($1, $2, $3, $4, $5)`,
		apkID, deviceID, bytes, durationMS, cacheHit)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "inserting download event")
	}
	return nil
}

func (r *apkRepository) DeleteDownloadEventsForDevices(ctx context.Context, deviceIDs []string) (int64, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM apk_download_events WHERE device_id = ANY($1)`, pq.Array(deviceIDs))
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrCodeInternal, "purging download events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *apkRepository) DeleteDownloadEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM apk_download_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrCodeInternal, "trimming download events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
