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

// HeartbeatRepository owns the append-only heartbeat log and its
// single-row-per-device projection.
type HeartbeatRepository interface {
	// Append inserts one sample. The per-partition unique index on the
	// 10-second bucket swallows duplicates; the return value reports
	// whether a row was actually written.
	Append(ctx context.Context, sample *models.HeartbeatSample) (bool, error)

	// UpsertLastStatus advances the projection. Rows with a stale last_ts
	// are left untouched, keeping last_ts strictly monotone per device.
	UpsertLastStatus(ctx context.Context, status *models.LastStatus) error

	GetLastStatus(ctx context.Context, deviceID string) (*models.LastStatus, error)
	ListLastStatus(ctx context.Context) ([]*models.LastStatus, error)

	// ListLatestFromLog computes the projection the slow way, scanning
	// the log. It backs the legacy read path and the perf-diff harness.
	ListLatestFromLog(ctx context.Context, since time.Time) ([]*models.LastStatus, error)

	// LaggingProjections returns devices whose projection is behind the
	// log within the window, capped at limit rows scanned.
	LaggingProjections(ctx context.Context, since time.Time, limit int) ([]*models.LastStatus, error)

	DeleteForDevices(ctx context.Context, deviceIDs []string) (int64, error)
}

type heartbeatRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewHeartbeatRepository creates the heartbeat repository.
func NewHeartbeatRepository(db DBTX) HeartbeatRepository {
	return &heartbeatRepository{
		db:     db,
		logger: slog.Default().With("component", "heartbeat-repository"),
	}
}

func (r *heartbeatRepository) Append(ctx context.Context, s *models.HeartbeatSample) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO device_heartbeats
			(device_id, ts, battery_pct, charging, network_type, foreground_package, unity_running, agent_version, extras)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT DO NOTHING`,
		s.DeviceID, s.Timestamp, s.BatteryPct, s.Charging, nullString(s.NetworkType),
		nullString(s.ForegroundPackage), s.UnityRunning, nullString(s.AgentVersion), nullBytes(s.Extras))
	if err != nil {
		return false, merrors.Wrap(err, merrors.ErrCodeInternal, "appending heartbeat")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, merrors.Wrap(err, merrors.ErrCodeInternal, "reading heartbeat insert result")
	}
	return n > 0, nil
}

func (r *heartbeatRepository) UpsertLastStatus(ctx context.Context, s *models.LastStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_last_status
			(device_id, last_ts, battery_pct, charging, network_type, foreground_package, unity_running, agent_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (device_id) DO UPDATE SET
			last_ts = excluded.last_ts,
			battery_pct = excluded.battery_pct,
			charging = excluded.charging,
			network_type = excluded.network_type,
			foreground_package = excluded.foreground_package,
			unity_running = excluded.unity_running,
			agent_version = excluded.agent_version,
			updated_at = now()
		WHERE excluded.last_ts > device_last_status.last_ts`,
		s.DeviceID, s.LastTS, s.BatteryPct, s.Charging, nullString(s.NetworkType),
		nullString(s.ForegroundPackage), s.UnityRunning, nullString(s.AgentVersion))
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "upserting last status")
	}
	return nil
}

const lastStatusColumns = `device_id, last_ts, battery_pct, charging, COALESCE(network_type, ''),
	COALESCE(foreground_package, ''), unity_running, COALESCE(agent_version, ''), updated_at`

func (r *heartbeatRepository) GetLastStatus(ctx context.Context, deviceID string) (*models.LastStatus, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+lastStatusColumns+` FROM device_last_status WHERE device_id = $1`, deviceID)
	var s models.LastStatus
	err := row.Scan(&s.DeviceID, &s.LastTS, &s.BatteryPct, &s.Charging, &s.NetworkType,
		&s.ForegroundPackage, &s.UnityRunning, &s.AgentVersion, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "no status for device %s", deviceID)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning last status")
	}
	return &s, nil
}

func (r *heartbeatRepository) ListLastStatus(ctx context.Context) ([]*models.LastStatus, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+lastStatusColumns+` FROM device_last_status ORDER BY last_ts DESC`)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing last status")
	}
	defer rows.Close()
	return scanLastStatusRows(rows)
}

func (r *heartbeatRepository) ListLatestFromLog(ctx context.Context, since time.Time) ([]*models.LastStatus, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (device_id)
			device_id, ts, battery_pct, charging, COALESCE(network_type, ''),
			COALESCE(foreground_package, ''), unity_running, COALESCE(agent_version, ''), received_at
		FROM device_heartbeats
		WHERE ts >= $1
		ORDER BY device_id, ts DESC`, since)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning heartbeat log")
	}
	defer rows.Close()
	return scanLastStatusRows(rows)
}

func (r *heartbeatRepository) LaggingProjections(ctx context.Context, since time.Time, limit int) ([]*models.LastStatus, error) {
	// Latest log row per device in the window, restricted to devices
	// whose projection row is missing or older.
	rows, err := r.db.QueryContext(ctx, `
		WITH latest AS (
			SELECT DISTINCT ON (device_id)
				device_id, ts, battery_pct, charging, network_type,
				foreground_package, unity_running, agent_version
			FROM device_heartbeats
			WHERE ts >= $1
			ORDER BY device_id, ts DESC
			LIMIT $2
		)
		SELECT l.device_id, l.ts, l.battery_pct, l.charging, COALESCE(l.network_type, ''),
			COALESCE(l.foreground_package, ''), l.unity_running, COALESCE(l.agent_version, ''), now()
		FROM latest l
		LEFT JOIN device_last_status s ON s.device_id = l.device_id
		WHERE s.device_id IS NULL OR s.last_ts < l.ts`, since, limit)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "finding lagging projections")
	}
	defer rows.Close()
	return scanLastStatusRows(rows)
}

func (r *heartbeatRepository) DeleteForDevices(ctx context.Context, deviceIDs []string) (int64, error) {
	if len(deviceIDs) == 0 {
		return 0, nil
	}
	var total int64
	for _, table := range []string{"device_heartbeats", "device_last_status"} {
		res, err := r.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE device_id = ANY($1)`, pq.Array(deviceIDs))
		if err != nil {
			if isUndefinedTable(err) {
				continue
			}
			return total, merrors.Wrapf(err, merrors.ErrCodeInternal, "purging %s", table)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func scanLastStatusRows(rows *sql.Rows) ([]*models.LastStatus, error) {
	var statuses []*models.LastStatus
	for rows.Next() {
		var s models.LastStatus
		if err := rows.Scan(&s.DeviceID, &s.LastTS, &s.BatteryPct, &s.Charging, &s.NetworkType,
			&s.ForegroundPackage, &s.UnityRunning, &s.AgentVersion, &s.UpdatedAt); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning status row")
		}
		statuses = append(statuses, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "iterating status rows")
	}
	return statuses, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
