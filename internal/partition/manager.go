// Package partition maintains the day-range partitions of the heartbeat
// log: creating children ahead of the write head, archiving expired days
// to the object store, and dropping them only after a verified archive.
package partition

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/metrics"
)

const (
	// DefaultRetentionDays keeps 90 days of heartbeats online.
	DefaultRetentionDays = 90
	// DefaultPrecreateDays keeps 14 days of empty partitions ahead of now.
	DefaultPrecreateDays = 14

	parentTable = "device_heartbeats"
	namePrefix  = "device_heartbeats_"
)

// State is the lifecycle stage of one day partition. Transitions run
// forward only: active -> archived -> dropped.
type State string

const (
	StateActive   State = "active"
	StateArchived State = "archived"
	StateDropped  State = "dropped"
)

// Meta is one row of heartbeat_partitions.
type Meta struct {
	Name       string
	Day        time.Time
	State      State
	RowCount   int64
	Bytes      int64
	Checksum   string
	ArchiveURL string
}

// Name returns the child table name for a day, e.g.
// device_heartbeats_20260825.
func Name(day time.Time) string {
	return namePrefix + day.UTC().Format("20060102")
}

// DayOf parses the day back out of a child table name.
func DayOf(name string) (time.Time, error) {
	if len(name) != len(namePrefix)+8 || name[:len(namePrefix)] != namePrefix {
		return time.Time{}, merrors.Newf(merrors.ErrCodeInvalidInput, "not a heartbeat partition name: %q", name)
	}
	day, err := time.ParseInLocation("20060102", name[len(namePrefix):], time.UTC)
	if err != nil {
		return time.Time{}, merrors.Wrapf(err, merrors.ErrCodeInvalidInput, "parsing partition name %q", name)
	}
	return day, nil
}

// Manager owns partition DDL and the metadata table.
type Manager struct {
	db            *sql.DB
	archiver      *Archiver
	retentionDays int
	precreateDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewManager wires the manager. archiver may be nil, in which case
// expired partitions are archived lazily on the next run that has one.
func NewManager(db *sql.DB, archiver *Archiver, retentionDays, precreateDays int) *Manager {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if precreateDays <= 0 {
		precreateDays = DefaultPrecreateDays
	}
	return &Manager{
		db:            db,
		archiver:      archiver,
		retentionDays: retentionDays,
		precreateDays: precreateDays,
		logger:        slog.Default().With("component", "partition"),
		now:           time.Now,
	}
}

// EnsureWindow creates any missing partitions covering
// [now-retention, now+precreate]. Safe to call concurrently; DDL is
// IF NOT EXISTS and the metadata insert is ON CONFLICT DO NOTHING.
func (m *Manager) EnsureWindow(ctx context.Context) error {
	today := m.today()
	start := today.AddDate(0, 0, -m.retentionDays)
	end := today.AddDate(0, 0, m.precreateDays)

	var created int
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		made, err := m.ensureDay(ctx, day)
		if err != nil {
			return err
		}
		if made {
			created++
		}
	}
	if created > 0 {
		m.logger.Info("partition window extended", "created", created,
			"window_start", start.Format("2006-01-02"), "window_end", end.Format("2006-01-02"))
	}
	return m.refreshGauges(ctx)
}

func (m *Manager) ensureDay(ctx context.Context, day time.Time) (bool, error) {
	name := Name(day)

	var exists bool
	err := m.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_class WHERE relname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, merrors.Wrapf(err, merrors.ErrCodeUnavailable, "checking partition %s", name)
	}
	if exists {
		return false, nil
	}

	next := day.AddDate(0, 0, 1)
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			name, parentTable, day.Format("2006-01-02"), next.Format("2006-01-02")),
		// Read path: latest-first per device.
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_device_ts ON %s (device_id, ts DESC)`, name, name),
		// Dedupe: one sample per device per 10 s bucket. The unique index
		// has to live on the child; expression uniques cannot span the
		// partitioned parent.
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS uq_%s_bucket ON %s `+
			`(device_id, date_trunc('minute', ts), (floor(extract(second from ts) / 10)))`, name, name),
	}
	for _, stmt := range ddl {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return false, merrors.Wrapf(err, merrors.ErrCodeUnavailable, "creating partition %s", name)
		}
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO heartbeat_partitions (partition_name, day, state)
		 VALUES ($1, $2, 'active')
		 ON CONFLICT (partition_name) DO NOTHING`, name, day)
	if err != nil {
		return false, merrors.Wrapf(err, merrors.ErrCodeUnavailable, "recording partition %s", name)
	}
	return true, nil
}

// Expired lists active partitions wholly before the retention window.
func (m *Manager) Expired(ctx context.Context) ([]Meta, error) {
	cutoff := m.today().AddDate(0, 0, -m.retentionDays)
	rows, err := m.db.QueryContext(ctx,
		`SELECT partition_name, day, state,
		        COALESCE(row_count, 0), COALESCE(bytes, 0),
		        COALESCE(checksum_sha256, ''), COALESCE(archive_url, '')
		   FROM heartbeat_partitions
		  WHERE state = 'active' AND day < $1
		  ORDER BY day`, cutoff)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeUnavailable, "listing expired partitions")
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		var meta Meta
		if err := rows.Scan(&meta.Name, &meta.Day, &meta.State,
			&meta.RowCount, &meta.Bytes, &meta.Checksum, &meta.ArchiveURL); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning partition metadata")
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Archive streams one partition's rows to the object store and records
// checksum, byte size, and archive URL before flipping state. A failed
// upload leaves the partition active for the next run.
func (m *Manager) Archive(ctx context.Context, meta Meta) error {
	if meta.State != StateActive {
		return merrors.Newf(merrors.ErrCodeInvariant,
			"partition %s in state %s cannot be archived", meta.Name, meta.State)
	}
	if m.archiver == nil {
		return merrors.New(merrors.ErrCodeUnavailable, "no archiver configured")
	}

	result, err := m.archiver.Archive(ctx, m.db, meta.Name)
	if err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx,
		`UPDATE heartbeat_partitions
		    SET state = 'archived', row_count = $2, bytes = $3,
		        checksum_sha256 = $4, archive_url = $5, archived_at = now()
		  WHERE partition_name = $1 AND state = 'active'`,
		meta.Name, result.Rows, result.CompressedBytes, result.Checksum, result.URL)
	if err != nil {
		return merrors.Wrapf(err, merrors.ErrCodeUnavailable, "marking %s archived", meta.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return merrors.Newf(merrors.ErrCodeInvariant,
			"partition %s changed state during archive", meta.Name)
	}

	m.logger.Info("partition archived", "partition", meta.Name,
		"rows", result.Rows, "bytes", result.CompressedBytes, "url", result.URL)
	return nil
}

// Drop detaches and removes an archived partition. Dropping a non-empty
// partition that was never archived is an invariant violation: callers
// treat it as fatal rather than losing data silently.
func (m *Manager) Drop(ctx context.Context, name string) error {
	var state State
	var rowCount sql.NullInt64
	err := m.db.QueryRowContext(ctx,
		`SELECT state, row_count FROM heartbeat_partitions WHERE partition_name = $1`,
		name).Scan(&state, &rowCount)
	if err == sql.ErrNoRows {
		return merrors.Newf(merrors.ErrCodeNotFound, "partition %s not tracked", name)
	}
	if err != nil {
		return merrors.Wrapf(err, merrors.ErrCodeUnavailable, "loading partition %s", name)
	}

	switch state {
	case StateDropped:
		return nil
	case StateArchived:
		// fall through to DDL
	case StateActive:
		var live int64
		if err := m.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT count(*) FROM %s`, name)).Scan(&live); err != nil {
			return merrors.Wrapf(err, merrors.ErrCodeUnavailable, "counting rows in %s", name)
		}
		if live > 0 {
			return merrors.Newf(merrors.ErrCodeInvariant,
				"refusing to drop partition %s: %d rows and no archive", name, live)
		}
	default:
		return merrors.Newf(merrors.ErrCodeInvariant, "partition %s in unknown state %q", name, state)
	}

	if _, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE %s DETACH PARTITION %s`, parentTable, name)); err != nil {
		return merrors.Wrapf(err, merrors.ErrCodeUnavailable, "detaching %s", name)
	}
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
		return merrors.Wrapf(err, merrors.ErrCodeUnavailable, "dropping %s", name)
	}
	if _, err := m.db.ExecContext(ctx,
		`UPDATE heartbeat_partitions SET state = 'dropped', dropped_at = now()
		  WHERE partition_name = $1`, name); err != nil {
		return merrors.Wrapf(err, merrors.ErrCodeUnavailable, "marking %s dropped", name)
	}

	m.logger.Info("partition dropped", "partition", name)
	return nil
}

// Maintain runs one maintenance cycle: extend the window, then archive
// and drop every expired partition. Invariant violations abort the
// cycle; transient store errors leave work for the next run.
func (m *Manager) Maintain(ctx context.Context) error {
	if err := m.EnsureWindow(ctx); err != nil {
		return err
	}
	expired, err := m.Expired(ctx)
	if err != nil {
		return err
	}
	for _, meta := range expired {
		if err := m.Archive(ctx, meta); err != nil {
			if merrors.GetCode(err) == merrors.ErrCodeInvariant {
				return err
			}
			m.logger.Warn("partition archive deferred", "partition", meta.Name, "error", err)
			continue
		}
		if err := m.Drop(ctx, meta.Name); err != nil {
			return err
		}
	}
	return m.refreshGauges(ctx)
}

func (m *Manager) refreshGauges(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx,
		`SELECT state, count(*) FROM heartbeat_partitions GROUP BY state`)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "counting partitions by state")
	}
	defer rows.Close()

	counts := map[string]float64{"active": 0, "archived": 0, "dropped": 0}
	for rows.Next() {
		var state string
		var n float64
		if err := rows.Scan(&state, &n); err != nil {
			return merrors.Wrap(err, merrors.ErrCodeInternal, "scanning partition counts")
		}
		counts[state] = n
	}
	for state, n := range counts {
		metrics.PartitionsManaged.WithLabelValues(state).Set(n)
	}
	return rows.Err()
}

func (m *Manager) today() time.Time {
	now := m.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
