package partition

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmd.sh/internal/artifact"
	"mdmd.sh/internal/merrors"
)

func newMock(t *testing.T) (sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return mock, db
}

func TestPartitionNameRoundTrip(t *testing.T) {
	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	name := Name(day)
	assert.Equal(t, "device_heartbeats_20260825", name)

	parsed, err := DayOf(name)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(day))
}

func TestPartitionNameUsesUTCDay(t *testing.T) {
	// 23:30 UTC-5 on the 24th is already the 25th in UTC.
	loc := time.FixedZone("UTC-5", -5*3600)
	name := Name(time.Date(2026, 8, 24, 23, 30, 0, 0, loc))
	assert.Equal(t, "device_heartbeats_20260825", name)
}

func TestDayOfRejectsForeignNames(t *testing.T) {
	for _, name := range []string{
		"device_heartbeats", "device_heartbeats_2026", "devices_20260825",
		"device_heartbeats_99999999",
	} {
		_, err := DayOf(name)
		assert.Error(t, err, name)
	}
}

func TestDropRefusesNonEmptyActivePartition(t *testing.T) {
	mock, db := newMock(t)
	m := NewManager(db, nil, 90, 14)

	mock.ExpectQuery(`SELECT state, row_count FROM heartbeat_partitions`).
		WithArgs("device_heartbeats_20260101").
		WillReturnRows(sqlmock.NewRows([]string{"state", "row_count"}).AddRow("active", nil))
	mock.ExpectQuery(`SELECT count\(\*\) FROM device_heartbeats_20260101`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4821))

	err := m.Drop(context.Background(), "device_heartbeats_20260101")
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeInvariant, merrors.GetCode(err))
}

func TestDropDroppedPartitionIsNoOp(t *testing.T) {
	mock, db := newMock(t)
	m := NewManager(db, nil, 90, 14)

	mock.ExpectQuery(`SELECT state, row_count FROM heartbeat_partitions`).
		WithArgs("device_heartbeats_20260101").
		WillReturnRows(sqlmock.NewRows([]string{"state", "row_count"}).AddRow("dropped", 100))

	require.NoError(t, m.Drop(context.Background(), "device_heartbeats_20260101"))
}

func TestDropArchivedPartitionRunsDDL(t *testing.T) {
	mock, db := newMock(t)
	m := NewManager(db, nil, 90, 14)

	mock.ExpectQuery(`SELECT state, row_count FROM heartbeat_partitions`).
		WithArgs("device_heartbeats_20260101").
		WillReturnRows(sqlmock.NewRows([]string{"state", "row_count"}).AddRow("archived", 100))
	mock.ExpectExec(`ALTER TABLE device_heartbeats DETACH PARTITION device_heartbeats_20260101`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DROP TABLE IF EXISTS device_heartbeats_20260101`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE heartbeat_partitions SET state = 'dropped'`).
		WithArgs("device_heartbeats_20260101").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.Drop(context.Background(), "device_heartbeats_20260101"))
}

func TestArchiveRejectsAlreadyArchived(t *testing.T) {
	_, db := newMock(t)
	m := NewManager(db, NewArchiver(mustFileStore(t)), 90, 14)

	err := m.Archive(context.Background(), Meta{Name: "device_heartbeats_20260101", State: StateArchived})
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeInvariant, merrors.GetCode(err))
}

func mustFileStore(t *testing.T) *artifact.FileStore {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestArchiverZstdRoundTrip(t *testing.T) {
	mock, db := newMock(t)
	store := mustFileStore(t)
	a := NewArchiver(store)

	ts1 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(10 * time.Second)
	cols := []string{"device_id", "ts", "battery_pct", "charging", "network_type",
		"foreground_package", "unity_running", "agent_version", "extras", "received_at"}
	mock.ExpectQuery(`SELECT device_id, ts, .* FROM device_heartbeats_20260824`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("dev-1", ts1, 87, true, "wifi", "com.example.kiosk", true, "1.4.0", []byte(`{"t":1}`), ts1).
			AddRow("dev-1", ts2, nil, nil, "", "", nil, "", nil, ts2))

	result, err := a.Archive(context.Background(), db, "device_heartbeats_20260824")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Rows)
	assert.Equal(t, "archives/device_heartbeats_20260824.csv.zst", result.URL)
	assert.Len(t, result.Checksum, 64)
	assert.Positive(t, result.CompressedBytes)

	// Decompress the uploaded blob and check the CSV survives intact.
	blob, err := store.Get(context.Background(), result.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(len(blob)), result.CompressedBytes)

	dec, err := zstd.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	defer dec.Close()
	records, err := csv.NewReader(dec).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 3) // header + 2 rows
	assert.Equal(t, archiveColumns, records[0])
	assert.Equal(t, "dev-1", records[1][0])
	assert.Equal(t, "87", records[1][2])
	assert.Equal(t, "true", records[1][3])
	assert.Equal(t, `{"t":1}`, records[1][8])
	assert.Equal(t, "", records[2][2], "null battery stays empty")
	assert.Equal(t, "", records[2][3], "null charging stays empty")
}

func TestArchiverRejectsForeignTableName(t *testing.T) {
	a := NewArchiver(mustFileStore(t))
	_, err := a.Archive(context.Background(), nil, "pg_catalog; DROP TABLE devices")
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeInvalidInput, merrors.GetCode(err))
}

func TestEnsureWindowCreatesMissingDays(t *testing.T) {
	mock, db := newMock(t)
	m := NewManager(db, nil, 1, 1)
	m.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }

	// Three days in the window: 24th exists, 25th and 26th are created.
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("device_heartbeats_20260824").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	for _, name := range []string{"device_heartbeats_20260825", "device_heartbeats_20260826"} {
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs(name).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ` + name).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_` + name).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS uq_` + name).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO heartbeat_partitions`).
			WithArgs(name, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectQuery(`SELECT state, count\(\*\) FROM heartbeat_partitions`).
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("active", 3))

	require.NoError(t, m.EnsureWindow(context.Background()))
}
