package partition

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"

	"mdmd.sh/internal/artifact"
	"mdmd.sh/internal/merrors"
)

// archiveColumns is the CSV header and the SELECT list, kept in lockstep.
var archiveColumns = []string{
	"device_id", "ts", "battery_pct", "charging", "network_type",
	"foreground_package", "unity_running", "agent_version", "extras", "received_at",
}

// ArchiveResult summarizes one completed partition archive.
type ArchiveResult struct {
	Rows            int64
	CompressedBytes int64
	Checksum        string
	URL             string
}

// Archiver serializes a partition to zstd-compressed CSV and uploads it
// under the archives/ prefix of the object store.
type Archiver struct {
	store artifact.ObjectStore
}

// NewArchiver wires the archiver to a blob backend.
func NewArchiver(store artifact.ObjectStore) *Archiver {
	return &Archiver{store: store}
}

// Key returns the object key for a partition archive.
func (a *Archiver) Key(partitionName string) string {
	return fmt.Sprintf("archives/%s.csv.zst", partitionName)
}

// Archive reads every row of the named partition, writes CSV through a
// zstd encoder, and uploads the result. The checksum covers the
// compressed bytes so the archive can be verified without decompressing.
func (a *Archiver) Archive(ctx context.Context, db *sql.DB, partitionName string) (*ArchiveResult, error) {
	if _, err := DayOf(partitionName); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT device_id, ts, battery_pct, charging, network_type,
		        foreground_package, unity_running, agent_version, extras, received_at
		   FROM %s ORDER BY device_id, ts`, partitionName))
	if err != nil {
		return nil, merrors.Wrapf(err, merrors.ErrCodeUnavailable, "reading partition %s", partitionName)
	}
	defer rows.Close()

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "creating zstd encoder")
	}
	w := csv.NewWriter(enc)

	if err := w.Write(archiveColumns); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "writing archive header")
	}

	var count int64
	for rows.Next() {
		var (
			deviceID          string
			ts, receivedAt    time.Time
			batteryPct        sql.NullInt64
			charging, unityUp sql.NullBool
			network, fgPkg    sql.NullString
			agentVersion      sql.NullString
			extras            []byte
		)
		if err := rows.Scan(&deviceID, &ts, &batteryPct, &charging, &network,
			&fgPkg, &unityUp, &agentVersion, &extras, &receivedAt); err != nil {
			return nil, merrors.Wrapf(err, merrors.ErrCodeInternal, "scanning row of %s", partitionName)
		}
		record := []string{
			deviceID,
			ts.UTC().Format(time.RFC3339Nano),
			nullInt(batteryPct),
			nullBool(charging),
			network.String,
			fgPkg.String,
			nullBool(unityUp),
			agentVersion.String,
			string(extras),
			receivedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(record); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "writing archive row")
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrapf(err, merrors.ErrCodeUnavailable, "iterating partition %s", partitionName)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "flushing archive csv")
	}
	if err := enc.Close(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "closing zstd encoder")
	}

	sum := sha256.Sum256(buf.Bytes())
	key := a.Key(partitionName)
	if err := a.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return nil, err
	}

	return &ArchiveResult{
		Rows:            count,
		CompressedBytes: int64(buf.Len()),
		Checksum:        hex.EncodeToString(sum[:]),
		URL:             key,
	}, nil
}

func nullInt(v sql.NullInt64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatInt(v.Int64, 10)
}

func nullBool(v sql.NullBool) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatBool(v.Bool)
}
