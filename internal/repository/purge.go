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

// PurgeRepository is the FIFO queue of device history purge jobs.
type PurgeRepository interface {
	Enqueue(ctx context.Context, deviceIDs []string, purgeHistory bool) (int64, error)
	// DequeuePending claims the oldest pending job, moving it to running.
	// NotFound means the queue is empty.
	DequeuePending(ctx context.Context) (*models.PurgeJob, error)
	MarkDone(ctx context.Context, jobID int64) error
	MarkFailed(ctx context.Context, jobID int64, detail string) error
	Get(ctx context.Context, jobID int64) (*models.PurgeJob, error)
}

type purgeRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewPurgeRepository creates the purge queue repository.
func NewPurgeRepository(db DBTX) PurgeRepository {
	return &purgeRepository{
		db:     db,
		logger: slog.Default().With("component", "purge-repository"),
	}
}

func (r *purgeRepository) Enqueue(ctx context.Context, deviceIDs []string, purgeHistory bool) (int64, error) {
	if len(deviceIDs) == 0 {
		return 0, merrors.New(merrors.ErrCodeInvalidInput, "no device ids to purge")
	}
	var jobID int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO purge_jobs (device_ids, purge_history)
		VALUES ($1, $2) RETURNING job_id`,
		pq.Array(deviceIDs), purgeHistory).Scan(&jobID)
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrCodeInternal, "enqueueing purge job")
	}
	return jobID, nil
}

const purgeColumns = `job_id, device_ids, purge_history, state, COALESCE(error_detail, ''),
	enqueued_at, started_at, finished_at`

func (r *purgeRepository) DequeuePending(ctx context.Context) (*models.PurgeJob, error) {
	// SKIP LOCKED keeps concurrent workers from claiming the same job;
	// the advisory lock in the worker makes this a belt-and-braces guard.
	row := r.db.QueryRowContext(ctx, `
		UPDATE purge_jobs SET state = 'running', started_at = now()
		WHERE job_id = (
			SELECT job_id FROM purge_jobs
			WHERE state = 'pending'
			ORDER BY enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1)
		RETURNING `+purgeColumns)
	return scanPurgeJob(row.Scan)
}

func (r *purgeRepository) MarkDone(ctx context.Context, jobID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE purge_jobs SET state = 'done', finished_at = now() WHERE job_id = $1`, jobID)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "completing purge job")
	}
	return nil
}

func (r *purgeRepository) MarkFailed(ctx context.Context, jobID int64, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE purge_jobs SET state = 'failed', error_detail = $2, finished_at = now() WHERE job_id = $1`,
		jobID, detail)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "failing purge job")
	}
	return nil
}

func (r *purgeRepository) Get(ctx context.Context, jobID int64) (*models.PurgeJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+purgeColumns+` FROM purge_jobs WHERE job_id = $1`, jobID)
	return scanPurgeJob(row.Scan)
}

func scanPurgeJob(scan func(...any) error) (*models.PurgeJob, error) {
	var job models.PurgeJob
	var deviceIDs pq.StringArray
	err := scan(&job.JobID, &deviceIDs, &job.PurgeHistory, &job.State, &job.ErrorDetail,
		&job.EnqueuedAt, &job.StartedAt, &job.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.New(merrors.ErrCodeNotFound, "purge queue is empty")
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning purge job")
	}
	job.DeviceIDs = deviceIDs
	return &job, nil
}
