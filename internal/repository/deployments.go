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

// DeploymentRepository persists rollout runs and their batches. State
// transition guards live in SQL WHERE clauses so concurrent tickers
// cannot regress a terminal state.
type DeploymentRepository interface {
	CreateRun(ctx context.Context, run *models.DeploymentRun, batches []*models.DeploymentBatch) error
	GetRun(ctx context.Context, runID string) (*models.DeploymentRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.DeploymentRun, error)
	ListBatches(ctx context.Context, runID string) ([]*models.DeploymentBatch, error)

	// TransitionRun moves a run from one state to another; it reports
	// whether the guarded update applied.
	TransitionRun(ctx context.Context, runID string, from []models.RunState, to models.RunState, reason string) (bool, error)

	// NextPendingBatch returns the lowest-index pending batch of a
	// running run, or NotFound.
	NextPendingBatch(ctx context.Context) (*models.DeploymentBatch, error)
	MarkBatchRunning(ctx context.Context, runID string, batchIndex int, dispatchedAt, timeoutAt time.Time) error
	// RunningBatches returns batches awaiting results across all runs.
	RunningBatches(ctx context.Context) ([]*models.DeploymentBatch, error)
	// RecordBatchResult bumps the success or failure counter. Counters
	// only grow; terminal batches ignore late results.
	RecordBatchResult(ctx context.Context, runID string, batchIndex int, success bool) (*models.DeploymentBatch, error)
	// FinishBatch moves a running batch to a terminal state; it reports
	// whether the update applied.
	FinishBatch(ctx context.Context, runID string, batchIndex int, state models.BatchState) (bool, error)
}

type deploymentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDeploymentRepository creates the deployment repository.
func NewDeploymentRepository(db *sql.DB) DeploymentRepository {
	return &deploymentRepository{
		db:     db,
		logger: slog.Default().With("component", "deployment-repository"),
	}
}

func (r *deploymentRepository) CreateRun(ctx context.Context, run *models.DeploymentRun, batches []*models.DeploymentBatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "beginning deployment tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployment_runs
			(run_id, apk_id, name, state, total_devices, batch_size, success_threshold_pct, batch_timeout_seconds, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.RunID, run.APKID, run.Name, run.State, run.TotalDevices, run.BatchSize,
		run.SuccessThresholdPct, run.BatchTimeout, run.CreatedBy)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "inserting deployment run")
	}

	for _, b := range batches {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO deployment_batches (run_id, batch_index, state, device_ids, success_threshold)
			VALUES ($1, $2, $3, $4, $5)`,
			b.RunID, b.BatchIndex, b.State, pq.Array(b.DeviceIDs), b.SuccessThreshold)
		if err != nil {
			return merrors.Wrap(err, merrors.ErrCodeInternal, "inserting deployment batch")
		}
	}

	if err := tx.Commit(); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "committing deployment")
	}
	return nil
}

const runColumns = `run_id, apk_id, name, state, total_devices, batch_size, success_threshold_pct,
	batch_timeout_seconds, COALESCE(failure_reason, ''), created_by, created_at, started_at, finished_at`

func (r *deploymentRepository) GetRun(ctx context.Context, runID string) (*models.DeploymentRun, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM deployment_runs WHERE run_id = $1`, runID)
	return scanRun(row.Scan)
}

func (r *deploymentRepository) ListRuns(ctx context.Context, limit int) ([]*models.DeploymentRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM deployment_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing deployment runs")
	}
	defer rows.Close()

	var runs []*models.DeploymentRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "iterating deployment runs")
	}
	return runs, nil
}

const batchColumns = `run_id, batch_index, state, device_ids, success_threshold,
	success_count, failure_count, dispatched_at, timeout_at, finished_at`

func (r *deploymentRepository) ListBatches(ctx context.Context, runID string) ([]*models.DeploymentBatch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM deployment_batches WHERE run_id = $1 ORDER BY batch_index`, runID)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing deployment batches")
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (r *deploymentRepository) TransitionRun(ctx context.Context, runID string, from []models.RunState, to models.RunState, reason string) (bool, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	var query string
	switch to {
	case models.RunRunning:
		query = `UPDATE deployment_runs SET state = $3,
			started_at = COALESCE(started_at, now()),
			failure_reason = NULLIF($4, '')
			WHERE run_id = $1 AND state = ANY($2)`
	case models.RunCompleted, models.RunFailed, models.RunAborted:
		query = `UPDATE deployment_runs SET state = $3,
			finished_at = now(),
			failure_reason = NULLIF($4, '')
			WHERE run_id = $1 AND state = ANY($2)`
	default:
		query = `UPDATE deployment_runs SET state = $3,
			failure_reason = NULLIF($4, '')
			WHERE run_id = $1 AND state = ANY($2)`
	}

	res, err := r.db.ExecContext(ctx, query, runID, pq.Array(fromStr), to, reason)
	if err != nil {
		return false, merrors.Wrap(err, merrors.ErrCodeInternal, "transitioning deployment run")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *deploymentRepository) NextPendingBatch(ctx context.Context) (*models.DeploymentBatch, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT b.run_id, b.batch_index, b.state, b.device_ids, b.success_threshold,
			b.success_count, b.failure_count, b.dispatched_at, b.timeout_at, b.finished_at
		FROM deployment_batches b
		JOIN deployment_runs r ON r.run_id = b.run_id
		WHERE b.state = 'pending' AND r.state = 'running'
			AND NOT EXISTS (
				SELECT 1 FROM deployment_batches prev
				WHERE prev.run_id = b.run_id AND prev.state IN ('pending', 'running')
					AND prev.batch_index < b.batch_index)
		ORDER BY r.created_at, b.batch_index
		LIMIT 1`)
	batch, err := scanBatch(row.Scan)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *deploymentRepository) MarkBatchRunning(ctx context.Context, runID string, batchIndex int, dispatchedAt, timeoutAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE deployment_batches SET state = 'running', dispatched_at = $3, timeout_at = $4
		WHERE run_id = $1 AND batch_index = $2 AND state = 'pending'`,
		runID, batchIndex, dispatchedAt, timeoutAt)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "marking batch running")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return merrors.Newf(merrors.ErrCodeAlreadyExists, "batch %s/%d is not pending", runID, batchIndex)
	}
	return nil
}

func (r *deploymentRepository) RunningBatches(ctx context.Context) ([]*models.DeploymentBatch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM deployment_batches WHERE state = 'running' ORDER BY run_id, batch_index`)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "listing running batches")
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (r *deploymentRepository) RecordBatchResult(ctx context.Context, runID string, batchIndex int, success bool) (*models.DeploymentBatch, error) {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE deployment_batches SET `+column+` = `+column+` + 1
		WHERE run_id = $1 AND batch_index = $2 AND state = 'running'
		RETURNING `+batchColumns, runID, batchIndex)
	batch, err := scanBatch(row.Scan)
	if merrors.GetCode(err) == merrors.ErrCodeNotFound {
		// Late result for a terminal batch; counters stay frozen.
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "batch %s/%d not running", runID, batchIndex)
	}
	return batch, err
}

func (r *deploymentRepository) FinishBatch(ctx context.Context, runID string, batchIndex int, state models.BatchState) (bool, error) {
	if !state.Terminal() {
		return false, merrors.Newf(merrors.ErrCodeInvalidInput, "state %s is not terminal", state)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE deployment_batches SET state = $3, finished_at = now()
		WHERE run_id = $1 AND batch_index = $2 AND state = 'running'`,
		runID, batchIndex, state)
	if err != nil {
		return false, merrors.Wrap(err, merrors.ErrCodeInternal, "finishing batch")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanRun(scan func(...any) error) (*models.DeploymentRun, error) {
	var run models.DeploymentRun
	err := scan(&run.RunID, &run.APKID, &run.Name, &run.State, &run.TotalDevices, &run.BatchSize,
		&run.SuccessThresholdPct, &run.BatchTimeout, &run.FailureReason, &run.CreatedBy,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.New(merrors.ErrCodeNotFound, "deployment run not found")
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning deployment run")
	}
	return &run, nil
}

func scanBatch(scan func(...any) error) (*models.DeploymentBatch, error) {
	var b models.DeploymentBatch
	var deviceIDs pq.StringArray
	err := scan(&b.RunID, &b.BatchIndex, &b.State, &deviceIDs, &b.SuccessThreshold,
		&b.SuccessCount, &b.FailureCount, &b.DispatchedAt, &b.TimeoutAt, &b.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.New(merrors.ErrCodeNotFound, "deployment batch not found")
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "scanning deployment batch")
	}
	b.DeviceIDs = deviceIDs
	return &b, nil
}

func scanBatches(rows *sql.Rows) ([]*models.DeploymentBatch, error) {
	var batches []*models.DeploymentBatch
	for rows.Next() {
		batch, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "iterating deployment batches")
	}
	return batches, nil
}
