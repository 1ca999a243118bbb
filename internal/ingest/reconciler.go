package ingest

import (
	"context"
	"log/slog"
	"time"

	"mdmd.sh/internal/database"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/repository"
)

const (
	// reconcileWindow is how far back the reconciler rescans the log.
	reconcileWindow = 24 * time.Hour
	// DefaultReconcileRowCap bounds the rows considered per run.
	DefaultReconcileRowCap = 5000
)

// Reconciler repairs DeviceLastStatus rows that lag the heartbeat log,
// for example after a crash between append and upsert. It is idempotent:
// the monotone upsert guard makes repeated repairs harmless.
type Reconciler struct {
	db         *database.DB
	heartbeats repository.HeartbeatRepository
	rowCap     int
	logger     *slog.Logger
}

// NewReconciler creates the projection reconciler.
func NewReconciler(db *database.DB, heartbeats repository.HeartbeatRepository, rowCap int) *Reconciler {
	if rowCap <= 0 {
		rowCap = DefaultReconcileRowCap
	}
	return &Reconciler{
		db:         db,
		heartbeats: heartbeats,
		rowCap:     rowCap,
		logger:     slog.Default().With("component", "reconciler"),
	}
}

// Run performs one reconciliation pass under the advisory lock. Another
// instance holding the lock makes this run a silent no-op.
func (r *Reconciler) Run(ctx context.Context) error {
	lock, acquired, err := r.db.TryAdvisoryLock(ctx, database.LockReconciler)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeUnavailable, "acquiring reconciler lock")
	}
	if !acquired {
		r.logger.Debug("reconciler lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			r.logger.Warn("releasing reconciler lock", "error", err)
		}
	}()

	since := time.Now().Add(-reconcileWindow)
	lagging, err := r.heartbeats.LaggingProjections(ctx, since, r.rowCap)
	if err != nil {
		return err
	}

	var repaired int
	for _, status := range lagging {
		if err := r.heartbeats.UpsertLastStatus(ctx, status); err != nil {
			r.logger.Error("projection repair failed", "device_id", status.DeviceID, "error", err)
			continue
		}
		repaired++
	}

	if repaired > 0 {
		metrics.ReconciliationRepairsTotal.Add(float64(repaired))
		r.logger.Info("projection reconciliation complete",
			"lagging", len(lagging), "repaired", repaired)
	}
	return nil
}
