package scheduler

import (
	"context"
	"log/slog"
	"time"

	"mdmd.sh/internal/database"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/models"
)

const (
	// PurgeInterval is how often the purge worker polls its queue.
	PurgeInterval = 30 * time.Second
	// PurgeTickBudget bounds one tick's wall time.
	PurgeTickBudget = 60 * time.Second
	// PurgeMaxJobsPerTick bounds how many jobs one tick drains.
	PurgeMaxJobsPerTick = 10

	// SelectionCleanupInterval sweeps expired device selections.
	SelectionCleanupInterval = 10 * time.Minute
)

// AdvisoryLocker is the slice of database.DB the singleton workers need.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (*database.AdvisoryLock, bool, error)
}

// PurgeQueue is the job-queue surface the purge worker consumes.
type PurgeQueue interface {
	DequeuePending(ctx context.Context) (*models.PurgeJob, error)
	MarkDone(ctx context.Context, jobID int64) error
	MarkFailed(ctx context.Context, jobID int64, detail string) error
}

// HistoryDeleter deletes per-device rows from one history table.
type HistoryDeleter interface {
	DeleteForDevices(ctx context.Context, deviceIDs []string) (int64, error)
}

// DownloadEventDeleter deletes per-device download telemetry.
type DownloadEventDeleter interface {
	DeleteDownloadEventsForDevices(ctx context.Context, deviceIDs []string) (int64, error)
}

// PurgeWorker drains the purge job queue: per-device history deletion
// across the heartbeat log, the command ledger, and download telemetry.
// An advisory lock keeps one instance working at a time.
type PurgeWorker struct {
	locker     AdvisoryLocker
	jobs       PurgeQueue
	heartbeats HistoryDeleter
	commands   HistoryDeleter
	downloads  DownloadEventDeleter
	budget     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPurgeWorker wires the purge worker.
func NewPurgeWorker(locker AdvisoryLocker, jobs PurgeQueue,
	heartbeats, commands HistoryDeleter, downloads DownloadEventDeleter) *PurgeWorker {
	return &PurgeWorker{
		locker:     locker,
		jobs:       jobs,
		heartbeats: heartbeats,
		commands:   commands,
		downloads:  downloads,
		budget:     PurgeTickBudget,
		logger:     slog.Default().With("component", "purge-worker"),
		now:        time.Now,
	}
}

// WithBudget overrides the per-tick wall-time budget.
func (w *PurgeWorker) WithBudget(budget time.Duration) *PurgeWorker {
	if budget > 0 {
		w.budget = budget
	}
	return w
}

// Run processes queued purge jobs FIFO until the queue is empty, the
// per-tick job cap is hit, or the time budget runs out.
func (w *PurgeWorker) Run(ctx context.Context) error {
	lock, acquired, err := w.locker.TryAdvisoryLock(ctx, database.LockPurgeWorker)
	if err != nil {
		return err
	}
	if !acquired {
		// Another instance is draining the queue.
		return nil
	}
	defer lock.Unlock(context.Background())

	deadline := w.now().Add(w.budget)
	for jobs := 0; jobs < PurgeMaxJobsPerTick; jobs++ {
		if w.now().After(deadline) {
			w.logger.Info("purge tick budget exhausted", "jobs_done", jobs)
			return nil
		}

		job, err := w.jobs.DequeuePending(ctx)
		if merrors.GetCode(err) == merrors.ErrCodeNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		if err := w.purge(ctx, job.DeviceIDs, job.PurgeHistory); err != nil {
			w.logger.Error("purge job failed", "job_id", job.JobID, "error", err)
			if merr := w.jobs.MarkFailed(ctx, job.JobID, err.Error()); merr != nil {
				w.logger.Warn("marking purge job failed", "job_id", job.JobID, "error", merr)
			}
			continue
		}
		if err := w.jobs.MarkDone(ctx, job.JobID); err != nil {
			w.logger.Warn("marking purge job done", "job_id", job.JobID, "error", err)
		}
	}
	return nil
}

func (w *PurgeWorker) purge(ctx context.Context, deviceIDs []string, history bool) error {
	rows, err := w.heartbeats.DeleteForDevices(ctx, deviceIDs)
	if err != nil {
		return err
	}
	metrics.PurgedRowsTotal.WithLabelValues("device_heartbeats").Add(float64(rows))

	if !history {
		return nil
	}

	rows, err = w.commands.DeleteForDevices(ctx, deviceIDs)
	if err != nil {
		return err
	}
	metrics.PurgedRowsTotal.WithLabelValues("device_commands").Add(float64(rows))

	rows, err = w.downloads.DeleteDownloadEventsForDevices(ctx, deviceIDs)
	if err != nil {
		return err
	}
	metrics.PurgedRowsTotal.WithLabelValues("apk_download_events").Add(float64(rows))
	return nil
}

// SelectionSweeper deletes expired device selections.
type SelectionSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// NewSelectionCleanupWorker sweeps expired device selections.
func NewSelectionCleanupWorker(selections SelectionSweeper) Worker {
	logger := slog.Default().With("component", "selection-cleanup")
	return Worker{
		Name:     "selection_cleanup",
		Interval: SelectionCleanupInterval,
		Run: func(ctx context.Context) error {
			deleted, err := selections.DeleteExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			if deleted > 0 {
				logger.Info("expired selections removed", "count", deleted)
			}
			return nil
		},
	}
}

// PartitionMaintainer is the slice of the partition manager the daily
// worker needs.
type PartitionMaintainer interface {
	Maintain(ctx context.Context) error
}

// NewPartitionMaintenanceWorker runs the daily partition cycle behind
// an advisory lock.
func NewPartitionMaintenanceWorker(locker AdvisoryLocker, manager PartitionMaintainer) Worker {
	return Worker{
		Name:     "partition_maintenance",
		Interval: 24 * time.Hour,
		Run: func(ctx context.Context) error {
			lock, acquired, err := locker.TryAdvisoryLock(ctx, database.LockPartitionMaintenance)
			if err != nil {
				return err
			}
			if !acquired {
				return nil
			}
			defer lock.Unlock(context.Background())
			return manager.Maintain(ctx)
		},
	}
}
