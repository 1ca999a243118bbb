// Package deploy stages APK rollouts across the fleet in batches,
// advancing only while each wave clears its success threshold.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mdmd.sh/internal/dispatch"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/repository"
)

// DefaultTickInterval is how often the controller looks for work.
const DefaultTickInterval = 5 * time.Second

// Dispatcher is the slice of the command dispatcher the controller
// needs: send install commands, observe their results.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Input) (*models.CommandRecord, error)
	Subscribe(fn dispatch.ResultListener)
}

// Controller drives deployment runs through their state machines.
type Controller struct {
	runs   repository.DeploymentRepository
	apks   repository.APKRepository
	sender Dispatcher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewController wires the controller and subscribes it to command
// results so install outcomes feed batch counters.
func NewController(runs repository.DeploymentRepository, apks repository.APKRepository, sender Dispatcher) *Controller {
	c := &Controller{
		runs:   runs,
		apks:   apks,
		sender: sender,
		logger: slog.Default().With("component", "deploy"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	sender.Subscribe(c.onResult)
	return c
}

// CreateInput describes a new rollout.
type CreateInput struct {
	APKID            string
	Name             string
	DeviceIDs        []string
	BatchSize        int
	SuccessThreshold int
	BatchTimeout     time.Duration
	CreatedBy        string
}

// CreateRun validates and persists a run with its batches, all pending.
// Every device lands in exactly one batch; the last batch may be short.
func (c *Controller) CreateRun(ctx context.Context, in CreateInput) (*models.DeploymentRun, error) {
	if len(in.DeviceIDs) == 0 {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device_ids is empty")
	}
	if in.BatchSize <= 0 {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "batch_size must be positive")
	}
	if in.SuccessThreshold <= 0 || in.SuccessThreshold > in.BatchSize {
		return nil, merrors.Newf(merrors.ErrCodeInvalidInput,
			"success_threshold must be in 1..%d", in.BatchSize)
	}
	if in.BatchTimeout <= 0 {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "batch_timeout must be positive")
	}
	if seen := duplicateDevice(in.DeviceIDs); seen != "" {
		return nil, merrors.Newf(merrors.ErrCodeInvalidInput, "device %s listed twice", seen)
	}
	if _, err := c.apks.Get(ctx, in.APKID); err != nil {
		return nil, err
	}

	run := &models.DeploymentRun{
		RunID:               c.newID(),
		APKID:               in.APKID,
		Name:                in.Name,
		State:               models.RunPending,
		TotalDevices:        len(in.DeviceIDs),
		BatchSize:           in.BatchSize,
		SuccessThresholdPct: in.SuccessThreshold * 100 / in.BatchSize,
		BatchTimeout:        int(in.BatchTimeout.Seconds()),
		CreatedBy:           in.CreatedBy,
	}

	var batches []*models.DeploymentBatch
	for i := 0; i < len(in.DeviceIDs); i += in.BatchSize {
		end := i + in.BatchSize
		if end > len(in.DeviceIDs) {
			end = len(in.DeviceIDs)
		}
		devices := in.DeviceIDs[i:end]
		threshold := in.SuccessThreshold
		// A short tail batch cannot demand more successes than devices.
		if threshold > len(devices) {
			threshold = len(devices)
		}
		batches = append(batches, &models.DeploymentBatch{
			RunID:            run.RunID,
			BatchIndex:       len(batches),
			State:            models.BatchPending,
			DeviceIDs:        devices,
			SuccessThreshold: threshold,
		})
	}

	if err := c.runs.CreateRun(ctx, run, batches); err != nil {
		return nil, err
	}
	c.logger.Info("deployment run created", "run_id", run.RunID, "apk_id", in.APKID,
		"devices", run.TotalDevices, "batches", len(batches))
	return run, nil
}

// Start moves a pending run to running.
func (c *Controller) Start(ctx context.Context, runID string) error {
	return c.transition(ctx, runID, []models.RunState{models.RunPending}, models.RunRunning, "")
}

// Pause holds a running run; in-flight batches keep collecting results
// but no new batch starts.
func (c *Controller) Pause(ctx context.Context, runID string) error {
	return c.transition(ctx, runID, []models.RunState{models.RunRunning}, models.RunPaused, "")
}

// Resume continues a paused run.
func (c *Controller) Resume(ctx context.Context, runID string) error {
	return c.transition(ctx, runID, []models.RunState{models.RunPaused}, models.RunRunning, "")
}

// Abort terminates a run from any non-terminal state.
func (c *Controller) Abort(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "aborted by operator"
	}
	err := c.transition(ctx, runID,
		[]models.RunState{models.RunPending, models.RunRunning, models.RunPaused},
		models.RunAborted, reason)
	if err == nil {
		metrics.DeploymentsTotal.WithLabelValues(string(models.RunAborted)).Inc()
	}
	return err
}

func (c *Controller) transition(ctx context.Context, runID string, from []models.RunState, to models.RunState, reason string) error {
	applied, err := c.runs.TransitionRun(ctx, runID, from, to, reason)
	if err != nil {
		return err
	}
	if !applied {
		run, err := c.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return merrors.Newf(merrors.ErrCodeInvalidInput,
			"run %s is %s, cannot move to %s", runID, run.State, to)
	}
	c.logger.Info("deployment run transitioned", "run_id", runID, "to", to)
	return nil
}

// Tick runs one control cycle: time out overdue batches, settle batches
// whose counters are decisive, then start the next pending batch.
func (c *Controller) Tick(ctx context.Context) error {
	if err := c.settleRunningBatches(ctx); err != nil {
		return err
	}
	return c.startNextBatch(ctx)
}

func (c *Controller) settleRunningBatches(ctx context.Context) error {
	batches, err := c.runs.RunningBatches(ctx)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := c.settle(ctx, batch); err != nil {
			c.logger.Warn("batch settlement failed", "run_id", batch.RunID,
				"batch", batch.BatchIndex, "error", err)
		}
	}
	return nil
}

// settle applies the decision rules to one running batch.
func (c *Controller) settle(ctx context.Context, batch *models.DeploymentBatch) error {
	now := c.now()
	switch {
	case batch.SuccessCount >= batch.SuccessThreshold:
		return c.finishBatch(ctx, batch, models.BatchSucceeded)

	case batch.TimeoutAt != nil && now.After(*batch.TimeoutAt):
		return c.finishBatch(ctx, batch, models.BatchTimedOut)

	case batch.SuccessCount+c.remaining(batch) < batch.SuccessThreshold:
		// Even if every outstanding device succeeds the threshold is
		// out of reach.
		return c.finishBatch(ctx, batch, models.BatchFailed)
	}
	return nil
}

func (c *Controller) remaining(batch *models.DeploymentBatch) int {
	return len(batch.DeviceIDs) - batch.SuccessCount - batch.FailureCount
}

func (c *Controller) finishBatch(ctx context.Context, batch *models.DeploymentBatch, state models.BatchState) error {
	applied, err := c.runs.FinishBatch(ctx, batch.RunID, batch.BatchIndex, state)
	if err != nil {
		return err
	}
	if !applied {
		// Another instance settled it first.
		return nil
	}
	metrics.DeploymentBatchesTotal.WithLabelValues(string(state)).Inc()
	c.logger.Info("deployment batch finished", "run_id", batch.RunID,
		"batch", batch.BatchIndex, "state", state,
		"success", batch.SuccessCount, "failure", batch.FailureCount)

	if state == models.BatchSucceeded {
		return c.maybeCompleteRun(ctx, batch.RunID)
	}

	// A failed or timed-out batch fails the whole run; later batches
	// stay pending forever under a terminal run.
	reason := fmt.Sprintf("batch %d %s", batch.BatchIndex, state)
	applied, err = c.runs.TransitionRun(ctx, batch.RunID,
		[]models.RunState{models.RunRunning, models.RunPaused}, models.RunFailed, reason)
	if err != nil {
		return err
	}
	if applied {
		metrics.DeploymentsTotal.WithLabelValues(string(models.RunFailed)).Inc()
	}
	return nil
}

func (c *Controller) maybeCompleteRun(ctx context.Context, runID string) error {
	batches, err := c.runs.ListBatches(ctx, runID)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if b.State != models.BatchSucceeded {
			return nil
		}
	}
	applied, err := c.runs.TransitionRun(ctx, runID,
		[]models.RunState{models.RunRunning}, models.RunCompleted, "")
	if err != nil {
		return err
	}
	if applied {
		metrics.DeploymentsTotal.WithLabelValues(string(models.RunCompleted)).Inc()
		c.logger.Info("deployment run completed", "run_id", runID)
	}
	return nil
}

// startNextBatch dispatches install_apk to every device of the first
// pending batch under a running run.
func (c *Controller) startNextBatch(ctx context.Context) error {
	batch, err := c.runs.NextPendingBatch(ctx)
	if merrors.GetCode(err) == merrors.ErrCodeNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	run, err := c.runs.GetRun(ctx, batch.RunID)
	if err != nil {
		return err
	}

	now := c.now()
	timeoutAt := now.Add(time.Duration(run.BatchTimeout) * time.Second)
	if err := c.runs.MarkBatchRunning(ctx, batch.RunID, batch.BatchIndex, now, timeoutAt); err != nil {
		return err
	}

	batchIndex := batch.BatchIndex
	for _, deviceID := range batch.DeviceIDs {
		// Deterministic request ids make tick retries replay the ledger
		// instead of double-dispatching.
		requestID := uuid.NewSHA1(uuid.NameSpaceOID,
			[]byte(fmt.Sprintf("%s/%d/%s", batch.RunID, batch.BatchIndex, deviceID))).String()

		record, err := c.sender.Dispatch(ctx, dispatch.Input{
			DeviceID:  deviceID,
			Action:    dispatch.ActionInstallAPK,
			Params:    map[string]any{"apk_id": run.APKID},
			IssuedBy:  "deploy:" + batch.RunID,
			RequestID: requestID,
		})
		if err != nil || record.Status == models.CommandFailed {
			// Dispatch failure counts as a device failure immediately;
			// no result will ever arrive.
			if err != nil {
				c.logger.Warn("install dispatch failed", "run_id", batch.RunID,
					"device_id", deviceID, "error", err)
			}
			if _, rerr := c.runs.RecordBatchResult(ctx, batch.RunID, batch.BatchIndex, false); rerr != nil {
				c.logger.Warn("recording dispatch failure failed", "run_id", batch.RunID, "error", rerr)
			}
			continue
		}

		if err := c.apks.InsertInstallation(ctx, &models.APKInstallation{
			RequestID:  requestID,
			APKID:      run.APKID,
			DeviceID:   deviceID,
			RunID:      batch.RunID,
			BatchIndex: &batchIndex,
			Status:     "dispatched",
		}); err != nil {
			c.logger.Warn("installation row write failed", "request_id", requestID, "error", err)
		}
	}

	c.logger.Info("deployment batch started", "run_id", batch.RunID,
		"batch", batch.BatchIndex, "devices", len(batch.DeviceIDs), "timeout_at", timeoutAt)
	return nil
}

// onResult consumes first-time command results and feeds the counters
// of the batch the install belongs to.
func (c *Controller) onResult(ctx context.Context, result *models.CommandResult) {
	inst, err := c.apks.GetInstallation(ctx, result.RequestID)
	if err != nil {
		// Not an install we dispatched.
		return
	}
	if inst.RunID == "" || inst.BatchIndex == nil {
		return
	}

	success := result.Status == models.ResultCompleted
	status := "failed"
	if success {
		status = "installed"
	}
	if err := c.apks.UpdateInstallationStatus(ctx, result.RequestID, status); err != nil {
		c.logger.Warn("installation status update failed", "request_id", result.RequestID, "error", err)
	}

	batch, err := c.runs.RecordBatchResult(ctx, inst.RunID, *inst.BatchIndex, success)
	if merrors.GetCode(err) == merrors.ErrCodeNotFound {
		// Late result for a terminal batch: counters frozen.
		return
	}
	if err != nil {
		c.logger.Warn("batch counter update failed", "run_id", inst.RunID, "error", err)
		return
	}
	if err := c.settle(ctx, batch); err != nil {
		c.logger.Warn("batch settlement failed", "run_id", inst.RunID, "error", err)
	}
}

func duplicateDevice(ids []string) string {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id
		}
		seen[id] = struct{}{}
	}
	return ""
}
