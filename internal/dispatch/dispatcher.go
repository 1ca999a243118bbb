// Package dispatch turns admin actions into signed push messages and
// keeps the idempotent command ledger that records every attempt.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mdmd.sh/internal/auth"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/push"
	"mdmd.sh/internal/repository"
)

// Supported actions.
const (
	ActionPing       = "ping"
	ActionLaunchApp  = "launch_app"
	ActionInstallAPK = "install_apk"
)

// downloadURLTTL bounds how long a signed APK download link stays valid.
const downloadURLTTL = time.Hour

// APKCatalog is the slice of the artifact store the dispatcher needs to
// enrich install_apk payloads.
type APKCatalog interface {
	Get(ctx context.Context, apkID string) (*models.APKVersion, error)
}

// ResultListener receives each first-time command result. Late and
// duplicate results are filtered out before fan-out.
type ResultListener func(ctx context.Context, result *models.CommandResult)

// Dispatcher sends commands through the push provider with an
// idempotent write-through ledger.
type Dispatcher struct {
	devices  repository.DeviceRepository
	commands repository.CommandRepository
	provider push.Provider
	signer   *auth.Signer
	catalog  APKCatalog
	baseURL  string
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners []ResultListener

	now   func() time.Time
	newID func() string
}

// NewDispatcher wires the dispatcher. baseURL is the externally
// reachable origin used in signed download links.
func NewDispatcher(devices repository.DeviceRepository, commands repository.CommandRepository,
	provider push.Provider, signer *auth.Signer, catalog APKCatalog, baseURL string) *Dispatcher {
	return &Dispatcher{
		devices:  devices,
		commands: commands,
		provider: provider,
		signer:   signer,
		catalog:  catalog,
		baseURL:  baseURL,
		logger:   slog.Default().With("component", "dispatch"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Subscribe registers a listener for first-time results.
func (d *Dispatcher) Subscribe(fn ResultListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Input describes one command to dispatch. RequestID is optional;
// callers that retry (the deployment controller) pass the same id so
// replays hit the ledger instead of the provider.
type Input struct {
	DeviceID  string
	Action    string
	Params    map[string]any
	IssuedBy  string
	RequestID string
}

// Dispatch sends one command. The request id exists before the provider
// is called; the ledger row is written after the call returns, so a
// cancelled call leaves no row and a replayed id never reaches the
// provider twice.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) (*models.CommandRecord, error) {
	switch in.Action {
	case ActionPing, ActionLaunchApp, ActionInstallAPK:
	default:
		return nil, merrors.Newf(merrors.ErrCodeInvalidInput, "unsupported action %q", in.Action)
	}

	requestID := in.RequestID
	if requestID == "" {
		requestID = d.newID()
	}
	payloadHash, err := d.payloadHash(in.DeviceID, in.Action, in.Params)
	if err != nil {
		return nil, err
	}

	// Replay check: a ledger row for this id means the provider already
	// saw the command (or permanently failed); hand the row back as-is.
	if existing, err := d.commands.Get(ctx, requestID); err == nil {
		if existing.PayloadHash != payloadHash {
			return nil, merrors.Newf(merrors.ErrCodeInvariant,
				"request id %s replayed with different payload", requestID)
		}
		return existing, nil
	} else if merrors.GetCode(err) != merrors.ErrCodeNotFound {
		return nil, err
	}

	data, err := d.buildPayload(ctx, requestID, in)
	if err != nil {
		return nil, err
	}

	token, err := d.devices.FCMToken(ctx, in.DeviceID)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, merrors.Newf(merrors.ErrCodeUnavailable, "device %s has no push token", in.DeviceID)
	}

	start := d.now()
	receipt, sendErr := d.provider.Send(ctx, token, data)
	latency := d.now().Sub(start).Milliseconds()

	// Cancellation mid-call leaves no ledger row: the caller cannot know
	// whether the provider acted, and a fresh request id is the safe retry.
	if ctx.Err() != nil {
		return nil, merrors.Wrap(ctx.Err(), merrors.ErrCodeTimeout, "dispatch cancelled")
	}

	params, err := json.Marshal(in.Params)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "encoding parameters")
	}
	record := &models.CommandRecord{
		RequestID:   requestID,
		DeviceID:    in.DeviceID,
		Action:      in.Action,
		Parameters:  params,
		PayloadHash: payloadHash,
		Status:      models.CommandSent,
		LatencyMS:   &latency,
		IssuedBy:    in.IssuedBy,
	}
	if receipt != nil {
		code := receipt.HTTPCode
		record.HTTPCode = &code
		record.ProviderMessageID = receipt.MessageID
	}
	if sendErr != nil {
		record.Status = models.CommandFailed
		record.ErrorDetail = sendErr.Error()
	}

	stored, inserted, err := d.commands.Insert(ctx, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost a race with a concurrent dispatch of the same id.
		return stored, nil
	}

	metrics.CommandsDispatchedTotal.WithLabelValues(in.Action, string(record.Status)).Inc()
	d.logger.Info("command dispatched", "request_id", requestID, "device_id", in.DeviceID,
		"action", in.Action, "status", record.Status, "latency_ms", latency)
	return record, nil
}

// BulkOutcome is the per-device result of a bulk dispatch.
type BulkOutcome struct {
	DeviceID  string               `json:"device_id"`
	RequestID string               `json:"request_id,omitempty"`
	Status    models.CommandStatus `json:"status"`
	Error     string               `json:"error,omitempty"`
}

// DispatchBulk verifies the admin HMAC over the whole request, then
// dispatches per device. One device failing does not stop the rest.
func (d *Dispatcher) DispatchBulk(ctx context.Context, deviceIDs []string, action string,
	params map[string]any, signature, issuedBy string) ([]BulkOutcome, error) {
	if len(deviceIDs) == 0 {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "device_ids is empty")
	}
	if err := d.signer.VerifyAdminCommand(deviceIDs, action, params, signature); err != nil {
		return nil, err
	}

	outcomes := make([]BulkOutcome, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		record, err := d.Dispatch(ctx, Input{
			DeviceID: deviceID,
			Action:   action,
			Params:   params,
			IssuedBy: issuedBy,
		})
		if err != nil {
			outcomes = append(outcomes, BulkOutcome{
				DeviceID: deviceID,
				Status:   models.CommandFailed,
				Error:    err.Error(),
			})
			continue
		}
		outcomes = append(outcomes, BulkOutcome{
			DeviceID:  deviceID,
			RequestID: record.RequestID,
			Status:    record.Status,
		})
	}
	return outcomes, nil
}

// SubmitResult records a device-reported outcome at most once and fans
// out first-time results to subscribers. Duplicates are a silent no-op.
func (d *Dispatcher) SubmitResult(ctx context.Context, result *models.CommandResult) error {
	switch result.Status {
	case models.ResultCompleted, models.ResultFailed, models.ResultTimeout:
	default:
		return merrors.Newf(merrors.ErrCodeInvalidInput, "unknown result status %q", result.Status)
	}

	command, err := d.commands.Get(ctx, result.RequestID)
	if err != nil {
		return err
	}
	if command.DeviceID != result.DeviceID {
		return merrors.Newf(merrors.ErrCodePermissionDenied,
			"result for %s submitted by wrong device", result.RequestID)
	}
	if result.ReportedAt.IsZero() {
		result.ReportedAt = d.now()
	}

	inserted, err := d.commands.InsertResult(ctx, result)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	metrics.CommandResultsTotal.WithLabelValues(result.Status).Inc()
	d.mu.RLock()
	listeners := d.listeners
	d.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, result)
	}
	return nil
}

// buildPayload assembles the FCM data map: action envelope, HMAC, and
// for install_apk the signed download link plus content hash.
func (d *Dispatcher) buildPayload(ctx context.Context, requestID string, in Input) (map[string]string, error) {
	ts := d.now().Unix()
	data := map[string]string{
		"action":     in.Action,
		"request_id": requestID,
		"device_id":  in.DeviceID,
		"ts":         strconv.FormatInt(ts, 10),
		"hmac":       d.signer.SignCommand(requestID, in.DeviceID, in.Action, ts),
	}
	if len(in.Params) > 0 {
		params, err := json.Marshal(in.Params)
		if err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "encoding parameters")
		}
		data["params"] = string(params)
	}

	if in.Action == ActionInstallAPK {
		apkID, _ := in.Params["apk_id"].(string)
		if apkID == "" {
			return nil, merrors.New(merrors.ErrCodeInvalidInput, "install_apk requires apk_id")
		}
		apk, err := d.catalog.Get(ctx, apkID)
		if err != nil {
			return nil, err
		}
		data["download_url"] = d.SignedDownloadURL(apkID, in.DeviceID)
		data["sha256"] = apk.SHA256
		data["size_bytes"] = strconv.FormatInt(apk.SizeBytes, 10)
	}
	return data, nil
}

// SignedDownloadURL builds a time-limited download link the APK handler
// verifies with the same command signer.
func (d *Dispatcher) SignedDownloadURL(apkID, deviceID string) string {
	expires := d.now().Add(downloadURLTTL).Unix()
	sig := d.signer.SignCommand(apkID, deviceID, "download", expires)
	return fmt.Sprintf("%s/v1/apk/%s/download?device_id=%s&expires=%d&sig=%s",
		d.baseURL, apkID, deviceID, expires, sig)
}

// VerifyDownloadSignature checks a presented download link signature.
func (d *Dispatcher) VerifyDownloadSignature(apkID, deviceID string, expires int64, sig string) error {
	if expires < d.now().Unix() {
		return merrors.New(merrors.ErrCodeUnauthenticated, "download link expired")
	}
	if !d.signer.VerifyCommand(apkID, deviceID, "download", expires, sig) {
		return merrors.New(merrors.ErrCodeUnauthenticated, "download signature mismatch")
	}
	return nil
}

func (d *Dispatcher) payloadHash(deviceID, action string, params map[string]any) (string, error) {
	canonical, err := auth.CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(deviceID + ":" + action + ":" + canonical))
	return hex.EncodeToString(sum[:]), nil
}
