package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/repository"
)

// HeartbeatRequest is the device-posted payload.
type HeartbeatRequest struct {
	Alias        string                `json:"alias"`
	TimestampUTC time.Time             `json:"timestamp_utc" validate:"required"`
	AppVersion   string                `json:"app_version,omitempty"`
	AppVersions  map[string]AppVersion `json:"app_versions,omitempty"`

	MonitoredAppSignals struct {
		HasServiceNotification  bool `json:"has_service_notification"`
		ForegroundRecentSeconds *int `json:"foreground_recent_seconds,omitempty"`
	} `json:"monitored_app_signals"`

	Battery struct {
		Pct          int     `json:"pct" validate:"min=0,max=100"`
		Charging     bool    `json:"charging"`
		TemperatureC float64 `json:"temperature_c"`
	} `json:"battery"`

	System struct {
		UptimeS        int64  `json:"uptime_s"`
		AndroidVersion string `json:"android_version"`
		SDKInt         int    `json:"sdk_int"`
		PatchLevel     string `json:"patch_level"`
		BuildID        string `json:"build_id"`
		Model          string `json:"model"`
		Manufacturer   string `json:"manufacturer"`
	} `json:"system"`

	Memory struct {
		TotalRAMMB  int64   `json:"total_ram_mb"`
		AvailRAMMB  int64   `json:"avail_ram_mb"`
		PressurePct float64 `json:"pressure_pct"`
	} `json:"memory"`

	Network struct {
		Transport string `json:"transport"`
		SSID      string `json:"ssid,omitempty"`
		Carrier   string `json:"carrier,omitempty"`
		IP        string `json:"ip,omitempty"`
	} `json:"network"`

	FCMToken                  string `json:"fcm_token,omitempty"`
	IsPingResponse            bool   `json:"is_ping_response,omitempty"`
	PingRequestID             string `json:"ping_request_id,omitempty"`
	IsDeviceOwner             *bool  `json:"is_device_owner,omitempty"`
	MonitoredForegroundRecent *int   `json:"monitored_foreground_recent_s,omitempty"`
}

// AppVersion is the per-package install state reported by the agent.
type AppVersion struct {
	Installed   bool   `json:"installed"`
	VersionName string `json:"version_name,omitempty"`
	VersionCode int64  `json:"version_code,omitempty"`
}

// ResultSink receives in-band ping answers. The dispatcher implements it;
// the indirection keeps ingest free of a dispatch dependency.
type ResultSink interface {
	SubmitResult(ctx context.Context, result *models.CommandResult) error
}

// Ingestor is the heartbeat write path.
type Ingestor struct {
	devices    repository.DeviceRepository
	heartbeats repository.HeartbeatRepository
	queue      *EventQueue
	results    ResultSink
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
}

// NewIngestor wires the write path. results may be nil when in-band ping
// correlation is disabled.
func NewIngestor(devices repository.DeviceRepository, heartbeats repository.HeartbeatRepository, queue *EventQueue, results ResultSink) *Ingestor {
	return &Ingestor{
		devices:    devices,
		heartbeats: heartbeats,
		queue:      queue,
		results:    results,
		validate:   validator.New(),
		logger:     slog.Default().With("component", "ingest"),
		now:        time.Now,
	}
}

// Ingest processes one authenticated heartbeat. The append and projection
// upsert run in order; dedupe conflicts are swallowed and the projection
// guard keeps last_ts monotone regardless of arrival order.
func (i *Ingestor) Ingest(ctx context.Context, device *models.Device, req *HeartbeatRequest) error {
	if err := i.validate.Struct(req); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "invalid heartbeat payload")
	}
	ts := req.TimestampUTC
	if ts.IsZero() {
		return merrors.New(merrors.ErrCodeInvalidInput, "timestamp_utc is required")
	}

	unityRunning := i.monitoredAppRunning(device, req)
	batteryPct := req.Battery.Pct
	charging := req.Battery.Charging

	sample := &models.HeartbeatSample{
		DeviceID:     device.DeviceID,
		Timestamp:    ts.UTC(),
		BatteryPct:   &batteryPct,
		Charging:     &charging,
		NetworkType:  req.Network.Transport,
		UnityRunning: &unityRunning,
		AgentVersion: req.AppVersion,
		Extras:       i.extras(req),
	}

	inserted, err := i.heartbeats.Append(ctx, sample)
	if err != nil {
		return err
	}
	if !inserted {
		metrics.HeartbeatsDedupedTotal.Inc()
	} else {
		metrics.HeartbeatsIngestedTotal.Inc()
	}

	status := &models.LastStatus{
		DeviceID:     device.DeviceID,
		LastTS:       sample.Timestamp,
		BatteryPct:   sample.BatteryPct,
		Charging:     sample.Charging,
		NetworkType:  sample.NetworkType,
		UnityRunning: sample.UnityRunning,
		AgentVersion: sample.AgentVersion,
	}
	if err := i.heartbeats.UpsertLastStatus(ctx, status); err != nil {
		return err
	}

	if err := i.devices.TouchSeen(ctx, device.DeviceID, i.now(), req.Alias, req.FCMToken, req.AppVersion); err != nil {
		// last_seen lag repairs itself on the next heartbeat.
		i.logger.Warn("device touch failed", "device_id", device.DeviceID, "error", err)
	}

	i.enqueueEvent(device.DeviceID, sample)

	if req.IsPingResponse && req.PingRequestID != "" && i.results != nil {
		i.forwardPingResult(ctx, device.DeviceID, req.PingRequestID)
	}
	return nil
}

// monitoredAppRunning derives the UNITY_DOWN input signal from the
// heartbeat. Preference order: explicit foreground recency, then the
// service-notification bit.
func (i *Ingestor) monitoredAppRunning(device *models.Device, req *HeartbeatRequest) bool {
	recent := req.MonitoredForegroundRecent
	if recent == nil {
		recent = req.MonitoredAppSignals.ForegroundRecentSeconds
	}
	if recent != nil {
		threshold := device.MonitorThresholdMin * 60
		if threshold <= 0 {
			threshold = 600
		}
		return *recent <= threshold
	}
	return req.MonitoredAppSignals.HasServiceNotification
}

func (i *Ingestor) extras(req *HeartbeatRequest) []byte {
	extras := map[string]any{
		"battery_temperature_c": req.Battery.TemperatureC,
		"system":                req.System,
		"memory":                req.Memory,
		"network":               req.Network,
	}
	if len(req.AppVersions) > 0 {
		extras["app_versions"] = req.AppVersions
	}
	if req.IsDeviceOwner != nil {
		extras["is_device_owner"] = *req.IsDeviceOwner
	}
	raw, err := json.Marshal(extras)
	if err != nil {
		return nil
	}
	return raw
}

func (i *Ingestor) enqueueEvent(deviceID string, sample *models.HeartbeatSample) {
	payload, _ := json.Marshal(map[string]any{
		"ts":          sample.Timestamp,
		"battery_pct": sample.BatteryPct,
		"network":     sample.NetworkType,
	})
	i.queue.Enqueue(&models.DeviceEvent{
		EventID:    ulid.Make().String(),
		DeviceID:   deviceID,
		EventType:  "heartbeat",
		Payload:    payload,
		OccurredAt: sample.Timestamp,
	})
}

func (i *Ingestor) forwardPingResult(ctx context.Context, deviceID, pingRequestID string) {
	err := i.results.SubmitResult(ctx, &models.CommandResult{
		RequestID:  pingRequestID,
		DeviceID:   deviceID,
		Status:     models.ResultCompleted,
		Message:    "ping answered in heartbeat",
		ReportedAt: i.now(),
	})
	if err != nil && merrors.GetCode(err) != merrors.ErrCodeNotFound {
		i.logger.Warn("ping result forward failed",
			"device_id", deviceID, "request_id", pingRequestID, "error", err)
	}
}
