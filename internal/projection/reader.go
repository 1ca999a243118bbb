// Package projection serves device status reads from the last-status
// projection, with a legacy log-scan fallback and an optional
// perf-diff harness comparing the two.
package projection

import (
	"context"
	"log/slog"
	"time"

	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/repository"
)

// legacyScanWindow bounds how far back the log-scan path looks.
const legacyScanWindow = 24 * time.Hour

// Computed device statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// DeviceStatus is one device joined with its latest telemetry.
type DeviceStatus struct {
	Device *models.Device     `json:"device"`
	Latest *models.LastStatus `json:"latest,omitempty"`
	Status string             `json:"status"`
}

// Config selects the read path.
type Config struct {
	// ReadFromLastStatus serves reads from the projection table. Off
	// means every read scans the heartbeat log.
	ReadFromLastStatus bool
	// PerfDiffEnabled runs both paths and logs side-by-side latencies.
	// The secondary result never affects the response.
	PerfDiffEnabled bool
	// OfflineAfter decides the computed online/offline status.
	OfflineAfter time.Duration
}

// Reader resolves device status views.
type Reader struct {
	devices    repository.DeviceRepository
	heartbeats repository.HeartbeatRepository
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewReader wires the status reader.
func NewReader(devices repository.DeviceRepository, heartbeats repository.HeartbeatRepository, cfg Config) *Reader {
	return &Reader{
		devices:    devices,
		heartbeats: heartbeats,
		cfg:        cfg,
		logger:     slog.Default().With("component", "projection"),
		now:        time.Now,
	}
}

// List returns the status view for every device.
func (r *Reader) List(ctx context.Context, limit, offset int) ([]*DeviceStatus, error) {
	devices, err := r.devices.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}

	statuses, err := r.loadStatuses(ctx)
	if err != nil {
		return nil, err
	}
	byDevice := make(map[string]*models.LastStatus, len(statuses))
	for _, s := range statuses {
		byDevice[s.DeviceID] = s
	}

	out := make([]*DeviceStatus, 0, len(devices))
	for _, device := range devices {
		out = append(out, r.view(device, byDevice[device.DeviceID]))
	}
	return out, nil
}

// Get returns the status view for one device.
func (r *Reader) Get(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	device, err := r.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	latest, err := r.heartbeats.GetLastStatus(ctx, deviceID)
	if err != nil {
		// No projection row yet is a valid state for a fresh device.
		latest = nil
	}
	return r.view(device, latest), nil
}

// loadStatuses picks the read path, optionally timing both.
func (r *Reader) loadStatuses(ctx context.Context) ([]*models.LastStatus, error) {
	if !r.cfg.PerfDiffEnabled {
		if r.cfg.ReadFromLastStatus {
			return r.fastPath(ctx)
		}
		return r.legacyPath(ctx)
	}

	fastStart := time.Now()
	fast, fastErr := r.fastPath(ctx)
	fastDur := time.Since(fastStart)

	legacyStart := time.Now()
	legacy, legacyErr := r.legacyPath(ctx)
	legacyDur := time.Since(legacyStart)

	r.logger.Info("status read perf diff",
		"fast_ms", fastDur.Milliseconds(), "fast_rows", len(fast), "fast_err", fastErr != nil,
		"legacy_ms", legacyDur.Milliseconds(), "legacy_rows", len(legacy), "legacy_err", legacyErr != nil)

	if r.cfg.ReadFromLastStatus {
		return fast, fastErr
	}
	return legacy, legacyErr
}

func (r *Reader) fastPath(ctx context.Context) ([]*models.LastStatus, error) {
	start := time.Now()
	defer func() {
		metrics.StatusReadDuration.WithLabelValues("fast").Observe(time.Since(start).Seconds())
	}()
	return r.heartbeats.ListLastStatus(ctx)
}

func (r *Reader) legacyPath(ctx context.Context) ([]*models.LastStatus, error) {
	start := time.Now()
	defer func() {
		metrics.StatusReadDuration.WithLabelValues("legacy").Observe(time.Since(start).Seconds())
	}()
	return r.heartbeats.ListLatestFromLog(ctx, r.now().Add(-legacyScanWindow))
}

func (r *Reader) view(device *models.Device, latest *models.LastStatus) *DeviceStatus {
	status := StatusUnknown
	if latest != nil {
		if r.now().Sub(latest.LastTS) <= r.cfg.OfflineAfter {
			status = StatusOnline
		} else {
			status = StatusOffline
		}
	} else if device.LastSeen != nil {
		if r.now().Sub(*device.LastSeen) <= r.cfg.OfflineAfter {
			status = StatusOnline
		} else {
			status = StatusOffline
		}
	}
	return &DeviceStatus{Device: device, Latest: latest, Status: status}
}
