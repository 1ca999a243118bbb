// Package alerting evaluates fleet conditions against the status
// projection and delivers alerts through a suppression pipeline:
// per-device cooldown, global rate cap, and per-condition rollup.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"mdmd.sh/internal/dispatch"
	"mdmd.sh/internal/metrics"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/repository"
)

// deviceListPage bounds how many devices one evaluation loads.
const deviceListPage = 10000

// Suppression reasons used in events and metrics.
const (
	reasonCooldown  = "cooldown"
	reasonRateLimit = "rate_limit"
	reasonRollup    = "rollup"
)

// Remediator dispatches auto-remediation commands. *dispatch.Dispatcher
// satisfies it.
type Remediator interface {
	Dispatch(ctx context.Context, in dispatch.Input) (*models.CommandRecord, error)
}

// Config tunes evaluation thresholds and suppression.
type Config struct {
	OfflineAfter                time.Duration
	LowBatteryPct               int
	DeviceCooldown              time.Duration
	GlobalCapPerMin             int
	RollupThreshold             int
	RequireConsecutiveUnityDown bool
	AutoRemediate               bool
	DashboardURL                string
}

// Engine runs the per-tick evaluation.
type Engine struct {
	devices    repository.DeviceRepository
	heartbeats repository.HeartbeatRepository
	alerts     repository.AlertRepository
	sender     Sender
	remediator Remediator
	rules      *Rules
	cfg        Config
	limiter    *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine wires the alert engine. remediator may be nil when
// auto-remediation is disabled.
func NewEngine(devices repository.DeviceRepository, heartbeats repository.HeartbeatRepository,
	alerts repository.AlertRepository, sender Sender, remediator Remediator,
	rules *Rules, cfg Config) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{
		devices:    devices,
		heartbeats: heartbeats,
		alerts:     alerts,
		sender:     sender,
		remediator: remediator,
		rules:      rules,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.GlobalCapPerMin)/60.0), cfg.GlobalCapPerMin),
		logger:     slog.Default().With("component", "alerting"),
		now:        time.Now,
	}
}

// raise is one condition firing for one device in this tick.
type raise struct {
	device *models.Device
	status *models.LastStatus
}

// Evaluate runs one tick: transition every (device, condition) pair,
// then push surviving raises through the suppression pipeline. One
// failing pair never aborts the rest of the tick.
func (e *Engine) Evaluate(ctx context.Context) error {
	devices, err := e.devices.List(ctx, deviceListPage, 0)
	if err != nil {
		return err
	}
	statuses, err := e.heartbeats.ListLastStatus(ctx)
	if err != nil {
		return err
	}
	byDevice := make(map[string]*models.LastStatus, len(statuses))
	for _, s := range statuses {
		byDevice[s.DeviceID] = s
	}

	now := e.now()
	raises := make(map[models.AlertCondition][]raise)
	for _, device := range devices {
		if device.Revoked() {
			continue
		}
		status := byDevice[device.DeviceID]
		for _, condition := range models.AlertConditions {
			fired, err := e.transition(ctx, device, condition, status, now)
			if err != nil {
				e.logger.Warn("alert transition failed", "device_id", device.DeviceID,
					"condition", condition, "error", err)
				continue
			}
			if fired {
				raises[condition] = append(raises[condition], raise{device: device, status: status})
			}
		}
	}

	for condition, pending := range raises {
		e.deliver(ctx, condition, pending, now)
	}
	return nil
}

// transition applies one evaluation to the (device, condition) state
// machine and reports whether a raise fired this tick. Recoveries are
// delivered inline since they bypass suppression.
func (e *Engine) transition(ctx context.Context, device *models.Device,
	condition models.AlertCondition, status *models.LastStatus, now time.Time) (bool, error) {
	active := e.conditionActive(device, condition, status, now)
	state, err := e.alerts.GetState(ctx, device.DeviceID, condition)
	if err != nil {
		return false, err
	}

	switch {
	case active && state.State == models.AlertOK:
		if condition == models.ConditionUnityDown && e.cfg.RequireConsecutiveUnityDown {
			state.State = models.AlertPending
			state.PendingSince = &now
			state.UpdatedAt = now
			return false, e.alerts.UpsertState(ctx, state)
		}
		state.State = models.AlertAlerting
		state.AlertingSince = &now
		state.PendingSince = nil
		state.UpdatedAt = now
		return true, e.alerts.UpsertState(ctx, state)

	case active && state.State == models.AlertPending:
		state.State = models.AlertAlerting
		state.AlertingSince = &now
		state.PendingSince = nil
		state.UpdatedAt = now
		return true, e.alerts.UpsertState(ctx, state)

	case active:
		// Already alerting. Repeat raises are handled by the cooldown
		// path so long outages keep nudging the webhook.
		return now.After(cooldownDeadline(state)), nil

	case state.State == models.AlertPending:
		state.State = models.AlertOK
		state.PendingSince = nil
		state.UpdatedAt = now
		return false, e.alerts.UpsertState(ctx, state)

	case state.State == models.AlertAlerting:
		state.State = models.AlertOK
		state.AlertingSince = nil
		state.UpdatedAt = now
		if err := e.alerts.UpsertState(ctx, state); err != nil {
			return false, err
		}
		e.sendRecovery(ctx, device, condition, now)
		return false, nil
	}
	return false, nil
}

func cooldownDeadline(state *models.AlertState) time.Time {
	if state.CooldownUntil == nil {
		return time.Time{}
	}
	return *state.CooldownUntil
}

// conditionActive evaluates one condition against the projection.
func (e *Engine) conditionActive(device *models.Device, condition models.AlertCondition,
	status *models.LastStatus, now time.Time) bool {
	switch condition {
	case models.ConditionOffline:
		if status == nil {
			// Never heard from: offline once the grace period after
			// registration has passed.
			return now.Sub(device.CreatedAt) > e.cfg.OfflineAfter
		}
		return now.Sub(status.LastTS) > e.cfg.OfflineAfter
	case models.ConditionLowBattery:
		if status == nil || status.BatteryPct == nil {
			return false
		}
		charging := status.Charging != nil && *status.Charging
		return *status.BatteryPct <= e.cfg.LowBatteryPct && !charging
	case models.ConditionUnityDown:
		if device.MonitoredPackage == "" || status == nil || status.UnityRunning == nil {
			return false
		}
		// Stale projections fall under OFFLINE, not UNITY_DOWN.
		if now.Sub(status.LastTS) > e.cfg.OfflineAfter {
			return false
		}
		return !*status.UnityRunning
	}
	return false
}

// deliver runs the suppression pipeline for all raises of one condition:
// cooldown and rate cap per device, then rollup across the survivors.
func (e *Engine) deliver(ctx context.Context, condition models.AlertCondition, pending []raise, now time.Time) {
	var survivors []raise
	for _, r := range pending {
		state, err := e.alerts.GetState(ctx, r.device.DeviceID, condition)
		if err != nil {
			e.logger.Warn("cooldown lookup failed", "device_id", r.device.DeviceID, "error", err)
			continue
		}
		if state.CooldownUntil != nil && now.Before(*state.CooldownUntil) {
			e.suppress(ctx, r.device, condition, reasonCooldown, now)
			continue
		}
		if !e.limiter.AllowN(now, 1) {
			e.suppress(ctx, r.device, condition, reasonRateLimit, now)
			continue
		}
		survivors = append(survivors, r)
	}
	if len(survivors) == 0 {
		return
	}

	if len(survivors) >= e.cfg.RollupThreshold {
		e.deliverRollup(ctx, condition, survivors, now)
		return
	}
	for _, r := range survivors {
		e.deliverSingle(ctx, condition, r, now)
	}
}

func (e *Engine) deliverSingle(ctx context.Context, condition models.AlertCondition, r raise, now time.Time) {
	rule := e.rules.For(condition)
	msg := e.buildMessage(condition, rule, r, now)
	if err := e.sender.Send(ctx, rule.WebhookURL, msg); err != nil {
		e.logger.Warn("alert delivery failed", "device_id", r.device.DeviceID,
			"condition", condition, "error", err)
		return
	}

	metrics.AlertsEmittedTotal.WithLabelValues(string(condition)).Inc()
	e.startCooldown(ctx, r.device.DeviceID, condition, now)
	e.recordEvent(ctx, &models.AlertEvent{
		EventID:   ulid.Make().String(),
		DeviceID:  r.device.DeviceID,
		Condition: condition,
		Kind:      models.AlertTrigger,
		Severity:  rule.Severity,
		Message:   msg.Embeds[0].Title,
		Delivered: true,
		CreatedAt: now,
	})
	e.remediate(ctx, condition, rule, r.device)
}

func (e *Engine) deliverRollup(ctx context.Context, condition models.AlertCondition, survivors []raise, now time.Time) {
	rule := e.rules.For(condition)
	ids := make([]string, 0, len(survivors))
	for _, r := range survivors {
		ids = append(ids, deviceLabel(r.device))
	}

	msg := &Message{Embeds: []Embed{{
		Title:       fmt.Sprintf("%s on %d devices", condition, len(survivors)),
		Description: strings.Join(ids, ", "),
		Color:       severityColor(rule.Severity, false),
		Timestamp:   now.UTC().Format(time.RFC3339),
	}}}
	if err := e.sender.Send(ctx, rule.WebhookURL, msg); err != nil {
		e.logger.Warn("rollup delivery failed", "condition", condition, "error", err)
		return
	}

	// One emission for the whole batch; the individual raises count as
	// rollup-suppressed.
	metrics.AlertsEmittedTotal.WithLabelValues(string(condition)).Inc()
	metrics.AlertsSuppressedTotal.WithLabelValues(reasonRollup).Add(float64(len(survivors)))
	for _, r := range survivors {
		e.startCooldown(ctx, r.device.DeviceID, condition, now)
	}
	e.recordEvent(ctx, &models.AlertEvent{
		EventID:   ulid.Make().String(),
		Condition: condition,
		Kind:      models.AlertRollup,
		Severity:  rule.Severity,
		Message:   fmt.Sprintf("%s on %d devices: %s", condition, len(survivors), strings.Join(ids, ", ")),
		Delivered: true,
		CreatedAt: now,
	})
}

func (e *Engine) sendRecovery(ctx context.Context, device *models.Device, condition models.AlertCondition, now time.Time) {
	rule := e.rules.For(condition)
	msg := &Message{Embeds: []Embed{{
		Title:     fmt.Sprintf("%s recovered: %s", condition, deviceLabel(device)),
		Color:     severityColor(rule.Severity, true),
		Timestamp: now.UTC().Format(time.RFC3339),
	}}}
	if link := dashboardLink(e.cfg.DashboardURL, device.DeviceID); link != "" {
		msg.Embeds[0].Description = link
	}
	if err := e.sender.Send(ctx, rule.WebhookURL, msg); err != nil {
		e.logger.Warn("recovery delivery failed", "device_id", device.DeviceID,
			"condition", condition, "error", err)
	}
	e.recordEvent(ctx, &models.AlertEvent{
		EventID:   ulid.Make().String(),
		DeviceID:  device.DeviceID,
		Condition: condition,
		Kind:      models.AlertRecovery,
		Severity:  rule.Severity,
		Message:   fmt.Sprintf("%s recovered", condition),
		Delivered: true,
		CreatedAt: now,
	})
}

func (e *Engine) buildMessage(condition models.AlertCondition, rule Rule, r raise, now time.Time) *Message {
	embed := Embed{
		Title:     fmt.Sprintf("%s: %s", condition, deviceLabel(r.device)),
		Color:     severityColor(rule.Severity, false),
		Timestamp: now.UTC().Format(time.RFC3339),
		Fields: []EmbedField{
			{Name: "Severity", Value: rule.Severity, Inline: true},
			{Name: "Device", Value: r.device.DeviceID, Inline: true},
		},
	}
	switch condition {
	case models.ConditionOffline:
		lastSeen := "never"
		if r.status != nil {
			lastSeen = r.status.LastTS.UTC().Format(time.RFC3339)
		}
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Last seen", Value: lastSeen, Inline: true},
			EmbedField{Name: "Threshold", Value: e.cfg.OfflineAfter.String(), Inline: true})
	case models.ConditionLowBattery:
		if r.status != nil && r.status.BatteryPct != nil {
			embed.Fields = append(embed.Fields,
				EmbedField{Name: "Battery", Value: fmt.Sprintf("%d%%", *r.status.BatteryPct), Inline: true})
		}
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Threshold", Value: fmt.Sprintf("%d%%", e.cfg.LowBatteryPct), Inline: true})
	case models.ConditionUnityDown:
		embed.Fields = append(embed.Fields,
			EmbedField{Name: "Monitored package", Value: r.device.MonitoredPackage, Inline: true})
	}
	if link := dashboardLink(e.cfg.DashboardURL, r.device.DeviceID); link != "" {
		embed.Description = link
	}
	return &Message{Embeds: []Embed{embed}}
}

func (e *Engine) remediate(ctx context.Context, condition models.AlertCondition, rule Rule, device *models.Device) {
	if !rule.RequiresRemediation || !e.cfg.AutoRemediate || e.remediator == nil {
		return
	}
	action := rule.RemediationAction
	if action == "" {
		action = dispatch.ActionPing
	}
	var params map[string]any
	if action == dispatch.ActionLaunchApp && device.MonitoredPackage != "" {
		params = map[string]any{"package": device.MonitoredPackage}
	}
	// Fire once, never retried here: the next evaluation re-raises if
	// the device is still unhealthy.
	if _, err := e.remediator.Dispatch(ctx, dispatch.Input{
		DeviceID: device.DeviceID,
		Action:   action,
		Params:   params,
		IssuedBy: "alerting",
	}); err != nil {
		e.logger.Warn("auto-remediation dispatch failed", "device_id", device.DeviceID,
			"condition", condition, "action", action, "error", err)
	}
}

func (e *Engine) startCooldown(ctx context.Context, deviceID string, condition models.AlertCondition, now time.Time) {
	state, err := e.alerts.GetState(ctx, deviceID, condition)
	if err != nil {
		e.logger.Warn("cooldown state lookup failed", "device_id", deviceID, "error", err)
		return
	}
	until := now.Add(e.cfg.DeviceCooldown)
	state.CooldownUntil = &until
	state.UpdatedAt = now
	if err := e.alerts.UpsertState(ctx, state); err != nil {
		e.logger.Warn("cooldown write failed", "device_id", deviceID, "error", err)
	}
}

func (e *Engine) suppress(ctx context.Context, device *models.Device, condition models.AlertCondition, reason string, now time.Time) {
	metrics.AlertsSuppressedTotal.WithLabelValues(reason).Inc()
	e.recordEvent(ctx, &models.AlertEvent{
		EventID:          ulid.Make().String(),
		DeviceID:         device.DeviceID,
		Condition:        condition,
		Kind:             models.AlertTrigger,
		Severity:         e.rules.For(condition).Severity,
		Message:          fmt.Sprintf("%s suppressed (%s)", condition, reason),
		Delivered:        false,
		SuppressedReason: reason,
		CreatedAt:        now,
	})
}

func (e *Engine) recordEvent(ctx context.Context, event *models.AlertEvent) {
	if err := e.alerts.InsertEvent(ctx, event); err != nil {
		e.logger.Warn("alert event write failed", "condition", event.Condition, "error", err)
	}
}

func deviceLabel(device *models.Device) string {
	if device.Alias != "" {
		return device.Alias
	}
	return device.DeviceID
}
