// Package models defines the persisted entities shared across mdmd
// components. Cross-entity references are by id only; resolution happens
// through the repositories.
package models

import (
	"time"
)

// Device is a managed Android agent. Devices are never deleted; token
// revocation is recorded in RevokedAt.
type Device struct {
	DeviceID            string     `json:"device_id"`
	Alias               string     `json:"alias"`
	TokenHash           string     `json:"-"`
	TokenFingerprint    string     `json:"-"`
	FCMToken            string     `json:"-"`
	AgentVersion        string     `json:"agent_version,omitempty"`
	MonitoredPackage    string     `json:"monitored_package,omitempty"`
	MonitorThresholdMin int        `json:"monitor_threshold_min"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty"`
	LastSeen            *time.Time `json:"last_seen,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Revoked reports whether the device token has been revoked.
func (d *Device) Revoked() bool {
	return d.RevokedAt != nil
}

// HeartbeatSample is one row of the append-only heartbeat log. The log is
// authoritative; DeviceLastStatus is a projection derived from it.
type HeartbeatSample struct {
	DeviceID          string    `json:"device_id"`
	Timestamp         time.Time `json:"ts"`
	BatteryPct        *int      `json:"battery_pct,omitempty"`
	Charging          *bool     `json:"charging,omitempty"`
	NetworkType       string    `json:"network_type,omitempty"`
	ForegroundPackage string    `json:"foreground_package,omitempty"`
	UnityRunning      *bool     `json:"unity_running,omitempty"`
	AgentVersion      string    `json:"agent_version,omitempty"`
	Extras            []byte    `json:"-"`
	ReceivedAt        time.Time `json:"received_at"`
}

// LastStatus is the single-row-per-device projection of the heartbeat log.
// LastTS is monotonically non-decreasing; stale upserts are no-ops.
type LastStatus struct {
	DeviceID          string    `json:"device_id"`
	LastTS            time.Time `json:"last_ts"`
	BatteryPct        *int      `json:"battery_pct,omitempty"`
	Charging          *bool     `json:"charging,omitempty"`
	NetworkType       string    `json:"network_type,omitempty"`
	ForegroundPackage string    `json:"foreground_package,omitempty"`
	UnityRunning      *bool     `json:"unity_running,omitempty"`
	AgentVersion      string    `json:"agent_version,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PartitionState is the lifecycle state of one day partition.
// Transitions are strictly forward: active -> archived -> dropped.
type PartitionState string

const (
	PartitionActive   PartitionState = "active"
	PartitionArchived PartitionState = "archived"
	PartitionDropped  PartitionState = "dropped"
)

// PartitionMeta describes one child table of the heartbeat log.
type PartitionMeta struct {
	Name           string         `json:"partition_name"`
	Day            time.Time      `json:"day"`
	State          PartitionState `json:"state"`
	RowCount       *int64         `json:"row_count,omitempty"`
	Bytes          *int64         `json:"bytes,omitempty"`
	ChecksumSHA256 string         `json:"checksum_sha256,omitempty"`
	ArchiveURL     string         `json:"archive_url,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ArchivedAt     *time.Time     `json:"archived_at,omitempty"`
	DroppedAt      *time.Time     `json:"dropped_at,omitempty"`
}

// CommandStatus is the dispatch outcome recorded in the ledger.
type CommandStatus string

const (
	CommandSent   CommandStatus = "sent"
	CommandFailed CommandStatus = "failed"
)

// CommandRecord is one row of the command ledger. Rows are written once,
// after the provider call, and never updated; the request_id is the
// idempotency key.
type CommandRecord struct {
	RequestID         string        `json:"request_id"`
	DeviceID          string        `json:"device_id"`
	Action            string        `json:"action"`
	Parameters        []byte        `json:"parameters,omitempty"`
	PayloadHash       string        `json:"payload_hash"`
	Status            CommandStatus `json:"status"`
	HTTPCode          *int          `json:"http_code,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	LatencyMS         *int64        `json:"latency_ms,omitempty"`
	ErrorDetail       string        `json:"error_detail,omitempty"`
	IssuedBy          string        `json:"issued_by,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// CommandResult is the device-reported outcome for a dispatched command.
// At most one result exists per request_id; duplicates are dropped.
type CommandResult struct {
	RequestID  string    `json:"request_id"`
	DeviceID   string    `json:"device_id"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Result outcomes reported by agents.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultTimeout   = "timeout"
)

// DeviceEvent is an operational event drained from the in-memory queue.
type DeviceEvent struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	EventType  string    `json:"event_type"`
	Payload    []byte    `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AlertCondition is the closed set of evaluated conditions.
type AlertCondition string

const (
	ConditionOffline    AlertCondition = "OFFLINE"
	ConditionLowBattery AlertCondition = "LOW_BATTERY"
	ConditionUnityDown  AlertCondition = "UNITY_DOWN"
)

// AlertConditions lists every condition the engine evaluates per device.
var AlertConditions = []AlertCondition{ConditionOffline, ConditionLowBattery, ConditionUnityDown}

// AlertStateValue is the per-(device, condition) state machine position.
type AlertStateValue string

const (
	AlertOK       AlertStateValue = "ok"
	AlertPending  AlertStateValue = "pending"
	AlertAlerting AlertStateValue = "alerting"
)

// AlertState tracks one (device, condition) pair across evaluations.
type AlertState struct {
	DeviceID      string          `json:"device_id"`
	Condition     AlertCondition  `json:"condition"`
	State         AlertStateValue `json:"state"`
	PendingSince  *time.Time      `json:"pending_since,omitempty"`
	AlertingSince *time.Time      `json:"alerting_since,omitempty"`
	CooldownUntil *time.Time      `json:"cooldown_until,omitempty"`
	LastValue     []byte          `json:"last_value,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AlertEventKind distinguishes triggers, recoveries, and rollups.
type AlertEventKind string

const (
	AlertTrigger  AlertEventKind = "trigger"
	AlertRecovery AlertEventKind = "recovery"
	AlertRollup   AlertEventKind = "rollup"
)

// AlertEvent is the audit record of one alert decision, delivered or not.
type AlertEvent struct {
	EventID          string         `json:"event_id"`
	DeviceID         string         `json:"device_id,omitempty"`
	Condition        AlertCondition `json:"condition"`
	Kind             AlertEventKind `json:"kind"`
	Severity         string         `json:"severity"`
	Message          string         `json:"message"`
	Delivered        bool           `json:"delivered"`
	SuppressedReason string         `json:"suppressed_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// APKVersion is one uploaded artifact. (package_name, version_code) is
// unique across the store.
type APKVersion struct {
	APKID       string    `json:"apk_id"`
	Category    string    `json:"category"`
	PackageName string    `json:"package_name"`
	VersionCode int64     `json:"version_code"`
	VersionName string    `json:"version_name,omitempty"`
	Filename    string    `json:"filename"`
	ObjectKey   string    `json:"-"`
	SizeBytes   int64     `json:"size_bytes"`
	SHA256      string    `json:"sha256"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// APKInstallation is one per-device install attempt, keyed by the command
// request id and optionally linked to a deployment run and batch.
type APKInstallation struct {
	RequestID  string    `json:"request_id"`
	APKID      string    `json:"apk_id"`
	DeviceID   string    `json:"device_id"`
	RunID      string    `json:"run_id,omitempty"`
	BatchIndex *int      `json:"batch_index,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RunState is the deployment run state machine position.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunAborted   RunState = "aborted"
)

// Terminal reports whether no further transitions are allowed.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

// DeploymentRun is one staged rollout of an APK across a device set.
type DeploymentRun struct {
	RunID               string     `json:"run_id"`
	APKID               string     `json:"apk_id"`
	Name                string     `json:"name,omitempty"`
	State               RunState   `json:"state"`
	TotalDevices        int        `json:"total_devices"`
	BatchSize           int        `json:"batch_size"`
	SuccessThresholdPct int        `json:"success_threshold_pct"`
	BatchTimeout        int        `json:"batch_timeout_seconds"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	CreatedBy           string     `json:"created_by,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}

// BatchState is the deployment batch state machine position.
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchRunning   BatchState = "running"
	BatchSucceeded BatchState = "succeeded"
	BatchFailed    BatchState = "failed"
	BatchTimedOut  BatchState = "timed_out"
)

// Terminal reports whether the batch reached a final state.
func (s BatchState) Terminal() bool {
	return s == BatchSucceeded || s == BatchFailed || s == BatchTimedOut
}

// DeploymentBatch is one wave of a run. Terminal states never change.
type DeploymentBatch struct {
	RunID            string     `json:"run_id"`
	BatchIndex       int        `json:"batch_index"`
	State            BatchState `json:"state"`
	DeviceIDs        []string   `json:"device_ids"`
	SuccessThreshold int        `json:"success_threshold"`
	SuccessCount     int        `json:"success_count"`
	FailureCount     int        `json:"failure_count"`
	DispatchedAt     *time.Time `json:"dispatched_at,omitempty"`
	TimeoutAt        *time.Time `json:"timeout_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// DeviceSelection is a transient named set of devices for bulk operations.
type DeviceSelection struct {
	SelectionID string    `json:"selection_id"`
	DeviceIDs   []string  `json:"device_ids"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PurgeJob is a queued request to delete per-device history.
type PurgeJob struct {
	JobID        int64      `json:"job_id"`
	DeviceIDs    []string   `json:"device_ids"`
	PurgeHistory bool       `json:"purge_history"`
	State        string     `json:"state"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
