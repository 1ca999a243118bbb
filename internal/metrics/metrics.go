package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mdmd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Heartbeat ingest metrics
	HeartbeatsIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_heartbeats_ingested_total",
			Help: "Heartbeat samples accepted and persisted",
		},
	)

	HeartbeatsDedupedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_heartbeats_deduped_total",
			Help: "Heartbeat samples dropped by the per-bucket unique index",
		},
	)

	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdmd_event_queue_depth",
			Help: "Events waiting in the in-memory queue",
		},
	)

	EventQueueDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_event_queue_dropped_total",
			Help: "Events dropped because the queue was full",
		},
	)

	ReconciliationRepairsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_reconciliation_repairs_total",
			Help: "Last-status rows repaired by the hourly reconciliation",
		},
	)

	// Command dispatch metrics
	CommandsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_commands_dispatched_total",
			Help: "Commands sent to the push provider",
		},
		[]string{"action", "status"},
	)

	PushLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mdmd_push_latency_seconds",
			Help:    "Push provider round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	PushFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_push_failures_total",
			Help: "Push provider failures by class",
		},
		[]string{"class"},
	)

	CommandResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_command_results_total",
			Help: "First-time command results by outcome",
		},
		[]string{"outcome"},
	)

	// Alerting metrics
	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_alerts_emitted_total",
			Help: "Alerts delivered to the webhook",
		},
		[]string{"condition"},
	)

	AlertsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_alerts_suppressed_total",
			Help: "Alerts dropped before delivery",
		},
		[]string{"reason"},
	)

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_webhook_deliveries_total",
			Help: "Webhook delivery attempts",
		},
		[]string{"status"},
	)

	// Artifact metrics
	APKCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_apk_cache_hits_total",
			Help: "APK downloads served from the in-memory cache",
		},
	)

	APKCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_apk_cache_misses_total",
			Help: "APK downloads that fell through to the object store",
		},
	)

	APKCacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_apk_cache_evictions_total",
			Help: "APK cache entries evicted by size or TTL",
		},
	)

	APKCacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdmd_apk_cache_bytes",
			Help: "Bytes currently held by the APK cache",
		},
	)

	APKDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_apk_downloads_total",
			Help: "APK download requests",
		},
		[]string{"mode"},
	)

	APKDownloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_apk_download_bytes_total",
			Help: "Bytes served to downloading devices",
		},
	)

	// Deployment metrics
	DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_deployments_total",
			Help: "Deployment runs by terminal status",
		},
		[]string{"status"},
	)

	DeploymentBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_deployment_batches_total",
			Help: "Deployment batches by terminal status",
		},
		[]string{"status"},
	)

	// Maintenance metrics
	PartitionsManaged = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdmd_heartbeat_partitions",
			Help: "Heartbeat partitions by state",
		},
		[]string{"state"},
	)

	PurgedRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_purged_rows_total",
			Help: "Rows deleted by the purge worker",
		},
		[]string{"table"},
	)

	WorkerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_worker_runs_total",
			Help: "Background worker executions",
		},
		[]string{"worker", "status"},
	)

	// Read path metrics
	ResponseCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_response_cache_hits_total",
			Help: "Admin list responses served from cache",
		},
	)

	ResponseCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mdmd_response_cache_misses_total",
			Help: "Admin list responses computed fresh",
		},
	)

	StatusReadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mdmd_status_read_duration_seconds",
			Help:    "Device status read latency by path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	// Database metrics
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mdmd_db_connections_active",
			Help: "Open database connections",
		},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdmd_errors_total",
			Help: "Errors by component and code",
		},
		[]string{"component", "code"},
	)
)

// RecordHTTPRequest records request count and latency for one call.
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordError counts an error against a component.
func RecordError(component, code string) {
	ErrorsTotal.WithLabelValues(component, code).Inc()
}
