package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Settings holds every tunable the server reads from the environment.
// The set of recognized keys is closed: anything starting with MDMD_ that
// is not listed here fails Load, so typos surface at boot instead of
// silently falling back to defaults.
type Settings struct {
	// Core wiring.
	DatabaseURL string
	ServerURL   string
	ListenAddr  string

	// Secrets.
	AdminKey   string
	JWTSecret  string
	HMACSecret string

	// Push provider credentials. JSON and path are mutually exclusive.
	FirebaseServiceAccountJSON string
	FirebaseServiceAccountPath string

	// Alerting.
	DiscordWebhookURL           string
	AlertOfflineAfter           time.Duration
	AlertLowBatteryPct          int
	AlertDeviceCooldown         time.Duration
	AlertGlobalCapPerMin        int
	AlertRollupThreshold        int
	AlertsEnableAutoremediation bool
	UnityDownRequireConsecutive bool
	AlertRulesPath              string

	// Read-path feature flags.
	ReadFromLastStatus bool
	PerfDiffEnabled    bool

	// HTTP server.
	LogLevel           string
	LogFormat          string
	RateLimitRPS       float64
	RateLimitBurst     int
	RedisAddr          string
	CORSAllowedOrigins []string

	// Artifact storage. An endpoint selects the remote object store;
	// otherwise artifacts live on the local filesystem under StoragePath.
	StorageEndpoint  string
	StorageBucket    string
	StorageAccessKey string
	StoragePath      string
	APKCacheMaxBytes int64
	APKCacheTTL      time.Duration

	// Ingest and maintenance.
	EventQueueCap          int
	PurgeTickBudget        time.Duration
	PartitionRetentionDays int
	PartitionPrecreateDays int

	// Database pool.
	DBMaxOpenConns int
	DBMaxIdleConns int
}

// knownKeys is the closed set of environment variables the server reads.
var knownKeys = map[string]struct{}{
	"DATABASE_URL":                       {},
	"SERVER_URL":                         {},
	"LISTEN_ADDR":                        {},
	"ADMIN_KEY":                          {},
	"JWT_SECRET":                         {},
	"HMAC_SECRET":                        {},
	"FIREBASE_SERVICE_ACCOUNT_JSON":      {},
	"FIREBASE_SERVICE_ACCOUNT_JSON_PATH": {},
	"DISCORD_WEBHOOK_URL":                {},
	"ALERT_OFFLINE_MINUTES":              {},
	"ALERT_LOW_BATTERY_PCT":              {},
	"ALERT_DEVICE_COOLDOWN_MIN":          {},
	"ALERT_GLOBAL_CAP_PER_MIN":           {},
	"ALERT_ROLLUP_THRESHOLD":             {},
	"ALERTS_ENABLE_AUTOREMEDIATION":      {},
	"UNITY_DOWN_REQUIRE_CONSECUTIVE":     {},
	"ALERT_RULES_PATH":                   {},
	"READ_FROM_LAST_STATUS":              {},
	"PERF_DIFF_ENABLED":                  {},
	"LOG_LEVEL":                          {},
	"LOG_FORMAT":                         {},
	"RATE_LIMIT_RPS":                     {},
	"RATE_LIMIT_BURST":                   {},
	"REDIS_ADDR":                         {},
	"CORS_ALLOWED_ORIGINS":               {},
	"STORAGE_ENDPOINT":                   {},
	"STORAGE_BUCKET":                     {},
	"STORAGE_ACCESS_KEY":                 {},
	"STORAGE_PATH":                       {},
	"APK_CACHE_MAX_BYTES":                {},
	"APK_CACHE_TTL":                      {},
	"EVENT_QUEUE_CAP":                    {},
	"PURGE_TICK_BUDGET":                  {},
	"PARTITION_RETENTION_DAYS":           {},
	"PARTITION_PRECREATE_DAYS":           {},
	"DB_MAX_OPEN_CONNS":                  {},
	"DB_MAX_IDLE_CONNS":                  {},
}

// Load reads Settings from the environment and validates them.
// Keys may also be supplied with an MDMD_ prefix; the unprefixed form wins
// when both are set.
func Load() (*Settings, error) {
	if err := applyPrefixedKeys(os.Environ()); err != nil {
		return nil, err
	}

	s := &Settings{
		DatabaseURL: GetStringFromEnv("DATABASE_URL", ""),
		ServerURL:   GetStringFromEnv("SERVER_URL", "http://localhost:8080"),
		ListenAddr:  GetStringFromEnv("LISTEN_ADDR", ":8080"),

		AdminKey:   GetStringFromEnv("ADMIN_KEY", ""),
		JWTSecret:  GetStringFromEnv("JWT_SECRET", ""),
		HMACSecret: GetStringFromEnv("HMAC_SECRET", ""),

		FirebaseServiceAccountJSON: GetStringFromEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		FirebaseServiceAccountPath: GetStringFromEnv("FIREBASE_SERVICE_ACCOUNT_JSON_PATH", ""),

		DiscordWebhookURL:           GetStringFromEnv("DISCORD_WEBHOOK_URL", ""),
		AlertOfflineAfter:           time.Duration(GetIntFromEnv("ALERT_OFFLINE_MINUTES", 12)) * time.Minute,
		AlertLowBatteryPct:          GetIntFromEnv("ALERT_LOW_BATTERY_PCT", 15),
		AlertDeviceCooldown:         time.Duration(GetIntFromEnv("ALERT_DEVICE_COOLDOWN_MIN", 30)) * time.Minute,
		AlertGlobalCapPerMin:        GetIntFromEnv("ALERT_GLOBAL_CAP_PER_MIN", 60),
		AlertRollupThreshold:        GetIntFromEnv("ALERT_ROLLUP_THRESHOLD", 10),
		AlertsEnableAutoremediation: GetBoolFromEnv("ALERTS_ENABLE_AUTOREMEDIATION", false),
		UnityDownRequireConsecutive: GetBoolFromEnv("UNITY_DOWN_REQUIRE_CONSECUTIVE", false),
		AlertRulesPath:              GetStringFromEnv("ALERT_RULES_PATH", ""),

		ReadFromLastStatus: GetBoolFromEnv("READ_FROM_LAST_STATUS", false),
		PerfDiffEnabled:    GetBoolFromEnv("PERF_DIFF_ENABLED", false),

		LogLevel:           GetStringFromEnv("LOG_LEVEL", "info"),
		LogFormat:          GetStringFromEnv("LOG_FORMAT", "json"),
		RateLimitRPS:       GetFloatFromEnv("RATE_LIMIT_RPS", 50),
		RateLimitBurst:     GetIntFromEnv("RATE_LIMIT_BURST", 100),
		RedisAddr:          GetStringFromEnv("REDIS_ADDR", ""),
		CORSAllowedOrigins: splitCSV(GetStringFromEnv("CORS_ALLOWED_ORIGINS", "")),

		StorageEndpoint:  GetStringFromEnv("STORAGE_ENDPOINT", ""),
		StorageBucket:    GetStringFromEnv("STORAGE_BUCKET", "apk"),
		StorageAccessKey: GetStringFromEnv("STORAGE_ACCESS_KEY", ""),
		StoragePath:      GetStringFromEnv("STORAGE_PATH", "./storage"),
		APKCacheMaxBytes: GetInt64FromEnv("APK_CACHE_MAX_BYTES", 200*1024*1024),
		APKCacheTTL:      GetDurationFromEnv("APK_CACHE_TTL", time.Hour),

		EventQueueCap:          GetIntFromEnv("EVENT_QUEUE_CAP", 10000),
		PurgeTickBudget:        GetDurationFromEnv("PURGE_TICK_BUDGET", time.Minute),
		PartitionRetentionDays: GetIntFromEnv("PARTITION_RETENTION_DAYS", 90),
		PartitionPrecreateDays: GetIntFromEnv("PARTITION_PRECREATE_DAYS", 14),

		DBMaxOpenConns: GetIntFromEnv("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns: GetIntFromEnv("DB_MAX_IDLE_CONNS", 50),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks required keys and value ranges.
func (s *Settings) Validate() error {
	if s.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if s.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if s.HMACSecret == "" {
		return fmt.Errorf("HMAC_SECRET is required")
	}
	if s.FirebaseServiceAccountJSON != "" && s.FirebaseServiceAccountPath != "" {
		return fmt.Errorf("FIREBASE_SERVICE_ACCOUNT_JSON and FIREBASE_SERVICE_ACCOUNT_JSON_PATH are mutually exclusive")
	}
	if s.AlertLowBatteryPct < 0 || s.AlertLowBatteryPct > 100 {
		return fmt.Errorf("ALERT_LOW_BATTERY_PCT must be between 0 and 100, got %d", s.AlertLowBatteryPct)
	}
	if s.AlertOfflineAfter <= 0 {
		return fmt.Errorf("ALERT_OFFLINE_MINUTES must be positive")
	}
	if s.AlertGlobalCapPerMin <= 0 {
		return fmt.Errorf("ALERT_GLOBAL_CAP_PER_MIN must be positive")
	}
	if s.AlertRollupThreshold <= 0 {
		return fmt.Errorf("ALERT_ROLLUP_THRESHOLD must be positive")
	}
	if s.EventQueueCap <= 0 {
		return fmt.Errorf("EVENT_QUEUE_CAP must be positive")
	}
	if s.PartitionRetentionDays <= 0 || s.PartitionPrecreateDays <= 0 {
		return fmt.Errorf("partition window days must be positive")
	}
	return nil
}

// PushConfigured reports whether FCM credentials are present.
func (s *Settings) PushConfigured() bool {
	return s.FirebaseServiceAccountJSON != "" || s.FirebaseServiceAccountPath != ""
}

// WebhookConfigured reports whether alert delivery has a destination.
func (s *Settings) WebhookConfigured() bool {
	return s.DiscordWebhookURL != ""
}

// applyPrefixedKeys maps MDMD_X to X for every known key and rejects
// prefixed keys that match nothing, so misspelled settings fail at boot.
func applyPrefixedKeys(environ []string) error {
	var unknown []string
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "MDMD_") {
			continue
		}
		bare := strings.TrimPrefix(key, "MDMD_")
		if _, ok := knownKeys[bare]; !ok {
			unknown = append(unknown, key)
			continue
		}
		if _, set := os.LookupEnv(bare); !set {
			os.Setenv(bare, value)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// splitCSV parses a comma-separated list, dropping empty entries.
func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
