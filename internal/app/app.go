// Package app assembles the control plane: configuration, database,
// repositories, domain services, background workers, and the HTTP
// server, supervised as one unit.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mdmd.sh/internal/alerting"
	"mdmd.sh/internal/artifact"
	"mdmd.sh/internal/auth"
	"mdmd.sh/internal/config"
	"mdmd.sh/internal/database"
	"mdmd.sh/internal/deploy"
	"mdmd.sh/internal/dispatch"
	"mdmd.sh/internal/ingest"
	"mdmd.sh/internal/middleware"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/observability"
	"mdmd.sh/internal/partition"
	"mdmd.sh/internal/projection"
	"mdmd.sh/internal/push"
	"mdmd.sh/internal/repository"
	"mdmd.sh/internal/scheduler"
	"mdmd.sh/internal/server"
	"mdmd.sh/internal/tracing"
	"mdmd.sh/internal/version"
)

const (
	alertEvaluateInterval = time.Minute
	reconcileInterval     = time.Hour
	cacheJanitorInterval  = time.Minute

	// redisWindowSeconds is the distributed limiter window.
	redisWindowSeconds = 60
)

// App is the wired control plane.
type App struct {
	settings *config.Settings
	logger   *observability.Logger
	db       *database.DB
	queue    *ingest.EventQueue
	cache    *projection.ResponseCache
	sched    *scheduler.Scheduler
	server   *server.Server

	stopTracing func()
}

// New wires every component. The returned App owns the database handle;
// Run releases it on exit.
func New(ctx context.Context, settings *config.Settings) (*App, error) {
	logger := observability.InitLogger(observability.LogConfig{
		Level:       settings.LogLevel,
		Format:      settings.LogFormat,
		OutputPath:  "stdout",
		ServiceName: "mdmd",
		Version:     version.Version,
	})

	traceCfg := tracing.LoadFromEnvironment("mdmd")
	traceCfg.ServiceVersion = version.Version
	_, stopTracing, err := tracing.Initialize(traceCfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	dbCfg := database.DefaultConfig(settings.DatabaseURL)
	dbCfg.MaxOpenConns = settings.DBMaxOpenConns
	dbCfg.MaxIdleConns = settings.DBMaxIdleConns
	db, err := database.NewWithRetry(ctx, dbCfg, database.DefaultConnectRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	devices := repository.NewDeviceRepository(db)
	heartbeats := repository.NewHeartbeatRepository(db)
	commands := repository.NewCommandRepository(db)
	apks := repository.NewAPKRepository(db)
	alerts := repository.NewAlertRepository(db)
	selections := repository.NewSelectionRepository(db)
	purges := repository.NewPurgeRepository(db)
	events := repository.NewEventRepository(db)
	runs := repository.NewDeploymentRepository(db.DB)

	store, err := newObjectStore(settings)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}
	artifacts := artifact.NewService(store,
		artifact.NewCache(settings.APKCacheMaxBytes, settings.APKCacheTTL), apks)

	provider, err := newPushProvider(ctx, settings, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("push provider: %w", err)
	}

	signer := auth.NewSigner(settings.HMACSecret)
	dispatcher := dispatch.NewDispatcher(devices, commands, provider, signer, apks, settings.ServerURL)

	queue := ingest.NewEventQueue(events, settings.EventQueueCap)
	ingestor := ingest.NewIngestor(devices, heartbeats, queue, dispatcher)
	reconciler := ingest.NewReconciler(db, heartbeats, ingest.DefaultReconcileRowCap)

	reader := projection.NewReader(devices, heartbeats, projection.Config{
		ReadFromLastStatus: settings.ReadFromLastStatus,
		PerfDiffEnabled:    settings.PerfDiffEnabled,
		OfflineAfter:       settings.AlertOfflineAfter,
	})
	respCache := projection.NewResponseCache(projection.DefaultResponseTTL)

	rules, err := loadAlertRules(settings)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("alert rules: %w", err)
	}
	engine := alerting.NewEngine(devices, heartbeats, alerts,
		alerting.NewWebhookSender(settings.DiscordWebhookURL, settings.HMACSecret),
		dispatcher, rules, alerting.Config{
			OfflineAfter:                settings.AlertOfflineAfter,
			LowBatteryPct:               settings.AlertLowBatteryPct,
			DeviceCooldown:              settings.AlertDeviceCooldown,
			GlobalCapPerMin:             settings.AlertGlobalCapPerMin,
			RollupThreshold:             settings.AlertRollupThreshold,
			RequireConsecutiveUnityDown: settings.UnityDownRequireConsecutive,
			AutoRemediate:               settings.AlertsEnableAutoremediation,
			DashboardURL:                settings.ServerURL,
		})

	controller := deploy.NewController(runs, apks, dispatcher)
	manager := partition.NewManager(db.DB, partition.NewArchiver(store),
		settings.PartitionRetentionDays, settings.PartitionPrecreateDays)

	purgeWorker := scheduler.NewPurgeWorker(db, purges, heartbeats, commands, apks).
		WithBudget(settings.PurgeTickBudget)
	sched := scheduler.New(
		scheduler.Worker{Name: "purge", Interval: scheduler.PurgeInterval, Run: purgeWorker.Run},
		scheduler.NewSelectionCleanupWorker(selections),
		scheduler.NewPartitionMaintenanceWorker(db, manager),
		scheduler.Worker{Name: "alert_evaluate", Interval: alertEvaluateInterval, Run: engine.Evaluate},
		scheduler.Worker{Name: "deploy_tick", Interval: deploy.DefaultTickInterval, Run: controller.Tick},
		scheduler.Worker{Name: "projection_reconcile", Interval: reconcileInterval, Run: reconciler.Run},
	)

	var redisLimiter *middleware.RedisRateLimiter
	if settings.RedisAddr != "" {
		limit := int(settings.RateLimitRPS) * redisWindowSeconds
		redisLimiter, err = middleware.NewRedisRateLimiter(settings.RedisAddr, limit, redisWindowSeconds)
		if err != nil {
			// The in-process limiter still protects each instance.
			logger.Warn("redis rate limiter unavailable",
				zap.String("addr", settings.RedisAddr), zap.Error(err))
			redisLimiter = nil
		}
	}

	srv := server.New(server.Deps{
		Settings:     settings,
		Logger:       logger,
		DB:           db,
		Devices:      devices,
		Commands:     commands,
		Alerts:       alerts,
		Selections:   selections,
		Purges:       purges,
		Runs:         runs,
		Ingestor:     ingestor,
		Dispatcher:   dispatcher,
		Deployer:     controller,
		Artifacts:    artifacts,
		Reader:       reader,
		Cache:        respCache,
		DeviceAuth:   auth.NewDeviceAuthenticator(devices),
		JWT:          auth.NewJWTManager(settings.JWTSecret),
		AdminKey:     auth.NewAdminKey(settings.AdminKey),
		RedisLimiter: redisLimiter,
	})

	// First-time command results feed the live admin event stream.
	dispatcher.Subscribe(func(_ context.Context, result *models.CommandResult) {
		srv.Hub().Broadcast("command_result", result)
	})

	return &App{
		settings:    settings,
		logger:      logger,
		db:          db,
		queue:       queue,
		cache:       respCache,
		sched:       sched,
		server:      srv,
		stopTracing: stopTracing,
	}, nil
}

// Run serves until ctx is cancelled or a component fails, then drains.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.server.Start(ctx) })
	g.Go(func() error { a.queue.Run(ctx); return nil })
	g.Go(func() error { a.sched.Run(ctx); return nil })
	g.Go(func() error { a.cache.Janitor(ctx, cacheJanitorInterval); return nil })
	g.Go(func() error {
		<-ctx.Done()
		return a.server.Shutdown(context.Background())
	})

	// Under systemd Type=notify this flips the unit to active; elsewhere
	// it is a no-op.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.logger.Info("mdmd started", zap.String("version", version.Version))

	err := g.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.stopTracing()
	if closeErr := a.db.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	a.logger.Info("mdmd stopped")
	return err
}

func newObjectStore(settings *config.Settings) (artifact.ObjectStore, error) {
	if settings.StorageEndpoint != "" {
		return artifact.NewHTTPStore(settings.StorageEndpoint,
			settings.StorageBucket, settings.StorageAccessKey), nil
	}
	return artifact.NewFileStore(settings.StoragePath)
}

func newPushProvider(ctx context.Context, settings *config.Settings, logger *observability.Logger) (push.Provider, error) {
	if !settings.PushConfigured() {
		logger.Warn("push provider not configured; commands will fail to send")
		return push.Disabled{}, nil
	}
	return push.NewFCMClient(ctx, settings.FirebaseServiceAccountJSON, settings.FirebaseServiceAccountPath)
}

func loadAlertRules(settings *config.Settings) (*alerting.Rules, error) {
	if settings.AlertRulesPath == "" {
		return alerting.DefaultRules(), nil
	}
	return alerting.LoadRules(settings.AlertRulesPath)
}
