// Package server exposes the HTTP surface: device ingest endpoints,
// the admin API, APK downloads, the websocket event feed, and the
// operational health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mdmd.sh/internal/artifact"
	"mdmd.sh/internal/auth"
	"mdmd.sh/internal/config"
	"mdmd.sh/internal/deploy"
	"mdmd.sh/internal/dispatch"
	"mdmd.sh/internal/ingest"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/middleware"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/observability"
	"mdmd.sh/internal/projection"
	"mdmd.sh/internal/repository"
	"mdmd.sh/internal/version"
)

const (
	readTimeout       = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 30 * time.Second

	// maxJSONBody bounds every JSON request body. APK uploads go
	// through multipart and carry their own limit.
	maxJSONBody = 1 << 20
)

// HeartbeatIngestor accepts one authenticated heartbeat.
type HeartbeatIngestor interface {
	Ingest(ctx context.Context, device *models.Device, req *ingest.HeartbeatRequest) error
}

// Commander is the slice of the dispatcher the HTTP layer needs.
type Commander interface {
	DispatchBulk(ctx context.Context, deviceIDs []string, action string,
		params map[string]any, signature, issuedBy string) ([]dispatch.BulkOutcome, error)
	SubmitResult(ctx context.Context, result *models.CommandResult) error
	VerifyDownloadSignature(apkID, deviceID string, expires int64, sig string) error
}

// Deployer drives rollout runs.
type Deployer interface {
	CreateRun(ctx context.Context, in deploy.CreateInput) (*models.DeploymentRun, error)
	Start(ctx context.Context, runID string) error
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
	Abort(ctx context.Context, runID, reason string) error
}

// ArtifactStore is the slice of the artifact service the handlers use.
type ArtifactStore interface {
	Upload(ctx context.Context, in artifact.UploadInput, r io.Reader) (*models.APKVersion, error)
	Open(ctx context.Context, apkID string) (*artifact.Download, error)
	Get(ctx context.Context, apkID string) (*models.APKVersion, error)
	List(ctx context.Context, limit, offset int) ([]*models.APKVersion, error)
	RecordDownload(ctx context.Context, apkID, deviceID string, bytesSent int64, elapsed time.Duration, cacheHit bool)
	Healthy(ctx context.Context) error
}

// StatusReader serves device status views.
type StatusReader interface {
	List(ctx context.Context, limit, offset int) ([]*projection.DeviceStatus, error)
	Get(ctx context.Context, deviceID string) (*projection.DeviceStatus, error)
}

// Pinger answers a liveness probe.
type Pinger interface {
	Healthy(ctx context.Context) error
}

// Deps carries every collaborator the server needs.
type Deps struct {
	Settings *config.Settings
	Logger   *observability.Logger

	DB         Pinger
	Devices    repository.DeviceRepository
	Commands   repository.CommandRepository
	Alerts     repository.AlertRepository
	Selections repository.SelectionRepository
	Purges     repository.PurgeRepository
	Runs       repository.DeploymentRepository

	Ingestor   HeartbeatIngestor
	Dispatcher Commander
	Deployer   Deployer
	Artifacts  ArtifactStore
	Reader     StatusReader
	Cache      *projection.ResponseCache

	DeviceAuth *auth.DeviceAuthenticator
	JWT        *auth.JWTManager
	AdminKey   *auth.AdminKey

	// RedisLimiter is optional; when nil only the per-process limiter
	// applies.
	RedisLimiter *middleware.RedisRateLimiter
}

// Server is the HTTP front end.
type Server struct {
	deps     Deps
	settings *config.Settings
	logger   *observability.Logger
	limiter  *middleware.RateLimiter
	hub      *Hub
	http     *http.Server
	now      func() time.Time
}

// New assembles the server. Call Start to begin serving.
func New(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		settings: deps.Settings,
		logger:   deps.Logger,
		limiter: middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  deps.Settings.RateLimitRPS,
			Burst: deps.Settings.RateLimitBurst,
		}),
		hub: NewHub(deps.Logger),
		now: time.Now,
	}
	s.http = &http.Server{
		Addr:              deps.Settings.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Hub exposes the event feed so other components can publish.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", s.guardMetrics(promhttp.Handler())).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(middleware.RateLimit(s.limiter))
	if s.deps.RedisLimiter != nil {
		api.Use(s.deps.RedisLimiter.Middleware)
	}

	device := api.NewRoute().Subrouter()
	device.Use(middleware.DeviceAuth(s.deps.DeviceAuth))
	device.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	device.HandleFunc("/action-result", s.handleActionResult).Methods(http.MethodPost)

	// Download carries its own auth: signed link, device token, or
	// admin credentials.
	api.HandleFunc("/apk/{id}/download", s.handleDownload).Methods(http.MethodGet)

	// Registration and token minting require the shared admin key;
	// a JWT is not enough to mint more credentials.
	api.HandleFunc("/devices/register", s.requireAdminKey(s.handleRegisterDevice)).Methods(http.MethodPost)
	api.HandleFunc("/auth/token", s.requireAdminKey(s.handleAuthToken)).Methods(http.MethodPost)

	admin := api.NewRoute().Subrouter()
	admin.Use(middleware.AdminAuth(s.deps.JWT, s.deps.AdminKey))
	admin.HandleFunc("/devices", s.cached(s.handleListDevices)).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{id}", s.cached(s.handleGetDevice)).Methods(http.MethodGet)
	admin.HandleFunc("/devices/{id}", s.handleUpdateDevice).Methods(http.MethodPatch)
	admin.HandleFunc("/devices/{id}/revoke", s.handleRevokeDevice).Methods(http.MethodPost)

	admin.HandleFunc("/commands", s.handleDispatchCommands).Methods(http.MethodPost)
	admin.HandleFunc("/commands/{request_id}", s.handleGetCommand).Methods(http.MethodGet)

	admin.HandleFunc("/apk", s.handleUploadAPK).Methods(http.MethodPost)
	admin.HandleFunc("/apk", s.handleListAPKs).Methods(http.MethodGet)
	admin.HandleFunc("/apk/{id}", s.handleGetAPK).Methods(http.MethodGet)

	admin.HandleFunc("/deployments", s.handleCreateDeployment).Methods(http.MethodPost)
	admin.HandleFunc("/deployments", s.handleListDeployments).Methods(http.MethodGet)
	admin.HandleFunc("/deployments/{id}", s.handleGetDeployment).Methods(http.MethodGet)
	admin.HandleFunc("/deployments/{id}/batches", s.handleListBatches).Methods(http.MethodGet)
	admin.HandleFunc("/deployments/{id}/pause", s.handlePauseDeployment).Methods(http.MethodPost)
	admin.HandleFunc("/deployments/{id}/resume", s.handleResumeDeployment).Methods(http.MethodPost)
	admin.HandleFunc("/deployments/{id}/abort", s.handleAbortDeployment).Methods(http.MethodPost)

	admin.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	admin.HandleFunc("/alerts/events", s.handleListAlertEvents).Methods(http.MethodGet)

	admin.HandleFunc("/selections", s.handleCreateSelection).Methods(http.MethodPost)
	admin.HandleFunc("/selections/{id}", s.handleGetSelection).Methods(http.MethodGet)

	admin.HandleFunc("/purge", s.handleEnqueuePurge).Methods(http.MethodPost)
	admin.HandleFunc("/purge/{id}", s.handleGetPurgeJob).Methods(http.MethodGet)

	admin.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = middleware.CORS(s.settings.CORSAllowedOrigins)(handler)
	handler = middleware.SecurityHeaders(handler)
	handler = middleware.Metrics(handler)
	handler = middleware.Tracing(handler)
	handler = middleware.Recovery(handler)
	handler = observability.LoggerMiddleware(s.logger)(handler)
	return handler
}

// Start serves until the listener fails or Shutdown is called. The hub
// runs for the lifetime of ctx.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.logger.Info("http server listening",
		zap.String("addr", s.settings.ListenAddr),
		zap.String("version", version.Version))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	s.limiter.Stop()
	if s.deps.RedisLimiter != nil {
		_ = s.deps.RedisLimiter.Close()
	}
	return s.http.Shutdown(ctx)
}

// guardMetrics requires the admin key on /metrics when one is set.
func (s *Server) guardMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.AdminKey.Verify(r.Header.Get("X-Admin-Key")); err != nil && !errors.Is(err, auth.ErrAdminKeyUnset) {
			middleware.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdminKey gates credential-minting endpoints on the shared key.
func (s *Server) requireAdminKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.AdminKey.Verify(r.Header.Get("X-Admin-Key")); err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.Healthy(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable", "database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok", "artifact_store": "ok"}
	status := http.StatusOK
	if err := s.deps.DB.Healthy(r.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.deps.Artifacts.Healthy(r.Context()); err != nil {
		checks["artifact_store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":  map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		"version": version.Version,
		"checks":  checks,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInvalidInput, "malformed request body")
	}
	return nil
}
