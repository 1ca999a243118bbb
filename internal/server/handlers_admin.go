package server

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"

	"mdmd.sh/internal/artifact"
	"mdmd.sh/internal/auth"
	"mdmd.sh/internal/deploy"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/middleware"
	"mdmd.sh/internal/models"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000

	defaultSelectionTTL = time.Hour
	maxSelectionTTL     = 24 * time.Hour

	// multipartMemory is the in-memory threshold for upload parsing;
	// larger bodies spill to temp files.
	multipartMemory = 32 << 20

	devicesCachePrefix = "/v1/devices"
)

// handleRegisterDevice enrolls a device and returns its bearer token.
// The plaintext token appears in this response and nowhere else.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Alias               string `json:"alias"`
		MonitoredPackage    string `json:"monitored_package,omitempty"`
		MonitorThresholdMin int    `json:"monitor_threshold_min,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if body.Alias == "" {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "alias is required"))
		return
	}

	token, hash, fingerprint, err := auth.NewDeviceToken()
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	device := &models.Device{
		DeviceID:            uuid.NewString(),
		Alias:               body.Alias,
		TokenHash:           hash,
		TokenFingerprint:    fingerprint,
		MonitoredPackage:    body.MonitoredPackage,
		MonitorThresholdMin: body.MonitorThresholdMin,
	}
	if err := s.deps.Devices.Create(r.Context(), device); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.deps.Cache.InvalidatePrefix(devicesCachePrefix)
	s.hub.Broadcast("device_registered", map[string]string{
		"device_id": device.DeviceID, "alias": device.Alias,
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"device_id":    device.DeviceID,
		"device_token": token,
	})
}

// handleAuthToken mints an admin JWT for dashboard sessions.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if body.UserID == "" {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "user_id is required"))
		return
	}
	token, expires, err := s.deps.JWT.Generate(body.UserID, body.Username)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires.UTC(),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r.URL.Query())
	statuses, err := s.deps.Reader.List(r.Context(), limit, offset)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": statuses,
		"count":   len(statuses),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Reader.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleUpdateDevice patches mutable device settings. Absent fields are
// left unchanged.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	var body struct {
		Alias               *string `json:"alias,omitempty"`
		MonitoredPackage    *string `json:"monitored_package,omitempty"`
		MonitorThresholdMin *int    `json:"monitor_threshold_min,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if body.Alias == nil && body.MonitoredPackage == nil && body.MonitorThresholdMin == nil {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "no fields to update"))
		return
	}
	if err := s.deps.Devices.UpdateSettings(r.Context(), deviceID,
		body.Alias, body.MonitoredPackage, body.MonitorThresholdMin); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.deps.Cache.InvalidatePrefix(devicesCachePrefix)

	device, err := s.deps.Devices.Get(r.Context(), deviceID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// handleRevokeDevice invalidates the device token. The device row and
// its history stay; only authentication is cut off.
func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if err := s.deps.Devices.Revoke(r.Context(), deviceID, s.now().UTC()); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.deps.Cache.InvalidatePrefix(devicesCachePrefix)
	s.hub.Broadcast("device_revoked", map[string]string{"device_id": deviceID})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleDispatchCommands fans one signed command out to a device set,
// given either explicitly or as a saved selection.
func (s *Server) handleDispatchCommands(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceIDs   []string       `json:"device_ids,omitempty"`
		SelectionID string         `json:"selection_id,omitempty"`
		CommandType string         `json:"command_type"`
		Parameters  map[string]any `json:"parameters,omitempty"`
		Signature   string         `json:"signature"`
	}
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	deviceIDs := body.DeviceIDs
	if len(deviceIDs) == 0 && body.SelectionID != "" {
		sel, err := s.liveSelection(r, body.SelectionID)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		deviceIDs = sel.DeviceIDs
	}

	outcomes, err := s.deps.Dispatcher.DispatchBulk(r.Context(), deviceIDs,
		body.CommandType, body.Parameters, body.Signature, adminActor(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.hub.Broadcast("commands_dispatched", map[string]any{
		"command_type": body.CommandType,
		"device_count": len(deviceIDs),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": outcomes,
		"count":    len(outcomes),
	})
}

// handleGetCommand returns one ledger row plus the device result when
// one has arrived.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	record, err := s.deps.Commands.Get(r.Context(), requestID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	resp := map[string]any{"command": record}
	if result, err := s.deps.Commands.GetResult(r.Context(), requestID); err == nil {
		resp["result"] = result
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUploadAPK ingests a multipart APK upload into the artifact store.
func (s *Server) handleUploadAPK(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, artifact.MaxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		middleware.WriteError(w, r, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "malformed multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "file part is required"))
		return
	}
	defer file.Close()

	versionCode, err := strconv.ParseInt(r.FormValue("version_code"), 10, 64)
	if err != nil {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "version_code must be an integer"))
		return
	}

	apk, err := s.deps.Artifacts.Upload(r.Context(), artifact.UploadInput{
		Category:    r.FormValue("category"),
		PackageName: r.FormValue("package_name"),
		VersionCode: versionCode,
		VersionName: r.FormValue("version_name"),
		Filename:    header.Filename,
		Size:        header.Size,
		UploadedBy:  adminActor(r),
	}, file)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, apk)
}

func (s *Server) handleListAPKs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r.URL.Query())
	apks, err := s.deps.Artifacts.List(r.Context(), limit, offset)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apks": apks, "count": len(apks)})
}

func (s *Server) handleGetAPK(w http.ResponseWriter, r *http.Request) {
	apk, err := s.deps.Artifacts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apk)
}

// handleCreateDeployment creates a staged rollout and starts it. There
// is no separate start call; a run that should wait is created paused
// via pause immediately after.
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APKID       string   `json:"apk_id"`
		Name        string   `json:"name,omitempty"`
		DeviceIDs   []string `json:"device_ids,omitempty"`
		SelectionID string   `json:"selection_id,omitempty"`
		BatchSize   int      `json:"batch_size"`
		// SuccessThreshold is an absolute device count per batch,
		// 1..batch_size.
		SuccessThreshold    int `json:"success_threshold"`
		BatchTimeoutSeconds int `json:"batch_timeout_seconds"`
	}
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	deviceIDs := body.DeviceIDs
	if len(deviceIDs) == 0 && body.SelectionID != "" {
		sel, err := s.liveSelection(r, body.SelectionID)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		deviceIDs = sel.DeviceIDs
	}

	run, err := s.deps.Deployer.CreateRun(r.Context(), deploy.CreateInput{
		APKID:            body.APKID,
		Name:             body.Name,
		DeviceIDs:        deviceIDs,
		BatchSize:        body.BatchSize,
		SuccessThreshold: body.SuccessThreshold,
		BatchTimeout:     time.Duration(body.BatchTimeoutSeconds) * time.Second,
		CreatedBy:        adminActor(r),
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if err := s.deps.Deployer.Start(r.Context(), run.RunID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	run.State = models.RunRunning
	s.hub.Broadcast("deployment_created", map[string]string{
		"run_id": run.RunID, "apk_id": run.APKID,
	})
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r.URL.Query())
	runs, err := s.deps.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": runs, "count": len(runs)})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if _, err := s.deps.Runs.GetRun(r.Context(), runID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	batches, err := s.deps.Runs.ListBatches(r.Context(), runID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches, "count": len(batches)})
}

func (s *Server) handlePauseDeployment(w http.ResponseWriter, r *http.Request) {
	s.transitionDeployment(w, r, "deployment_paused", func(runID string) error {
		return s.deps.Deployer.Pause(r.Context(), runID)
	})
}

func (s *Server) handleResumeDeployment(w http.ResponseWriter, r *http.Request) {
	s.transitionDeployment(w, r, "deployment_resumed", func(runID string) error {
		return s.deps.Deployer.Resume(r.Context(), runID)
	})
}

func (s *Server) handleAbortDeployment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	// The body is optional; ignore decode errors on an empty body.
	_ = decodeJSON(r, &body)
	s.transitionDeployment(w, r, "deployment_aborted", func(runID string) error {
		return s.deps.Deployer.Abort(r.Context(), runID, body.Reason)
	})
}

func (s *Server) transitionDeployment(w http.ResponseWriter, r *http.Request,
	eventType string, apply func(runID string) error) {
	runID := mux.Vars(r)["id"]
	if err := apply(runID); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.hub.Broadcast(eventType, map[string]string{
		"run_id": runID, "state": string(run.State),
	})
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Alerts.ListStates(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": states, "count": len(states)})
}

// handleListAlertEvents returns the audit trail, newest first. The
// window defaults to the last 24 hours.
func (s *Server) handleListAlertEvents(w http.ResponseWriter, r *http.Request) {
	since := s.now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "since must be RFC3339"))
			return
		}
		since = parsed
	}
	limit, _ := pagination(r.URL.Query())
	events, err := s.deps.Alerts.ListEvents(r.Context(), since, limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleCreateSelection saves a transient device set for later bulk
// operations.
func (s *Server) handleCreateSelection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceIDs  []string `json:"device_ids"`
		TTLSeconds int      `json:"ttl_seconds,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if len(body.DeviceIDs) == 0 {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "device_ids is empty"))
		return
	}
	ttl := defaultSelectionTTL
	if body.TTLSeconds > 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}
	if ttl > maxSelectionTTL {
		ttl = maxSelectionTTL
	}

	now := s.now().UTC()
	sel := &models.DeviceSelection{
		SelectionID: ulid.Make().String(),
		DeviceIDs:   body.DeviceIDs,
		CreatedBy:   adminActor(r),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := s.deps.Selections.Create(r.Context(), sel); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sel)
}

func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	sel, err := s.liveSelection(r, mux.Vars(r)["id"])
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

// liveSelection loads a selection and treats an expired one as missing.
func (s *Server) liveSelection(r *http.Request, selectionID string) (*models.DeviceSelection, error) {
	sel, err := s.deps.Selections.Get(r.Context(), selectionID)
	if err != nil {
		return nil, err
	}
	if sel.ExpiresAt.Before(s.now()) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "selection %s expired", selectionID)
	}
	return sel, nil
}

// handleEnqueuePurge queues history deletion for a device set. The work
// happens asynchronously; the job id can be polled.
func (s *Server) handleEnqueuePurge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceIDs    []string `json:"device_ids"`
		PurgeHistory bool     `json:"purge_history,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if len(body.DeviceIDs) == 0 {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "device_ids is empty"))
		return
	}
	jobID, err := s.deps.Purges.Enqueue(r.Context(), body.DeviceIDs, body.PurgeHistory)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	s.deps.Cache.InvalidatePrefix(devicesCachePrefix)
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID})
}

func (s *Server) handleGetPurgeJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		middleware.WriteError(w, r, merrors.New(merrors.ErrCodeInvalidInput, "job id must be an integer"))
		return
	}
	job, err := s.deps.Purges.Get(r.Context(), jobID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// adminActor names the caller for audit columns.
func adminActor(r *http.Request) string {
	if admin, ok := middleware.AdminFromContext(r.Context()); ok {
		if admin.Username != "" {
			return admin.Username
		}
		return admin.UserID
	}
	return "admin-key"
}

func pagination(q url.Values) (limit, offset int) {
	limit = defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = min(v, maxPageLimit)
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
