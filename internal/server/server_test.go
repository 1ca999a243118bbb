package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mdmd.sh/internal/artifact"
	"mdmd.sh/internal/auth"
	"mdmd.sh/internal/config"
	"mdmd.sh/internal/deploy"
	"mdmd.sh/internal/dispatch"
	"mdmd.sh/internal/ingest"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
	"mdmd.sh/internal/observability"
	"mdmd.sh/internal/projection"
)

const testAdminKey = "sesame"

type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	updated int
	revoked []string
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{devices: make(map[string]*models.Device)}
}

func (f *fakeDevices) Create(_ context.Context, d *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.DeviceID] = d
	return nil
}

func (f *fakeDevices) Get(_ context.Context, id string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[id]; ok {
		return d, nil
	}
	return nil, merrors.Newf(merrors.ErrCodeNotFound, "device %s not found", id)
}

func (f *fakeDevices) GetByFingerprint(_ context.Context, fp string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.TokenFingerprint == fp {
			return d, nil
		}
	}
	return nil, merrors.New(merrors.ErrCodeNotFound, "no device for fingerprint")
}

func (f *fakeDevices) ListWithoutFingerprint(context.Context, int) ([]*models.Device, error) {
	return nil, nil
}

func (f *fakeDevices) SetFingerprint(context.Context, string, string) error { return nil }

func (f *fakeDevices) List(context.Context, int, int) ([]*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDevices) UpdateSettings(_ context.Context, id string, _, _ *string, _ *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[id]; !ok {
		return merrors.Newf(merrors.ErrCodeNotFound, "device %s not found", id)
	}
	f.updated++
	return nil
}

func (f *fakeDevices) Revoke(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return nil
}

func (f *fakeDevices) TouchSeen(context.Context, string, time.Time, string, string, string) error {
	return nil
}

func (f *fakeDevices) FCMToken(context.Context, string) (string, error) { return "", nil }

type fakeCommands struct {
	records map[string]*models.CommandRecord
	results map[string]*models.CommandResult
}

func (f *fakeCommands) Insert(_ context.Context, r *models.CommandRecord) (*models.CommandRecord, bool, error) {
	f.records[r.RequestID] = r
	return r, true, nil
}

func (f *fakeCommands) Get(_ context.Context, id string) (*models.CommandRecord, error) {
	if r, ok := f.records[id]; ok {
		return r, nil
	}
	return nil, merrors.Newf(merrors.ErrCodeNotFound, "command %s not found", id)
}

func (f *fakeCommands) ListForDevice(context.Context, string, int) ([]*models.CommandRecord, error) {
	return nil, nil
}

func (f *fakeCommands) InsertResult(_ context.Context, r *models.CommandResult) (bool, error) {
	f.results[r.RequestID] = r
	return true, nil
}

func (f *fakeCommands) GetResult(_ context.Context, id string) (*models.CommandResult, error) {
	if r, ok := f.results[id]; ok {
		return r, nil
	}
	return nil, merrors.Newf(merrors.ErrCodeNotFound, "result %s not found", id)
}

func (f *fakeCommands) DeleteForDevices(context.Context, []string) (int64, error) { return 0, nil }

type fakeAlerts struct {
	states []*models.AlertState
	events []*models.AlertEvent
}

func (f *fakeAlerts) GetState(context.Context, string, models.AlertCondition) (*models.AlertState, error) {
	return nil, merrors.New(merrors.ErrCodeNotFound, "no state")
}
func (f *fakeAlerts) UpsertState(context.Context, *models.AlertState) error { return nil }
func (f *fakeAlerts) ListStates(context.Context) ([]*models.AlertState, error) {
	return f.states, nil
}
func (f *fakeAlerts) InsertEvent(context.Context, *models.AlertEvent) error { return nil }
func (f *fakeAlerts) ListEvents(context.Context, time.Time, int) ([]*models.AlertEvent, error) {
	return f.events, nil
}

type fakeSelections struct {
	selections map[string]*models.DeviceSelection
}

func (f *fakeSelections) Create(_ context.Context, sel *models.DeviceSelection) error {
	f.selections[sel.SelectionID] = sel
	return nil
}

func (f *fakeSelections) Get(_ context.Context, id string) (*models.DeviceSelection, error) {
	if sel, ok := f.selections[id]; ok {
		return sel, nil
	}
	return nil, merrors.Newf(merrors.ErrCodeNotFound, "selection %s not found", id)
}

func (f *fakeSelections) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, nil }

type fakePurges struct {
	enqueued [][]string
	history  []bool
}

func (f *fakePurges) Enqueue(_ context.Context, ids []string, history bool) (int64, error) {
	f.enqueued = append(f.enqueued, ids)
	f.history = append(f.history, history)
	return 42, nil
}

func (f *fakePurges) DequeuePending(context.Context) (*models.PurgeJob, error) {
	return nil, merrors.New(merrors.ErrCodeNotFound, "queue empty")
}
func (f *fakePurges) MarkDone(context.Context, int64) error           { return nil }
func (f *fakePurges) MarkFailed(context.Context, int64, string) error { return nil }
func (f *fakePurges) Get(_ context.Context, id int64) (*models.PurgeJob, error) {
	return &models.PurgeJob{JobID: id, State: "pending"}, nil
}

type fakeRuns struct {
	runs map[string]*models.DeploymentRun
}

func (f *fakeRuns) CreateRun(_ context.Context, run *models.DeploymentRun, _ []*models.DeploymentBatch) error {
	f.runs[run.RunID] = run
	return nil
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*models.DeploymentRun, error) {
	if run, ok := f.runs[id]; ok {
		return run, nil
	}
	return nil, merrors.Newf(merrors.ErrCodeNotFound, "run %s not found", id)
}

func (f *fakeRuns) ListRuns(context.Context, int) ([]*models.DeploymentRun, error) {
	out := make([]*models.DeploymentRun, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRuns) ListBatches(context.Context, string) ([]*models.DeploymentBatch, error) {
	return []*models.DeploymentBatch{{BatchIndex: 0, State: models.BatchPending}}, nil
}

func (f *fakeRuns) TransitionRun(context.Context, string, []models.RunState, models.RunState, string) (bool, error) {
	return true, nil
}
func (f *fakeRuns) NextPendingBatch(context.Context) (*models.DeploymentBatch, error) {
	return nil, merrors.New(merrors.ErrCodeNotFound, "none")
}
func (f *fakeRuns) MarkBatchRunning(context.Context, string, int, time.Time, time.Time) error {
	return nil
}
func (f *fakeRuns) RunningBatches(context.Context) ([]*models.DeploymentBatch, error) {
	return nil, nil
}
func (f *fakeRuns) RecordBatchResult(context.Context, string, int, bool) (*models.DeploymentBatch, error) {
	return nil, merrors.New(merrors.ErrCodeNotFound, "none")
}
func (f *fakeRuns) FinishBatch(context.Context, string, int, models.BatchState) (bool, error) {
	return true, nil
}

type fakeIngestor struct {
	calls int
	last  *ingest.HeartbeatRequest
	err   error
}

func (f *fakeIngestor) Ingest(_ context.Context, _ *models.Device, req *ingest.HeartbeatRequest) error {
	f.calls++
	f.last = req
	return f.err
}

type fakeCommander struct {
	bulkIDs    []string
	bulkAction string
	results    []*models.CommandResult
	goodSig    string
}

func (f *fakeCommander) DispatchBulk(_ context.Context, ids []string, action string,
	_ map[string]any, _, _ string) ([]dispatch.BulkOutcome, error) {
	f.bulkIDs = ids
	f.bulkAction = action
	out := make([]dispatch.BulkOutcome, 0, len(ids))
	for _, id := range ids {
		out = append(out, dispatch.BulkOutcome{
			DeviceID: id, RequestID: "req-" + id, Status: models.CommandSent,
		})
	}
	return out, nil
}

func (f *fakeCommander) SubmitResult(_ context.Context, r *models.CommandResult) error {
	f.results = append(f.results, r)
	return nil
}

func (f *fakeCommander) VerifyDownloadSignature(_, _ string, expires int64, sig string) error {
	if sig == f.goodSig && expires > time.Now().Unix() {
		return nil
	}
	return merrors.New(merrors.ErrCodeUnauthenticated, "download signature mismatch")
}

type fakeDeployer struct {
	created deploy.CreateInput
	started []string
	paused  []string
	resumed []string
	aborted []string
	runs    *fakeRuns
}

func (f *fakeDeployer) CreateRun(_ context.Context, in deploy.CreateInput) (*models.DeploymentRun, error) {
	f.created = in
	run := &models.DeploymentRun{
		RunID: "run-1", APKID: in.APKID, State: models.RunPending,
		TotalDevices: len(in.DeviceIDs),
	}
	f.runs.runs[run.RunID] = run
	return run, nil
}

func (f *fakeDeployer) Start(_ context.Context, id string) error {
	f.started = append(f.started, id)
	f.runs.runs[id].State = models.RunRunning
	return nil
}

func (f *fakeDeployer) Pause(_ context.Context, id string) error {
	f.paused = append(f.paused, id)
	f.runs.runs[id].State = models.RunPaused
	return nil
}

func (f *fakeDeployer) Resume(_ context.Context, id string) error {
	f.resumed = append(f.resumed, id)
	f.runs.runs[id].State = models.RunRunning
	return nil
}

func (f *fakeDeployer) Abort(_ context.Context, id, _ string) error {
	f.aborted = append(f.aborted, id)
	f.runs.runs[id].State = models.RunAborted
	return nil
}

type fakeArtifacts struct {
	apks      map[string]*models.APKVersion
	blob      []byte
	uploads   int
	downloads int
	healthErr error
}

func (f *fakeArtifacts) Upload(_ context.Context, in artifact.UploadInput, r io.Reader) (*models.APKVersion, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.uploads++
	apk := &models.APKVersion{
		APKID: "apk-1", Category: in.Category, PackageName: in.PackageName,
		VersionCode: in.VersionCode, Filename: in.Filename,
		SizeBytes: int64(len(data)), SHA256: "cafe",
	}
	f.apks[apk.APKID] = apk
	return apk, nil
}

func (f *fakeArtifacts) Open(_ context.Context, id string) (*artifact.Download, error) {
	apk, ok := f.apks[id]
	if !ok {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "apk %s not found", id)
	}
	return &artifact.Download{
		APK: apk, Data: f.blob, Size: int64(len(f.blob)), CacheHit: true,
	}, nil
}

func (f *fakeArtifacts) Get(_ context.Context, id string) (*models.APKVersion, error) {
	if apk, ok := f.apks[id]; ok {
		return apk, nil
	}
	return nil, merrors.Newf(merrors.ErrCodeNotFound, "apk %s not found", id)
}

func (f *fakeArtifacts) List(context.Context, int, int) ([]*models.APKVersion, error) {
	out := make([]*models.APKVersion, 0, len(f.apks))
	for _, apk := range f.apks {
		out = append(out, apk)
	}
	return out, nil
}

func (f *fakeArtifacts) RecordDownload(_ context.Context, _, _ string, _ int64, _ time.Duration, _ bool) {
	f.downloads++
}

func (f *fakeArtifacts) Healthy(context.Context) error { return f.healthErr }

type fakeReader struct {
	mu       sync.Mutex
	statuses []*projection.DeviceStatus
	lists    int
}

func (f *fakeReader) List(context.Context, int, int) ([]*projection.DeviceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return f.statuses, nil
}

func (f *fakeReader) Get(_ context.Context, id string) (*projection.DeviceStatus, error) {
	for _, st := range f.statuses {
		if st.Device.DeviceID == id {
			return st, nil
		}
	}
	return nil, merrors.Newf(merrors.ErrCodeNotFound, "device %s not found", id)
}

type fakePinger struct{ err error }

func (f *fakePinger) Healthy(context.Context) error { return f.err }

type fixture struct {
	server    *Server
	handler   http.Handler
	devices   *fakeDevices
	commands  *fakeCommands
	commander *fakeCommander
	ingestor  *fakeIngestor
	deployer  *fakeDeployer
	artifacts *fakeArtifacts
	reader    *fakeReader
	purges    *fakePurges
	selects   *fakeSelections
	pinger    *fakePinger

	deviceID    string
	deviceToken string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		devices:   newFakeDevices(),
		commands:  &fakeCommands{records: map[string]*models.CommandRecord{}, results: map[string]*models.CommandResult{}},
		commander: &fakeCommander{goodSig: "valid-sig"},
		ingestor:  &fakeIngestor{},
		artifacts: &fakeArtifacts{apks: map[string]*models.APKVersion{}, blob: []byte("apk-bytes")},
		reader:    &fakeReader{},
		purges:    &fakePurges{},
		selects:   &fakeSelections{selections: map[string]*models.DeviceSelection{}},
		pinger:    &fakePinger{},
	}
	runs := &fakeRuns{runs: map[string]*models.DeploymentRun{}}
	f.deployer = &fakeDeployer{runs: runs}

	f.deviceToken = "test-device-token"
	hash, err := bcrypt.GenerateFromPassword([]byte(f.deviceToken), bcrypt.MinCost)
	require.NoError(t, err)
	f.deviceID = "device-1"
	device := &models.Device{
		DeviceID:         f.deviceID,
		Alias:            "lobby-kiosk",
		TokenHash:        string(hash),
		TokenFingerprint: auth.Fingerprint(f.deviceToken),
	}
	require.NoError(t, f.devices.Create(context.Background(), device))
	f.reader.statuses = []*projection.DeviceStatus{{Device: device}}

	settings := &config.Settings{
		ListenAddr:     ":0",
		ServerURL:      "http://mdmd.test",
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level: "error", Format: "console", OutputPath: "stderr",
	})

	f.server = New(Deps{
		Settings:   settings,
		Logger:     logger,
		DB:         f.pinger,
		Devices:    f.devices,
		Commands:   f.commands,
		Alerts:     &fakeAlerts{},
		Selections: f.selects,
		Purges:     f.purges,
		Runs:       runs,
		Ingestor:   f.ingestor,
		Dispatcher: f.commander,
		Deployer:   f.deployer,
		Artifacts:  f.artifacts,
		Reader:     f.reader,
		Cache:      projection.NewResponseCache(projection.DefaultResponseTTL),
		DeviceAuth: auth.NewDeviceAuthenticator(f.devices),
		JWT:        auth.NewJWTManager("test-jwt-secret"),
		AdminKey:   auth.NewAdminKey(testAdminKey),
	})
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) do(method, path string, body any, decorate func(*http.Request)) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func asDevice(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func asAdmin(r *http.Request) { r.Header.Set("X-Admin-Key", testAdminKey) }

func heartbeatBody() map[string]any {
	return map[string]any{
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
		"battery":       map[string]any{"pct": 80, "charging": true},
	}
}

func TestHeartbeatAccepted(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/heartbeat", heartbeatBody(), asDevice(f.deviceToken))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.ingestor.calls)
}

func TestHeartbeatRejectsBadToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/heartbeat", heartbeatBody(), asDevice("wrong-token"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, f.ingestor.calls)
}

func TestHeartbeatRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+f.deviceToken)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActionResultRecorded(t *testing.T) {
	f := newFixture(t)

	finished := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	w := f.do(http.MethodPost, "/v1/action-result", map[string]any{
		"request_id":  "req-9",
		"device_id":   f.deviceID,
		"action":      "restart_app",
		"outcome":     "completed",
		"message":     "restarted in 1.2s",
		"finished_at": finished.Format(time.RFC3339),
	}, asDevice(f.deviceToken))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.commander.results, 1)
	result := f.commander.results[0]
	assert.Equal(t, "req-9", result.RequestID)
	assert.Equal(t, f.deviceID, result.DeviceID)
	assert.Equal(t, "completed", result.Status)
	assert.True(t, result.ReportedAt.Equal(finished), "agent finished_at is kept")
}

func TestActionResultAcceptsStatusAlias(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/action-result", map[string]any{
		"request_id": "req-10", "status": "failed",
	}, asDevice(f.deviceToken))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.commander.results, 1)
	assert.Equal(t, "failed", f.commander.results[0].Status)
	assert.False(t, f.commander.results[0].ReportedAt.IsZero(), "server stamps missing finished_at")
}

func TestRegisterDeviceRequiresAdminKey(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/devices/register", map[string]any{"alias": "new"}, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegisterDeviceReturnsTokenOnce(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/devices/register", map[string]any{
		"alias": "warehouse-tablet", "monitored_package": "com.example.app",
	}, asAdmin)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["device_id"])
	assert.NotEmpty(t, resp["device_token"])

	created, err := f.devices.Get(context.Background(), resp["device_id"])
	require.NoError(t, err)
	assert.Equal(t, "warehouse-tablet", created.Alias)
	// Only the hash is stored.
	assert.NotEqual(t, resp["device_token"], created.TokenHash)
}

func TestListDevicesServedFromCache(t *testing.T) {
	f := newFixture(t)

	first := f.do(http.MethodGet, "/v1/devices", nil, asAdmin)
	second := f.do(http.MethodGet, "/v1/devices", nil, asAdmin)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, f.reader.lists)
	assert.Equal(t, "hit", second.Header().Get("X-Response-Cache"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestUpdateDeviceInvalidatesCache(t *testing.T) {
	f := newFixture(t)

	f.do(http.MethodGet, "/v1/devices", nil, asAdmin)
	w := f.do(http.MethodPatch, "/v1/devices/"+f.deviceID, map[string]any{
		"alias": "renamed",
	}, asAdmin)
	require.Equal(t, http.StatusOK, w.Code)

	f.do(http.MethodGet, "/v1/devices", nil, asAdmin)
	assert.Equal(t, 2, f.reader.lists)
}

func TestUpdateDeviceRejectsEmptyPatch(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPatch, "/v1/devices/"+f.deviceID, map[string]any{}, asAdmin)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRevokeDevice(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/devices/"+f.deviceID+"/revoke", nil, asAdmin)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{f.deviceID}, f.devices.revoked)
}

func TestDispatchCommands(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/commands", map[string]any{
		"device_ids":   []string{"device-1", "device-2"},
		"command_type": "ping",
		"signature":    "sig",
	}, asAdmin)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"device-1", "device-2"}, f.commander.bulkIDs)
	assert.Equal(t, "ping", f.commander.bulkAction)

	var resp struct {
		Outcomes []dispatch.BulkOutcome `json:"outcomes"`
		Count    int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestDispatchCommandsExpandsSelection(t *testing.T) {
	f := newFixture(t)
	f.selects.selections["sel-1"] = &models.DeviceSelection{
		SelectionID: "sel-1",
		DeviceIDs:   []string{"a", "b", "c"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	w := f.do(http.MethodPost, "/v1/commands", map[string]any{
		"selection_id": "sel-1", "command_type": "ping", "signature": "sig",
	}, asAdmin)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a", "b", "c"}, f.commander.bulkIDs)
}

func TestExpiredSelectionIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.selects.selections["sel-old"] = &models.DeviceSelection{
		SelectionID: "sel-old",
		DeviceIDs:   []string{"a"},
		ExpiresAt:   time.Now().Add(-time.Minute),
	}

	w := f.do(http.MethodGet, "/v1/selections/sel-old", nil, asAdmin)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAndFetchSelection(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/selections", map[string]any{
		"device_ids": []string{"x", "y"}, "ttl_seconds": 600,
	}, asAdmin)
	require.Equal(t, http.StatusCreated, w.Code)

	var sel models.DeviceSelection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sel))
	assert.NotEmpty(t, sel.SelectionID)

	got := f.do(http.MethodGet, "/v1/selections/"+sel.SelectionID, nil, asAdmin)
	assert.Equal(t, http.StatusOK, got.Code)
}

func TestGetCommandWithResult(t *testing.T) {
	f := newFixture(t)
	f.commands.records["req-1"] = &models.CommandRecord{
		RequestID: "req-1", DeviceID: f.deviceID, Action: "ping", Status: models.CommandSent,
	}
	f.commands.results["req-1"] = &models.CommandResult{
		RequestID: "req-1", DeviceID: f.deviceID, Status: models.ResultCompleted,
	}

	w := f.do(http.MethodGet, "/v1/commands/req-1", nil, asAdmin)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "command")
	assert.Contains(t, resp, "result")
}

func TestGetCommandWithoutResult(t *testing.T) {
	f := newFixture(t)
	f.commands.records["req-2"] = &models.CommandRecord{
		RequestID: "req-2", DeviceID: f.deviceID, Action: "ping", Status: models.CommandSent,
	}

	w := f.do(http.MethodGet, "/v1/commands/req-2", nil, asAdmin)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotContains(t, resp, "result")
}

func TestDownloadWithSignedLink(t *testing.T) {
	f := newFixture(t)
	f.artifacts.apks["apk-1"] = &models.APKVersion{
		APKID: "apk-1", Filename: "app.apk", SHA256: "cafe",
	}

	url := fmt.Sprintf("/v1/apk/apk-1/download?device_id=%s&expires=%d&sig=valid-sig",
		f.deviceID, time.Now().Add(time.Hour).Unix())
	w := f.do(http.MethodGet, url, nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "apk-bytes", w.Body.String())
	assert.Equal(t, "cafe", w.Header().Get("X-APK-SHA256"))
	assert.Equal(t, "true", w.Header().Get("X-Cache-Hit"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, 1, f.artifacts.downloads)
}

func TestDownloadWithDeviceToken(t *testing.T) {
	f := newFixture(t)
	f.artifacts.apks["apk-1"] = &models.APKVersion{
		APKID: "apk-1", Filename: "app.apk", SHA256: "cafe",
	}

	w := f.do(http.MethodGet, "/v1/apk/apk-1/download", nil, asDevice(f.deviceToken))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDownloadRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	f.artifacts.apks["apk-1"] = &models.APKVersion{APKID: "apk-1"}

	url := fmt.Sprintf("/v1/apk/apk-1/download?device_id=%s&expires=%d&sig=forged",
		f.deviceID, time.Now().Add(time.Hour).Unix())
	w := f.do(http.MethodGet, url, nil, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Zero(t, f.artifacts.downloads)
}

func TestDownloadWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	f.artifacts.apks["apk-1"] = &models.APKVersion{APKID: "apk-1"}

	w := f.do(http.MethodGet, "/v1/apk/apk-1/download", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadAPK(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("category", "game"))
	require.NoError(t, mw.WriteField("package_name", "com.example.app"))
	require.NoError(t, mw.WriteField("version_code", "42"))
	part, err := mw.CreateFormFile("file", "app.apk")
	require.NoError(t, err)
	_, err = part.Write([]byte("binary-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/apk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	asAdmin(req)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, f.artifacts.uploads)

	var apk models.APKVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apk))
	assert.Equal(t, "com.example.app", apk.PackageName)
	assert.Equal(t, int64(42), apk.VersionCode)
}

func TestCreateDeploymentAutoStarts(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/deployments", map[string]any{
		"apk_id":                "apk-1",
		"device_ids":            []string{"a", "b", "c", "d", "e", "f", "g"},
		"batch_size":            7,
		"success_threshold":     6,
		"batch_timeout_seconds": 300,
	}, asAdmin)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"run-1"}, f.deployer.started)
	// The threshold is an absolute device count, not a percentage.
	assert.Equal(t, 6, f.deployer.created.SuccessThreshold)
	assert.Equal(t, 5*time.Minute, f.deployer.created.BatchTimeout)

	var run models.DeploymentRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, models.RunRunning, run.State)
}

func TestDeploymentLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)
	f.deployer.runs.runs["run-1"] = &models.DeploymentRun{
		RunID: "run-1", State: models.RunRunning,
	}

	pause := f.do(http.MethodPost, "/v1/deployments/run-1/pause", nil, asAdmin)
	require.Equal(t, http.StatusOK, pause.Code)
	assert.Equal(t, []string{"run-1"}, f.deployer.paused)

	resume := f.do(http.MethodPost, "/v1/deployments/run-1/resume", nil, asAdmin)
	require.Equal(t, http.StatusOK, resume.Code)

	abort := f.do(http.MethodPost, "/v1/deployments/run-1/abort", map[string]any{
		"reason": "bad build",
	}, asAdmin)
	require.Equal(t, http.StatusOK, abort.Code)
	assert.Equal(t, []string{"run-1"}, f.deployer.aborted)

	var run models.DeploymentRun
	require.NoError(t, json.Unmarshal(abort.Body.Bytes(), &run))
	assert.Equal(t, models.RunAborted, run.State)
}

func TestPurgeEnqueued(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/purge", map[string]any{
		"device_ids": []string{f.deviceID}, "purge_history": true,
	}, asAdmin)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp["job_id"])
	require.Len(t, f.purges.enqueued, 1)
	assert.True(t, f.purges.history[0])
}

func TestAuthTokenMintsValidJWT(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/auth/token", map[string]any{
		"user_id": "u-1", "username": "ops",
	}, asAdmin)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	claims, err := f.server.deps.JWT.Validate(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "ops", claims.Username)

	// The minted JWT opens the admin API.
	list := f.do(http.MethodGet, "/v1/devices", nil, asDevice(resp.Token))
	assert.Equal(t, http.StatusOK, list.Code)
}

func TestAdminEndpointsRejectAnonymous(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/v1/devices", "/v1/alerts", "/v1/deployments"} {
		w := f.do(http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestReadyReflectsDatabase(t *testing.T) {
	f := newFixture(t)

	ok := f.do(http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, ok.Code)

	f.pinger.err = fmt.Errorf("connection refused")
	down := f.do(http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, down.Code)
}

func TestHealthAggregatesChecks(t *testing.T) {
	f := newFixture(t)
	f.artifacts.healthErr = fmt.Errorf("bucket unreachable")

	w := f.do(http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Contains(t, resp.Checks["artifact_store"], "bucket unreachable")
}

func TestHubBroadcastIsNonBlocking(t *testing.T) {
	logger := observability.NewLogger(observability.LogConfig{
		Level: "error", Format: "console", OutputPath: "stderr",
	})
	hub := NewHub(logger)

	// No Run loop is draining; publishing must still not block.
	for i := 0; i < 1000; i++ {
		hub.Broadcast("command_result", map[string]int{"i": i})
	}

	var event Event
	require.NoError(t, json.Unmarshal(<-hub.broadcast, &event))
	assert.Equal(t, "command_result", event.Type)
}

func TestHubDeliversToSubscribers(t *testing.T) {
	logger := observability.NewLogger(observability.LogConfig{
		Level: "error", Format: "console", OutputPath: "stderr",
	})
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &wsClient{send: make(chan []byte, clientBuffer)}
	hub.register <- client

	hub.Broadcast("device_registered", map[string]string{"device_id": "d-1"})

	select {
	case msg := <-client.send:
		var event Event
		require.NoError(t, json.Unmarshal(msg, &event))
		assert.Equal(t, "device_registered", event.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
