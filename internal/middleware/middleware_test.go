package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mdmd.sh/internal/auth"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[merrors.ErrorCode]int{
		merrors.ErrCodeInvalidInput:     http.StatusBadRequest,
		merrors.ErrCodeUnauthenticated:  http.StatusUnauthorized,
		merrors.ErrCodePermissionDenied: http.StatusForbidden,
		merrors.ErrCodeNotFound:         http.StatusNotFound,
		merrors.ErrCodeAlreadyExists:    http.StatusConflict,
		merrors.ErrCodeRateLimited:      http.StatusTooManyRequests,
		merrors.ErrCodeUnavailable:      http.StatusServiceUnavailable,
		merrors.ErrCodeTimeout:          http.StatusGatewayTimeout,
		merrors.ErrCodeInternal:         http.StatusInternalServerError,
		merrors.ErrCodeInvariant:        http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)

	WriteError(rec, req, merrors.New(merrors.ErrCodeInternal, "pq: relation devices does not exist"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body["error"])
	assert.Equal(t, "INTERNAL", body["code"])
}

func TestWriteErrorExposesClientDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/devices/x", nil)

	WriteError(rec, req, merrors.New(merrors.ErrCodeNotFound, "device x not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "device x not found", body["error"])
}

type stubDeviceStore struct {
	device *models.Device
}

func (s *stubDeviceStore) GetByFingerprint(_ context.Context, fp string) (*models.Device, error) {
	if s.device != nil && s.device.TokenFingerprint == fp {
		return s.device, nil
	}
	return nil, merrors.New(merrors.ErrCodeNotFound, "not found")
}

func (s *stubDeviceStore) ListWithoutFingerprint(context.Context, int) ([]*models.Device, error) {
	return nil, nil
}

func (s *stubDeviceStore) SetFingerprint(context.Context, string, string) error { return nil }

func enrolledDevice(t *testing.T, token string) *models.Device {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.Device{
		DeviceID:         "dev-1",
		TokenHash:        string(hash),
		TokenFingerprint: auth.Fingerprint(token),
	}
}

func TestDeviceAuthAcceptsValidToken(t *testing.T) {
	const token = "device-token"
	store := &stubDeviceStore{device: enrolledDevice(t, token)}
	authenticator := auth.NewDeviceAuthenticator(store)

	var gotDevice *models.Device
	handler := DeviceAuth(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice, _ = DeviceFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, gotDevice)
	assert.Equal(t, "dev-1", gotDevice.DeviceID)
}

func TestDeviceAuthRejectsMissingAndBadTokens(t *testing.T) {
	store := &stubDeviceStore{device: enrolledDevice(t, "real-token")}
	handler := DeviceAuth(auth.NewDeviceAuthenticator(store))(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no credentials")

	req = httptest.NewRequest(http.MethodPost, "/v1/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unknown token")
}

func TestAdminAuthJWT(t *testing.T) {
	jwts := auth.NewJWTManager("jwt-secret")
	token, _, err := jwts.Generate("user-1", "ops")
	require.NoError(t, err)

	var identity *AdminIdentity
	handler := AdminAuth(jwts, auth.NewAdminKey(""))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = AdminFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, identity)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "ops", identity.Username)
}

func TestAdminAuthSharedKey(t *testing.T) {
	handler := AdminAuth(auth.NewJWTManager("jwt-secret"), auth.NewAdminKey("machine-key"))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.Header.Set("X-Admin-Key", "machine-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.Header.Set("X-Admin-Key", "wrong-key")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthKeyDisabledWhenUnset(t *testing.T) {
	handler := AdminAuth(auth.NewJWTManager("jwt-secret"), auth.NewAdminKey(""))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	req.Header.Set("X-Admin-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitPerClient(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 2, Expiration: time.Minute})
	defer rl.Stop()
	handler := RateLimit(rl)(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1234"), "burst exhausted")
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234"), "other clients keep their own bucket")
}

func TestClientIDPrefersDeviceIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "ip:10.0.0.1", ClientID(req))

	ctx := context.WithValue(req.Context(), deviceContextKey, &models.Device{DeviceID: "dev-9"})
	assert.Equal(t, "device:dev-9", ClientID(req.WithContext(ctx)))
}

func TestRedisRateLimiterSlidingWindow(t *testing.T) {
	srv := miniredis.RunT(t)

	rl, err := NewRedisRateLimiter(srv.Addr(), 3, 60)
	require.NoError(t, err)
	defer rl.Close()

	handler := rl.Middleware(okHandler())
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		rec := send()
		assert.Equal(t, http.StatusOK, rec.Code, "request %d within limit", i+1)
	}
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	srv := miniredis.RunT(t)
	rl, err := NewRedisRateLimiter(srv.Addr(), 1, 60)
	require.NoError(t, err)
	defer rl.Close()

	srv.Close()

	handler := rl.Middleware(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "redis outage must not take reads down")
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL", body["code"])
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/devices", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "no HSTS over plain HTTP")
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS([]string{"https://dash.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/devices", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/devices", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCleanPathCollapsesIDs(t *testing.T) {
	assert.Equal(t, "/v1/devices/{id}", cleanPath("/v1/devices/42"))
	assert.Equal(t, "/v1/apk/{id}",
		cleanPath("/v1/apk/0d9aa559-3bf5-43a1-a1d1-1f5b85f2c0a0"))
	assert.Equal(t, "/v1/devices", cleanPath("/v1/devices"))
}
