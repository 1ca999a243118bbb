package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

type fakeDeviceStore struct {
	byFingerprint map[string]*models.Device
	legacy        []*models.Device
	backfilled    map[string]string
}

func newFakeDeviceStore() *fakeDeviceStore {
	return &fakeDeviceStore{
		byFingerprint: make(map[string]*models.Device),
		backfilled:    make(map[string]string),
	}
}

func (s *fakeDeviceStore) GetByFingerprint(_ context.Context, fp string) (*models.Device, error) {
	if d, ok := s.byFingerprint[fp]; ok {
		return d, nil
	}
	return nil, merrors.New(merrors.ErrCodeNotFound, "device not found")
}

func (s *fakeDeviceStore) ListWithoutFingerprint(_ context.Context, limit int) ([]*models.Device, error) {
	if len(s.legacy) > limit {
		return s.legacy[:limit], nil
	}
	return s.legacy, nil
}

func (s *fakeDeviceStore) SetFingerprint(_ context.Context, deviceID, fp string) error {
	s.backfilled[deviceID] = fp
	return nil
}

func TestNewDeviceTokenRoundTrip(t *testing.T) {
	token, hash, fp, err := NewDeviceToken()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(token), 43) // 32 bytes base64url
	assert.Equal(t, Fingerprint(token), fp)
	assert.NotEqual(t, token, hash)

	store := newFakeDeviceStore()
	store.byFingerprint[fp] = &models.Device{DeviceID: "dev-1", TokenHash: hash, TokenFingerprint: fp}

	a := NewDeviceAuthenticator(store)
	device, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", device.DeviceID)
}

func TestAuthenticateUnknownToken(t *testing.T) {
	a := NewDeviceAuthenticator(newFakeDeviceStore())
	_, err := a.Authenticate(context.Background(), "no-such-token")
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeUnauthenticated, merrors.GetCode(err))
}

func TestAuthenticateTokenMismatch(t *testing.T) {
	token, _, fp, err := NewDeviceToken()
	require.NoError(t, err)
	_, otherHash, _, err := NewDeviceToken()
	require.NoError(t, err)

	store := newFakeDeviceStore()
	store.byFingerprint[fp] = &models.Device{DeviceID: "dev-1", TokenHash: otherHash, TokenFingerprint: fp}

	a := NewDeviceAuthenticator(store)
	_, err = a.Authenticate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeUnauthenticated, merrors.GetCode(err))

	var me *merrors.Error
	require.True(t, merrors.As(err, &me))
	assert.Equal(t, "token_mismatch", me.Metadata["reason"])
}

func TestAuthenticateRevokedDevice(t *testing.T) {
	token, hash, fp, err := NewDeviceToken()
	require.NoError(t, err)

	revoked := time.Now()
	store := newFakeDeviceStore()
	store.byFingerprint[fp] = &models.Device{DeviceID: "dev-1", TokenHash: hash, TokenFingerprint: fp, RevokedAt: &revoked}

	a := NewDeviceAuthenticator(store)
	_, err = a.Authenticate(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeUnauthenticated, merrors.GetCode(err))
}

func TestAuthenticateLegacyBackfill(t *testing.T) {
	token, hash, fp, err := NewDeviceToken()
	require.NoError(t, err)

	store := newFakeDeviceStore()
	store.legacy = []*models.Device{
		{DeviceID: "dev-other", TokenHash: "$2a$10$invalidhashinvalidhashinvalidha"},
		{DeviceID: "dev-legacy", TokenHash: hash},
	}

	a := NewDeviceAuthenticator(store)
	device, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "dev-legacy", device.DeviceID)
	assert.Equal(t, fp, store.backfilled["dev-legacy"], "fingerprint should be backfilled on first match")
}

func TestAdminKeyConstantTime(t *testing.T) {
	key := NewAdminKey("super-secret")
	require.NoError(t, key.Verify("super-secret"))
	require.Error(t, key.Verify("wrong"))
	require.Error(t, key.Verify(""))

	unset := NewAdminKey("")
	assert.ErrorIs(t, unset.Verify("anything"), ErrAdminKeyUnset)
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("test-secret")
	token, expiresAt, err := m.Generate("u-1", "ops")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(AdminTokenDuration), expiresAt, time.Minute)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, "mdmd", claims.Issuer)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token, _, err := NewJWTManager("secret-a").Generate("u-1", "ops")
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b").Validate(token)
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeUnauthenticated, merrors.GetCode(err))
}

func TestJWTRejectsExpired(t *testing.T) {
	m := NewJWTManager("test-secret")
	m.now = func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }
	token, _, err := m.Generate("u-1", "ops")
	require.NoError(t, err)

	fresh := NewJWTManager("test-secret")
	_, err = fresh.Validate(token)
	require.Error(t, err)
}

func TestSignCommandDeterministic(t *testing.T) {
	s := NewSigner("hmac-secret")
	sig1 := s.SignCommand("req-1", "dev-1", "ping", 1700000000)
	sig2 := s.SignCommand("req-1", "dev-1", "ping", 1700000000)
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64)

	assert.True(t, s.VerifyCommand("req-1", "dev-1", "ping", 1700000000, sig1))
	assert.False(t, s.VerifyCommand("req-1", "dev-1", "launch_app", 1700000000, sig1))
	assert.False(t, s.VerifyCommand("req-1", "dev-1", "ping", 1700000001, sig1))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"b": true, "a": []any{"x", "y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":["x","y"],"b":true},"zeta":1}`, got)
}

func TestVerifyAdminCommand(t *testing.T) {
	s := NewSigner("hmac-secret")
	devices := []string{"dev-1", "dev-2"}
	params := map[string]any{"package": "com.example.kiosk", "delay": float64(5)}

	sig, err := s.SignAdminCommand(devices, "launch_app", params)
	require.NoError(t, err)

	// Same map, different literal order, must verify.
	reordered := map[string]any{"delay": float64(5), "package": "com.example.kiosk"}
	require.NoError(t, s.VerifyAdminCommand(devices, "launch_app", reordered, sig))

	err = s.VerifyAdminCommand([]string{"dev-1"}, "launch_app", params, sig)
	require.Error(t, err)
	assert.Equal(t, merrors.ErrCodeUnauthenticated, merrors.GetCode(err))
}
