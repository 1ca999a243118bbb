// Package auth implements the three authentication modes of the control
// plane: device bearer tokens, admin JWTs, and the shared admin key. It
// also owns HMAC signing for push commands and the admin bulk-command
// signature scheme.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

const deviceTokenBytes = 32

// legacyScanLimit bounds the fallback over rows that predate fingerprints.
const legacyScanLimit = 500

// DeviceStore is the device lookup surface token verification needs.
type DeviceStore interface {
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error)
	ListWithoutFingerprint(ctx context.Context, limit int) ([]*models.Device, error)
	SetFingerprint(ctx context.Context, deviceID, fingerprint string) error
}

// NewDeviceToken generates a URL-safe bearer token with 32 bytes of
// entropy plus its bcrypt hash and SHA-256 fingerprint for storage.
func NewDeviceToken() (token, hash, fingerprint string, err error) {
	raw := make([]byte, deviceTokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)

	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", err
	}
	return token, string(hashed), Fingerprint(token), nil
}

// Fingerprint returns the SHA-256 hex digest of a token. It is the fast
// unique lookup key; the bcrypt hash remains the verification authority.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DeviceAuthenticator verifies device bearer tokens against the store.
type DeviceAuthenticator struct {
	store DeviceStore
}

// NewDeviceAuthenticator creates an authenticator over the given store.
func NewDeviceAuthenticator(store DeviceStore) *DeviceAuthenticator {
	return &DeviceAuthenticator{store: store}
}

// Authenticate resolves a bearer token to a device. The fingerprint index
// is the hot path; rows enrolled before fingerprints were introduced are
// found by a bounded bcrypt scan and backfilled on first match.
func (a *DeviceAuthenticator) Authenticate(ctx context.Context, token string) (*models.Device, error) {
	if token == "" {
		return nil, merrors.New(merrors.ErrCodeUnauthenticated, "missing device token")
	}

	fp := Fingerprint(token)
	device, err := a.store.GetByFingerprint(ctx, fp)
	switch {
	case err == nil:
		if device.Revoked() {
			return nil, merrors.New(merrors.ErrCodeUnauthenticated, "device token revoked")
		}
		if bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(token)) != nil {
			// Fingerprint collision with a non-matching hash means the
			// stored credential pair is inconsistent. Surface it
			// distinctly so operators can spot tampering.
			return nil, merrors.New(merrors.ErrCodeUnauthenticated, "device token rejected").
				WithMetadata("reason", "token_mismatch")
		}
		return device, nil
	case merrors.GetCode(err) == merrors.ErrCodeNotFound:
		return a.legacyScan(ctx, token, fp)
	default:
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "device lookup failed")
	}
}

// legacyScan bcrypt-checks rows that have no fingerprint yet and writes
// the fingerprint back on the first match so the next request takes the
// indexed path.
func (a *DeviceAuthenticator) legacyScan(ctx context.Context, token, fp string) (*models.Device, error) {
	candidates, err := a.store.ListWithoutFingerprint(ctx, legacyScanLimit)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInternal, "legacy token scan failed")
	}
	for _, device := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(token)) != nil {
			continue
		}
		if device.Revoked() {
			return nil, merrors.New(merrors.ErrCodeUnauthenticated, "device token revoked")
		}
		if err := a.store.SetFingerprint(ctx, device.DeviceID, fp); err == nil {
			device.TokenFingerprint = fp
		}
		return device, nil
	}
	return nil, merrors.New(merrors.ErrCodeUnauthenticated, "unknown device token")
}

// ErrAdminKeyUnset is returned when admin-key auth is attempted but no key
// is configured.
var ErrAdminKeyUnset = errors.New("admin key not configured")

// AdminKey holds the shared machine-to-machine secret.
type AdminKey struct {
	key []byte
}

// NewAdminKey wraps the configured secret; an empty secret disables
// admin-key auth entirely.
func NewAdminKey(key string) *AdminKey {
	return &AdminKey{key: []byte(key)}
}

// Verify compares the presented key in constant time.
func (k *AdminKey) Verify(presented string) error {
	if len(k.key) == 0 {
		return ErrAdminKeyUnset
	}
	if subtle.ConstantTimeCompare(k.key, []byte(presented)) != 1 {
		return merrors.New(merrors.ErrCodeUnauthenticated, "invalid admin key")
	}
	return nil
}
