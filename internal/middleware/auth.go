// Package middleware holds the HTTP middleware chain: authentication,
// rate limiting, metrics, panic recovery, CORS, and tracing.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"mdmd.sh/internal/auth"
	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

type contextKey int

const (
	deviceContextKey contextKey = iota
	adminContextKey
)

// AdminIdentity describes who passed admin authentication.
type AdminIdentity struct {
	// UserID is set for JWT-authenticated users; admin-key callers get
	// the fixed identity "admin-key".
	UserID   string
	Username string
}

// DeviceFromContext returns the device authenticated by DeviceAuth.
func DeviceFromContext(ctx context.Context) (*models.Device, bool) {
	device, ok := ctx.Value(deviceContextKey).(*models.Device)
	return device, ok
}

// AdminFromContext returns the identity authenticated by AdminAuth.
func AdminFromContext(ctx context.Context) (*AdminIdentity, bool) {
	identity, ok := ctx.Value(adminContextKey).(*AdminIdentity)
	return identity, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// DeviceAuth authenticates device endpoints with bearer tokens. The
// resolved device lands on the request context.
func DeviceAuth(authenticator *auth.DeviceAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				WriteError(w, r, merrors.New(merrors.ErrCodeUnauthenticated, "missing bearer token"))
				return
			}

			device, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), deviceContextKey, device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth authenticates admin endpoints. Two credentials are accepted:
// a JWT bearer token, or the shared admin key in X-Admin-Key for
// machine-to-machine callers.
func AdminAuth(jwts *auth.JWTManager, adminKey *auth.AdminKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get("X-Admin-Key"); key != "" {
				if err := adminKey.Verify(key); err != nil {
					WriteError(w, r, merrors.New(merrors.ErrCodeUnauthenticated, "invalid admin key"))
					return
				}
				ctx := context.WithValue(r.Context(), adminContextKey,
					&AdminIdentity{UserID: "admin-key", Username: "admin-key"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := bearerToken(r)
			if token == "" {
				WriteError(w, r, merrors.New(merrors.ErrCodeUnauthenticated, "missing credentials"))
				return
			}
			claims, err := jwts.Validate(token)
			if err != nil {
				WriteError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), adminContextKey,
				&AdminIdentity{UserID: claims.UserID, Username: claims.Username})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
