package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mdmd.sh/internal/merrors"
)

// AdminTokenDuration is the fixed lifetime of admin JWTs.
const AdminTokenDuration = 7 * 24 * time.Hour

// AdminClaims are the claims carried by admin JWTs.
type AdminClaims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// JWTManager signs and validates admin JWTs (HS256).
type JWTManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTManager creates a manager for the given signing secret.
func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		issuer: "mdmd",
		now:    time.Now,
	}
}

// Generate issues a 7-day admin token for the named user.
func (m *JWTManager) Generate(userID, username string) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(AdminTokenDuration)

	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Subject:   userID,
		},
		UserID:   userID,
		Username: username,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, merrors.Wrap(err, merrors.ErrCodeInternal, "signing admin token")
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies an admin token.
func (m *JWTManager) Validate(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, merrors.Newf(merrors.ErrCodeUnauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeUnauthenticated, "invalid admin token")
	}
	if !token.Valid {
		return nil, merrors.New(merrors.ErrCodeUnauthenticated, "invalid admin token")
	}
	return claims, nil
}
