package gateway

import (
	"fmt"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the minimum HS256 signing secret length in bytes.
const MinSecretLength = 32

type sessionClaims struct {
	Holder string `json:"hld"`
	jwt.RegisteredClaims
}

// tokenIssuer signs session tokens. The jti is the session ID and exp the
// scan deadline. Tokens are still accepted for leeway past exp so the session
// record, not the token, decides how a late call fails.
type tokenIssuer struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

func newTokenIssuer(secret []byte, issuer string, leeway time.Duration, now func() time.Time) (*tokenIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	return &tokenIssuer{secret: secret, issuer: issuer, leeway: leeway, now: now}, nil
}

func (t *tokenIssuer) issue(s *models.AuthorizationSession) (string, error) {
	claims := sessionClaims{
		Holder: s.Holder,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(s.StartedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// parse validates token and returns its session ID. Any failure, including a
// token past exp plus leeway, is SessionNotFound.
func (t *tokenIssuer) parse(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, apperr.New(apperr.SessionNotFound, "session token is required")
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(t.leeway),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.SessionNotFound, err)
	}

	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.SessionNotFound, fmt.Errorf("invalid session id: %w", err))
	}
	return id, nil
}
