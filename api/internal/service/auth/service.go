package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	jwtpkg "github.com/dumcel/deployer/pkg/jwt"
)

// ErrUnauthorized indicates the bearer token was missing or invalid.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	ExpiresAt time.Time
}

// Service verifies bearer tokens issued by the account layer. It never
// creates users.
type Service struct {
	secret string
	logger *slog.Logger
}

// New constructs a Service.
func New(secret string, logger *slog.Logger) Service {
	return Service{secret: secret, logger: logger}
}

// Authorize validates a bearer token and returns the caller.
func (s Service) Authorize(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" || s.secret == "" {
		return Principal{}, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(token, s.secret)
	if err != nil {
		s.logger.Debug("token rejected", "error", err)
		return Principal{}, ErrUnauthorized
	}
	principal := Principal{UserID: claims.UserID}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// Issue mints a token for userID. Used by development tooling and tests.
func (s Service) Issue(userID string, ttl time.Duration) (string, error) {
	return jwtpkg.GenerateToken(userID, s.secret, ttl)
}
