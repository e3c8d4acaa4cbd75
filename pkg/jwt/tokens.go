// Package jwt issues and verifies the HS256 session tokens shared by the
// API and deployctl.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "dumcel"
	leeway = 30 * time.Second
)

var (
	// ErrMissingSubject is returned for tokens that do not name a user.
	ErrMissingSubject = errors.New("jwt: token has no user")
	// ErrNoSecret is returned when signing or verifying without a key.
	ErrNoSecret = errors.New("jwt: signing secret not configured")
)

// Claims is the session payload. user_id duplicates sub for older clients.
type Claims struct {
	UserID string `json:"user_id"`
	jwtlib.RegisteredClaims
}

var parser = jwtlib.NewParser(
	jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
	jwtlib.WithIssuer(issuer),
	jwtlib.WithExpirationRequired(),
	jwtlib.WithLeeway(leeway),
)

// GenerateToken signs a token for userID that expires after ttl.
func GenerateToken(userID, secret string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingSubject
	}
	if secret == "" {
		return "", ErrNoSecret
	}
	now := time.Now()
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("jwt: sign: %w", err)
	}
	return signed, nil
}

// Parse verifies token against secret and returns its claims.
func Parse(token, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return []byte(secret), nil
	}); err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
