package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campuslink/models"
)

// ErrInvalidToken indicates the session token carries no usable subject.
var ErrInvalidToken = errors.New("network: invalid session token")

// Identity is the authenticated principal a transport session belongs to.
type Identity struct {
	ID        string
	Role      models.Role
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the session token has passed its expiry.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IdentityFromToken reads subject, role and expiry from a session JWT.
// The signature is not checked here; the issuing service and the gateway verify it.
func IdentityFromToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &sessionClaims{})
	if err != nil {
		return Identity{}, fmt.Errorf("parse session token: %w", err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}

	identity := Identity{
		ID:    claims.Subject,
		Role:  models.Role(claims.Role),
		Token: token,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}
