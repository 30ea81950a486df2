// Package auth authenticates HTTP requests with bearer JWTs and exposes the
// resulting principal to gin handlers.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RoleProduceNotifications gates notification creation and producer-side
// housekeeping endpoints.
const RoleProduceNotifications = "produce_notifications"

const principalKey = "auth_principal"

// Principal is the authenticated caller extracted from a verified token.
type Principal struct {
	UserID uuid.UUID
	Roles  []string
}

// HasRole reports whether the principal carries the given role claim.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Config holds the token verification settings.
type Config struct {
	Secret     string
	Algorithms []string // allowed signing methods, e.g. ["HS256"]
}

// DefaultConfig returns the default auth configuration.
func DefaultConfig() Config {
	return Config{
		Algorithms: []string{"HS256"},
	}
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// ParseToken verifies a raw JWT and extracts the principal. The subject claim
// must be a UUID.
func ParseToken(config Config, raw string) (Principal, error) {
	parsed := &claims{}
	_, err := jwt.ParseWithClaims(raw, parsed, func(t *jwt.Token) (interface{}, error) {
		return []byte(config.Secret), nil
	}, jwt.WithValidMethods(config.Algorithms))
	if err != nil {
		return Principal{}, fmt.Errorf("parse token: %w", err)
	}

	userID, err := uuid.Parse(parsed.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("parse token subject: %w", err)
	}

	return Principal{UserID: userID, Roles: parsed.Roles}, nil
}

// Middleware authenticates the request from its Authorization header and
// stores the principal in the gin context. Requests without a valid bearer
// token are rejected with 401.
func Middleware(config Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		principal, err := ParseToken(config, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole rejects with 403 any authenticated request whose principal
// lacks the role. Must run after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if !principal.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by Middleware.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	principal, ok := v.(Principal)
	return principal, ok
}
