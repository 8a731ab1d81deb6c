// Package middleware provides Gin middleware for the keygate HTTP API.
package middleware

import (
	"net/http"

	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ActorContextKey is the Gin context key holding the authenticated admin actor.
const ActorContextKey = "admin_actor"

// ActorHeader optionally names the operator behind an admin request for the audit trail.
const ActorHeader = "X-Keygate-Actor"

// TokenVerifier checks an admin bearer token.
type TokenVerifier interface {
	Verify(token string) bool
}

// AdminAuth returns a middleware that requires a valid admin bearer token.
func AdminAuth(verifier TokenVerifier, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "admin_auth").Logger()

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("missing authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		token := auth.ExtractBearerToken(authHeader)
		if token == "" {
			log.Debug().Str("path", c.Request.URL.Path).Msg("invalid authorization header format")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}

		if !verifier.Verify(token) {
			log.Warn().Str("client_ip", c.ClientIP()).Msg("invalid admin token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}

		actor := c.GetHeader(ActorHeader)
		if actor == "" {
			actor = "admin"
		}
		c.Set(ActorContextKey, actor)

		c.Next()
	}
}

// GetActor returns the authenticated admin actor, or empty when none is set.
func GetActor(c *gin.Context) string {
	return c.GetString(ActorContextKey)
}
