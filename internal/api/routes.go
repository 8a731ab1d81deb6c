// Package api provides the HTTP API for the keygate server.
package api

import (
	"fmt"
	"time"

	"github.com/MacJediWizard/keygate/internal/api/handlers"
	"github.com/MacJediWizard/keygate/internal/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// RateLimitRequests is the number of requests allowed per client per period.
	RateLimitRequests int64
	// RateLimitPeriod is the rate limiting window.
	RateLimitPeriod time.Duration
	// Redis backs the rate limiter when set. Nil uses an in-process store.
	Redis *redis.Client
	// MaxBodyBytes caps request bodies. Zero uses middleware.DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// Version reported by /health.
	Version string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		RateLimitRequests: 100,
		RateLimitPeriod:   time.Minute,
		MaxBodyBytes:      middleware.DefaultMaxBodyBytes,
		Version:           "dev",
	}
}

// Dependencies are the services the router exposes.
type Dependencies struct {
	Verifier handlers.LicenseVerifier
	Admin    handlers.LicenseAdmin
	Issuer   handlers.LicenseIssuer
	Database handlers.DatabaseHealthChecker
	Gatherer prometheus.Gatherer
	// AdminAuth guards the administrative routes. Nil leaves them unmounted.
	AdminAuth middleware.TokenVerifier
	// Drain turns /health unavailable during shutdown. Optional.
	Drain handlers.DrainChecker
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	if deps.Verifier == nil {
		return nil, fmt.Errorf("create router: verifier is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = middleware.DefaultMaxBodyBytes
	}
	if err := handlers.RegisterValidators(); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}

	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))

	// Health and metrics (no auth, no rate limit)
	healthHandler := handlers.NewHealthHandler(deps.Database, cfg.Version, logger)
	if deps.Drain != nil {
		healthHandler.WithDrain(deps.Drain)
	}
	healthHandler.RegisterPublicRoutes(r.Engine)
	if deps.Gatherer != nil {
		handlers.NewMetricsHandler(deps.Gatherer, logger).RegisterPublicRoutes(r.Engine)
	}

	verifyLimiter, err := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Requests: cfg.RateLimitRequests,
		Period:   cfg.RateLimitPeriod,
		Prefix:   "keygate:verify",
		Redis:    cfg.Redis,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create verify rate limiter: %w", err)
	}

	verifyHandler := handlers.NewVerifyHandler(deps.Verifier, logger)

	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(verifyLimiter, middleware.BodyLimit(cfg.MaxBodyBytes))
	verifyHandler.RegisterRoutes(apiV1)

	// Installations shipped before the versioned prefix still call /api/verify.
	legacy := r.Engine.Group("/api")
	legacy.Use(verifyLimiter, middleware.BodyLimit(cfg.MaxBodyBytes))
	verifyHandler.RegisterRoutes(legacy)

	if deps.AdminAuth == nil || deps.Admin == nil || deps.Issuer == nil {
		r.logger.Warn().Msg("admin token not configured, admin API disabled")
		r.logger.Info().Msg("API router initialized")
		return r, nil
	}

	adminLimiter, err := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Requests: cfg.RateLimitRequests,
		Period:   cfg.RateLimitPeriod,
		Prefix:   "keygate:admin",
		Redis:    cfg.Redis,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create admin rate limiter: %w", err)
	}

	admin := r.Engine.Group("/api/v1/admin")
	admin.Use(adminLimiter, middleware.BodyLimit(cfg.MaxBodyBytes), middleware.AdminAuth(deps.AdminAuth, logger))
	handlers.NewLicensesHandler(deps.Admin, deps.Issuer, logger).RegisterRoutes(admin)

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
