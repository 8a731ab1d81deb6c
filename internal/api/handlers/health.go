package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDraining  HealthStatus = "draining"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status  HealthStatus                  `json:"status"`
	Version string                        `json:"version,omitempty"`
	Checks  map[string]*HealthCheckResult `json:"checks,omitempty"`
	Error   string                        `json:"error,omitempty"`
}

// DatabaseHealthChecker defines the interface for license store health checking.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
	Health() map[string]any
}

// DrainChecker reports whether the server is still accepting new traffic.
type DrainChecker interface {
	IsAccepting() bool
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	db      DatabaseHealthChecker
	drain   DrainChecker
	version string
	logger  zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DatabaseHealthChecker, version string, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		version: version,
		logger:  logger.With().Str("component", "health_handler").Logger(),
	}
}

// WithDrain makes /health report draining once d stops accepting traffic.
func (h *HealthHandler) WithDrain(d DrainChecker) *HealthHandler {
	h.drain = d
	return h
}

// RegisterPublicRoutes registers health check routes that don't require authentication.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	health := r.Group("/health")
	{
		health.GET("", h.Overall)
		health.GET("/db", h.Database)
	}
}

// Overall reports process liveness without touching the store. It returns
// 503 once shutdown has started.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	if h.drain != nil && !h.drain.IsAccepting() {
		c.JSON(http.StatusServiceUnavailable, &HealthResponse{
			Status:  HealthStatusDraining,
			Version: h.version,
		})
		return
	}
	c.JSON(http.StatusOK, &HealthResponse{
		Status:  HealthStatusHealthy,
		Version: h.version,
	})
}

// Database returns the license store health status.
// GET /health/db
func (h *HealthHandler) Database(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	result := h.checkDatabase(ctx)

	response := &HealthResponse{
		Status:  result.Status,
		Version: h.version,
		Checks: map[string]*HealthCheckResult{
			"database": result,
		},
	}

	if result.Status == HealthStatusUnhealthy {
		response.Error = result.Error
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

// checkDatabase performs a database health check.
func (h *HealthHandler) checkDatabase(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{
		Status: HealthStatusHealthy,
	}

	if h.db == nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "database not configured"
		result.Duration = time.Since(start).String()
		return result
	}

	err := h.db.Ping(ctx)
	result.Duration = time.Since(start).String()

	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "database ping failed"
		h.logger.Warn().Err(err).Msg("database health check failed")
		return result
	}

	result.Details = h.db.Health()

	return result
}
