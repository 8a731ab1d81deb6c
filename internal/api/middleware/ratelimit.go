package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// RateLimitConfig configures a rate limiting middleware.
type RateLimitConfig struct {
	// Requests is the number of requests allowed per period and client IP.
	Requests int64
	Period   time.Duration
	// Prefix separates counters of independent limiters sharing a store.
	Prefix string
	// Redis shares counters across server instances. Nil keeps them in memory.
	Redis *redis.Client
}

// NewRateLimiter creates a Gin middleware for rate limiting keyed by client IP.
// Store failures let the request through.
func NewRateLimiter(cfg RateLimitConfig, logger zerolog.Logger) (gin.HandlerFunc, error) {
	if cfg.Requests <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d: must be positive", cfg.Requests)
	}
	if cfg.Period <= 0 {
		return nil, errors.New("invalid rate limit period: must be positive")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "keygate_ratelimit"
	}

	log := logger.With().Str("component", "ratelimit").Str("prefix", cfg.Prefix).Logger()

	rate := limiter.Rate{
		Period: cfg.Period,
		Limit:  cfg.Requests,
	}

	var store limiter.Store
	if cfg.Redis != nil {
		s, err := sredis.NewStoreWithOptions(cfg.Redis, limiter.StoreOptions{
			Prefix:   cfg.Prefix,
			MaxRetry: 3,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis rate limit store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          cfg.Prefix,
			CleanUpInterval: limiter.DefaultCleanUpInterval,
		})
	}

	instance := limiter.New(store, rate)

	return mgin.NewMiddleware(instance,
		mgin.WithKeyGetter(func(c *gin.Context) string {
			return c.ClientIP()
		}),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  "RATE_LIMITED",
			})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			log.Warn().Err(err).Msg("rate limit store unavailable, allowing request")
			// The limiter aborts after this handler returns, so run the chain here.
			c.Next()
		}),
	), nil
}
