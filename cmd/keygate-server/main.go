// Package main is the entrypoint for the keygate license server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/keygate/internal/api"
	"github.com/MacJediWizard/keygate/internal/auth"
	"github.com/MacJediWizard/keygate/internal/config"
	"github.com/MacJediWizard/keygate/internal/db"
	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/maintenance"
	"github.com/MacJediWizard/keygate/internal/metrics"
	"github.com/MacJediWizard/keygate/internal/shutdown"
	"github.com/MacJediWizard/keygate/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if os.Getenv("ENV") != string(config.EnvProduction) {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown LOG_LEVEL, using info")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)

	logger.Info().
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("env", string(cfg.Environment)).
		Msg("Starting keygate server")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := telemetry.Setup(telemetry.Config{
		ServiceName:    "keygate",
		ServiceVersion: Version,
		Environment:    string(cfg.Environment),
		Exporter:       cfg.TracingExporter,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize tracing")
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	store, closeStore, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open license store")
		return 1
	}
	defer closeStore()

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load entitlement catalog")
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewStateCollector(store, metrics.DefaultCacheTTL, logger),
	)
	m, err := metrics.NewMetrics(registry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	engine := license.NewEngine(store, store, license.EngineConfig{
		StoreTimeout:       cfg.StoreTimeout,
		ExpireWriteTimeout: cfg.ExpireWriteTimeout,
		Observer:           m,
	}, logger)

	shutdownMgr := shutdown.NewManager(shutdown.Config{
		Timeout:    cfg.ShutdownTimeout,
		DrainDelay: cfg.ShutdownDrainDelay,
	}, logger)

	deps := api.Dependencies{
		Verifier: engine,
		Admin:    license.NewAdmin(store, m, logger),
		Issuer:   license.NewIssuer(store, catalog, nil, logger),
		Database: store,
		Gatherer: registry,
		Drain:    shutdownMgr,
	}
	if cfg.AdminEnabled() {
		verifier, err := auth.NewAdminVerifier(cfg.AdminTokenHash, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid ADMIN_TOKEN_HASH")
			return 1
		}
		deps.AdminAuth = verifier
	}

	routerCfg := api.DefaultConfig()
	routerCfg.RateLimitRequests = cfg.RateLimitRequests
	routerCfg.RateLimitPeriod = cfg.RateLimitPeriod
	routerCfg.Version = Version

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error().Err(err).Msg("Invalid REDIS_URL")
			return 1
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		routerCfg.Redis = rdb
	}

	router, err := api.NewRouter(routerCfg, deps, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	if cfg.SweepEnabled() {
		sweeper := maintenance.NewExpirySweeper(store, cfg.ExpirySweepSchedule, m, logger)
		if err := sweeper.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start expiry sweeper")
			return 1
		}
		shutdownMgr.Register("expiry_sweep", func(ctx context.Context) error {
			select {
			case <-sweeper.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	} else {
		logger.Info().Msg("Expiry sweep disabled")
	}
	shutdownMgr.Register("http_server", srv.Shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server")
		return shutdownMgr.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		return 1
	}

	logger.Info().Msg("Server stopped")
	return 0
}

func loadCatalog(path string) (*license.Catalog, error) {
	if path == "" {
		return license.DefaultCatalog()
	}
	return license.LoadCatalog(path)
}
