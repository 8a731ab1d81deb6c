package db

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/keygate/internal/config"
	"github.com/MacJediWizard/keygate/internal/db/sqlite"
	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/rs/zerolog"
)

// LicenseStore is the full set of store operations the server needs,
// implemented by both the PostgreSQL and the SQLite backends.
type LicenseStore interface {
	license.AdminStore
	license.IssuerStore
	ListOverdueLicenses(ctx context.Context, now time.Time, limit int) ([]*models.License, error)
	Ping(ctx context.Context) error
	Health() map[string]any
}

var (
	_ LicenseStore = (*DB)(nil)
	_ LicenseStore = (*sqlite.Store)(nil)
)

// Open connects to the store named by a DATABASE_URL and brings its schema
// up to date. The returned func releases the connection.
func Open(ctx context.Context, databaseURL string, logger zerolog.Logger) (LicenseStore, func(), error) {
	driver, dsn, err := config.ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, nil, err
	}

	switch driver {
	case config.StorePostgres:
		database, err := New(ctx, DefaultConfig(dsn), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("run database migrations: %w", err)
		}
		return database, database.Close, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close sqlite store")
			}
		}
		return store, closeFn, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", config.ErrUnsupportedDatabaseURL, driver)
	}
}
