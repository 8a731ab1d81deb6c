// Package maintenance runs background upkeep jobs for the license store.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs the sweep once an hour.
const DefaultSchedule = "@hourly"

// DefaultBatchSize bounds how many licenses a single query returns.
const DefaultBatchSize = 200

// ExpiryStore defines the data access the expiry sweep needs.
type ExpiryStore interface {
	ListOverdueLicenses(ctx context.Context, now time.Time, limit int) ([]*models.License, error)
	ChangeLicenseState(ctx context.Context, id uuid.UUID, from, to models.LicenseState, ev *models.ActivationEvent) (bool, error)
}

// ExpirySweeper periodically moves Active licenses past their expiration to Expired.
// Verification already treats such licenses as expired; the sweep only keeps the
// stored state in line for reporting.
type ExpirySweeper struct {
	store     ExpiryStore
	schedule  string
	batchSize int
	obs       license.Observer
	cron      *cron.Cron
	logger    zerolog.Logger
	nowFn     func() time.Time
	mu        sync.Mutex
	running   bool
}

// NewExpirySweeper creates a sweeper. An empty schedule uses DefaultSchedule and
// a nil observer records nothing.
func NewExpirySweeper(store ExpiryStore, schedule string, obs license.Observer, logger zerolog.Logger) *ExpirySweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &ExpirySweeper{
		store:     store,
		schedule:  schedule,
		batchSize: DefaultBatchSize,
		obs:       obs,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		logger:    logger.With().Str("component", "expiry_sweep").Logger(),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the sweep with the cron scheduler and starts it.
func (s *ExpirySweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("expiry sweeper already running")
	}

	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Msg("expiry sweeper started")

	return nil
}

// Stop stops the scheduler. The returned context is done once a running sweep finishes.
func (s *ExpirySweeper) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping expiry sweeper")
	return s.cron.Stop()
}

func (s *ExpirySweeper) runSweep() {
	n, err := s.Sweep(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Int("expired", n).Msg("expiry sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Msg("expiry sweep completed")
	}
}

// RunNow triggers an immediate sweep.
func (s *ExpirySweeper) RunNow(ctx context.Context) (int, error) {
	return s.Sweep(ctx)
}

// Sweep expires every overdue Active license and returns how many it moved.
// A license changed concurrently by an operator is skipped.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	now := s.nowFn()
	expired := 0

	for {
		batch, err := s.store.ListOverdueLicenses(ctx, now, s.batchSize)
		if err != nil {
			return expired, fmt.Errorf("list overdue licenses: %w", err)
		}

		moved := 0
		for _, lic := range batch {
			ok, err := s.expireOne(ctx, lic, now)
			if err != nil {
				return expired + moved, err
			}
			if ok {
				moved++
			}
		}
		expired += moved

		// Stop when the store has nothing left, or when a full batch made no
		// progress so a stuck row cannot spin the loop.
		if len(batch) < s.batchSize || moved == 0 {
			return expired, nil
		}
	}
}

// expireOne moves lic to Expired together with its history entry. It reports
// false when the license left Active before the sweep reached it.
func (s *ExpirySweeper) expireOne(ctx context.Context, lic *models.License, now time.Time) (bool, error) {
	ev := models.NewActivationEvent(lic, lic.Key, models.EventActionExpiration)
	ev.CreatedAt = now
	if lic.ExpiresAt != nil {
		ev.Details = "expired on " + lic.ExpiresAt.UTC().Format("2006-01-02")
	}

	ok, err := s.store.ChangeLicenseState(ctx, lic.ID, models.LicenseStateActive, models.LicenseStateExpired, ev)
	if err != nil {
		return false, fmt.Errorf("expire license %s: %w", license.MaskKey(lic.Key), err)
	}
	if !ok {
		return false, nil
	}
	if s.obs != nil {
		s.obs.ObserveTransition(models.LicenseStateActive, models.LicenseStateExpired)
	}

	s.logger.Debug().
		Str("key", license.MaskKey(lic.Key)).
		Msg("license expired")
	return true, nil
}
