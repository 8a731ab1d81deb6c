package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultCacheTTL is how long state counts are reused between scrapes.
const DefaultCacheTTL = 15 * time.Second

// StateCounter reports how many licenses are in each state.
type StateCounter interface {
	CountLicensesByState(ctx context.Context) (map[models.LicenseState]int, error)
}

// StateCollector is a prometheus.Collector exporting the license count per state.
// Counts are read from the store at scrape time and cached for the configured TTL.
type StateCollector struct {
	store   StateCounter
	desc    *prometheus.Desc
	ttl     time.Duration
	timeout time.Duration
	logger  zerolog.Logger
	nowFn   func() time.Time

	mu            sync.Mutex
	lastCollected time.Time
	cached        map[models.LicenseState]int
}

// NewStateCollector creates a collector backed by store. A non-positive ttl uses DefaultCacheTTL.
func NewStateCollector(store StateCounter, ttl time.Duration, logger zerolog.Logger) *StateCollector {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &StateCollector{
		store: store,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "licenses"),
			"Number of licenses by lifecycle state.",
			[]string{"state"}, nil,
		),
		ttl:     ttl,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "state_collector").Logger(),
		nowFn:   time.Now,
	}
}

// Describe implements prometheus.Collector.
func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.counts() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(state))
	}
}

func (c *StateCollector) counts() map[models.LicenseState]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if c.cached != nil && now.Sub(c.lastCollected) < c.ttl {
		return c.cached
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.store.CountLicensesByState(ctx)
	if err != nil {
		// Serve stale counts rather than failing the whole scrape.
		c.logger.Warn().Err(err).Msg("failed to count licenses by state")
		return c.cached
	}

	c.cached = counts
	c.lastCollected = now
	return counts
}
