// Package metrics exposes Prometheus instrumentation for the license service.
package metrics

import (
	"fmt"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "keygate"

// Metrics holds the verification and lifecycle instruments.
// It implements license.Observer.
type Metrics struct {
	VerificationCounter  *prometheus.CounterVec
	VerificationDuration *prometheus.HistogramVec
	TransitionCounter    *prometheus.CounterVec
}

// NewMetrics creates the instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		VerificationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of license verification calls by outcome.",
		}, []string{"outcome"}),
		VerificationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_duration_seconds",
			Help:      "Duration of license verification calls in seconds.",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"outcome"}),
		TransitionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_transitions_total",
			Help:      "Total number of license state transitions.",
		}, []string{"from", "to"}),
	}

	for _, c := range []prometheus.Collector{m.VerificationCounter, m.VerificationDuration, m.TransitionCounter} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

// ObserveVerification records one verification call.
func (m *Metrics) ObserveVerification(outcome string, elapsed time.Duration) {
	m.VerificationCounter.WithLabelValues(outcome).Inc()
	m.VerificationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveTransition records a persisted state change.
func (m *Metrics) ObserveTransition(from, to models.LicenseState) {
	m.TransitionCounter.WithLabelValues(string(from), string(to)).Inc()
}
