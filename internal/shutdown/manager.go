// Package shutdown coordinates graceful shutdown of the keygate server.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the server is running normally.
	StateRunning State = "running"
	// StateDraining indicates the server reports itself unavailable so load
	// balancers stop routing to it, while still serving requests.
	StateDraining State = "draining"
	// StateStopping indicates the registered components are being stopped.
	StateStopping State = "stopping"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// StopFunc stops one component. It must return once ctx is done.
type StopFunc func(ctx context.Context) error

type hook struct {
	name string
	stop StopFunc
}

// Status represents the current shutdown status.
type Status struct {
	State         State         `json:"state"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	TimeRemaining time.Duration `json:"time_remaining,omitempty"`
	Accepting     bool          `json:"accepting"`
	Message       string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for graceful shutdown.
	Timeout time.Duration

	// DrainDelay is how long the server keeps serving after it starts
	// reporting itself unavailable.
	DrainDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    15 * time.Second,
		DrainDelay: 0,
	}
}

// Manager coordinates graceful shutdown. Components register stop functions
// which run in registration order once Shutdown is called.
type Manager struct {
	config       Config
	logger       zerolog.Logger
	mu           sync.RWMutex
	state        State
	startedAt    *time.Time
	hooks        []hook
	accepting    atomic.Bool
	doneCh       chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewManager creates a new shutdown manager.
func NewManager(config Config, logger zerolog.Logger) *Manager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.DrainDelay < 0 {
		config.DrainDelay = 0
	}
	m := &Manager{
		config: config,
		logger: logger.With().Str("component", "shutdown_manager").Logger(),
		state:  StateRunning,
		doneCh: make(chan struct{}),
	}
	m.accepting.Store(true)
	return m
}

// Register adds a component to stop during shutdown.
func (m *Manager) Register(name string, stop StopFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, stop: stop})
}

// IsAccepting returns true while the server should receive new traffic.
func (m *Manager) IsAccepting() bool {
	return m.accepting.Load()
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:     m.state,
		StartedAt: m.startedAt,
		Accepting: m.accepting.Load(),
	}

	if m.startedAt != nil {
		remaining := m.config.Timeout - time.Since(*m.startedAt)
		if remaining > 0 {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Server is running normally"
	case StateDraining:
		status.Message = "Server is draining, not accepting new traffic"
	case StateStopping:
		status.Message = "Stopping components"
	case StateComplete:
		status.Message = "Shutdown complete"
	}

	return status
}

// Shutdown drains, then stops every registered component in order, and
// blocks until done or until the configured timeout. Later calls return the
// result of the first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.doShutdown(ctx)
	})
	return m.shutdownErr
}

func (m *Manager) doShutdown(parent context.Context) error {
	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Dur("drain_delay", m.config.DrainDelay).
		Msg("initiating graceful shutdown")

	ctx, cancel := context.WithTimeout(parent, m.config.Timeout)
	defer cancel()

	now := time.Now()
	m.mu.Lock()
	m.startedAt = &now
	m.state = StateDraining
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()
	m.accepting.Store(false)

	// Phase 1: keep serving while load balancers notice the failing health check
	if m.config.DrainDelay > 0 {
		drain := time.NewTimer(m.config.DrainDelay)
		select {
		case <-drain.C:
		case <-ctx.Done():
			drain.Stop()
			m.logger.Warn().Msg("shutdown deadline reached during drain phase")
		}
	}

	// Phase 2: stop components in registration order
	m.mu.Lock()
	m.state = StateStopping
	m.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		start := time.Now()
		if err := h.stop(ctx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Msg("component did not stop cleanly")
			errs = append(errs, fmt.Errorf("stop %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(start)).Msg("component stopped")
	}

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)

	m.logger.Info().
		Dur("duration", time.Since(now)).
		Int("failed", len(errs)).
		Msg("graceful shutdown complete")

	return errors.Join(errs...)
}

// Done returns a channel closed once shutdown completes.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}
