// Package breaker maintains one circuit breaker per tool name.
//
// The state machine is gobreaker's: CLOSED trips to OPEN once consecutive
// failures reach the threshold, OPEN cools down for the reset window, then
// HALF-OPEN admits a single probe whose outcome closes or re-opens the
// circuit. The orchestrator asks Allow before executing and reports the
// outcome through the returned done callback.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// DefaultThreshold is the consecutive-failure count that trips a breaker.
	DefaultThreshold = 5

	// DefaultReset is the OPEN cool-down before a half-open probe.
	DefaultReset = 30 * time.Second
)

// ErrOpen is returned by Allow while the tool's circuit refuses calls.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes every breaker the manager creates.
type Config struct {
	Threshold uint32
	Reset     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Reset <= 0 {
		c.Reset = DefaultReset
	}
	return c
}

// Manager lazily creates one breaker per tool name.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	cfg      Config
	logger   *slog.Logger
}

// NewManager creates a manager; zero-value config fields fall back to the
// defaults above.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Allow reports whether a call to tool may proceed. On nil error the
// caller must invoke done with the outcome exactly once; while the
// circuit is open the error is ErrOpen and done is nil.
func (m *Manager) Allow(tool string) (func(success bool), error) {
	done, err := m.get(tool).Allow()
	if err != nil {
		// gobreaker distinguishes open from half-open saturation; both
		// refuse the call, so both surface as ErrOpen here.
		return nil, ErrOpen
	}
	return done, nil
}

// State returns the current state name for tool: closed, half-open, open.
// Tools that never ran report closed.
func (m *Manager) State(tool string) string {
	return m.get(tool).State().String()
}

// States snapshots every known breaker for health reports and metrics.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.State().String()
	}
	return out
}

func (m *Manager) get(tool string) *gobreaker.TwoStepCircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[tool]; ok {
		return cb
	}

	threshold := m.cfg.Threshold
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        tool,
		MaxRequests: 1, // single half-open probe
		Timeout:     m.cfg.Reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("breaker state change",
				slog.String("tool", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	m.breakers[tool] = cb
	return cb
}
