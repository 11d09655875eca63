// Package circuit trips misbehaving backends out of the request path. A
// backend that keeps failing stops receiving traffic until a cooldown
// passes and a probe succeeds.
package circuit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/errors"
)

// State is the breaker's position in the closed/open/half-open cycle.
type State int

const (
	// StateClosed passes requests through and counts outcomes.
	StateClosed State = iota
	// StateOpen rejects requests outright until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a bounded number of probes through to test
	// whether the backend recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Counts holds the request outcomes observed in the current interval.
type Counts struct {
	Requests             uint32    `json:"requests"`
	Successes            uint32    `json:"successes"`
	Failures             uint32    `json:"failures"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	LastActivity         time.Time `json:"last_activity"`
}

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

// Config tunes one breaker.
type Config struct {
	// MaxProbes bounds concurrent requests allowed through while half-open.
	MaxProbes uint32 `yaml:"max_probes"`

	// Interval is the closed-state window after which counts reset.
	Interval time.Duration `yaml:"interval"`

	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration `yaml:"cooldown"`

	// TripAfter decides when accumulated failures open the breaker.
	TripAfter func(Counts) bool `yaml:"-"`

	// OnStateChange is invoked after every transition.
	OnStateChange func(backend string, from, to State) `yaml:"-"`

	// IsFailure classifies an error as a backend failure. Errors that
	// describe the request rather than the backend must not trip the
	// breaker.
	IsFailure func(err error) bool `yaml:"-"`
}

func defaultTripAfter(c Counts) bool {
	if c.ConsecutiveFailures >= 5 {
		return true
	}
	return c.Requests >= 20 && float64(c.Failures)/float64(c.Requests) >= 0.5
}

// defaultIsFailure treats structured request-level errors as successes:
// a missing object or a canceled caller says nothing about backend health.
func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.HasCode(err, errors.ErrCodeObjectNotFound) ||
		errors.HasCode(err, errors.ErrCodeOperationCanceled) {
		return false
	}
	return true
}

// Breaker guards a single backend.
type Breaker struct {
	backend string
	config  Config
	logger  *zap.Logger

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker for a backend.
func NewBreaker(backend string, config Config, logger *zap.Logger) *Breaker {
	if config.MaxProbes == 0 {
		config.MaxProbes = 1
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.TripAfter == nil {
		config.TripAfter = defaultTripAfter
	}
	if config.IsFailure == nil {
		config.IsFailure = defaultIsFailure
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		backend: backend,
		config:  config,
		logger:  logger.With(zap.String("component", "circuit"), zap.String("backend", backend)),
		state:   StateClosed,
		now:     time.Now,
	}
	b.expiry = b.now().Add(config.Interval)
	return b
}

// Allow reports whether a request may proceed and registers it when it may.
// Callers must pair every allowed request with a Record call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentStateLocked(now)

	if state == StateOpen {
		return errors.NewError(errors.ErrCodeCircuitOpen,
			"backend suspended after repeated failures").
			WithComponent("circuit").WithBackend(b.backend).
			WithDetail("retry_at", b.expiry)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxProbes {
		return errors.NewError(errors.ErrCodeCircuitOpen,
			"backend probe slots exhausted").
			WithComponent("circuit").WithBackend(b.backend)
	}

	b.counts.onRequest(now)
	return nil
}

// Record feeds an allowed request's outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentStateLocked(now)

	if b.config.IsFailure(err) {
		b.counts.onFailure()
		switch state {
		case StateClosed:
			if b.config.TripAfter(b.counts) {
				b.setStateLocked(StateOpen, now)
			}
		case StateHalfOpen:
			b.setStateLocked(StateOpen, now)
		}
		return
	}

	b.counts.onSuccess()
	if state == StateHalfOpen {
		b.setStateLocked(StateClosed, now)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(b.now())
}

// Counts returns a copy of the current interval's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset forces the breaker closed with cleared counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.clear()
	b.setStateLocked(StateClosed, b.now())
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setStateLocked(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setStateLocked(state State, now time.Time) {
	if b.state == state {
		if state == StateClosed {
			b.expiry = now.Add(b.config.Interval)
		}
		return
	}

	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	b.logger.Warn("breaker state changed",
		zap.String("from", prev.String()),
		zap.String("to", state.String()))

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.backend, prev, state)
	}
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Backend string `json:"backend"`
	State   string `json:"state"`
	Counts  Counts `json:"counts"`
}

// Manager holds one breaker per backend, created on first use with a
// shared configuration.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	logger   *zap.Logger
}

// NewManager creates an empty breaker manager.
func NewManager(config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		logger:   logger,
	}
}

// Breaker returns the backend's breaker, creating it if needed.
func (m *Manager) Breaker(backend string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[backend]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[backend]; ok {
		return b
	}
	b = NewBreaker(backend, m.config, m.logger)
	m.breakers[backend] = b
	return b
}

// Stats reports every breaker's state and counts.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for backend, b := range m.breakers {
		stats[backend] = Stats{
			Backend: backend,
			State:   b.State().String(),
			Counts:  b.Counts(),
		}
	}
	return stats
}

// Open lists the backends whose breakers are currently open.
func (m *Manager) Open() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []string
	for backend, b := range m.breakers {
		if b.State() == StateOpen {
			open = append(open, backend)
		}
	}
	return open
}
