// Package health grades backends by their recent operation outcomes and
// derives an overall system state from the worst backend.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/errors"
)

// State grades one backend.
type State int

const (
	// StateHealthy indicates the backend serves reads and writes normally.
	StateHealthy State = iota

	// StateReadOnly indicates writes are rejected, typically by an
	// exhausted storage quota, while reads still work.
	StateReadOnly

	// StateDegraded indicates the backend keeps failing but has not yet
	// been written off.
	StateDegraded

	// StateUnavailable indicates the backend is not answering at all.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateReadOnly:
		return "read-only"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// BackendHealth is one backend's current grade and the evidence behind it.
type BackendHealth struct {
	Backend           string    `json:"backend"`
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastActivity      time.Time `json:"last_activity"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorMessage  string    `json:"last_error_message,omitempty"`
}

// Config tunes the error counts at which a backend's grade drops.
type Config struct {
	// DegradedThreshold is the consecutive error count that marks a
	// backend degraded (or read-only for write-limiting errors).
	DegradedThreshold int `yaml:"degraded_threshold"`

	// UnavailableThreshold is the consecutive error count that marks a
	// backend unavailable.
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// DefaultConfig returns the default grading thresholds.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold:    3,
		UnavailableThreshold: 10,
	}
}

// StateChange is invoked after a backend's grade changes.
type StateChange func(backend string, from, to State)

// Tracker grades registered backends from recorded operation outcomes.
type Tracker struct {
	mu       sync.RWMutex
	backends map[string]*BackendHealth
	config   Config
	onChange StateChange
	logger   *zap.Logger

	now func() time.Time
}

// TrackerOption customizes a tracker.
type TrackerOption func(*Tracker)

// WithStateChange installs a callback fired on every grade transition.
func WithStateChange(fn StateChange) TrackerOption {
	return func(t *Tracker) { t.onChange = fn }
}

// NewTracker creates an empty tracker.
func NewTracker(config Config, logger *zap.Logger, opts ...TrackerOption) *Tracker {
	if config.DegradedThreshold <= 0 {
		config.DegradedThreshold = DefaultConfig().DegradedThreshold
	}
	if config.UnavailableThreshold <= config.DegradedThreshold {
		config.UnavailableThreshold = config.DegradedThreshold * 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		backends: make(map[string]*BackendHealth),
		config:   config,
		logger:   logger.With(zap.String("component", "health")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register starts tracking a backend as healthy. Registering twice is a
// no-op.
func (t *Tracker) Register(backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.backends[backend]; ok {
		return
	}
	now := t.now()
	t.backends[backend] = &BackendHealth{
		Backend:         backend,
		State:           StateHealthy,
		StateName:       StateHealthy.String(),
		LastStateChange: now,
		LastActivity:    now,
	}
}

// RecordSuccess clears a backend's error streak; a backend that was graded
// down recovers on its first success.
func (t *Tracker) RecordSuccess(backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.backends[backend]
	if !ok {
		return
	}
	h.LastActivity = t.now()
	h.ConsecutiveErrors = 0
	h.LastErrorMessage = ""
	if h.State != StateHealthy {
		t.transitionLocked(h, StateHealthy)
	}
}

// RecordError extends a backend's error streak and regrades it once a
// threshold is crossed. Write-limiting errors grade to read-only rather
// than degraded, since reads still work there.
func (t *Tracker) RecordError(backend string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.backends[backend]
	if !ok {
		return
	}
	h.LastActivity = t.now()
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	next := h.State
	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		next = StateUnavailable
	case h.ConsecutiveErrors >= t.config.DegradedThreshold:
		if isWriteLimiting(err) {
			next = StateReadOnly
		} else {
			next = StateDegraded
		}
	}
	if next != h.State {
		t.transitionLocked(h, next)
	}
}

// isWriteLimiting reports whether the error blocks writes while leaving
// reads intact.
func isWriteLimiting(err error) bool {
	return errors.HasCode(err, errors.ErrCodeQuotaExceeded) ||
		errors.HasCode(err, errors.ErrCodeTierFull)
}

func (t *Tracker) transitionLocked(h *BackendHealth, next State) {
	prev := h.State
	h.State = next
	h.StateName = next.String()
	h.LastStateChange = t.now()

	t.logger.Warn("backend health changed",
		zap.String("backend", h.Backend),
		zap.String("from", prev.String()),
		zap.String("to", next.String()))

	if t.onChange != nil {
		t.onChange(h.Backend, prev, next)
	}
}

// State returns a backend's grade. Unknown backends are unavailable.
func (t *Tracker) State(backend string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, ok := t.backends[backend]; ok {
		return h.State
	}
	return StateUnavailable
}

// Backend returns a copy of one backend's health record.
func (t *Tracker) Backend(backend string) (BackendHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.backends[backend]
	if !ok {
		return BackendHealth{}, false
	}
	return *h, true
}

// All returns a copy of every backend's health record.
func (t *Tracker) All() map[string]BackendHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]BackendHealth, len(t.backends))
	for name, h := range t.backends {
		result[name] = *h
	}
	return result
}

// Overall returns the worst grade across all backends. An empty tracker
// is healthy.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.backends {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// CanWrite reports whether the backend currently accepts writes.
func (t *Tracker) CanWrite(backend string) bool {
	state := t.State(backend)
	return state == StateHealthy || state == StateDegraded
}

// CanRead reports whether the backend currently answers reads.
func (t *Tracker) CanRead(backend string) bool {
	return t.State(backend) != StateUnavailable
}

// ObserveAdapterOp feeds an adapter operation's outcome into the grade.
// Request-level errors count as successes: a missing object or a canceled
// caller says nothing about the backend.
func (t *Tracker) ObserveAdapterOp(backend, op string, duration time.Duration, err error) {
	if err == nil ||
		errors.HasCode(err, errors.ErrCodeObjectNotFound) ||
		errors.HasCode(err, errors.ErrCodeOperationCanceled) {
		t.RecordSuccess(backend)
		return
	}
	t.RecordError(backend, err)
}
