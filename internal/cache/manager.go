// Package cache tracks object placement across an ordered hierarchy of
// cache tiers. The manager moves metadata, not bytes; callers act on the
// placement decisions it returns.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// TierConfig describes one tier. Tiers are ordered fastest first.
type TierConfig struct {
	Name          string `json:"name" yaml:"name"`
	CapacityBytes int64  `json:"capacity_bytes" yaml:"capacity_bytes"`
	// PromoteThreshold is the access count at which an entry one tier
	// below moves up into this tier. Zero disables promotion into it.
	PromoteThreshold int64 `json:"promote_threshold" yaml:"promote_threshold"`
	// DemoteAfter is the idle duration after which an entry moves one
	// tier down, or is evicted from the last tier. Zero disables
	// idle-based movement.
	DemoteAfter time.Duration `json:"demote_after" yaml:"demote_after"`
}

// Override adjusts placement for one backend's objects, sourced from that
// backend's cache policy.
type Override struct {
	// TierCapacityBytes caps the backend's total cached bytes across the
	// whole hierarchy. Zero leaves the backend uncapped.
	TierCapacityBytes int64
	// PromoteThreshold replaces the destination tier's threshold for the
	// backend's entries. Zero keeps the tier configuration.
	PromoteThreshold int64
	// DemoteThreshold sinks entries with fewer lifetime accesses one tier
	// per sweep. Zero disables count-based demotion.
	DemoteThreshold int64
}

// Decision is the outcome of evaluating an entry against its tier.
type Decision int

const (
	DecisionKeep Decision = iota
	DecisionPromote
	DecisionDemote
	DecisionEvict
)

func (d Decision) String() string {
	switch d {
	case DecisionPromote:
		return "promote"
	case DecisionDemote:
		return "demote"
	case DecisionEvict:
		return "evict"
	default:
		return "keep"
	}
}

// Placement reports where an object lives after an Access call.
type Placement struct {
	Tier        string
	AccessCount int64
	Promoted    bool
}

type entry struct {
	backend     string
	objectID    string
	size        int64
	tier        int
	lastAccess  time.Time
	accessCount int64
	pinned      bool
}

type tierState struct {
	config  TierConfig
	used    int64
	entries map[string]*entry
	stats   types.CacheStats
}

// EvictionHook is called after an entry leaves the hierarchy entirely.
// Demotions between tiers do not fire it.
type EvictionHook func(objectID string, fromTier string)

// Manager is the tiered placement tracker. A single lock guards the whole
// hierarchy: demotions cascade across tiers and must be atomic.
type Manager struct {
	mu           sync.Mutex
	tiers        []*tierState
	index        map[string]*entry
	overrides    map[string]*Override
	backendBytes map[string]int64
	logger       *zap.Logger
	hook         EvictionHook

	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEvictionHook installs a callback fired when an entry is evicted from
// the last tier.
func WithEvictionHook(h EvictionHook) ManagerOption {
	return func(m *Manager) { m.hook = h }
}

// NewManager builds a manager over the given tiers, ordered fastest first.
func NewManager(configs []TierConfig, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if len(configs) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			"at least one cache tier is required").WithComponent("cache")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seen := make(map[string]bool, len(configs))
	tiers := make([]*tierState, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig,
				"cache tier requires a name").WithComponent("cache")
		}
		if seen[cfg.Name] {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig,
				fmt.Sprintf("duplicate cache tier %q", cfg.Name)).WithComponent("cache")
		}
		if cfg.CapacityBytes <= 0 {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig,
				fmt.Sprintf("cache tier %q requires positive capacity", cfg.Name)).
				WithComponent("cache")
		}
		seen[cfg.Name] = true
		tiers = append(tiers, &tierState{
			config:  cfg,
			entries: make(map[string]*entry),
			stats:   types.CacheStats{Capacity: cfg.CapacityBytes},
		})
	}

	m := &Manager{
		tiers:        tiers,
		index:        make(map[string]*entry),
		overrides:    make(map[string]*Override),
		backendBytes: make(map[string]int64),
		logger:       logger.With(zap.String("component", "cache")),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetOverride installs a backend's cache policy parameters. A nil override
// removes them; existing entries keep their placement until the next sweep
// or access.
func (m *Manager) SetOverride(backend string, o *Override) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o == nil {
		delete(m.overrides, backend)
		return
	}
	clone := *o
	m.overrides[backend] = &clone
}

// promoteThresholdLocked resolves the access count an entry must reach to
// move one tier up: the backend override when present, otherwise the
// destination tier's configuration.
func (m *Manager) promoteThresholdLocked(e *entry) int64 {
	if o, ok := m.overrides[e.backend]; ok && o.PromoteThreshold > 0 {
		return o.PromoteThreshold
	}
	if e.tier == 0 {
		return 0
	}
	return m.tiers[e.tier-1].config.PromoteThreshold
}

// decide evaluates an entry against its tier without mutating anything.
func (m *Manager) decide(e *entry) Decision {
	tier := m.tiers[e.tier]
	if e.pinned {
		return DecisionKeep
	}
	if e.tier > 0 {
		if th := m.promoteThresholdLocked(e); th > 0 && e.accessCount >= th {
			return DecisionPromote
		}
	}
	if o, ok := m.overrides[e.backend]; ok && o.DemoteThreshold > 0 &&
		e.accessCount < o.DemoteThreshold {
		if e.tier == len(m.tiers)-1 {
			return DecisionEvict
		}
		return DecisionDemote
	}
	if tier.config.DemoteAfter > 0 &&
		m.now().Sub(e.lastAccess) >= tier.config.DemoteAfter {
		if e.tier == len(m.tiers)-1 {
			return DecisionEvict
		}
		return DecisionDemote
	}
	return DecisionKeep
}

// Access records a read or write of an object. Unknown objects are admitted
// into the slowest tier with headroom and earn faster placement through
// repeated access; known objects gain an access and may be promoted one
// tier up.
func (m *Manager) Access(backend, objectID string, size int64) (Placement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if e, ok := m.index[objectID]; ok {
		tier := m.tiers[e.tier]
		tier.stats.Hits++
		e.accessCount++
		e.lastAccess = now

		promoted := false
		if e.tier > 0 {
			if th := m.promoteThresholdLocked(e); th > 0 && e.accessCount >= th {
				if err := m.moveLocked(e, e.tier-1); err == nil {
					m.tiers[e.tier].stats.Promotions++
					promoted = true
				}
				// Promotion failure is not an access failure; the entry
				// simply stays where it is.
			}
		}
		return Placement{
			Tier:        m.tiers[e.tier].config.Name,
			AccessCount: e.accessCount,
			Promoted:    promoted,
		}, nil
	}

	if err := m.ensureBackendBudgetLocked(backend, size); err != nil {
		m.tiers[len(m.tiers)-1].stats.Misses++
		return Placement{}, err
	}

	// Miss: the slowest tier with free headroom takes the object. Only
	// when every tier is full does admission evict, and then within the
	// slowest tier that can hold the object at all.
	target := -1
	for i := len(m.tiers) - 1; i >= 0; i-- {
		tier := m.tiers[i]
		if size <= tier.config.CapacityBytes-tier.used {
			target = i
			break
		}
	}
	if target < 0 {
		for i := len(m.tiers) - 1; i >= 0; i-- {
			if size <= m.tiers[i].config.CapacityBytes {
				target = i
				break
			}
		}
		if target < 0 {
			m.tiers[len(m.tiers)-1].stats.Misses++
			return Placement{}, errors.NewError(errors.ErrCodeTierFull,
				fmt.Sprintf("object of %d bytes exceeds every tier capacity", size)).
				WithComponent("cache").WithObject(objectID)
		}
		if err := m.freeSpaceLocked(target, size); err != nil {
			m.tiers[target].stats.Misses++
			return Placement{}, err
		}
	}
	m.tiers[target].stats.Misses++

	e := &entry{
		backend:     backend,
		objectID:    objectID,
		size:        size,
		tier:        target,
		lastAccess:  now,
		accessCount: 1,
	}
	m.insertLocked(e, target)
	return Placement{Tier: m.tiers[target].config.Name, AccessCount: 1}, nil
}

// Pin protects an object from eviction and demotion.
func (m *Manager) Pin(objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[objectID]
	if !ok {
		return errors.NewError(errors.ErrCodeEntryNotFound,
			"object is not cached").WithComponent("cache").WithObject(objectID)
	}
	e.pinned = true
	return nil
}

// Unpin releases a pinned object. Unpinning an unknown object is an error,
// unpinning an unpinned one is not.
func (m *Manager) Unpin(objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[objectID]
	if !ok {
		return errors.NewError(errors.ErrCodeEntryNotFound,
			"object is not cached").WithComponent("cache").WithObject(objectID)
	}
	e.pinned = false
	return nil
}

// Remove drops an object from the hierarchy, pinned or not. Removing an
// absent object is a no-op.
func (m *Manager) Remove(objectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[objectID]
	if !ok {
		return
	}
	m.detachLocked(e)
}

// Lookup reports which tier holds an object without counting an access.
func (m *Manager) Lookup(objectID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[objectID]
	if !ok {
		return "", false
	}
	return m.tiers[e.tier].config.Name, true
}

// Sweep applies idle demotion and eviction across all tiers. It is meant
// to be driven by a background ticker.
func (m *Manager) Sweep() (demoted, evicted int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Walk slowest tier first so a freshly demoted entry is not
	// re-evaluated in its new tier within the same sweep.
	for i := len(m.tiers) - 1; i >= 0; i-- {
		tier := m.tiers[i]
		var victims []*entry
		for _, e := range tier.entries {
			switch m.decide(e) {
			case DecisionDemote, DecisionEvict:
				victims = append(victims, e)
			}
		}
		for _, e := range victims {
			if i == len(m.tiers)-1 {
				m.evictLocked(e)
				evicted++
			} else if err := m.moveLocked(e, i+1); err == nil {
				tier.stats.Demotions++
				demoted++
			}
		}
	}
	if demoted > 0 || evicted > 0 {
		m.logger.Debug("cache sweep finished",
			zap.Int("demoted", demoted), zap.Int("evicted", evicted))
	}
	return demoted, evicted
}

// EvictTier forces a tier back within its capacity, demoting or dropping
// least recently used unpinned entries until it fits. A tier already within
// capacity is left untouched. The error is ErrCodeTierFull when only pinned
// entries remain and the tier is still over capacity.
func (m *Manager) EvictTier(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, tier := range m.tiers {
		if tier.config.Name == name {
			return m.freeSpaceLocked(i, 0)
		}
	}
	return errors.NewError(errors.ErrCodeEntryNotFound,
		fmt.Sprintf("unknown cache tier %q", name)).
		WithComponent("cache")
}

// Stats returns a per-tier snapshot keyed by tier name.
func (m *Manager) Stats() map[string]types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]types.CacheStats, len(m.tiers))
	for _, tier := range m.tiers {
		s := tier.stats
		s.Size = tier.used
		s.Capacity = tier.config.CapacityBytes
		if total := s.Hits + s.Misses; total > 0 {
			s.HitRate = float64(s.Hits) / float64(total)
		}
		if s.Capacity > 0 {
			s.Utilization = float64(s.Size) / float64(s.Capacity)
		}
		out[tier.config.Name] = s
	}
	return out
}

// TierNames returns the tier order, fastest first.
func (m *Manager) TierNames() []string {
	names := make([]string, len(m.tiers))
	for i, tier := range m.tiers {
		names[i] = tier.config.Name
	}
	return names
}

// insertLocked places an entry into a tier. Space must already be free.
func (m *Manager) insertLocked(e *entry, tier int) {
	e.tier = tier
	m.tiers[tier].entries[e.objectID] = e
	m.tiers[tier].used += e.size
	m.index[e.objectID] = e
	m.backendBytes[e.backend] += e.size
}

// detachLocked removes an entry from its tier and the index.
func (m *Manager) detachLocked(e *entry) {
	tier := m.tiers[e.tier]
	delete(tier.entries, e.objectID)
	tier.used -= e.size
	delete(m.index, e.objectID)
	m.backendBytes[e.backend] -= e.size
	if m.backendBytes[e.backend] <= 0 {
		delete(m.backendBytes, e.backend)
	}
}

// moveLocked relocates an entry to another tier, evicting in the target as
// needed. On failure the entry stays in its original tier.
func (m *Manager) moveLocked(e *entry, target int) error {
	m.detachLocked(e)
	if err := m.freeSpaceLocked(target, e.size); err != nil {
		m.insertLocked(e, e.tier)
		return err
	}
	m.insertLocked(e, target)
	return nil
}

// evictLocked drops an entry out of the hierarchy and fires the hook.
func (m *Manager) evictLocked(e *entry) {
	tierName := m.tiers[e.tier].config.Name
	m.tiers[e.tier].stats.Evictions++
	m.detachLocked(e)
	if m.hook != nil {
		m.hook(e.objectID, tierName)
	}
}

// ensureBackendBudgetLocked evicts the backend's own coldest unpinned
// entries until its configured cache budget can absorb need bytes.
func (m *Manager) ensureBackendBudgetLocked(backend string, need int64) error {
	o, ok := m.overrides[backend]
	if !ok || o.TierCapacityBytes <= 0 {
		return nil
	}
	if need > o.TierCapacityBytes {
		return errors.NewError(errors.ErrCodeTierFull,
			fmt.Sprintf("%d bytes exceed the backend cache budget of %d", need, o.TierCapacityBytes)).
			WithComponent("cache").WithBackend(backend)
	}
	for m.backendBytes[backend]+need > o.TierCapacityBytes {
		var candidates []*entry
		for _, e := range m.index {
			if e.backend == backend && !e.pinned {
				candidates = append(candidates, e)
			}
		}
		victim := coldest(candidates)
		if victim == nil {
			return errors.NewError(errors.ErrCodeTierFull,
				fmt.Sprintf("backend cache budget of %d holds only pinned entries", o.TierCapacityBytes)).
				WithComponent("cache").WithBackend(backend)
		}
		m.evictLocked(victim)
	}
	return nil
}

// freeSpaceLocked evicts from a tier until need bytes fit. Victims are
// least recently used first, ties broken by lowest access count. Pinned
// entries are never victims. Victims demote to the next tier; from the
// last tier they leave the hierarchy.
func (m *Manager) freeSpaceLocked(tierIdx int, need int64) error {
	tier := m.tiers[tierIdx]
	if need > tier.config.CapacityBytes {
		return errors.NewError(errors.ErrCodeTierFull,
			fmt.Sprintf("%d bytes cannot fit tier %q of %d", need, tier.config.Name, tier.config.CapacityBytes)).
			WithComponent("cache")
	}

	for tier.used+need > tier.config.CapacityBytes {
		victim := m.pickVictimLocked(tier)
		if victim == nil {
			return errors.NewError(errors.ErrCodeTierFull,
				fmt.Sprintf("tier %q has only pinned entries", tier.config.Name)).
				WithComponent("cache")
		}
		if tierIdx == len(m.tiers)-1 {
			m.evictLocked(victim)
			continue
		}
		if err := m.moveLocked(victim, tierIdx+1); err != nil {
			// The next tier cannot hold the victim either; push it out
			// of the hierarchy rather than wedge this tier.
			tier.stats.Evictions++
			m.detachLocked(victim)
			if m.hook != nil {
				m.hook(victim.objectID, tier.config.Name)
			}
			continue
		}
		tier.stats.Demotions++
	}
	return nil
}

func (m *Manager) pickVictimLocked(tier *tierState) *entry {
	candidates := make([]*entry, 0, len(tier.entries))
	for _, e := range tier.entries {
		if !e.pinned {
			candidates = append(candidates, e)
		}
	}
	return coldest(candidates)
}

// coldest orders candidates least recently used first, ties broken by
// lowest access count, then object ID for determinism.
func coldest(candidates []*entry) *entry {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].lastAccess.Equal(candidates[j].lastAccess) {
			return candidates[i].lastAccess.Before(candidates[j].lastAccess)
		}
		if candidates[i].accessCount != candidates[j].accessCount {
			return candidates[i].accessCount < candidates[j].accessCount
		}
		return candidates[i].objectID < candidates[j].objectID
	})
	return candidates[0]
}
