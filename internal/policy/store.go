package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// stateVersion guards the on-disk policy document format. A mismatch on load
// is an error: policy documents are authoritative and must not be guessed at.
const stateVersion = 1

// Store holds the current policy document set keyed by backend identifier.
// All replacements are atomic per (backend, kind); readers never observe a
// partially applied update.
type Store struct {
	mu       sync.RWMutex
	backends map[string]types.BackendInfo
	policies map[string]map[types.PolicyKind]Policy
	path     string
	logger   *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersistence persists the policy document set to the given file so it
// survives process restart. Writes are atomic (temp file + rename).
func WithPersistence(path string) StoreOption {
	return func(s *Store) { s.path = path }
}

// NewStore creates a policy store. If persistence is configured and a prior
// document exists it is loaded before the store is returned.
func NewStore(logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backends: make(map[string]types.BackendInfo),
		policies: make(map[string]map[types.PolicyKind]Policy),
		logger:   logger.With(zap.String("component", "policy")),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RegisterBackend adds or replaces a backend declaration.
func (s *Store) RegisterBackend(info types.BackendInfo) error {
	if info.ID == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "backend id is required").
			WithComponent("policy")
	}

	s.mu.Lock()
	s.backends[info.ID] = info
	if _, ok := s.policies[info.ID]; !ok {
		s.policies[info.ID] = make(map[types.PolicyKind]Policy)
	}
	s.mu.Unlock()

	s.logger.Info("backend registered",
		zap.String("backend", info.ID),
		zap.String("cost_tier", string(info.CostTier)))
	return s.persist()
}

// Backend returns the declaration for a backend identifier.
func (s *Store) Backend(id string) (types.BackendInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.backends[id]
	if !ok {
		return types.BackendInfo{}, errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("backend %q is not registered", id)).
			WithComponent("policy").WithBackend(id)
	}
	return info, nil
}

// Backends returns all registered backends sorted by identifier.
func (s *Store) Backends() []types.BackendInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.BackendInfo, 0, len(s.backends))
	for _, info := range s.backends {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Set validates the policy and replaces the prior policy of the same kind
// for the backend in one atomic step.
func (s *Store) Set(backend string, p Policy) error {
	if p == nil {
		return errors.NewError(errors.ErrCodeInvalidPolicy, "policy must not be nil").
			WithComponent("policy").WithBackend(backend)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.backends[backend]; !ok {
		s.mu.Unlock()
		return errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("backend %q is not registered", backend)).
			WithComponent("policy").WithBackend(backend)
	}
	s.policies[backend][p.Kind()] = p
	s.mu.Unlock()

	s.logger.Info("policy set",
		zap.String("backend", backend),
		zap.String("kind", string(p.Kind())),
		zap.Bool("enabled", p.IsEnabled()))
	return s.persist()
}

// Get returns the current policy of the given kind, or POLICY_NOT_FOUND when
// the backend has none configured.
func (s *Store) Get(backend string, kind types.PolicyKind) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.policies[backend]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("backend %q is not registered", backend)).
			WithComponent("policy").WithBackend(backend)
	}
	p, ok := set[kind]
	if !ok {
		return nil, errors.NewError(errors.ErrCodePolicyNotFound,
			fmt.Sprintf("no %s policy configured for backend %q", kind, backend)).
			WithComponent("policy").WithBackend(backend)
	}
	return p, nil
}

// List returns every policy configured for a backend, ordered by kind.
func (s *Store) List(backend string) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.policies[backend]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("backend %q is not registered", backend)).
			WithComponent("policy").WithBackend(backend)
	}
	out := make([]Policy, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out, nil
}

// Disable marks a policy inactive without discarding it. Usage history kept
// elsewhere is untouched.
func (s *Store) Disable(backend string, kind types.PolicyKind) error {
	s.mu.Lock()
	set, ok := s.policies[backend]
	if !ok {
		s.mu.Unlock()
		return errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("backend %q is not registered", backend)).
			WithComponent("policy").WithBackend(backend)
	}
	p, ok := set[kind]
	if !ok {
		s.mu.Unlock()
		return errors.NewError(errors.ErrCodePolicyNotFound,
			fmt.Sprintf("no %s policy configured for backend %q", kind, backend)).
			WithComponent("policy").WithBackend(backend)
	}
	set[kind] = disabledCopy(p)
	s.mu.Unlock()

	s.logger.Info("policy disabled",
		zap.String("backend", backend),
		zap.String("kind", string(kind)))
	return s.persist()
}

func disabledCopy(p Policy) Policy {
	switch v := p.(type) {
	case *StorageQuota:
		c := *v
		c.Enabled = false
		return &c
	case *TrafficQuota:
		c := *v
		c.Enabled = false
		return &c
	case *Replication:
		c := *v
		c.Enabled = false
		return &c
	case *Retention:
		c := *v
		c.Enabled = false
		return &c
	case *Cache:
		c := *v
		c.Enabled = false
		return &c
	default:
		return p
	}
}

// policySet is the JSON shape of one backend's policies: one optional slot
// per variant, keeping the union closed and the decode exhaustive.
type policySet struct {
	StorageQuota *StorageQuota `json:"storage_quota,omitempty"`
	TrafficQuota *TrafficQuota `json:"traffic_quota,omitempty"`
	Replication  *Replication  `json:"replication,omitempty"`
	Retention    *Retention    `json:"retention,omitempty"`
	Cache        *Cache        `json:"cache,omitempty"`
}

func (ps *policySet) insert(p Policy) {
	switch v := p.(type) {
	case *StorageQuota:
		ps.StorageQuota = v
	case *TrafficQuota:
		ps.TrafficQuota = v
	case *Replication:
		ps.Replication = v
	case *Retention:
		ps.Retention = v
	case *Cache:
		ps.Cache = v
	}
}

func (ps *policySet) policies() []Policy {
	var out []Policy
	if ps.StorageQuota != nil {
		out = append(out, ps.StorageQuota)
	}
	if ps.TrafficQuota != nil {
		out = append(out, ps.TrafficQuota)
	}
	if ps.Replication != nil {
		out = append(out, ps.Replication)
	}
	if ps.Retention != nil {
		out = append(out, ps.Retention)
	}
	if ps.Cache != nil {
		out = append(out, ps.Cache)
	}
	return out
}

type storeDocument struct {
	Version  int                  `json:"version"`
	SavedAt  time.Time            `json:"saved_at"`
	Backends []types.BackendInfo  `json:"backends"`
	Policies map[string]policySet `json:"policies"`
}

func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	doc := storeDocument{
		Version:  stateVersion,
		SavedAt:  time.Now(),
		Backends: make([]types.BackendInfo, 0, len(s.backends)),
		Policies: make(map[string]policySet, len(s.policies)),
	}
	for _, info := range s.backends {
		doc.Backends = append(doc.Backends, info)
	}
	sort.Slice(doc.Backends, func(i, j int) bool { return doc.Backends[i].ID < doc.Backends[j].ID })
	for backend, set := range s.policies {
		var ps policySet
		for _, p := range set {
			ps.insert(p)
		}
		doc.Policies[backend] = ps
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.NewError(errors.ErrCodePolicySave, "failed to encode policy document").
			WithComponent("policy").WithCause(err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return errors.NewError(errors.ErrCodePolicySave, "failed to create state directory").
			WithComponent("policy").WithCause(err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return errors.NewError(errors.ErrCodePolicySave, "failed to write policy document").
			WithComponent("policy").WithCause(err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.NewError(errors.ErrCodePolicySave, "failed to replace policy document").
			WithComponent("policy").WithCause(err)
	}
	return nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewError(errors.ErrCodePolicyLoad, "failed to read policy document").
			WithComponent("policy").WithCause(err)
	}

	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.NewError(errors.ErrCodePolicyLoad, "failed to decode policy document").
			WithComponent("policy").WithCause(err)
	}
	if doc.Version != stateVersion {
		return errors.NewError(errors.ErrCodeStateVersion,
			fmt.Sprintf("policy document version %d, engine expects %d", doc.Version, stateVersion)).
			WithComponent("policy")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range doc.Backends {
		s.backends[info.ID] = info
		if _, ok := s.policies[info.ID]; !ok {
			s.policies[info.ID] = make(map[types.PolicyKind]Policy)
		}
	}
	for backend, ps := range doc.Policies {
		if _, ok := s.policies[backend]; !ok {
			s.policies[backend] = make(map[types.PolicyKind]Policy)
		}
		for _, p := range ps.policies() {
			if err := p.Validate(); err != nil {
				return errors.NewError(errors.ErrCodePolicyLoad,
					fmt.Sprintf("persisted %s policy for backend %q is invalid", p.Kind(), backend)).
					WithComponent("policy").WithBackend(backend).WithCause(err)
			}
			s.policies[backend][p.Kind()] = p
		}
	}

	s.logger.Info("policy document loaded",
		zap.Int("backends", len(doc.Backends)),
		zap.String("path", s.path))
	return nil
}
