// Package adapter hosts the concrete storage backend implementations and
// the registry the engine resolves them through.
package adapter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// Observer receives one sample per adapter call. The metrics collector is
// the canonical implementation.
type Observer interface {
	ObserveAdapterOp(backend, op string, duration time.Duration, err error)
}

// Registry resolves backend IDs to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]types.Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]types.Adapter)}
}

// Register binds an adapter to a backend ID, replacing any prior binding.
func (r *Registry) Register(backend string, a types.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[backend] = a
}

// Adapter resolves a backend ID.
func (r *Registry) Adapter(backend string) (types.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[backend]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeBackendNotFound,
			fmt.Sprintf("no adapter registered for backend %q", backend)).
			WithComponent("adapter").WithBackend(backend)
	}
	return a, nil
}

// IDs returns the registered backend IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
