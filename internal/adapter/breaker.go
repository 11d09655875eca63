package adapter

import (
	"context"

	"github.com/strata-storage/strata/internal/circuit"
	"github.com/strata-storage/strata/pkg/types"
)

// Guard wraps an adapter so every call passes through a circuit breaker.
// While the breaker is open, calls fail fast with CIRCUIT_OPEN instead of
// hitting the backend.
func Guard(a types.Adapter, br *circuit.Breaker) types.Adapter {
	if br == nil {
		return a
	}
	g := guarded{inner: a, breaker: br}
	if lister, ok := a.(types.Lister); ok {
		return &guardedLister{guarded: g, lister: lister}
	}
	return &g
}

type guarded struct {
	inner   types.Adapter
	breaker *circuit.Breaker
}

func (g *guarded) Put(ctx context.Context, objectID string, data []byte) (int64, error) {
	if err := g.breaker.Allow(); err != nil {
		return 0, err
	}
	n, err := g.inner.Put(ctx, objectID, data)
	g.breaker.Record(err)
	return n, err
}

func (g *guarded) Get(ctx context.Context, objectID string) ([]byte, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	data, err := g.inner.Get(ctx, objectID)
	g.breaker.Record(err)
	return data, err
}

func (g *guarded) Delete(ctx context.Context, objectID string) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	err := g.inner.Delete(ctx, objectID)
	g.breaker.Record(err)
	return err
}

func (g *guarded) Stat(ctx context.Context, objectID string) (int64, error) {
	if err := g.breaker.Allow(); err != nil {
		return 0, err
	}
	size, err := g.inner.Stat(ctx, objectID)
	g.breaker.Record(err)
	return size, err
}

// guardedLister keeps the enumeration capability visible when the wrapped
// adapter has it.
type guardedLister struct {
	guarded
	lister types.Lister
}

func (g *guardedLister) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, err
	}
	infos, err := g.lister.List(ctx, prefix)
	g.breaker.Record(err)
	return infos, err
}
