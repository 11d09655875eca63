package adapter

import (
	"context"
	"time"

	"github.com/strata-storage/strata/pkg/types"
)

// MultiObserver fans each observation out to several observers. Nil
// entries are skipped; with no usable observers it returns nil so that
// Instrument leaves the adapter unwrapped.
func MultiObserver(observers ...Observer) Observer {
	var active multiObserver
	for _, o := range observers {
		if o != nil {
			active = append(active, o)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return active
}

type multiObserver []Observer

func (m multiObserver) ObserveAdapterOp(backend, op string, duration time.Duration, err error) {
	for _, o := range m {
		o.ObserveAdapterOp(backend, op, duration, err)
	}
}

// instrumented decorates an adapter with per-call observation.
type instrumented struct {
	backend string
	inner   types.Adapter
	obs     Observer
}

// instrumentedLister additionally forwards the List capability.
type instrumentedLister struct {
	instrumented
	lister types.Lister
}

// Instrument wraps an adapter so every call reports its latency and outcome
// to the observer. A nil observer returns the adapter unchanged. Adapters
// that support enumeration keep that capability through the wrapper.
func Instrument(backend string, a types.Adapter, obs Observer) types.Adapter {
	if obs == nil {
		return a
	}
	wrapped := instrumented{backend: backend, inner: a, obs: obs}
	if lister, ok := a.(types.Lister); ok {
		return &instrumentedLister{instrumented: wrapped, lister: lister}
	}
	return &wrapped
}

func (i *instrumented) Put(ctx context.Context, objectID string, data []byte) (int64, error) {
	start := time.Now()
	n, err := i.inner.Put(ctx, objectID, data)
	i.obs.ObserveAdapterOp(i.backend, "put", time.Since(start), err)
	return n, err
}

func (i *instrumented) Get(ctx context.Context, objectID string) ([]byte, error) {
	start := time.Now()
	data, err := i.inner.Get(ctx, objectID)
	i.obs.ObserveAdapterOp(i.backend, "get", time.Since(start), err)
	return data, err
}

func (i *instrumented) Delete(ctx context.Context, objectID string) error {
	start := time.Now()
	err := i.inner.Delete(ctx, objectID)
	i.obs.ObserveAdapterOp(i.backend, "delete", time.Since(start), err)
	return err
}

func (i *instrumented) Stat(ctx context.Context, objectID string) (int64, error) {
	start := time.Now()
	size, err := i.inner.Stat(ctx, objectID)
	i.obs.ObserveAdapterOp(i.backend, "stat", time.Since(start), err)
	return size, err
}

func (i *instrumentedLister) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	start := time.Now()
	infos, err := i.lister.List(ctx, prefix)
	i.obs.ObserveAdapterOp(i.backend, "list", time.Since(start), err)
	return infos, err
}
