package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// adapterUnderTest lets the contract tests run against every local
// implementation.
func adaptersUnderTest(t *testing.T) map[string]types.Adapter {
	t.Helper()
	disk, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	return map[string]types.Adapter{
		"memory": NewMemory(),
		"disk":   disk,
	}
}

func TestAdapterContract(t *testing.T) {
	for name, a := range adaptersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := a.Put(ctx, "objects/alpha", []byte("hello strata"))
			require.NoError(t, err)
			assert.Equal(t, int64(12), n)

			data, err := a.Get(ctx, "objects/alpha")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello strata"), data)

			size, err := a.Stat(ctx, "objects/alpha")
			require.NoError(t, err)
			assert.Equal(t, int64(12), size)

			// Overwrite replaces content and size.
			_, err = a.Put(ctx, "objects/alpha", []byte("v2"))
			require.NoError(t, err)
			size, err = a.Stat(ctx, "objects/alpha")
			require.NoError(t, err)
			assert.Equal(t, int64(2), size)

			require.NoError(t, a.Delete(ctx, "objects/alpha"))

			_, err = a.Get(ctx, "objects/alpha")
			assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))
			_, err = a.Stat(ctx, "objects/alpha")
			assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))

			// Deleting a missing object is not an error.
			assert.NoError(t, a.Delete(ctx, "objects/alpha"))
		})
	}
}

func TestAdapterList(t *testing.T) {
	for name, a := range adaptersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lister, ok := a.(types.Lister)
			require.True(t, ok)

			for _, id := range []string{"data/a", "data/b", "logs/x"} {
				_, err := a.Put(ctx, id, []byte(id))
				require.NoError(t, err)
			}

			infos, err := lister.List(ctx, "data/")
			require.NoError(t, err)
			require.Len(t, infos, 2)
			keys := []string{infos[0].Key, infos[1].Key}
			assert.ElementsMatch(t, []string{"data/a", "data/b"}, keys)

			all, err := lister.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestAdapterHonorsCanceledContext(t *testing.T) {
	for name, a := range adaptersUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := a.Put(ctx, "x", []byte("y"))
			assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
			_, err = a.Get(ctx, "x")
			assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
		})
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Put(ctx, "obj", []byte("immutable"))
	require.NoError(t, err)

	data, err := m.Get(ctx, "obj")
	require.NoError(t, err)
	data[0] = 'X'

	again, err := m.Get(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	mem := NewMemory()
	r.Register("primary", mem)
	r.Register("scratch", NewMemory())

	a, err := r.Adapter("primary")
	require.NoError(t, err)
	assert.Same(t, types.Adapter(mem), a)

	_, err = r.Adapter("ghost")
	assert.True(t, errors.HasCode(err, errors.ErrCodeBackendNotFound))

	assert.Equal(t, []string{"primary", "scratch"}, r.IDs())
}

type countingObserver struct {
	calls map[string]int
	errs  int
}

func (o *countingObserver) ObserveAdapterOp(backend, op string, d time.Duration, err error) {
	if o.calls == nil {
		o.calls = make(map[string]int)
	}
	o.calls[backend+"/"+op]++
	if err != nil {
		o.errs++
	}
}

func TestInstrumentObservesCalls(t *testing.T) {
	ctx := context.Background()
	obs := &countingObserver{}
	a := Instrument("primary", NewMemory(), obs)

	_, err := a.Put(ctx, "obj", []byte("x"))
	require.NoError(t, err)
	_, err = a.Get(ctx, "obj")
	require.NoError(t, err)
	_, err = a.Get(ctx, "missing")
	require.Error(t, err)

	assert.Equal(t, 1, obs.calls["primary/put"])
	assert.Equal(t, 2, obs.calls["primary/get"])
	assert.Equal(t, 1, obs.errs)

	// The wrapper keeps the enumeration capability of the inner adapter.
	lister, ok := a.(types.Lister)
	require.True(t, ok)
	_, err = lister.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, obs.calls["primary/list"])
}
