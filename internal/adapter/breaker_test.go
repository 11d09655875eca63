package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-storage/strata/internal/circuit"
	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// downAdapter fails every call and counts how often it was reached.
type downAdapter struct {
	calls int
}

func (d *downAdapter) fail() error {
	d.calls++
	return errors.NewError(errors.ErrCodeAdapterError, "backend down")
}

func (d *downAdapter) Put(ctx context.Context, objectID string, data []byte) (int64, error) {
	return 0, d.fail()
}

func (d *downAdapter) Get(ctx context.Context, objectID string) ([]byte, error) {
	return nil, d.fail()
}

func (d *downAdapter) Delete(ctx context.Context, objectID string) error {
	return d.fail()
}

func (d *downAdapter) Stat(ctx context.Context, objectID string) (int64, error) {
	return 0, d.fail()
}

func TestGuardFailsFastWhenOpen(t *testing.T) {
	ctx := context.Background()
	down := &downAdapter{}
	br := circuit.NewBreaker("down", circuit.Config{}, zap.NewNop())
	g := Guard(down, br)

	for i := 0; i < 5; i++ {
		_, err := g.Get(ctx, "obj")
		require.True(t, errors.HasCode(err, errors.ErrCodeAdapterError))
	}
	require.Equal(t, 5, down.calls)
	require.Equal(t, circuit.StateOpen, br.State())

	// Open breaker rejects without reaching the backend.
	_, err := g.Get(ctx, "obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeCircuitOpen))
	_, err = g.Stat(ctx, "obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeCircuitOpen))
	assert.Equal(t, 5, down.calls)
}

func TestGuardHealthyPassthrough(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	br := circuit.NewBreaker("mem", circuit.Config{}, zap.NewNop())
	g := Guard(mem, br)

	_, err := g.Put(ctx, "obj", []byte("payload"))
	require.NoError(t, err)
	data, err := g.Get(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	// Missing objects are request errors, not backend failures.
	for i := 0; i < 10; i++ {
		_, err := g.Get(ctx, "ghost")
		require.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))
	}
	assert.Equal(t, circuit.StateClosed, br.State())
}

func TestGuardPreservesListCapability(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	br := circuit.NewBreaker("mem", circuit.Config{}, zap.NewNop())
	g := Guard(mem, br)

	lister, ok := g.(types.Lister)
	require.True(t, ok)

	_, err := g.Put(ctx, "a/1", []byte("x"))
	require.NoError(t, err)
	infos, err := lister.List(ctx, "a/")
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	// A plain adapter must not gain the capability through wrapping.
	_, ok = Guard(&downAdapter{}, br).(types.Lister)
	assert.False(t, ok)
}
