package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-storage/strata/internal/adapter"
	"github.com/strata-storage/strata/internal/policy"
	"github.com/strata-storage/strata/internal/quota"
	"github.com/strata-storage/strata/internal/usage"
	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

type recordingSink struct {
	mu       sync.Mutex
	reports  []types.Violation
	resolves []string
}

func (s *recordingSink) Report(v types.Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, v)
}

func (s *recordingSink) Resolve(backend string, kind types.PolicyKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolves = append(s.resolves, backend+"/"+string(kind))
}

// truncatingAdapter stores fewer bytes than it was given, so size
// verification fails.
type truncatingAdapter struct {
	*adapter.Memory
}

func (a *truncatingAdapter) Put(ctx context.Context, objectID string, data []byte) (int64, error) {
	return a.Memory.Put(ctx, objectID, data[:len(data)/2])
}

type fixture struct {
	store    *policy.Store
	registry *adapter.Registry
	tracker  *usage.Tracker
	sink     *recordingSink
	coord    *Coordinator
	adapters map[string]*adapter.Memory
}

func newFixture(t *testing.T, backends ...string) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store, err := policy.NewStore(logger)
	require.NoError(t, err)
	registry := adapter.NewRegistry()
	adapters := make(map[string]*adapter.Memory)

	for _, id := range backends {
		require.NoError(t, store.RegisterBackend(types.BackendInfo{
			ID:                  id,
			SupportsReplication: true,
			CostTier:            types.CostTierStandard,
		}))
		mem := adapter.NewMemory()
		adapters[id] = mem
		registry.Register(id, mem)
	}

	tracker := usage.NewTracker(logger)
	sink := &recordingSink{}
	enforcer := quota.NewEnforcer(store, tracker, sink, logger)
	return &fixture{
		store:    store,
		registry: registry,
		tracker:  tracker,
		sink:     sink,
		coord:    NewCoordinator(store, registry, enforcer, tracker, sink, logger),
		adapters: adapters,
	}
}

func (f *fixture) seed(t *testing.T, backend, objectID string, data []byte) {
	t.Helper()
	_, err := f.adapters[backend].Put(context.Background(), objectID, data)
	require.NoError(t, err)
	f.tracker.Record(backend, int64(len(data)), 1, false)
}

func TestEnsureConvergesToFullRedundancy(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 2,
		MaxRedundancy: 3,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	set, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)
	assert.Equal(t, 3, set.VerifiedCount())

	for _, backend := range []string{"b", "c"} {
		data, err := f.adapters[backend].Get(context.Background(), "obj")
		require.NoError(t, err, "backend %s", backend)
		assert.Equal(t, []byte("payload"), data)
	}

	// A second pass changes nothing: convergence is idempotent.
	again, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)
	assert.Equal(t, 3, again.VerifiedCount())
}

func TestEnsureSkipsQuotaRejectedBackend(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 2,
		MaxRedundancy: 3,
	}))
	// Backend b cannot fit the object; c can.
	require.NoError(t, f.store.Set("b", &policy.StorageQuota{
		Enabled:  true,
		MaxBytes: 3,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	set, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, set.VerifiedCount())

	var failed []string
	for _, r := range set.Replicas {
		if r.Status == types.ReplicaFailed {
			failed = append(failed, r.Backend)
		}
	}
	assert.Equal(t, []string{"b"}, failed)

	_, err = f.adapters["b"].Get(context.Background(), "obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))
}

func TestEnsureInsufficientRedundancy(t *testing.T) {
	f := newFixture(t, "a", "b")
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 3,
		MaxRedundancy: 3,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	set, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientRedundancy))
	assert.Equal(t, 2, set.VerifiedCount())

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.NotEmpty(t, f.sink.reports)
	last := f.sink.reports[len(f.sink.reports)-1]
	assert.Equal(t, types.PolicyReplication, last.Kind)
	assert.Equal(t, types.SeverityCritical, last.Severity)
	assert.Equal(t, int64(2), last.CurrentValue)
}

func TestEnsureWithoutPolicyRecordsSingleReplica(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.seed(t, "a", "obj", []byte("payload"))

	set, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, set.VerifiedCount())
	assert.Equal(t, []string{"a"}, f.coord.Replicas("obj"))

	// Nothing copied anywhere.
	_, err = f.adapters["b"].Get(context.Background(), "obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))
}

func TestEnsurePrefersConfiguredBackends(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:           true,
		Strategy:          policy.StrategySimple,
		MinRedundancy:     2,
		MaxRedundancy:     2,
		PreferredBackends: []string{"d"},
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	set, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, set.VerifiedCount())

	// Budget of one extra copy went to the preferred backend.
	_, err = f.adapters["d"].Get(context.Background(), "obj")
	assert.NoError(t, err)
	_, err = f.adapters["b"].Get(context.Background(), "obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))
}

func TestEnsureSkipsBackendsWithoutReplicationSupport(t *testing.T) {
	f := newFixture(t, "a", "b")
	require.NoError(t, f.store.RegisterBackend(types.BackendInfo{
		ID:                  "tape",
		SupportsReplication: false,
	}))
	f.registry.Register("tape", adapter.NewMemory())
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 2,
		MaxRedundancy: 3,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	set, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, f.coord.Replicas("obj"))
	assert.Equal(t, 2, set.VerifiedCount())
}

func TestEnsureMarksVerifyFailures(t *testing.T) {
	f := newFixture(t, "a", "b")
	// Replace b with an adapter that stores truncated bytes.
	f.registry.Register("b", &truncatingAdapter{Memory: adapter.NewMemory()})
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 2,
		MaxRedundancy: 2,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	set, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientRedundancy))

	require.Len(t, set.Replicas, 2)
	for _, r := range set.Replicas {
		if r.Backend == "b" {
			assert.Equal(t, types.ReplicaFailed, r.Status)
			assert.NotEmpty(t, r.LastError)
		}
	}
}

func TestRepairRecopiesLostReplica(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 3,
		MaxRedundancy: 3,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	_, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)

	// Lose the copy on b behind the coordinator's back.
	require.NoError(t, f.adapters["b"].Delete(context.Background(), "obj"))

	set, err := f.coord.Repair(context.Background(), "obj", "a")
	require.NoError(t, err)
	assert.Equal(t, 3, set.VerifiedCount())

	data, err := f.adapters["b"].Get(context.Background(), "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestReplicationCommitsTargetUsage(t *testing.T) {
	f := newFixture(t, "a", "b")
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 2,
		MaxRedundancy: 2,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	_, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)

	snap := f.tracker.Snapshot("b")
	assert.Equal(t, int64(7), snap.BytesUsed)
	assert.Equal(t, int64(1), snap.FileCount)
	assert.Equal(t, int64(0), snap.PendingBytes)
	assert.Equal(t, int64(7), snap.BytesTransferredInWindow)
}

func TestForgetDropsState(t *testing.T) {
	f := newFixture(t, "a")
	f.seed(t, "a", "obj", []byte("payload"))

	_, err := f.coord.Ensure(context.Background(), "obj", "a")
	require.NoError(t, err)
	_, ok := f.coord.Status("obj")
	require.True(t, ok)

	f.coord.Forget("obj")
	_, ok = f.coord.Status("obj")
	assert.False(t, ok)
}

// gatedGetAdapter blocks Get until released and counts how many calls got
// through, exposing whether two replication passes ran at once.
type gatedGetAdapter struct {
	*adapter.Memory
	mu      sync.Mutex
	entered int
	ready   chan struct{}
	release chan struct{}
}

func (a *gatedGetAdapter) Get(ctx context.Context, objectID string) ([]byte, error) {
	a.mu.Lock()
	a.entered++
	if a.entered == 1 {
		close(a.ready)
	}
	a.mu.Unlock()
	<-a.release
	return a.Memory.Get(ctx, objectID)
}

func (a *gatedGetAdapter) getCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entered
}

func TestEnsureAndRepairShareOneFlight(t *testing.T) {
	f := newFixture(t, "a", "b")
	gated := &gatedGetAdapter{
		Memory:  f.adapters["a"],
		ready:   make(chan struct{}),
		release: make(chan struct{}),
	}
	f.registry.Register("a", gated)
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 2,
		MaxRedundancy: 2,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	var wg sync.WaitGroup
	var ensureErr, repairErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ensureErr = f.coord.Ensure(context.Background(), "obj", "a")
	}()
	<-gated.ready

	// With the first pass parked inside the source read, a repair for the
	// same object must join it instead of starting a second fan-out.
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, repairErr = f.coord.Repair(context.Background(), "obj", "a")
	}()
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	require.NoError(t, ensureErr)
	require.NoError(t, repairErr)
	assert.Equal(t, 1, gated.getCount())

	set, ok := f.coord.Status("obj")
	require.True(t, ok)
	assert.Equal(t, 2, set.VerifiedCount())
}

func TestConcurrentEnsuresCoalesce(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	require.NoError(t, f.store.Set("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 2,
		MaxRedundancy: 3,
	}))
	f.seed(t, "a", "obj", []byte("payload"))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.Ensure(context.Background(), "obj", "a")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	set, ok := f.coord.Status("obj")
	require.True(t, ok)
	assert.Equal(t, 3, set.VerifiedCount())
}
