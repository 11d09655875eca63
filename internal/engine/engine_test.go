package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-storage/strata/internal/adapter"
	"github.com/strata-storage/strata/internal/config"
	"github.com/strata-storage/strata/internal/policy"
	"github.com/strata-storage/strata/internal/violation"
	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Global.StateDir = t.TempDir()
	cfg.Metrics.Enabled = false
	cfg.API.Enabled = false
	cfg.Cache.Tiers = []config.TierConfig{
		{Name: "fast", Capacity: "1KB", PromoteThreshold: 2, DemoteAfter: time.Hour},
		{Name: "slow", Capacity: "10KB", DemoteAfter: 24 * time.Hour},
	}
	eng, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	return eng
}

func addMemoryBackend(t *testing.T, e *Engine, id string) *adapter.Memory {
	t.Helper()
	m := adapter.NewMemory()
	require.NoError(t, e.RegisterBackend(types.BackendInfo{
		ID:                  id,
		SupportsReplication: true,
		CostTier:            types.CostTierStandard,
	}, m))
	return m
}

func TestEngineStoreReadDelete(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	payload := []byte("twelve bytes")
	require.NoError(t, eng.Store(ctx, "primary", "obj-1", payload))

	snap := eng.Usage("primary")
	assert.Equal(t, int64(len(payload)), snap.BytesUsed)
	assert.Equal(t, int64(1), snap.FileCount)
	assert.Equal(t, int64(len(payload)), snap.BytesTransferredInWindow)

	got, err := eng.Read(ctx, "primary", "obj-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, eng.Delete(ctx, "primary", "obj-1"))

	snap = eng.Usage("primary")
	assert.Zero(t, snap.BytesUsed)
	assert.Zero(t, snap.FileCount)

	_, err = eng.Read(ctx, "primary", "obj-1")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))
}

func TestEngineDeleteMissingObjectIsNoop(t *testing.T) {
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")
	require.NoError(t, eng.Delete(context.Background(), "primary", "never-stored"))
}

func TestEngineUnknownBackend(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.Store(context.Background(), "nope", "obj", []byte("x"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeBackendNotFound))
}

func TestEngineOverwriteTracksDelta(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.Store(ctx, "primary", "obj", make([]byte, 100)))
	require.NoError(t, eng.Store(ctx, "primary", "obj", make([]byte, 60)))

	snap := eng.Usage("primary")
	assert.Equal(t, int64(60), snap.BytesUsed)
	assert.Equal(t, int64(1), snap.FileCount)
}

func TestEngineStoreRejectedOverQuota(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.SetPolicy("primary", &policy.StorageQuota{
		Enabled:       true,
		MaxBytes:      100,
		WarnThreshold: 0.8,
	}))

	err := eng.Store(ctx, "primary", "big", make([]byte, 150))
	require.True(t, errors.HasCode(err, errors.ErrCodeQuotaExceeded))

	// The rejected write must leave no trace.
	snap := eng.Usage("primary")
	assert.Zero(t, snap.BytesUsed)
	assert.Zero(t, snap.FileCount)
	_, err = eng.Read(ctx, "primary", "big")
	assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound))

	open := eng.Violations(violation.Filter{Backend: "primary", Severity: types.SeverityCritical})
	require.Len(t, open, 1)
	assert.Equal(t, types.PolicyStorageQuota, open[0].Kind)
}

func TestEngineRetentionBlocksDelete(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.Store(ctx, "primary", "obj", []byte("keep me")))

	require.NoError(t, eng.SetPolicy("primary", &policy.Retention{
		Enabled:                true,
		MinimumAgeBeforeDelete: time.Hour,
	}))
	err := eng.Delete(ctx, "primary", "obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeRetentionTooYoung))

	require.NoError(t, eng.SetPolicy("primary", &policy.Retention{
		Enabled:   true,
		LegalHold: true,
	}))
	err = eng.Delete(ctx, "primary", "obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeRetentionHold))

	got, err := eng.Read(ctx, "primary", "obj")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), got)
}

func TestEngineArchiveAdvisory(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.SetPolicy("primary", &policy.Retention{
		Enabled:                 true,
		MaximumAgeBeforeArchive: time.Hour,
	}))

	require.NoError(t, eng.Store(ctx, "primary", "old", []byte("stale")))
	require.NoError(t, eng.Store(ctx, "primary", "new", []byte("fresh")))

	// Nothing is past the horizon yet.
	eng.sweepArchiveDue()
	assert.Empty(t, eng.Violations(violation.Filter{Backend: "primary", Severity: types.SeverityWarn}))

	// Backdate one object past the archive horizon.
	eng.createdMu.Lock()
	eng.created["primary"]["old"] = time.Now().Add(-2 * time.Hour)
	eng.createdMu.Unlock()

	eng.sweepArchiveDue()
	open := eng.Violations(violation.Filter{Backend: "primary", Severity: types.SeverityWarn})
	require.Len(t, open, 1)
	assert.Equal(t, types.PolicyRetention, open[0].Kind)
	assert.Equal(t, int64(1), open[0].CurrentValue)
}

func TestEngineReplicationFansOut(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "a")
	addMemoryBackend(t, eng, "b")
	addMemoryBackend(t, eng, "c")

	require.NoError(t, eng.SetPolicy("a", &policy.Replication{
		Enabled:       true,
		Strategy:      policy.StrategySimple,
		MinRedundancy: 2,
		MaxRedundancy: 3,
	}))

	payload := []byte("replicated payload")
	require.NoError(t, eng.Store(ctx, "a", "obj", payload))

	set, ok := eng.ReplicaStatus("obj")
	require.True(t, ok)
	assert.Equal(t, 3, set.VerifiedCount())

	for _, backend := range []string{"b", "c"} {
		got, err := eng.Read(ctx, backend, "obj")
		require.NoError(t, err, "replica on %s", backend)
		assert.Equal(t, payload, got)
		assert.Equal(t, int64(len(payload)), eng.Usage(backend).BytesUsed)
	}

	// Deleting the primary removes every replica with it.
	require.NoError(t, eng.Delete(ctx, "a", "obj"))
	_, ok = eng.ReplicaStatus("obj")
	assert.False(t, ok)
	for _, backend := range []string{"a", "b", "c"} {
		_, err := eng.Read(ctx, backend, "obj")
		assert.True(t, errors.HasCode(err, errors.ErrCodeObjectNotFound), backend)
		assert.Zero(t, eng.Usage(backend).BytesUsed, backend)
	}
}

func TestEngineTrafficBudget(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.SetPolicy("primary", &policy.TrafficQuota{
		Enabled:              true,
		MaxBytesPerWindow:    1 << 20,
		MaxRequestsPerWindow: 2,
		WindowDuration:       time.Hour,
	}))

	require.NoError(t, eng.Store(ctx, "primary", "obj", []byte("data")))

	_, err := eng.Read(ctx, "primary", "obj")
	require.NoError(t, err)

	_, err = eng.Read(ctx, "primary", "obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeTrafficExceeded))
}

func TestEngineRebuildUsage(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	m := addMemoryBackend(t, eng, "primary")

	// Objects written outside the engine, as after a restart.
	for i := 0; i < 3; i++ {
		_, err := m.Put(ctx, fmt.Sprintf("pre-%d", i), make([]byte, 40))
		require.NoError(t, err)
	}

	require.NoError(t, eng.RebuildUsage(ctx, "primary"))

	snap := eng.Usage("primary")
	assert.Equal(t, int64(120), snap.BytesUsed)
	assert.Equal(t, int64(3), snap.FileCount)
	assert.Zero(t, snap.BytesTransferredInWindow)
}

func TestEngineCacheStats(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.Store(ctx, "primary", "obj", make([]byte, 100)))
	_, err := eng.Read(ctx, "primary", "obj")
	require.NoError(t, err)

	// The store admitted the object cold; the read pushed it over the fast
	// tier's promote threshold.
	stats := eng.CacheStats()
	require.Contains(t, stats, "slow")
	assert.Equal(t, uint64(1), stats["slow"].Misses)
	assert.Equal(t, uint64(1), stats["slow"].Hits)
	assert.Zero(t, stats["slow"].Size)
	assert.Equal(t, int64(100), stats["fast"].Size)
	assert.Equal(t, uint64(1), stats["fast"].Promotions)
}

func TestEngineCachePolicyOverride(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.SetPolicy("primary", &policy.Cache{
		Enabled:          true,
		PromoteThreshold: 3,
	}))

	require.NoError(t, eng.Store(ctx, "primary", "obj", make([]byte, 100)))
	_, err := eng.Read(ctx, "primary", "obj")
	require.NoError(t, err)

	// Two accesses sit below the policy's threshold of 3; the tier default
	// of 2 would already have promoted.
	stats := eng.CacheStats()
	assert.Equal(t, int64(100), stats["slow"].Size)
	assert.Zero(t, stats["fast"].Size)

	_, err = eng.Read(ctx, "primary", "obj")
	require.NoError(t, err)
	stats = eng.CacheStats()
	assert.Equal(t, int64(100), stats["fast"].Size)
	assert.Zero(t, stats["slow"].Size)

	// Disabling the policy hands the backend back to the tier defaults.
	require.NoError(t, eng.DisablePolicy("primary", types.PolicyCache))
}

func TestEnginePinSurvivesDelete(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.Store(ctx, "primary", "obj", []byte("pinned")))
	require.NoError(t, eng.PinCached("obj"))
	require.NoError(t, eng.UnpinCached("obj"))

	require.NoError(t, eng.Delete(ctx, "primary", "obj"))
	err := eng.PinCached("obj")
	assert.True(t, errors.HasCode(err, errors.ErrCodeEntryNotFound))
}

func TestEngineStartStop(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	addMemoryBackend(t, eng, "primary")

	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Store(ctx, "primary", "obj", []byte("live")))
	require.NoError(t, eng.Stop(ctx))
}
