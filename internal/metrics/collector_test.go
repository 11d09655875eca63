package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/types"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "strata"}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestRecordOperation(t *testing.T) {
	c := newTestCollector(t)

	c.RecordOperation("store", "s3-primary", 25*time.Millisecond, nil)
	c.RecordOperation("store", "s3-primary", 30*time.Millisecond, nil)
	c.RecordOperation("store", "s3-primary", 5*time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(2), testutil.ToFloat64(
		c.operationCounter.WithLabelValues("store", "s3-primary", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.operationCounter.WithLabelValues("store", "s3-primary", "error")))
}

func TestObserveAdapterOp(t *testing.T) {
	c := newTestCollector(t)

	c.ObserveAdapterOp("local", "put", time.Millisecond, nil)
	c.ObserveAdapterOp("local", "get", time.Millisecond, errors.New("unreachable"))

	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.adapterCounter.WithLabelValues("local", "put", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		c.adapterCounter.WithLabelValues("local", "get", "error")))
}

func TestUsageAndTierGauges(t *testing.T) {
	c := newTestCollector(t)

	c.UpdateUsage(types.UsageSnapshot{Backend: "s3-primary", BytesUsed: 4096, FileCount: 3})
	c.UpdateTier("fast", types.CacheStats{Size: 512})
	c.UpdateReplicas("s3-primary", 2)

	assert.Equal(t, float64(4096), testutil.ToFloat64(c.usageBytes.WithLabelValues("s3-primary")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.usageFiles.WithLabelValues("s3-primary")))
	assert.Equal(t, float64(512), testutil.ToFloat64(c.tierBytes.WithLabelValues("fast")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.replicaGauge.WithLabelValues("s3-primary")))
}

func TestRecordViolation(t *testing.T) {
	c := newTestCollector(t)

	v := types.Violation{
		Backend:  "s3-primary",
		Kind:     types.PolicyStorageQuota,
		Severity: types.SeverityWarn,
	}
	c.RecordViolation(v)
	c.RecordViolation(v)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		c.violationCounter.WithLabelValues("s3-primary", "storage_quota", "warn")))
}

func TestDisabledCollectorIsInert(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)

	// None of these may panic on nil metric vectors.
	c.RecordOperation("store", "b", time.Millisecond, nil)
	c.ObserveAdapterOp("b", "put", time.Millisecond, nil)
	c.UpdateUsage(types.UsageSnapshot{Backend: "b"})
	c.UpdateTier("fast", types.CacheStats{})
	c.RecordTierEvent("fast", "hit")
	c.RecordViolation(types.Violation{})
	c.UpdateReplicas("b", 1)
	assert.Nil(t, c.Registry())
}
