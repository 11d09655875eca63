package violation

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/types"
)

func newTestReporter(t *testing.T, opts ...ReporterOption) *Reporter {
	t.Helper()
	r, err := NewReporter(zap.NewNop(), opts...)
	require.NoError(t, err)
	return r
}

func warnViolation(backend string, current int64) types.Violation {
	return types.Violation{
		Backend:      backend,
		Kind:         types.PolicyStorageQuota,
		Severity:     types.SeverityWarn,
		CurrentValue: current,
		LimitValue:   1000,
		Message:      "usage above warn threshold",
	}
}

func TestReportAssignsID(t *testing.T) {
	r := newTestReporter(t)
	r.Report(warnViolation("s3-primary", 850))

	got := r.List(Filter{})
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].DetectedAt.IsZero())
	assert.False(t, got[0].Resolved)
}

func TestReportDeduplicatesOpenViolations(t *testing.T) {
	r := newTestReporter(t)

	r.Report(warnViolation("s3-primary", 850))
	r.Report(warnViolation("s3-primary", 900))
	r.Report(warnViolation("s3-primary", 950))

	got := r.List(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, int64(950), got[0].CurrentValue)
	assert.Equal(t, 1, r.OpenCount())
}

func TestDistinctSeveritiesAreSeparateEntries(t *testing.T) {
	r := newTestReporter(t)

	r.Report(warnViolation("s3-primary", 850))
	crit := warnViolation("s3-primary", 1100)
	crit.Severity = types.SeverityCritical
	r.Report(crit)

	assert.Len(t, r.List(Filter{}), 2)
	assert.Equal(t, 2, r.OpenCount())
}

func TestResolveReopensAsNewEntry(t *testing.T) {
	r := newTestReporter(t)

	r.Report(warnViolation("s3-primary", 850))
	r.Resolve("s3-primary", types.PolicyStorageQuota)

	first := r.List(Filter{})
	require.Len(t, first, 1)
	assert.True(t, first[0].Resolved)
	assert.False(t, first[0].ResolvedAt.IsZero())

	// A recurrence after resolution is a new entry, not an update.
	r.Report(warnViolation("s3-primary", 870))

	got := r.List(Filter{})
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].ID, got[1].ID)
	assert.False(t, got[1].Resolved)
}

func TestResolveIsIdempotent(t *testing.T) {
	r := newTestReporter(t)

	r.Report(warnViolation("local", 850))
	r.Resolve("local", types.PolicyStorageQuota)
	r.Resolve("local", types.PolicyStorageQuota)
	r.Resolve("other", types.PolicyTrafficQuota)

	assert.Equal(t, 0, r.OpenCount())
	assert.Len(t, r.List(Filter{}), 1)
}

func TestListFilters(t *testing.T) {
	r := newTestReporter(t)

	r.Report(warnViolation("a", 850))
	crit := warnViolation("b", 1200)
	crit.Severity = types.SeverityCritical
	crit.Kind = types.PolicyTrafficQuota
	r.Report(crit)
	r.Resolve("a", types.PolicyStorageQuota)

	assert.Len(t, r.List(Filter{Backend: "a"}), 1)
	assert.Len(t, r.List(Filter{Severity: types.SeverityCritical}), 1)

	open := false
	resolved := true
	assert.Len(t, r.List(Filter{Resolved: &resolved}), 1)

	got := r.List(Filter{Resolved: &open})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Backend)
}

func TestListOrderedByDetectionTime(t *testing.T) {
	r := newTestReporter(t)

	for _, b := range []string{"c", "a", "b"} {
		r.Report(warnViolation(b, 850))
	}

	got := r.List(Filter{})
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].DetectedAt.Before(got[i-1].DetectedAt))
	}
}

func TestReportHook(t *testing.T) {
	var seen []types.Violation
	r := newTestReporter(t, WithReportHook(func(v types.Violation) {
		seen = append(seen, v)
	}))

	r.Report(warnViolation("s3-primary", 850))
	r.Report(warnViolation("s3-primary", 900))

	// Dedup updates still fire the hook.
	require.Len(t, seen, 2)
	assert.Equal(t, int64(900), seen[1].CurrentValue)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "violations.json")

	r := newTestReporter(t, WithPersistence(path))
	r.Report(warnViolation("s3-primary", 850))
	crit := warnViolation("local", 1200)
	crit.Severity = types.SeverityCritical
	r.Report(crit)
	r.Resolve("local", types.PolicyStorageQuota)

	reloaded := newTestReporter(t, WithPersistence(path))
	got := reloaded.List(Filter{})
	require.Len(t, got, 2)
	assert.Equal(t, 1, reloaded.OpenCount())

	// Dedup keys survive the reload.
	reloaded.Report(warnViolation("s3-primary", 999))
	assert.Len(t, reloaded.List(Filter{}), 2)
}
