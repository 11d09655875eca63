package usage

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker() *Tracker {
	return NewTracker(zap.NewNop())
}

func TestRecordAndSnapshot(t *testing.T) {
	tr := newTestTracker()

	tr.Record("s3-primary", 1024, 1, true)
	tr.Record("s3-primary", 2048, 1, true)

	snap := tr.Snapshot("s3-primary")
	assert.Equal(t, int64(3072), snap.BytesUsed)
	assert.Equal(t, int64(2), snap.FileCount)
	assert.Equal(t, int64(3072), snap.BytesTransferredInWindow)
	assert.Equal(t, int64(2), snap.RequestCountInWindow)
}

func TestRecordDeleteClampsAtZero(t *testing.T) {
	tr := newTestTracker()

	tr.Record("local", 100, 1, false)
	tr.Record("local", -500, -5, false)

	snap := tr.Snapshot("local")
	assert.Equal(t, int64(0), snap.BytesUsed)
	assert.Equal(t, int64(0), snap.FileCount)
}

func TestDeleteCountsTowardTrafficWindow(t *testing.T) {
	tr := newTestTracker()

	tr.Record("local", 100, 1, true)
	tr.Record("local", -100, -1, true)

	snap := tr.Snapshot("local")
	assert.Equal(t, int64(0), snap.BytesUsed)
	// Transfers count by magnitude regardless of direction.
	assert.Equal(t, int64(200), snap.BytesTransferredInWindow)
	assert.Equal(t, int64(2), snap.RequestCountInWindow)
}

func TestRecordTransferLeavesStorageAlone(t *testing.T) {
	tr := newTestTracker()

	tr.Record("local", 100, 1, false)
	tr.RecordTransfer("local", 100)
	tr.RecordTransfer("local", 100)

	snap := tr.Snapshot("local")
	assert.Equal(t, int64(100), snap.BytesUsed)
	assert.Equal(t, int64(200), snap.BytesTransferredInWindow)
	assert.Equal(t, int64(2), snap.RequestCountInWindow)
}

func TestLazyWindowReset(t *testing.T) {
	tr := newTestTracker()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.Configure("s3-primary", time.Minute)
	tr.Record("s3-primary", 500, 1, true)

	snap := tr.Snapshot("s3-primary")
	assert.Equal(t, int64(500), snap.BytesTransferredInWindow)

	// Just under the window boundary: counters survive.
	now = base.Add(59 * time.Second)
	snap = tr.Snapshot("s3-primary")
	assert.Equal(t, int64(500), snap.BytesTransferredInWindow)

	// Past the boundary: counters reset on next access, storage unaffected.
	now = base.Add(61 * time.Second)
	snap = tr.Snapshot("s3-primary")
	assert.Equal(t, int64(0), snap.BytesTransferredInWindow)
	assert.Equal(t, int64(0), snap.RequestCountInWindow)
	assert.Equal(t, int64(500), snap.BytesUsed)
	assert.Equal(t, now, snap.LastResetTime)
}

func TestReserveCommit(t *testing.T) {
	tr := newTestTracker()
	limits := Limits{MaxBytes: 1000, MaxFiles: 10}

	res, err := tr.Reserve("local", 400, 1, limits)
	require.NoError(t, err)

	snap := tr.Snapshot("local")
	assert.Equal(t, int64(0), snap.BytesUsed)
	assert.Equal(t, int64(400), snap.PendingBytes)

	tr.Commit(res, true)

	snap = tr.Snapshot("local")
	assert.Equal(t, int64(400), snap.BytesUsed)
	assert.Equal(t, int64(0), snap.PendingBytes)
	assert.Equal(t, int64(1), snap.RequestCountInWindow)
}

func TestReserveRelease(t *testing.T) {
	tr := newTestTracker()

	res, err := tr.Reserve("local", 400, 1, Limits{MaxBytes: 1000})
	require.NoError(t, err)
	tr.Release(res)

	snap := tr.Snapshot("local")
	assert.Equal(t, int64(0), snap.BytesUsed)
	assert.Equal(t, int64(0), snap.PendingBytes)
	assert.Equal(t, int64(0), snap.PendingFiles)
}

func TestReserveRejectsOverLimit(t *testing.T) {
	tr := newTestTracker()
	limits := Limits{MaxBytes: 1000}

	tr.Record("local", 700, 1, false)

	_, err := tr.Reserve("local", 400, 1, limits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESERVATION_FAILED")

	// The failed attempt must not leave pending residue behind.
	snap := tr.Snapshot("local")
	assert.Equal(t, int64(0), snap.PendingBytes)
}

func TestReserveCountsPendingAgainstLimit(t *testing.T) {
	tr := newTestTracker()
	limits := Limits{MaxBytes: 1000}

	res1, err := tr.Reserve("local", 600, 1, limits)
	require.NoError(t, err)

	// 600 pending + 600 requested > 1000 even though live usage is zero.
	_, err = tr.Reserve("local", 600, 1, limits)
	require.Error(t, err)

	tr.Release(res1)

	_, err = tr.Reserve("local", 600, 1, limits)
	assert.NoError(t, err)
}

func TestReserveUnlimitedWhenZero(t *testing.T) {
	tr := newTestTracker()

	_, err := tr.Reserve("local", 1<<40, 1<<20, Limits{})
	assert.NoError(t, err)
}

func TestRebuildPreservesPending(t *testing.T) {
	tr := newTestTracker()

	tr.Record("s3-primary", 9999, 9, true)
	res, err := tr.Reserve("s3-primary", 100, 1, Limits{})
	require.NoError(t, err)

	tr.Rebuild("s3-primary", 5000, 5)

	snap := tr.Snapshot("s3-primary")
	assert.Equal(t, int64(5000), snap.BytesUsed)
	assert.Equal(t, int64(5), snap.FileCount)
	assert.Equal(t, int64(100), snap.PendingBytes)
	assert.Equal(t, int64(0), snap.BytesTransferredInWindow)

	tr.Commit(res, false)
	snap = tr.Snapshot("s3-primary")
	assert.Equal(t, int64(5100), snap.BytesUsed)
}

// TestConcurrentReservationsNeverExceedLimit hammers Reserve/Commit/Release
// from many goroutines and checks the hard bound is never breached.
func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	tr := newTestTracker()
	const maxBytes = 10000
	limits := Limits{MaxBytes: maxBytes}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 200; j++ {
				size := int64(rng.Intn(500) + 1)
				res, err := tr.Reserve("shared", size, 1, limits)
				if err != nil {
					continue
				}
				if rng.Intn(2) == 0 {
					tr.Commit(res, false)
					// Occasionally delete what we stored to keep the
					// backend from saturating immediately.
					if rng.Intn(4) == 0 {
						tr.Record("shared", -size, -1, false)
					}
				} else {
					tr.Release(res)
				}

				snap := tr.Snapshot("shared")
				if snap.BytesUsed+snap.PendingBytes > maxBytes {
					t.Errorf("limit breached: used=%d pending=%d max=%d",
						snap.BytesUsed, snap.PendingBytes, maxBytes)
					return
				}
			}
		}(int64(i))
	}
	wg.Wait()

	snap := tr.Snapshot("shared")
	assert.LessOrEqual(t, snap.BytesUsed, int64(maxBytes))
}
