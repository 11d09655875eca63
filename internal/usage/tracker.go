// Package usage maintains live usage counters per backend. The tracker is
// the only writer of usage state; everything else reads snapshots.
package usage

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// DefaultWindow is the traffic window applied until a backend is configured.
const DefaultWindow = time.Hour

// Limits carries the hard bounds a reservation is validated against.
// A zero value means the corresponding bound is not enforced.
type Limits struct {
	MaxBytes int64
	MaxFiles int64
}

// Reservation is the token returned by Reserve and consumed by exactly one
// of Commit or Release.
type Reservation struct {
	Backend string
	Bytes   int64
	Files   int64
}

// backendUsage is one backend's counters behind its own mutex. Backends are
// independent; no cross-backend invariant exists, so no shared lock either.
type backendUsage struct {
	mu sync.Mutex

	bytesUsed    int64
	fileCount    int64
	pendingBytes int64
	pendingFiles int64

	windowBytes    int64
	windowRequests int64
	lastReset      time.Time
	window         time.Duration
}

// Tracker maintains a UsageRecord per backend.
type Tracker struct {
	mu       sync.RWMutex
	backends map[string]*backendUsage
	logger   *zap.Logger

	now func() time.Time
}

// NewTracker creates an empty usage tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		backends: make(map[string]*backendUsage),
		logger:   logger.With(zap.String("component", "usage")),
		now:      time.Now,
	}
}

func (t *Tracker) backend(id string) *backendUsage {
	t.mu.RLock()
	b, ok := t.backends[id]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.backends[id]; ok {
		return b
	}
	b = &backendUsage{window: DefaultWindow, lastReset: t.now()}
	t.backends[id] = b
	return b
}

// Configure sets the traffic window duration for a backend. Counters already
// accumulated in the current window are kept.
func (t *Tracker) Configure(backend string, window time.Duration) {
	if window <= 0 {
		window = DefaultWindow
	}
	b := t.backend(backend)
	b.mu.Lock()
	b.window = window
	b.mu.Unlock()
}

// maybeResetLocked applies the lazy fixed-window reset. Callers hold b.mu.
func (b *backendUsage) maybeResetLocked(now time.Time) {
	if now.Sub(b.lastReset) >= b.window {
		b.windowBytes = 0
		b.windowRequests = 0
		b.lastReset = now
	}
}

// Record applies a usage update after an operation has succeeded. Negative
// deltas (deletes) are clamped at zero rather than going negative.
func (t *Tracker) Record(backend string, deltaBytes, deltaFiles int64, isTransfer bool) {
	b := t.backend(backend)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetLocked(t.now())

	b.bytesUsed += deltaBytes
	if b.bytesUsed < 0 {
		b.bytesUsed = 0
	}
	b.fileCount += deltaFiles
	if b.fileCount < 0 {
		b.fileCount = 0
	}

	if isTransfer {
		if deltaBytes > 0 {
			b.windowBytes += deltaBytes
		} else {
			b.windowBytes -= deltaBytes
		}
		b.windowRequests++
	}
}

// RecordTransfer counts window traffic for an operation that moved bytes
// without changing stored usage, reads in particular.
func (t *Tracker) RecordTransfer(backend string, bytes int64) {
	if bytes < 0 {
		bytes = -bytes
	}
	b := t.backend(backend)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetLocked(t.now())
	b.windowBytes += bytes
	b.windowRequests++
}

// Snapshot returns a consistent copy of a backend's usage record.
func (t *Tracker) Snapshot(backend string) types.UsageSnapshot {
	b := t.backend(backend)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetLocked(t.now())

	return types.UsageSnapshot{
		Backend:                  backend,
		BytesUsed:                b.bytesUsed,
		FileCount:                b.fileCount,
		PendingBytes:             b.pendingBytes,
		PendingFiles:             b.pendingFiles,
		BytesTransferredInWindow: b.windowBytes,
		RequestCountInWindow:     b.windowRequests,
		LastResetTime:            b.lastReset,
	}
}

// Reserve atomically re-validates the delta against the live counters plus
// already-pending reservations, and either moves it into the pending total
// or fails with RESERVATION_FAILED. This closes the check-act race: two
// concurrent operations cannot both slip under a hard quota.
func (t *Tracker) Reserve(backend string, deltaBytes, deltaFiles int64, limits Limits) (Reservation, error) {
	b := t.backend(backend)
	b.mu.Lock()
	defer b.mu.Unlock()

	if limits.MaxBytes > 0 && deltaBytes > 0 &&
		b.bytesUsed+b.pendingBytes+deltaBytes > limits.MaxBytes {
		return Reservation{}, errors.NewError(errors.ErrCodeReservationFailed,
			fmt.Sprintf("reserving %d bytes would exceed limit %d (used %d, pending %d)",
				deltaBytes, limits.MaxBytes, b.bytesUsed, b.pendingBytes)).
			WithComponent("usage").WithBackend(backend)
	}
	if limits.MaxFiles > 0 && deltaFiles > 0 &&
		b.fileCount+b.pendingFiles+deltaFiles > limits.MaxFiles {
		return Reservation{}, errors.NewError(errors.ErrCodeReservationFailed,
			fmt.Sprintf("reserving %d files would exceed limit %d (used %d, pending %d)",
				deltaFiles, limits.MaxFiles, b.fileCount, b.pendingFiles)).
			WithComponent("usage").WithBackend(backend)
	}

	b.pendingBytes += deltaBytes
	b.pendingFiles += deltaFiles
	return Reservation{Backend: backend, Bytes: deltaBytes, Files: deltaFiles}, nil
}

// Commit converts a reservation into live usage after the operation
// succeeded. The transfer flag feeds the traffic window counters.
func (t *Tracker) Commit(res Reservation, isTransfer bool) {
	b := t.backend(res.Backend)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetLocked(t.now())

	b.pendingBytes -= res.Bytes
	b.pendingFiles -= res.Files
	if b.pendingBytes < 0 {
		b.pendingBytes = 0
	}
	if b.pendingFiles < 0 {
		b.pendingFiles = 0
	}

	b.bytesUsed += res.Bytes
	if b.bytesUsed < 0 {
		b.bytesUsed = 0
	}
	b.fileCount += res.Files
	if b.fileCount < 0 {
		b.fileCount = 0
	}

	if isTransfer {
		if res.Bytes > 0 {
			b.windowBytes += res.Bytes
		} else {
			b.windowBytes -= res.Bytes
		}
		b.windowRequests++
	}
}

// Release drops a reservation after the operation failed; nothing is
// counted as usage.
func (t *Tracker) Release(res Reservation) {
	b := t.backend(res.Backend)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pendingBytes -= res.Bytes
	b.pendingFiles -= res.Files
	if b.pendingBytes < 0 {
		b.pendingBytes = 0
	}
	if b.pendingFiles < 0 {
		b.pendingFiles = 0
	}
}

// Rebuild overwrites a backend's live counters from an authoritative scan
// (backend stat calls). Window counters restart; pending reservations are
// preserved since in-flight operations still hold them.
func (t *Tracker) Rebuild(backend string, bytesUsed, fileCount int64) {
	b := t.backend(backend)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bytesUsed = bytesUsed
	b.fileCount = fileCount
	b.windowBytes = 0
	b.windowRequests = 0
	b.lastReset = t.now()

	t.logger.Info("usage counters rebuilt",
		zap.String("backend", backend),
		zap.Int64("bytes_used", bytesUsed),
		zap.Int64("file_count", fileCount))
}
