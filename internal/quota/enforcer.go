// Package quota enforces storage, traffic and retention policies ahead of
// backend operations.
package quota

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strata-storage/strata/internal/policy"
	"github.com/strata-storage/strata/internal/usage"
	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// Operation describes a prospective backend operation for admission control.
type Operation struct {
	// Bytes and Files are the stored-usage deltas the operation would
	// apply. Deletes carry negative deltas; reads carry zero.
	Bytes int64
	Files int64
	// Transfer marks operations that count against the traffic window.
	Transfer bool
	// TransferBytes is the volume moving over the wire. For reads it is
	// the object size even though Bytes stays zero.
	TransferBytes int64
	// Delete marks removals, which are gated by retention policy.
	Delete bool
	// CreatedAt is the stored object's creation time, required for
	// retention checks on deletes.
	CreatedAt time.Time
}

// Enforcer evaluates operations against the configured policies. It reports
// threshold crossings to the violation sink and clears them once usage
// drops back under.
type Enforcer struct {
	policies *policy.Store
	usage    *usage.Tracker
	sink     types.ViolationSink
	logger   *zap.Logger

	now func() time.Time
}

// NewEnforcer wires an enforcer over the policy store and usage tracker.
// The sink may be nil when violation reporting is not wanted.
func NewEnforcer(policies *policy.Store, tracker *usage.Tracker, sink types.ViolationSink, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		policies: policies,
		usage:    tracker,
		sink:     sink,
		logger:   logger.With(zap.String("component", "quota")),
		now:      time.Now,
	}
}

// Check evaluates the operation against every applicable policy without
// reserving anything. A nil return means the operation is admissible at
// this instant; callers that need atomicity use Admit instead.
func (e *Enforcer) Check(backend string, op Operation) error {
	if err := e.checkRetention(backend, op); err != nil {
		return err
	}
	if err := e.checkStorage(backend, op); err != nil {
		return err
	}
	return e.checkTraffic(backend, op)
}

// Admit runs Check and, on success, atomically reserves the operation's
// storage delta against the hard quota. The returned reservation must be
// settled with Commit or Release on the tracker.
func (e *Enforcer) Admit(backend string, op Operation) (usage.Reservation, error) {
	if err := e.Check(backend, op); err != nil {
		return usage.Reservation{}, err
	}

	limits := usage.Limits{}
	if sq, ok := e.storagePolicy(backend); ok {
		limits.MaxBytes = sq.MaxBytes
		limits.MaxFiles = sq.MaxFiles
	}
	res, err := e.usage.Reserve(backend, op.Bytes, op.Files, limits)
	if err != nil {
		// Lost the race to another writer between Check and Reserve.
		return usage.Reservation{}, errors.NewError(errors.ErrCodeQuotaExceeded,
			"storage quota exhausted by a concurrent operation").
			WithComponent("quota").WithBackend(backend).WithCause(err)
	}
	return res, nil
}

func (e *Enforcer) storagePolicy(backend string) (*policy.StorageQuota, bool) {
	p, err := e.policies.Get(backend, types.PolicyStorageQuota)
	if err != nil {
		return nil, false
	}
	sq, ok := p.(*policy.StorageQuota)
	if !ok || !sq.IsEnabled() {
		return nil, false
	}
	return sq, true
}

func (e *Enforcer) trafficPolicy(backend string) (*policy.TrafficQuota, bool) {
	p, err := e.policies.Get(backend, types.PolicyTrafficQuota)
	if err != nil {
		return nil, false
	}
	tq, ok := p.(*policy.TrafficQuota)
	if !ok || !tq.IsEnabled() {
		return nil, false
	}
	return tq, true
}

func (e *Enforcer) retentionPolicy(backend string) (*policy.Retention, bool) {
	p, err := e.policies.Get(backend, types.PolicyRetention)
	if err != nil {
		return nil, false
	}
	rp, ok := p.(*policy.Retention)
	if !ok || !rp.IsEnabled() {
		return nil, false
	}
	return rp, true
}

func (e *Enforcer) checkStorage(backend string, op Operation) error {
	sq, ok := e.storagePolicy(backend)
	if !ok {
		return nil
	}

	snap := e.usage.Snapshot(backend)
	projectedBytes := snap.BytesUsed + snap.PendingBytes + op.Bytes
	projectedFiles := snap.FileCount + snap.PendingFiles + op.Files

	if sq.MaxBytes > 0 && op.Bytes > 0 && projectedBytes > sq.MaxBytes {
		e.report(backend, types.PolicyStorageQuota, types.SeverityCritical,
			projectedBytes, sq.MaxBytes, "storage quota exceeded")
		return errors.NewError(errors.ErrCodeQuotaExceeded,
			fmt.Sprintf("operation would use %d of %d bytes", projectedBytes, sq.MaxBytes)).
			WithComponent("quota").WithBackend(backend).
			WithDetail("projected_bytes", projectedBytes).
			WithDetail("max_bytes", sq.MaxBytes)
	}
	if sq.MaxFiles > 0 && op.Files > 0 && projectedFiles > sq.MaxFiles {
		e.report(backend, types.PolicyStorageQuota, types.SeverityCritical,
			projectedFiles, sq.MaxFiles, "file count quota exceeded")
		return errors.NewError(errors.ErrCodeQuotaExceeded,
			fmt.Sprintf("operation would use %d of %d file slots", projectedFiles, sq.MaxFiles)).
			WithComponent("quota").WithBackend(backend).
			WithDetail("projected_files", projectedFiles).
			WithDetail("max_files", sq.MaxFiles)
	}

	// Admissible, but an approaching limit still gets a warn violation.
	warned := false
	if sq.MaxBytes > 0 && sq.WarnThreshold > 0 &&
		float64(projectedBytes) >= float64(sq.MaxBytes)*sq.WarnThreshold {
		e.report(backend, types.PolicyStorageQuota, types.SeverityWarn,
			projectedBytes, sq.MaxBytes, "storage usage above warn threshold")
		warned = true
	}
	if sq.MaxFiles > 0 && sq.WarnThreshold > 0 &&
		float64(projectedFiles) >= float64(sq.MaxFiles)*sq.WarnThreshold {
		e.report(backend, types.PolicyStorageQuota, types.SeverityWarn,
			projectedFiles, sq.MaxFiles, "file count above warn threshold")
		warned = true
	}
	if !warned {
		e.resolve(backend, types.PolicyStorageQuota)
	}
	return nil
}

func (e *Enforcer) checkTraffic(backend string, op Operation) error {
	if !op.Transfer {
		return nil
	}
	tq, ok := e.trafficPolicy(backend)
	if !ok {
		return nil
	}

	snap := e.usage.Snapshot(backend)
	opBytes := op.TransferBytes
	if opBytes < 0 {
		opBytes = -opBytes
	}
	projectedBytes := snap.BytesTransferredInWindow + opBytes
	projectedRequests := snap.RequestCountInWindow + 1

	if tq.MaxBytesPerWindow > 0 && projectedBytes > tq.MaxBytesPerWindow {
		e.report(backend, types.PolicyTrafficQuota, types.SeverityCritical,
			projectedBytes, tq.MaxBytesPerWindow, "traffic byte budget exceeded")
		return errors.NewError(errors.ErrCodeTrafficExceeded,
			fmt.Sprintf("transfer would use %d of %d window bytes", projectedBytes, tq.MaxBytesPerWindow)).
			WithComponent("quota").WithBackend(backend).
			WithDetail("window_resets_at", snap.LastResetTime.Add(tq.WindowDuration))
	}
	if tq.MaxRequestsPerWindow > 0 && projectedRequests > tq.MaxRequestsPerWindow {
		e.report(backend, types.PolicyTrafficQuota, types.SeverityCritical,
			projectedRequests, tq.MaxRequestsPerWindow, "traffic request budget exceeded")
		return errors.NewError(errors.ErrCodeTrafficExceeded,
			fmt.Sprintf("request %d of %d in current window", projectedRequests, tq.MaxRequestsPerWindow)).
			WithComponent("quota").WithBackend(backend).
			WithDetail("window_resets_at", snap.LastResetTime.Add(tq.WindowDuration))
	}

	e.resolve(backend, types.PolicyTrafficQuota)
	return nil
}

func (e *Enforcer) checkRetention(backend string, op Operation) error {
	if !op.Delete {
		return nil
	}
	rp, ok := e.retentionPolicy(backend)
	if !ok {
		return nil
	}

	if rp.LegalHold {
		return errors.NewError(errors.ErrCodeRetentionHold,
			"backend is under legal hold, deletes are blocked").
			WithComponent("quota").WithBackend(backend)
	}
	if rp.MinimumAgeBeforeDelete > 0 && !op.CreatedAt.IsZero() {
		age := e.now().Sub(op.CreatedAt)
		if age < rp.MinimumAgeBeforeDelete {
			return errors.NewError(errors.ErrCodeRetentionTooYoung,
				fmt.Sprintf("object is %s old, minimum retention is %s", age, rp.MinimumAgeBeforeDelete)).
				WithComponent("quota").WithBackend(backend).
				WithDetail("age", age.String()).
				WithDetail("minimum_age", rp.MinimumAgeBeforeDelete.String())
		}
	}
	return nil
}

// ArchiveDue reports whether an object's age has passed the policy's
// archive horizon. Backends without an archive horizon never archive.
func (e *Enforcer) ArchiveDue(backend string, createdAt time.Time) bool {
	rp, ok := e.retentionPolicy(backend)
	if !ok || rp.MaximumAgeBeforeArchive <= 0 || createdAt.IsZero() {
		return false
	}
	return e.now().Sub(createdAt) >= rp.MaximumAgeBeforeArchive
}

func (e *Enforcer) report(backend string, kind types.PolicyKind, sev types.Severity, current, limit int64, msg string) {
	if e.sink == nil {
		return
	}
	e.sink.Report(types.Violation{
		Backend:      backend,
		Kind:         kind,
		Severity:     sev,
		CurrentValue: current,
		LimitValue:   limit,
		Message:      msg,
	})
}

func (e *Enforcer) resolve(backend string, kind types.PolicyKind) {
	if e.sink == nil {
		return
	}
	e.sink.Resolve(backend, kind)
}
