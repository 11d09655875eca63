// Package replication maintains redundant copies of objects across
// backends according to the replication policy.
package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/strata-storage/strata/internal/adapter"
	"github.com/strata-storage/strata/internal/policy"
	"github.com/strata-storage/strata/internal/quota"
	"github.com/strata-storage/strata/internal/usage"
	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/retry"
	"github.com/strata-storage/strata/pkg/types"
)

// Coordinator fans object copies out to replica backends and tracks the
// verification state of each copy. Concurrent calls for the same object
// collapse into one replication pass.
type Coordinator struct {
	policies *policy.Store
	registry *adapter.Registry
	enforcer *quota.Enforcer
	tracker  *usage.Tracker
	sink     types.ViolationSink
	retryer  *retry.Retryer
	logger   *zap.Logger

	group singleflight.Group

	mu   sync.RWMutex
	sets map[string]*types.ReplicaSet
}

// NewCoordinator wires a coordinator. The sink may be nil.
func NewCoordinator(policies *policy.Store, registry *adapter.Registry, enforcer *quota.Enforcer, tracker *usage.Tracker, sink types.ViolationSink, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		policies: policies,
		registry: registry,
		enforcer: enforcer,
		tracker:  tracker,
		sink:     sink,
		retryer: retry.New(retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			RetryableErrors: []errors.ErrorCode{
				errors.ErrCodeAdapterTimeout,
				errors.ErrCodeAdapterError,
			},
		}),
		logger: logger.With(zap.String("component", "replication")),
		sets:   make(map[string]*types.ReplicaSet),
	}
}

// Ensure brings an object that already lives on the source backend up to
// the redundancy its replication policy demands. Calls for the same object
// are coalesced.
func (c *Coordinator) Ensure(ctx context.Context, objectID, source string) (types.ReplicaSet, error) {
	v, err, _ := c.group.Do(objectID, func() (interface{}, error) {
		return c.ensure(ctx, objectID, source)
	})
	if v == nil {
		return types.ReplicaSet{}, err
	}
	return v.(types.ReplicaSet), err
}

func (c *Coordinator) ensure(ctx context.Context, objectID, source string) (types.ReplicaSet, error) {
	p, err := c.replicationPolicy(source)
	if err != nil {
		return types.ReplicaSet{}, err
	}
	if p == nil {
		// No enabled policy: the source copy is the whole replica set.
		return c.recordSingle(ctx, objectID, source), nil
	}

	srcAdapter, err := c.registry.Adapter(source)
	if err != nil {
		return types.ReplicaSet{}, err
	}

	var data []byte
	err = c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var getErr error
		data, getErr = srcAdapter.Get(ctx, objectID)
		return getErr
	})
	if err != nil {
		return types.ReplicaSet{}, errors.NewError(errors.ErrCodeAdapterError,
			"reading source copy for replication failed").
			WithComponent("replication").WithBackend(source).
			WithObject(objectID).WithCause(err)
	}
	size := int64(len(data))

	set := c.currentSet(objectID, size)
	c.markReplica(set, source, types.ReplicaVerified, "")

	targets := c.selectTargets(set, source, p)
	needed := p.MinRedundancy - set.VerifiedCount()

	// Publish the in-flight copies as pending before the transfer starts
	// so Status reflects them.
	for _, target := range targets {
		c.markReplica(set, target, types.ReplicaPending, "")
	}
	c.storeSet(set)

	results := c.copyToTargets(ctx, objectID, data, targets)
	for _, res := range results {
		if res.err != nil {
			c.markReplica(set, res.backend, types.ReplicaFailed, res.err.Error())
			continue
		}
		c.markReplica(set, res.backend, types.ReplicaVerified, "")
	}
	c.storeSet(set)

	verified := set.VerifiedCount()
	if verified < p.MinRedundancy {
		c.reportRedundancy(source, int64(verified), int64(p.MinRedundancy))
		return *set, errors.NewError(errors.ErrCodeInsufficientRedundancy,
			fmt.Sprintf("object has %d verified replicas, policy requires %d", verified, p.MinRedundancy)).
			WithComponent("replication").WithBackend(source).WithObject(objectID).
			WithDetail("verified", verified).
			WithDetail("min_redundancy", p.MinRedundancy)
	}
	c.resolveRedundancy(source)

	c.logger.Debug("replication converged",
		zap.String("object_id", objectID),
		zap.String("source", source),
		zap.Int("verified", verified),
		zap.Int("wanted", needed))
	return *set, nil
}

// Repair re-verifies every replica of an object and re-copies onto failed
// backends from any verified copy. It shares the coalescing key with Ensure
// so no two passes ever fan out for the same object at once.
func (c *Coordinator) Repair(ctx context.Context, objectID, source string) (types.ReplicaSet, error) {
	v, err, _ := c.group.Do(objectID, func() (interface{}, error) {
		return c.repair(ctx, objectID, source)
	})
	if v == nil {
		return types.ReplicaSet{}, err
	}
	return v.(types.ReplicaSet), err
}

func (c *Coordinator) repair(ctx context.Context, objectID, source string) (types.ReplicaSet, error) {
	c.mu.RLock()
	set, ok := c.sets[objectID]
	var snapshot types.ReplicaSet
	if ok {
		snapshot = cloneSet(set)
	}
	c.mu.RUnlock()

	if ok {
		// Re-verify what we believe is there; a replica that fails its
		// size check degrades to failed before the re-copy pass.
		for i := range snapshot.Replicas {
			r := &snapshot.Replicas[i]
			if r.Status != types.ReplicaVerified {
				continue
			}
			if err := c.verifyReplica(ctx, objectID, r.Backend, snapshot.Size); err != nil {
				r.Status = types.ReplicaFailed
				r.LastError = err.Error()
				r.UpdatedAt = time.Now()
			}
		}
		c.storeSet(&snapshot)

		// Prefer a still-verified replica as the copy source.
		for _, r := range snapshot.Replicas {
			if r.Status == types.ReplicaVerified {
				source = r.Backend
				break
			}
		}
	}

	return c.ensure(ctx, objectID, source)
}

// Forget drops replication state for an object, typically after deletion.
func (c *Coordinator) Forget(objectID string) {
	c.mu.Lock()
	delete(c.sets, objectID)
	c.mu.Unlock()
}

// Status returns the tracked replica set for an object.
func (c *Coordinator) Status(objectID string) (types.ReplicaSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.sets[objectID]
	if !ok {
		return types.ReplicaSet{}, false
	}
	return cloneSet(set), true
}

// Replicas lists every backend currently holding a verified copy.
func (c *Coordinator) Replicas(objectID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.sets[objectID]
	if !ok {
		return nil
	}
	var out []string
	for _, r := range set.Replicas {
		if r.Status == types.ReplicaVerified {
			out = append(out, r.Backend)
		}
	}
	return out
}

type copyResult struct {
	backend string
	err     error
}

// copyToTargets writes the object to every target in parallel. Each copy
// is admitted through quota first and verified by a size check afterward.
func (c *Coordinator) copyToTargets(ctx context.Context, objectID string, data []byte, targets []string) []copyResult {
	results := make([]copyResult, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			results[i] = copyResult{
				backend: target,
				err:     c.copyTo(ctx, objectID, data, target),
			}
		}(i, target)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) copyTo(ctx context.Context, objectID string, data []byte, target string) error {
	size := int64(len(data))

	res, err := c.enforcer.Admit(target, quota.Operation{
		Bytes:         size,
		Files:         1,
		Transfer:      true,
		TransferBytes: size,
	})
	if err != nil {
		return err
	}

	dst, err := c.registry.Adapter(target)
	if err != nil {
		c.tracker.Release(res)
		return err
	}

	err = c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, putErr := dst.Put(ctx, objectID, data)
		return putErr
	})
	if err != nil {
		c.tracker.Release(res)
		return err
	}

	if err := c.verifyReplica(ctx, objectID, target, size); err != nil {
		c.tracker.Release(res)
		return err
	}

	c.tracker.Commit(res, true)
	return nil
}

// verifyReplica confirms a copy by comparing the backend's stored size.
func (c *Coordinator) verifyReplica(ctx context.Context, objectID, backend string, want int64) error {
	a, err := c.registry.Adapter(backend)
	if err != nil {
		return err
	}
	var got int64
	err = c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var statErr error
		got, statErr = a.Stat(ctx, objectID)
		return statErr
	})
	if err != nil {
		return err
	}
	if got != want {
		return errors.NewError(errors.ErrCodeReplicaVerifyFailed,
			fmt.Sprintf("replica has %d bytes, expected %d", got, want)).
			WithComponent("replication").WithBackend(backend).WithObject(objectID)
	}
	return nil
}

// selectTargets picks backends to copy onto: preferred backends first,
// then the rest ordered cheapest first. The source and backends without
// replication support are excluded.
func (c *Coordinator) selectTargets(set *types.ReplicaSet, source string, p *policy.Replication) []string {
	have := make(map[string]bool)
	for _, r := range set.Replicas {
		if r.Status == types.ReplicaVerified {
			have[r.Backend] = true
		}
	}

	eligible := func(id string) (types.BackendInfo, bool) {
		if id == source || have[id] {
			return types.BackendInfo{}, false
		}
		info, err := c.policies.Backend(id)
		if err != nil || !info.SupportsReplication {
			return types.BackendInfo{}, false
		}
		if _, err := c.registry.Adapter(id); err != nil {
			return types.BackendInfo{}, false
		}
		return info, true
	}

	var ordered []string
	seen := make(map[string]bool)
	for _, id := range p.PreferredBackends {
		if _, ok := eligible(id); ok && !seen[id] {
			ordered = append(ordered, id)
			seen[id] = true
		}
	}

	var rest []types.BackendInfo
	for _, info := range c.policies.Backends() {
		if seen[info.ID] {
			continue
		}
		if _, ok := eligible(info.ID); ok {
			rest = append(rest, info)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return costRank(rest[i].CostTier) < costRank(rest[j].CostTier)
	})
	for _, info := range rest {
		ordered = append(ordered, info.ID)
	}

	// Copy as far as MaxRedundancy allows; the extras beyond the minimum
	// are opportunistic.
	budget := p.MaxRedundancy - set.VerifiedCount()
	if budget < 0 {
		budget = 0
	}
	if len(ordered) > budget {
		ordered = ordered[:budget]
	}
	return ordered
}

func costRank(tier types.CostTier) int {
	switch tier {
	case types.CostTierLow:
		return 0
	case types.CostTierStandard:
		return 1
	case types.CostTierArchive:
		return 2
	default:
		return 1
	}
}

func (c *Coordinator) replicationPolicy(backend string) (*policy.Replication, error) {
	p, err := c.policies.Get(backend, types.PolicyReplication)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodePolicyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	rp, ok := p.(*policy.Replication)
	if !ok || !rp.IsEnabled() {
		return nil, nil
	}
	return rp, nil
}

func (c *Coordinator) recordSingle(ctx context.Context, objectID, source string) types.ReplicaSet {
	size := int64(0)
	if a, err := c.registry.Adapter(source); err == nil {
		if got, err := a.Stat(ctx, objectID); err == nil {
			size = got
		}
	}
	set := c.currentSet(objectID, size)
	c.markReplica(set, source, types.ReplicaVerified, "")
	c.storeSet(set)
	return *set
}

func (c *Coordinator) currentSet(objectID string, size int64) *types.ReplicaSet {
	c.mu.RLock()
	existing, ok := c.sets[objectID]
	c.mu.RUnlock()
	if ok {
		clone := cloneSet(existing)
		clone.Size = size
		return &clone
	}
	return &types.ReplicaSet{ObjectID: objectID, Size: size}
}

func (c *Coordinator) markReplica(set *types.ReplicaSet, backend string, status types.ReplicaStatus, lastError string) {
	now := time.Now()
	for i := range set.Replicas {
		if set.Replicas[i].Backend == backend {
			set.Replicas[i].Status = status
			set.Replicas[i].LastError = lastError
			set.Replicas[i].UpdatedAt = now
			set.UpdatedAt = now
			return
		}
	}
	set.Replicas = append(set.Replicas, types.Replica{
		Backend:   backend,
		Status:    status,
		LastError: lastError,
		UpdatedAt: now,
	})
	set.UpdatedAt = now
}

func (c *Coordinator) storeSet(set *types.ReplicaSet) {
	clone := cloneSet(set)
	c.mu.Lock()
	c.sets[set.ObjectID] = &clone
	c.mu.Unlock()
}

func (c *Coordinator) reportRedundancy(backend string, current, wanted int64) {
	if c.sink == nil {
		return
	}
	c.sink.Report(types.Violation{
		Backend:      backend,
		Kind:         types.PolicyReplication,
		Severity:     types.SeverityCritical,
		CurrentValue: current,
		LimitValue:   wanted,
		Message:      "replica count below minimum redundancy",
	})
}

func (c *Coordinator) resolveRedundancy(backend string) {
	if c.sink == nil {
		return
	}
	c.sink.Resolve(backend, types.PolicyReplication)
}

func cloneSet(set *types.ReplicaSet) types.ReplicaSet {
	clone := *set
	clone.Replicas = make([]types.Replica, len(set.Replicas))
	copy(clone.Replicas, set.Replicas)
	return clone
}
