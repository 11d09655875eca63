// Package engine wires the policy, quota, cache and replication components
// into the storage operations callers use.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strata-storage/strata/internal/adapter"
	s3adapter "github.com/strata-storage/strata/internal/adapter/s3"
	"github.com/strata-storage/strata/internal/cache"
	"github.com/strata-storage/strata/internal/circuit"
	"github.com/strata-storage/strata/internal/config"
	"github.com/strata-storage/strata/internal/metrics"
	"github.com/strata-storage/strata/internal/policy"
	"github.com/strata-storage/strata/internal/quota"
	"github.com/strata-storage/strata/internal/replication"
	"github.com/strata-storage/strata/internal/usage"
	"github.com/strata-storage/strata/internal/violation"
	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/health"
	"github.com/strata-storage/strata/pkg/retry"
	"github.com/strata-storage/strata/pkg/types"
)

// Engine is the façade over the whole system. All storage traffic flows
// through it so every operation is policy-checked, usage-tracked, cached
// and replicated consistently.
type Engine struct {
	logger    *zap.Logger
	policies  *policy.Store
	tracker   *usage.Tracker
	reporter  *violation.Reporter
	enforcer  *quota.Enforcer
	cache     *cache.Manager
	registry  *adapter.Registry
	breakers  *circuit.Manager
	health    *health.Tracker
	coord     *replication.Coordinator
	collector *metrics.Collector
	retryer   *retry.Retryer

	sweepInterval time.Duration

	// created tracks object creation times per backend for retention
	// checks. Rebuilt from backend listings after a restart.
	createdMu sync.RWMutex
	created   map[string]map[string]time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New assembles an engine from configuration: persisted policy and
// violation state, one adapter per configured backend, the cache tier
// hierarchy, and the metrics collector.
func New(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, err.Error()).
			WithComponent("engine").WithCause(err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Metrics.Namespace,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := policy.NewStore(logger,
		policy.WithPersistence(filepath.Join(cfg.Global.StateDir, "policies.json")))
	if err != nil {
		return nil, err
	}

	reporter, err := violation.NewReporter(logger,
		violation.WithPersistence(filepath.Join(cfg.Global.StateDir, "violations.json")),
		violation.WithReportHook(collector.RecordViolation))
	if err != nil {
		return nil, err
	}

	tracker := usage.NewTracker(logger)
	enforcer := quota.NewEnforcer(store, tracker, reporter, logger)

	tierConfigs := make([]cache.TierConfig, 0, len(cfg.Cache.Tiers))
	for _, tc := range cfg.Cache.Tiers {
		capacity, err := tc.TierCapacityBytes()
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, err.Error()).
				WithComponent("engine").WithCause(err)
		}
		tierConfigs = append(tierConfigs, cache.TierConfig{
			Name:             tc.Name,
			CapacityBytes:    capacity,
			PromoteThreshold: tc.PromoteThreshold,
			DemoteAfter:      tc.DemoteAfter,
		})
	}
	cacheManager, err := cache.NewManager(tierConfigs, logger,
		cache.WithEvictionHook(func(objectID, fromTier string) {
			collector.RecordTierEvent(fromTier, "eviction")
		}))
	if err != nil {
		return nil, err
	}

	registry := adapter.NewRegistry()
	e := &Engine{
		logger:        logger.With(zap.String("component", "engine")),
		policies:      store,
		tracker:       tracker,
		reporter:      reporter,
		enforcer:      enforcer,
		cache:         cacheManager,
		registry:      registry,
		collector:     collector,
		breakers: circuit.NewManager(circuit.Config{
			MaxProbes: cfg.Circuit.MaxProbes,
			Interval:  cfg.Circuit.Interval,
			Cooldown:  cfg.Circuit.Cooldown,
		}, logger),
		health: health.NewTracker(health.Config{
			DegradedThreshold:    cfg.Health.DegradedThreshold,
			UnavailableThreshold: cfg.Health.UnavailableThreshold,
		}, logger),
		sweepInterval: cfg.Cache.SweepInterval,
		created:       make(map[string]map[string]time.Time),
		stop:          make(chan struct{}),
		retryer: retry.New(retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
			RetryableErrors: []errors.ErrorCode{
				errors.ErrCodeAdapterTimeout,
				errors.ErrCodeAdapterError,
			},
		}),
	}
	e.coord = replication.NewCoordinator(store, registry, enforcer, tracker, reporter, logger)

	// Policies loaded from the persisted document carry state the tracker
	// and cache manager need to be told about again.
	for _, info := range store.Backends() {
		if p, err := store.Get(info.ID, types.PolicyTrafficQuota); err == nil {
			if tq, ok := p.(*policy.TrafficQuota); ok && tq.IsEnabled() {
				tracker.Configure(info.ID, tq.WindowDuration)
			}
		}
		if p, err := store.Get(info.ID, types.PolicyCache); err == nil {
			if cp, ok := p.(*policy.Cache); ok {
				e.applyCachePolicy(info.ID, cp)
			}
		}
	}

	for _, bc := range cfg.Backends {
		a, err := buildAdapter(ctx, bc, logger)
		if err != nil {
			return nil, err
		}
		if err := e.RegisterBackend(bc.BackendInfo(), a); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func buildAdapter(ctx context.Context, bc config.BackendConfig, logger *zap.Logger) (types.Adapter, error) {
	switch bc.Type {
	case "memory":
		return adapter.NewMemory(), nil
	case "disk":
		return adapter.NewDisk(bc.Directory)
	case "s3":
		return s3adapter.New(ctx, s3adapter.Config{
			Bucket:          bc.Bucket,
			Region:          bc.Region,
			Endpoint:        bc.Endpoint,
			AccessKeyID:     bc.AccessKeyID,
			SecretAccessKey: bc.SecretAccessKey,
			ForcePathStyle:  bc.ForcePathStyle,
			Prefix:          bc.Prefix,
			RequestTimeout:  bc.RequestTimeout,
			CostTier:        bc.CostTier,
		}, logger)
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown backend type %q", bc.Type)).WithComponent("engine")
	}
}

// RegisterBackend adds a backend and its adapter at runtime.
func (e *Engine) RegisterBackend(info types.BackendInfo, a types.Adapter) error {
	if err := e.policies.RegisterBackend(info); err != nil {
		return err
	}
	e.health.Register(info.ID)
	guarded := adapter.Guard(a, e.breakers.Breaker(info.ID))
	e.registry.Register(info.ID, adapter.Instrument(info.ID, guarded,
		adapter.MultiObserver(e.collector, e.health)))
	e.logger.Info("backend registered",
		zap.String("backend", info.ID),
		zap.String("cost_tier", string(info.CostTier)),
		zap.Bool("supports_replication", info.SupportsReplication))
	return nil
}

// SetPolicy validates and installs a policy, and keeps the usage tracker's
// traffic window and the cache manager's backend overrides in step.
func (e *Engine) SetPolicy(backend string, p policy.Policy) error {
	if err := e.policies.Set(backend, p); err != nil {
		return err
	}
	switch pol := p.(type) {
	case *policy.TrafficQuota:
		if pol.IsEnabled() {
			e.tracker.Configure(backend, pol.WindowDuration)
		}
	case *policy.Cache:
		e.applyCachePolicy(backend, pol)
	}
	return nil
}

// applyCachePolicy projects a backend's cache policy onto the tier manager.
func (e *Engine) applyCachePolicy(backend string, cp *policy.Cache) {
	if cp == nil || !cp.IsEnabled() {
		e.cache.SetOverride(backend, nil)
		return
	}
	e.cache.SetOverride(backend, &cache.Override{
		TierCapacityBytes: cp.TierCapacityBytes,
		PromoteThreshold:  cp.PromoteThreshold,
		DemoteThreshold:   cp.DemoteThreshold,
	})
}

// Policies lists the policies configured for a backend.
func (e *Engine) Policies(backend string) ([]policy.Policy, error) {
	return e.policies.List(backend)
}

// DisablePolicy switches a policy off without removing it.
func (e *Engine) DisablePolicy(backend string, kind types.PolicyKind) error {
	if err := e.policies.Disable(backend, kind); err != nil {
		return err
	}
	if kind == types.PolicyCache {
		e.cache.SetOverride(backend, nil)
	}
	return nil
}

// Backends lists the registered backends.
func (e *Engine) Backends() []types.BackendInfo {
	return e.policies.Backends()
}

// Start launches the background maintenance loops and network endpoints.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.collector.Start(ctx); err != nil {
		return err
	}

	interval := e.sweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.cache.Sweep()
				e.sweepArchiveDue()
				e.publishGauges()
			}
		}
	}()

	e.logger.Info("engine started", zap.Duration("sweep_interval", interval))
	return nil
}

// Stop halts background work and shuts the metrics endpoint down.
func (e *Engine) Stop(ctx context.Context) error {
	close(e.stop)
	e.wg.Wait()
	return e.collector.Stop(ctx)
}

func (e *Engine) publishGauges() {
	for _, info := range e.policies.Backends() {
		e.collector.UpdateUsage(e.tracker.Snapshot(info.ID))
	}
	for tier, stats := range e.cache.Stats() {
		e.collector.UpdateTier(tier, stats)
	}
}

// Store writes an object to a backend: quota admission, the backend put,
// cache placement and replication, in that order.
func (e *Engine) Store(ctx context.Context, backend, objectID string, data []byte) error {
	start := time.Now()
	err := e.store(ctx, backend, objectID, data)
	e.collector.RecordOperation("store", backend, time.Since(start), err)
	return err
}

func (e *Engine) store(ctx context.Context, backend, objectID string, data []byte) error {
	a, err := e.registry.Adapter(backend)
	if err != nil {
		return err
	}
	size := int64(len(data))

	oldSize, statErr := a.Stat(ctx, objectID)
	isNew := errors.HasCode(statErr, errors.ErrCodeObjectNotFound)
	if statErr != nil && !isNew {
		return statErr
	}

	op := quota.Operation{
		Bytes:         size - oldSize,
		Transfer:      true,
		TransferBytes: size,
	}
	if isNew {
		op.Bytes = size
		op.Files = 1
	}

	res, err := e.enforcer.Admit(backend, op)
	if err != nil {
		return err
	}

	err = e.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, putErr := a.Put(ctx, objectID, data)
		return putErr
	})
	if err != nil {
		e.tracker.Release(res)
		return err
	}

	e.tracker.Commit(res, false)
	e.tracker.RecordTransfer(backend, size)
	e.rememberCreation(backend, objectID, isNew)

	if _, err := e.cache.Access(backend, objectID, size); err != nil {
		e.logger.Warn("cache admission failed",
			zap.String("object_id", objectID), zap.Error(err))
	}

	if _, err := e.coord.Ensure(ctx, objectID, backend); err != nil {
		// The primary copy is durable; degraded redundancy surfaces as
		// a violation and in the replica status, not a failed write.
		e.logger.Warn("replication below policy",
			zap.String("object_id", objectID),
			zap.String("backend", backend),
			zap.Error(err))
	}
	return nil
}

// Read fetches an object, enforcing the traffic budget and counting the
// access for cache placement.
func (e *Engine) Read(ctx context.Context, backend, objectID string) ([]byte, error) {
	start := time.Now()
	data, err := e.read(ctx, backend, objectID)
	e.collector.RecordOperation("read", backend, time.Since(start), err)
	return data, err
}

func (e *Engine) read(ctx context.Context, backend, objectID string) ([]byte, error) {
	a, err := e.registry.Adapter(backend)
	if err != nil {
		return nil, err
	}

	size, err := a.Stat(ctx, objectID)
	if err != nil {
		return nil, err
	}

	if err := e.enforcer.Check(backend, quota.Operation{
		Transfer:      true,
		TransferBytes: size,
	}); err != nil {
		return nil, err
	}

	var data []byte
	err = e.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var getErr error
		data, getErr = a.Get(ctx, objectID)
		return getErr
	})
	if err != nil {
		return nil, err
	}

	e.tracker.RecordTransfer(backend, int64(len(data)))
	if _, err := e.cache.Access(backend, objectID, int64(len(data))); err != nil {
		e.logger.Debug("cache admission failed",
			zap.String("object_id", objectID), zap.Error(err))
	}
	return data, nil
}

// Delete removes an object from a backend and every replica, after the
// retention policy clears it.
func (e *Engine) Delete(ctx context.Context, backend, objectID string) error {
	start := time.Now()
	err := e.delete(ctx, backend, objectID)
	e.collector.RecordOperation("delete", backend, time.Since(start), err)
	return err
}

func (e *Engine) delete(ctx context.Context, backend, objectID string) error {
	a, err := e.registry.Adapter(backend)
	if err != nil {
		return err
	}

	size, err := a.Stat(ctx, objectID)
	if errors.HasCode(err, errors.ErrCodeObjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.enforcer.Check(backend, quota.Operation{
		Bytes:     -size,
		Files:     -1,
		Delete:    true,
		Transfer:  true,
		CreatedAt: e.creationTime(backend, objectID),
	}); err != nil {
		return err
	}

	if err := e.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return a.Delete(ctx, objectID)
	}); err != nil {
		return err
	}
	e.tracker.Record(backend, -size, -1, true)
	e.forgetCreation(backend, objectID)

	// Replica copies go with the primary. Replica backends that fail the
	// delete keep their usage accounted.
	for _, replicaBackend := range e.coord.Replicas(objectID) {
		if replicaBackend == backend {
			continue
		}
		ra, err := e.registry.Adapter(replicaBackend)
		if err != nil {
			continue
		}
		if err := ra.Delete(ctx, objectID); err != nil {
			e.logger.Warn("replica delete failed",
				zap.String("object_id", objectID),
				zap.String("backend", replicaBackend),
				zap.Error(err))
			continue
		}
		e.tracker.Record(replicaBackend, -size, -1, true)
		e.forgetCreation(replicaBackend, objectID)
	}

	e.coord.Forget(objectID)
	e.cache.Remove(objectID)
	return nil
}

// Repair re-verifies and heals the replica set of an object.
func (e *Engine) Repair(ctx context.Context, objectID, backend string) (types.ReplicaSet, error) {
	return e.coord.Repair(ctx, objectID, backend)
}

// ReplicaStatus reports the tracked replica set of an object.
func (e *Engine) ReplicaStatus(objectID string) (types.ReplicaSet, bool) {
	return e.coord.Status(objectID)
}

// Health reports every backend's health grade.
func (e *Engine) Health() map[string]health.BackendHealth {
	return e.health.All()
}

// OverallHealth reports the worst backend grade.
func (e *Engine) OverallHealth() health.State {
	return e.health.Overall()
}

// BreakerStats reports every backend breaker's state and counts.
func (e *Engine) BreakerStats() map[string]circuit.Stats {
	return e.breakers.Stats()
}

// Usage returns a backend's live usage snapshot.
func (e *Engine) Usage(backend string) types.UsageSnapshot {
	return e.tracker.Snapshot(backend)
}

// Violations lists recorded violations, filtered.
func (e *Engine) Violations(f violation.Filter) []types.Violation {
	return e.reporter.List(f)
}

// CacheStats returns per-tier cache statistics.
func (e *Engine) CacheStats() map[string]types.CacheStats {
	return e.cache.Stats()
}

// PinCached protects an object's cache entry from eviction.
func (e *Engine) PinCached(objectID string) error {
	return e.cache.Pin(objectID)
}

// UnpinCached releases a pinned cache entry.
func (e *Engine) UnpinCached(objectID string) error {
	return e.cache.Unpin(objectID)
}

// RebuildUsage re-derives a backend's usage counters from an authoritative
// listing. Backends whose adapters cannot enumerate are skipped.
func (e *Engine) RebuildUsage(ctx context.Context, backend string) error {
	a, err := e.registry.Adapter(backend)
	if err != nil {
		return err
	}
	lister, ok := a.(types.Lister)
	if !ok {
		e.logger.Info("backend cannot enumerate, usage rebuild skipped",
			zap.String("backend", backend))
		return nil
	}

	infos, err := lister.List(ctx, "")
	if err != nil {
		return err
	}

	var bytes, files int64
	e.createdMu.Lock()
	e.created[backend] = make(map[string]time.Time, len(infos))
	for _, info := range infos {
		bytes += info.Size
		files++
		e.created[backend][info.Key] = info.LastModified
	}
	e.createdMu.Unlock()

	e.tracker.Rebuild(backend, bytes, files)
	return nil
}

// RebuildAllUsage rebuilds usage for every registered backend.
func (e *Engine) RebuildAllUsage(ctx context.Context) error {
	for _, info := range e.policies.Backends() {
		if err := e.RebuildUsage(ctx, info.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rememberCreation(backend, objectID string, isNew bool) {
	if !isNew {
		return
	}
	e.createdMu.Lock()
	defer e.createdMu.Unlock()
	m, ok := e.created[backend]
	if !ok {
		m = make(map[string]time.Time)
		e.created[backend] = m
	}
	m[objectID] = time.Now()
}

// sweepArchiveDue raises a warn violation per backend holding objects past
// the retention policy's archive horizon. The engine never moves data on its
// own; the violation is the operator's cue to archive or delete.
func (e *Engine) sweepArchiveDue() {
	e.createdMu.RLock()
	due := make(map[string]int64, len(e.created))
	for backend, objects := range e.created {
		for _, createdAt := range objects {
			if e.enforcer.ArchiveDue(backend, createdAt) {
				due[backend]++
			}
		}
	}
	e.createdMu.RUnlock()

	for backend, count := range due {
		e.reporter.Report(types.Violation{
			Backend:      backend,
			Kind:         types.PolicyRetention,
			Severity:     types.SeverityWarn,
			CurrentValue: count,
			Message:      fmt.Sprintf("%d object(s) past the archive horizon", count),
		})
	}
}

func (e *Engine) creationTime(backend, objectID string) time.Time {
	e.createdMu.RLock()
	defer e.createdMu.RUnlock()
	return e.created[backend][objectID]
}

func (e *Engine) forgetCreation(backend, objectID string) {
	e.createdMu.Lock()
	defer e.createdMu.Unlock()
	delete(e.created[backend], objectID)
}
