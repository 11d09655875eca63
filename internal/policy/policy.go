// Package policy holds the policy document set for every configured backend:
// validation, atomic replacement, and persistence across restarts.
package policy

import (
	"fmt"
	"time"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

// ReplicationStrategy selects how replication targets are ordered.
type ReplicationStrategy string

const (
	StrategySimple   ReplicationStrategy = "simple"
	StrategyGeoAware ReplicationStrategy = "geo-aware"
)

// Policy is the closed set of policy variants attachable to a backend.
// Exactly one active instance of each variant may exist per backend.
type Policy interface {
	Kind() types.PolicyKind
	Validate() error
	IsEnabled() bool
}

// StorageQuota bounds the total bytes and file count a backend may hold.
type StorageQuota struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	MaxBytes      int64   `json:"max_bytes" yaml:"max_bytes"`
	MaxFiles      int64   `json:"max_files" yaml:"max_files"`
	WarnThreshold float64 `json:"warn_threshold" yaml:"warn_threshold"`
}

func (p *StorageQuota) Kind() types.PolicyKind { return types.PolicyStorageQuota }
func (p *StorageQuota) IsEnabled() bool        { return p.Enabled }

func (p *StorageQuota) Validate() error {
	if p.MaxBytes < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("max_bytes must not be negative, got %d", p.MaxBytes))
	}
	if p.MaxFiles < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("max_files must not be negative, got %d", p.MaxFiles))
	}
	if p.WarnThreshold <= 0 || p.WarnThreshold > 1 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("warn_threshold must be in (0,1], got %g", p.WarnThreshold))
	}
	return nil
}

// TrafficQuota bounds bytes transferred and requests issued per window.
// Windows are fixed with lazy reset: the counter clears on the first access
// after the window elapses, never via a background timer.
type TrafficQuota struct {
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	MaxBytesPerWindow    int64         `json:"max_bytes_per_window" yaml:"max_bytes_per_window"`
	MaxRequestsPerWindow int64         `json:"max_requests_per_window" yaml:"max_requests_per_window"`
	WindowDuration       time.Duration `json:"window_duration" yaml:"window_duration"`
}

func (p *TrafficQuota) Kind() types.PolicyKind { return types.PolicyTrafficQuota }
func (p *TrafficQuota) IsEnabled() bool        { return p.Enabled }

func (p *TrafficQuota) Validate() error {
	if p.MaxBytesPerWindow < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("max_bytes_per_window must not be negative, got %d", p.MaxBytesPerWindow))
	}
	if p.MaxRequestsPerWindow < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("max_requests_per_window must not be negative, got %d", p.MaxRequestsPerWindow))
	}
	if p.WindowDuration <= 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("window_duration must be positive, got %v", p.WindowDuration))
	}
	return nil
}

// Replication declares how many verified copies an object must have and
// which backends are preferred to hold them.
type Replication struct {
	Enabled           bool                `json:"enabled" yaml:"enabled"`
	Strategy          ReplicationStrategy `json:"strategy" yaml:"strategy"`
	MinRedundancy     int                 `json:"min_redundancy" yaml:"min_redundancy"`
	MaxRedundancy     int                 `json:"max_redundancy" yaml:"max_redundancy"`
	PreferredBackends []string            `json:"preferred_backends" yaml:"preferred_backends"`
}

func (p *Replication) Kind() types.PolicyKind { return types.PolicyReplication }
func (p *Replication) IsEnabled() bool        { return p.Enabled }

func (p *Replication) Validate() error {
	switch p.Strategy {
	case StrategySimple, StrategyGeoAware:
	case "":
		return invalidPolicy(p.Kind(), "strategy is required")
	default:
		return invalidPolicy(p.Kind(), fmt.Sprintf("unknown strategy %q", p.Strategy))
	}
	if p.MinRedundancy < 1 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("min_redundancy must be at least 1, got %d", p.MinRedundancy))
	}
	if p.MaxRedundancy < p.MinRedundancy {
		return invalidPolicy(p.Kind(), fmt.Sprintf("max_redundancy %d is below min_redundancy %d", p.MaxRedundancy, p.MinRedundancy))
	}
	seen := make(map[string]bool, len(p.PreferredBackends))
	for _, b := range p.PreferredBackends {
		if seen[b] {
			return invalidPolicy(p.Kind(), fmt.Sprintf("preferred_backends contains %q twice", b))
		}
		seen[b] = true
	}
	return nil
}

// Retention guards objects against premature deletion and flags objects that
// have aged past their archive horizon.
type Retention struct {
	Enabled                 bool          `json:"enabled" yaml:"enabled"`
	MinimumAgeBeforeDelete  time.Duration `json:"minimum_age_before_delete" yaml:"minimum_age_before_delete"`
	MaximumAgeBeforeArchive time.Duration `json:"maximum_age_before_archive" yaml:"maximum_age_before_archive"`
	LegalHold               bool          `json:"legal_hold" yaml:"legal_hold"`
}

func (p *Retention) Kind() types.PolicyKind { return types.PolicyRetention }
func (p *Retention) IsEnabled() bool        { return p.Enabled }

func (p *Retention) Validate() error {
	if p.MinimumAgeBeforeDelete < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("minimum_age_before_delete must not be negative, got %v", p.MinimumAgeBeforeDelete))
	}
	if p.MaximumAgeBeforeArchive < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("maximum_age_before_archive must not be negative, got %v", p.MaximumAgeBeforeArchive))
	}
	return nil
}

// Cache configures the tier capacity and movement thresholds a backend's
// objects are subject to in the tiered cache.
type Cache struct {
	Enabled           bool  `json:"enabled" yaml:"enabled"`
	TierCapacityBytes int64 `json:"tier_capacity_bytes" yaml:"tier_capacity_bytes"`
	PromoteThreshold  int64 `json:"promote_threshold" yaml:"promote_threshold"`
	DemoteThreshold   int64 `json:"demote_threshold" yaml:"demote_threshold"`
}

func (p *Cache) Kind() types.PolicyKind { return types.PolicyCache }
func (p *Cache) IsEnabled() bool        { return p.Enabled }

func (p *Cache) Validate() error {
	if p.TierCapacityBytes < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("tier_capacity_bytes must not be negative, got %d", p.TierCapacityBytes))
	}
	if p.PromoteThreshold < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("promote_threshold must not be negative, got %d", p.PromoteThreshold))
	}
	if p.DemoteThreshold < 0 {
		return invalidPolicy(p.Kind(), fmt.Sprintf("demote_threshold must not be negative, got %d", p.DemoteThreshold))
	}
	return nil
}

func invalidPolicy(kind types.PolicyKind, msg string) error {
	return errors.NewError(errors.ErrCodeInvalidPolicy, msg).
		WithComponent("policy").
		WithDetail("kind", string(kind))
}
