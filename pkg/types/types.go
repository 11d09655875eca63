package types

import (
	"time"
)

// CostTier classifies a backend by its relative storage cost.
type CostTier string

const (
	CostTierLow      CostTier = "low"
	CostTierStandard CostTier = "standard"
	CostTierArchive  CostTier = "archive"
)

// BackendInfo describes a configured storage backend and its declared
// capability set. Owned by the policy store for the lifetime of a
// configuration; updates are atomic swaps, never in-place mutation.
type BackendInfo struct {
	ID                  string   `json:"id" yaml:"id"`
	SupportsReplication bool     `json:"supports_replication" yaml:"supports_replication"`
	SupportsStreaming   bool     `json:"supports_streaming" yaml:"supports_streaming"`
	CostTier            CostTier `json:"cost_tier" yaml:"cost_tier"`
}

// PolicyKind identifies one of the five policy variants.
type PolicyKind string

const (
	PolicyStorageQuota PolicyKind = "storage_quota"
	PolicyTrafficQuota PolicyKind = "traffic_quota"
	PolicyReplication  PolicyKind = "replication"
	PolicyRetention    PolicyKind = "retention"
	PolicyCache        PolicyKind = "cache"
)

// Severity grades a policy violation.
type Severity string

const (
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Violation records a detected breach of a configured policy threshold.
// Entries are append-only; the only mutation is marking them resolved.
type Violation struct {
	ID           string     `json:"id"`
	Backend      string     `json:"backend"`
	Kind         PolicyKind `json:"kind"`
	Severity     Severity   `json:"severity"`
	DetectedAt   time.Time  `json:"detected_at"`
	CurrentValue int64      `json:"current_value"`
	LimitValue   int64      `json:"limit_value"`
	Message      string     `json:"message,omitempty"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   time.Time  `json:"resolved_at,omitempty"`
}

// UsageSnapshot is a consistent copy of a backend's live usage counters.
type UsageSnapshot struct {
	Backend                  string    `json:"backend"`
	BytesUsed                int64     `json:"bytes_used"`
	FileCount                int64     `json:"file_count"`
	PendingBytes             int64     `json:"pending_bytes"`
	PendingFiles             int64     `json:"pending_files"`
	BytesTransferredInWindow int64     `json:"bytes_transferred_in_window"`
	RequestCountInWindow     int64     `json:"request_count_in_window"`
	LastResetTime            time.Time `json:"last_reset_time"`
}

// ReplicaStatus tracks the lifecycle of a single replica copy.
type ReplicaStatus string

const (
	ReplicaPending  ReplicaStatus = "pending"
	ReplicaVerified ReplicaStatus = "verified"
	ReplicaFailed   ReplicaStatus = "failed"
)

// Replica is one (backend, status) element of a replica set.
type Replica struct {
	Backend   string        `json:"backend"`
	Status    ReplicaStatus `json:"status"`
	LastError string        `json:"last_error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ReplicaSet records where copies of an object live and their verification
// state, in backend selection order.
type ReplicaSet struct {
	ObjectID  string    `json:"object_id"`
	Size      int64     `json:"size"`
	Replicas  []Replica `json:"replicas"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VerifiedCount returns the number of replicas in verified state.
func (rs *ReplicaSet) VerifiedCount() int {
	n := 0
	for _, r := range rs.Replicas {
		if r.Status == ReplicaVerified {
			n++
		}
	}
	return n
}

// PendingCount returns the number of replicas still in pending state.
func (rs *ReplicaSet) PendingCount() int {
	n := 0
	for _, r := range rs.Replicas {
		if r.Status == ReplicaPending {
			n++
		}
	}
	return n
}

// CacheStats represents tier cache performance statistics.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Promotions  uint64  `json:"promotions"`
	Demotions   uint64  `json:"demotions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// ObjectInfo represents metadata about a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Checksum     string    `json:"checksum,omitempty"`
}
