// Package violation records policy violations as an append-only log with
// deduplication of still-open entries.
package violation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/types"
)

const stateVersion = 1

// Filter narrows the result of List. Zero-value fields match everything.
type Filter struct {
	Backend  string
	Severity types.Severity
	// Resolved selects by resolution state when set.
	Resolved *bool
}

// Reporter implements types.ViolationSink. Open violations are deduplicated
// by (backend, kind, severity): a repeat observation updates the existing
// entry's current value and detection time instead of appending a new one.
type Reporter struct {
	mu         sync.RWMutex
	violations []*types.Violation
	// open indexes unresolved entries by dedup key.
	open map[dedupKey]*types.Violation

	path     string
	logger   *zap.Logger
	onReport func(types.Violation)
}

type dedupKey struct {
	backend  string
	kind     types.PolicyKind
	severity types.Severity
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithPersistence enables JSON persistence of the violation log at path.
func WithPersistence(path string) ReporterOption {
	return func(r *Reporter) { r.path = path }
}

// WithReportHook installs a callback invoked for every accepted report,
// including dedup updates. Used for metrics.
func WithReportHook(fn func(types.Violation)) ReporterOption {
	return func(r *Reporter) { r.onReport = fn }
}

// NewReporter creates a violation reporter, loading prior state when a
// persistence path is configured.
func NewReporter(logger *zap.Logger, opts ...ReporterOption) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{
		open:   make(map[dedupKey]*types.Violation),
		logger: logger.With(zap.String("component", "violation")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.path != "" {
		if err := r.load(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Report records a violation. If an unresolved violation with the same
// backend, kind and severity already exists it is updated in place.
func (r *Reporter) Report(v types.Violation) {
	r.mu.Lock()

	key := dedupKey{backend: v.Backend, kind: v.Kind, severity: v.Severity}
	if existing, ok := r.open[key]; ok {
		existing.CurrentValue = v.CurrentValue
		existing.LimitValue = v.LimitValue
		existing.Message = v.Message
		existing.DetectedAt = time.Now()
		v = *existing
	} else {
		v.ID = uuid.New().String()
		if v.DetectedAt.IsZero() {
			v.DetectedAt = time.Now()
		}
		v.Resolved = false
		v.ResolvedAt = time.Time{}
		stored := v
		r.violations = append(r.violations, &stored)
		r.open[key] = &stored
	}
	r.persistLocked()
	r.mu.Unlock()

	r.logger.Warn("policy violation",
		zap.String("backend", v.Backend),
		zap.String("kind", string(v.Kind)),
		zap.String("severity", string(v.Severity)),
		zap.Int64("current", v.CurrentValue),
		zap.Int64("limit", v.LimitValue),
		zap.String("message", v.Message))

	if r.onReport != nil {
		r.onReport(v)
	}
}

// Resolve marks all open violations for (backend, kind) resolved, at any
// severity. Resolving is idempotent.
func (r *Reporter) Resolve(backend string, kind types.PolicyKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved := 0
	now := time.Now()
	for _, sev := range []types.Severity{types.SeverityWarn, types.SeverityCritical} {
		key := dedupKey{backend: backend, kind: kind, severity: sev}
		if v, ok := r.open[key]; ok {
			v.Resolved = true
			v.ResolvedAt = now
			delete(r.open, key)
			resolved++
		}
	}
	if resolved > 0 {
		r.persistLocked()
		r.logger.Info("violation resolved",
			zap.String("backend", backend),
			zap.String("kind", string(kind)),
			zap.Int("count", resolved))
	}
}

// List returns violations matching the filter, ordered by detection time
// ascending.
func (r *Reporter) List(f Filter) []types.Violation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Violation, 0, len(r.violations))
	for _, v := range r.violations {
		if f.Backend != "" && v.Backend != f.Backend {
			continue
		}
		if f.Severity != "" && v.Severity != f.Severity {
			continue
		}
		if f.Resolved != nil && v.Resolved != *f.Resolved {
			continue
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// OpenCount returns the number of unresolved violations.
func (r *Reporter) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.open)
}

type logDocument struct {
	Version    int               `json:"version"`
	SavedAt    time.Time         `json:"saved_at"`
	Violations []types.Violation `json:"violations"`
}

func (r *Reporter) persistLocked() {
	if r.path == "" {
		return
	}
	doc := logDocument{
		Version:    stateVersion,
		SavedAt:    time.Now(),
		Violations: make([]types.Violation, 0, len(r.violations)),
	}
	for _, v := range r.violations {
		doc.Violations = append(doc.Violations, *v)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		r.logger.Error("failed to encode violation log", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.logger.Error("failed to create state directory", zap.Error(err))
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Error("failed to write violation log", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.logger.Error("failed to replace violation log", zap.Error(err))
	}
}

func (r *Reporter) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewError(errors.ErrCodePolicyLoad,
			fmt.Sprintf("reading violation log: %v", err)).
			WithComponent("violation").WithCause(err)
	}

	var doc logDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.NewError(errors.ErrCodePolicyLoad,
			fmt.Sprintf("decoding violation log: %v", err)).
			WithComponent("violation").WithCause(err)
	}
	if doc.Version != stateVersion {
		return errors.NewError(errors.ErrCodeStateVersion,
			fmt.Sprintf("violation log version %d, expected %d", doc.Version, stateVersion)).
			WithComponent("violation")
	}

	for i := range doc.Violations {
		v := doc.Violations[i]
		stored := v
		r.violations = append(r.violations, &stored)
		if !v.Resolved {
			key := dedupKey{backend: v.Backend, kind: v.Kind, severity: v.Severity}
			r.open[key] = &stored
		}
	}
	r.logger.Info("violation log loaded",
		zap.Int("total", len(r.violations)),
		zap.Int("open", len(r.open)))
	return nil
}
