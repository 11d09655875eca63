// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/strata-storage/strata/pkg/types"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the metrics defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "strata",
	}
}

// Collector owns the Prometheus registry and the metrics endpoint. A
// disabled collector accepts every call and records nothing.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger
	server   *http.Server

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	adapterCounter    *prometheus.CounterVec
	adapterDuration   *prometheus.HistogramVec
	usageBytes        *prometheus.GaugeVec
	usageFiles        *prometheus.GaugeVec
	tierBytes         *prometheus.GaugeVec
	tierEvents        *prometheus.CounterVec
	violationCounter  *prometheus.CounterVec
	replicaGauge      *prometheus.GaugeVec
}

// NewCollector builds a collector with its own registry.
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		config: config,
		logger: logger.With(zap.String("component", "metrics")),
	}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	ns := config.Namespace
	if ns == "" {
		ns = "strata"
	}

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "operations_total",
		Help:      "Engine operations by type and outcome",
	}, []string{"operation", "backend", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "operation_duration_seconds",
		Help:      "Engine operation latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "backend"})

	c.adapterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "adapter_requests_total",
		Help:      "Backend adapter calls by operation and outcome",
	}, []string{"backend", "op", "status"})

	c.adapterDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "adapter_request_duration_seconds",
		Help:      "Backend adapter call latency",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"backend", "op"})

	c.usageBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "backend_bytes_used",
		Help:      "Live bytes stored per backend",
	}, []string{"backend"})

	c.usageFiles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "backend_files",
		Help:      "Live file count per backend",
	}, []string{"backend"})

	c.tierBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "cache_tier_bytes",
		Help:      "Occupancy per cache tier",
	}, []string{"tier"})

	c.tierEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cache_tier_events_total",
		Help:      "Cache hits, misses, promotions, demotions and evictions per tier",
	}, []string{"tier", "event"})

	c.violationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "policy_violations_total",
		Help:      "Policy violations reported, by kind and severity",
	}, []string{"backend", "kind", "severity"})

	c.replicaGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "replica_count",
		Help:      "Verified replica count per object bucketized by backend",
	}, []string{"backend"})

	for _, collector := range []prometheus.Collector{
		c.operationCounter, c.operationDuration,
		c.adapterCounter, c.adapterDuration,
		c.usageBytes, c.usageFiles,
		c.tierBytes, c.tierEvents,
		c.violationCounter, c.replicaGauge,
	} {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	return c, nil
}

// Start serves the metrics endpoint until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	path := c.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	c.logger.Info("metrics endpoint started",
		zap.Int("port", c.config.Port), zap.String("path", path))
	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Registry exposes the underlying registry for tests and embedding.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation records one engine-level operation.
func (c *Collector) RecordOperation(operation, backend string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, backend, status).Inc()
	c.operationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveAdapterOp implements the adapter observer contract.
func (c *Collector) ObserveAdapterOp(backend, op string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.adapterCounter.WithLabelValues(backend, op, status).Inc()
	c.adapterDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// UpdateUsage publishes a backend's live usage counters.
func (c *Collector) UpdateUsage(snap types.UsageSnapshot) {
	if !c.config.Enabled {
		return
	}
	c.usageBytes.WithLabelValues(snap.Backend).Set(float64(snap.BytesUsed))
	c.usageFiles.WithLabelValues(snap.Backend).Set(float64(snap.FileCount))
}

// UpdateTier publishes one cache tier's occupancy.
func (c *Collector) UpdateTier(tier string, stats types.CacheStats) {
	if !c.config.Enabled {
		return
	}
	c.tierBytes.WithLabelValues(tier).Set(float64(stats.Size))
}

// RecordTierEvent counts a single cache event for a tier.
func (c *Collector) RecordTierEvent(tier, event string) {
	if !c.config.Enabled {
		return
	}
	c.tierEvents.WithLabelValues(tier, event).Inc()
}

// RecordViolation counts a reported policy violation.
func (c *Collector) RecordViolation(v types.Violation) {
	if !c.config.Enabled {
		return
	}
	c.violationCounter.WithLabelValues(v.Backend, string(v.Kind), string(v.Severity)).Inc()
}

// UpdateReplicas publishes how many verified replicas a backend holds.
func (c *Collector) UpdateReplicas(backend string, count int) {
	if !c.config.Enabled {
		return
	}
	c.replicaGauge.WithLabelValues(backend).Set(float64(count))
}
