// Package config loads and validates the engine configuration from YAML
// and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/strata-storage/strata/pkg/types"
	"github.com/strata-storage/strata/pkg/utils"
)

// Configuration represents the complete engine configuration.
type Configuration struct {
	Global   GlobalConfig    `yaml:"global"`
	Backends []BackendConfig `yaml:"backends"`
	Cache    CacheConfig     `yaml:"cache"`
	Retry    RetryConfig     `yaml:"retry"`
	Circuit  CircuitConfig   `yaml:"circuit"`
	Health   HealthConfig    `yaml:"health"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	API      APIConfig       `yaml:"api"`
}

// GlobalConfig represents process-wide settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
	// StateDir holds the persisted policy and violation state.
	StateDir string `yaml:"state_dir"`
}

// BackendConfig describes one storage backend.
type BackendConfig struct {
	ID                  string         `yaml:"id"`
	Type                string         `yaml:"type"` // "memory", "disk" or "s3"
	CostTier            types.CostTier `yaml:"cost_tier"`
	SupportsReplication bool           `yaml:"supports_replication"`
	SupportsStreaming   bool           `yaml:"supports_streaming"`

	// Disk settings.
	Directory string `yaml:"directory"`

	// S3 settings.
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	Prefix          string        `yaml:"prefix"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// CacheConfig represents the tier hierarchy, fastest tier first.
type CacheConfig struct {
	Tiers         []TierConfig  `yaml:"tiers"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TierConfig describes one cache tier. Capacity takes human-readable
// sizes ("512MB", "2GiB").
type TierConfig struct {
	Name             string        `yaml:"name"`
	Capacity         string        `yaml:"capacity"`
	PromoteThreshold int64         `yaml:"promote_threshold"`
	DemoteAfter      time.Duration `yaml:"demote_after"`
}

// RetryConfig represents adapter retry behavior.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// CircuitConfig represents the per-backend circuit breaker settings.
type CircuitConfig struct {
	MaxProbes uint32        `yaml:"max_probes"`
	Interval  time.Duration `yaml:"interval"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// HealthConfig represents the backend health grading thresholds.
type HealthConfig struct {
	DegradedThreshold    int `yaml:"degraded_threshold"`
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// MetricsConfig represents the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// APIConfig represents the read-only query API settings.
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// NewDefault returns the default configuration.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "info",
			StateDir: "/var/lib/strata",
		},
		Cache: CacheConfig{
			Tiers: []TierConfig{
				{Name: "memory", Capacity: "512MB", PromoteThreshold: 3, DemoteAfter: 10 * time.Minute},
				{Name: "disk", Capacity: "10GB", DemoteAfter: 6 * time.Hour},
			},
			SweepInterval: time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Circuit: CircuitConfig{
			MaxProbes: 1,
			Interval:  time.Minute,
			Cooldown:  30 * time.Second,
		},
		Health: HealthConfig{
			DegradedThreshold:    3,
			UnavailableThreshold: 10,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "strata",
		},
		API: APIConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the receiver.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overrides settings from STRATA_* environment variables.
func (c *Configuration) LoadFromEnv() {
	if val := os.Getenv("STRATA_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("STRATA_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("STRATA_STATE_DIR"); val != "" {
		c.Global.StateDir = val
	}
	if val := os.Getenv("STRATA_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Port = port
		}
	}
	if val := os.Getenv("STRATA_API_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.API.Port = port
		}
	}
}

// SaveToFile writes the configuration as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Configuration) Validate() error {
	switch c.Global.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn or error)", c.Global.LogLevel)
	}

	seen := make(map[string]bool)
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend %d: id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backend %q: duplicate id", b.ID)
		}
		seen[b.ID] = true

		switch b.Type {
		case "memory":
		case "disk":
			if b.Directory == "" {
				return fmt.Errorf("backend %q: disk backend requires a directory", b.ID)
			}
		case "s3":
			if b.Bucket == "" {
				return fmt.Errorf("backend %q: s3 backend requires a bucket", b.ID)
			}
		default:
			return fmt.Errorf("backend %q: unknown type %q", b.ID, b.Type)
		}
	}

	tierNames := make(map[string]bool)
	for _, tier := range c.Cache.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("cache tier without a name")
		}
		if tierNames[tier.Name] {
			return fmt.Errorf("cache tier %q: duplicate name", tier.Name)
		}
		tierNames[tier.Name] = true
		if _, err := utils.ParseDataSize(tier.Capacity); err != nil {
			return fmt.Errorf("cache tier %q: invalid capacity: %w", tier.Name, err)
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if c.Metrics.Enabled && c.API.Enabled && c.Metrics.Port == c.API.Port {
		return fmt.Errorf("metrics and api cannot share port %d", c.Metrics.Port)
	}
	return nil
}

// TierCapacityBytes resolves a tier's human-readable capacity.
func (t TierConfig) TierCapacityBytes() (int64, error) {
	return utils.ParseDataSize(t.Capacity)
}

// BackendInfo converts the backend config into the engine's descriptor.
func (b BackendConfig) BackendInfo() types.BackendInfo {
	tier := b.CostTier
	if tier == "" {
		tier = types.CostTierStandard
	}
	return types.BackendInfo{
		ID:                  b.ID,
		SupportsReplication: b.SupportsReplication,
		SupportsStreaming:   b.SupportsStreaming,
		CostTier:            tier,
	}
}
