package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tiers         TiersConfig         `yaml:"tiers"`
	Spill         SpillConfig         `yaml:"spill"`
	Workload      WorkloadConfig      `yaml:"workload"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type TiersConfig struct {
	Device DeviceTierConfig `yaml:"device"`
	Host   HostTierConfig   `yaml:"host"`
	Disk   DiskTierConfig   `yaml:"disk"`
}

type DeviceTierConfig struct {
	MaxBytes ByteSize `yaml:"max_bytes"`
}

type HostTierConfig struct {
	MaxBytes ByteSize `yaml:"max_bytes"`
	// PinnedMaxBytes caps the slab-arena-backed pinned pool; host
	// allocations beyond it fall back to pageable memory.
	PinnedMaxBytes  ByteSize `yaml:"pinned_max_bytes"`
	PinnedSlabBytes ByteSize `yaml:"pinned_slab_bytes"`
}

type DiskTierConfig struct {
	DataDir  string   `yaml:"data_dir"`
	MaxBytes ByteSize `yaml:"max_bytes"` // 0 = unbounded
}

type SpillConfig struct {
	// WatchInterval drives the optional background pressure watcher.
	// Spill itself is always synchronous with the requesting call.
	WatchInterval Duration `yaml:"watch_interval"`
	HighWatermark float64  `yaml:"high_watermark"`
	LowWatermark  float64  `yaml:"low_watermark"`
}

// WorkloadConfig configures the synthetic workload run by the spillway
// driver binary. It has no effect on the library.
type WorkloadConfig struct {
	Producers    int      `yaml:"producers"`
	Consumers    int      `yaml:"consumers"`
	RowsPerBatch int      `yaml:"rows_per_batch"`
	HandleDepth  int      `yaml:"handle_depth"`
	Interval     Duration `yaml:"interval"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Tiers.Device.MaxBytes <= 0 {
		return fmt.Errorf("tiers.device.max_bytes must be > 0")
	}
	if c.Tiers.Host.MaxBytes <= 0 {
		return fmt.Errorf("tiers.host.max_bytes must be > 0")
	}
	if c.Tiers.Host.PinnedMaxBytes > c.Tiers.Host.MaxBytes {
		return fmt.Errorf("tiers.host.pinned_max_bytes (%d) exceeds tiers.host.max_bytes (%d)",
			c.Tiers.Host.PinnedMaxBytes, c.Tiers.Host.MaxBytes)
	}
	if c.Tiers.Host.PinnedMaxBytes > 0 && c.Tiers.Host.PinnedSlabBytes <= 0 {
		return fmt.Errorf("tiers.host.pinned_slab_bytes must be > 0 when the pinned pool is enabled")
	}
	if c.Tiers.Disk.DataDir == "" {
		return fmt.Errorf("tiers.disk.data_dir is required")
	}

	if c.Spill.HighWatermark <= 0 || c.Spill.HighWatermark > 1 {
		return fmt.Errorf("spill.high_watermark must be in (0, 1], got %v", c.Spill.HighWatermark)
	}
	if c.Spill.LowWatermark <= 0 || c.Spill.LowWatermark >= c.Spill.HighWatermark {
		return fmt.Errorf("spill.low_watermark must be in (0, high_watermark), got %v", c.Spill.LowWatermark)
	}
	if c.Spill.WatchInterval < 0 {
		return fmt.Errorf("spill.watch_interval must be >= 0")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
