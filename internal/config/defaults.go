package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Tiers: TiersConfig{
			Device: DeviceTierConfig{
				MaxBytes: ByteSize(8 * 1024 * 1024 * 1024), // 8GB
			},
			Host: HostTierConfig{
				MaxBytes:        ByteSize(16 * 1024 * 1024 * 1024), // 16GB
				PinnedMaxBytes:  ByteSize(2 * 1024 * 1024 * 1024),  // 2GB
				PinnedSlabBytes: ByteSize(8 * 1024 * 1024),         // 8MB
			},
			Disk: DiskTierConfig{
				DataDir:  "/var/lib/spillway",
				MaxBytes: 0, // unbounded, tracked for accounting only
			},
		},
		Spill: SpillConfig{
			WatchInterval: Duration(5 * time.Second),
			HighWatermark: 0.9,
			LowWatermark:  0.75,
		},
		Workload: WorkloadConfig{
			Producers:    4,
			Consumers:    4,
			RowsPerBatch: 4096,
			HandleDepth:  16,
			Interval:     Duration(50 * time.Millisecond),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
