package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAndValidate(t *testing.T) {
	yaml := `
tiers:
  device:
    max_bytes: "512MB"
  host:
    max_bytes: "2GB"
    pinned_max_bytes: "256MB"
    pinned_slab_bytes: "4MB"
  disk:
    data_dir: "/tmp/spillway/test"

spill:
  watch_interval: "10s"
  high_watermark: 0.85
  low_watermark: 0.6
`
	tmpFile, err := os.CreateTemp("", "spillway-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.WriteString(yaml)
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if int64(cfg.Tiers.Device.MaxBytes) != 512*1024*1024 {
		t.Errorf("unexpected device max_bytes: %d", cfg.Tiers.Device.MaxBytes)
	}
	if int64(cfg.Tiers.Host.PinnedMaxBytes) != 256*1024*1024 {
		t.Errorf("unexpected pinned_max_bytes: %d", cfg.Tiers.Host.PinnedMaxBytes)
	}
	if cfg.Tiers.Disk.DataDir != "/tmp/spillway/test" {
		t.Errorf("unexpected data_dir: %s", cfg.Tiers.Disk.DataDir)
	}
	if cfg.Spill.WatchInterval.Duration() != 10*time.Second {
		t.Errorf("unexpected watch_interval: %v", cfg.Spill.WatchInterval.Duration())
	}
	if cfg.Spill.HighWatermark != 0.85 {
		t.Errorf("unexpected high_watermark: %v", cfg.Spill.HighWatermark)
	}
	// Untouched sections keep their defaults.
	if cfg.Observability.Metrics.Listen != ":9090" {
		t.Errorf("expected default metrics listen, got %s", cfg.Observability.Metrics.Listen)
	}
}

func TestValidateDeviceRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers.Device.MaxBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unbounded device tier")
	}
}

func TestValidatePinnedExceedsHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers.Host.PinnedMaxBytes = cfg.Tiers.Host.MaxBytes + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for pinned pool larger than host pool")
	}
}

func TestValidateDiskDirRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tiers.Disk.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing disk data_dir")
	}
}

func TestValidateWatermarks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Spill.HighWatermark = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for high_watermark > 1")
	}

	cfg = DefaultConfig()
	cfg.Spill.LowWatermark = cfg.Spill.HighWatermark
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for low_watermark >= high_watermark")
	}
}

func TestParseByteSizes(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
	}{
		{"1KB", 1024},
		{"256MB", 256 * 1024 * 1024},
		{"10GB", 10 * 1024 * 1024 * 1024},
		{"1TB", 1024 * 1024 * 1024 * 1024},
		{"512B", 512},
		{"1024", 1024},
	}

	for _, tt := range tests {
		got, err := parseByteSize(tt.input)
		if err != nil {
			t.Errorf("parseByteSize(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("parseByteSize(%q) = %d, want %d", tt.input, got, tt.expected)
		}
	}

	if _, err := parseByteSize("abcMB"); err == nil {
		t.Error("expected error for invalid byte size")
	}
	if _, err := parseByteSize(""); err == nil {
		t.Error("expected error for empty byte size")
	}
}
