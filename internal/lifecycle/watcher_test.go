package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vortexdata/spillway/internal/catalog"
	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/config"
	"github.com/vortexdata/spillway/internal/device"
	"github.com/vortexdata/spillway/internal/disk"
	"github.com/vortexdata/spillway/internal/diskmgr"
	"github.com/vortexdata/spillway/internal/host"
	"github.com/vortexdata/spillway/internal/store"
	"github.com/vortexdata/spillway/internal/types"
	"go.uber.org/zap"
)

func oneBatchSize(t *testing.T) int64 {
	t.Helper()
	return testBatch(t).EncodedSize()
}

func testBatch(t *testing.T) *columnar.Batch {
	t.Helper()
	b := columnar.NewBuilder(columnar.Int64)
	for i := 0; i < 32; i++ {
		b.AppendInt64(0, int64(i))
	}
	batch, err := b.Build()
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	return batch
}

func newCatalog(t *testing.T, deviceMax config.ByteSize) (*catalog.Catalog, *device.Store) {
	t.Helper()
	blocks, err := diskmgr.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("creating block manager: %v", err)
	}
	t.Cleanup(func() { blocks.Close() })

	dev := device.NewStore(config.DeviceTierConfig{MaxBytes: deviceMax}, zap.NewNop())
	hst := host.NewStore(config.HostTierConfig{MaxBytes: 1 << 20}, zap.NewNop())
	dsk := disk.NewStore(config.DiskTierConfig{}, blocks, zap.NewNop())

	cat, err := catalog.New(catalog.Config{
		Stores: []store.Store{dev, hst, dsk},
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("creating catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat, dev
}

func TestCycleSpillsAboveHighWatermark(t *testing.T) {
	one := oneBatchSize(t)
	cat, dev := newCatalog(t, config.ByteSize(4*one))
	ctx := context.Background()

	// Fill the device tier completely: 4 of 4 slots, above a 0.9 high
	// watermark.
	for i := 1; i <= 4; i++ {
		h, err := cat.Register(ctx, types.BufferID{ID: uint64(i), Generation: 1}, testBatch(t), 0, true)
		if err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
		h.Close()
	}

	w := NewWatcher(cat, config.SpillConfig{HighWatermark: 0.9, LowWatermark: 0.5}, zap.NewNop())
	w.Cycle(ctx)

	// Down to at most 50% occupancy: 2 of 4 slots.
	if got := dev.CurrentSize(); got > 2*one {
		t.Errorf("device at %d bytes after cycle, want <= %d", got, 2*one)
	}
}

func TestCycleIdleBelowWatermark(t *testing.T) {
	one := oneBatchSize(t)
	cat, dev := newCatalog(t, config.ByteSize(4*one))
	ctx := context.Background()

	h, err := cat.Register(ctx, types.BufferID{ID: 1, Generation: 1}, testBatch(t), 0, true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.Close()

	w := NewWatcher(cat, config.SpillConfig{HighWatermark: 0.9, LowWatermark: 0.5}, zap.NewNop())
	w.Cycle(ctx)

	if got := dev.CurrentSize(); got != one {
		t.Errorf("idle cycle moved data: device at %d bytes, want %d", got, one)
	}
}

func TestCycleSkipsUnboundedTiers(t *testing.T) {
	// Disk is unbounded and terminal; a full cascade drain must leave it
	// untouched by the watcher even when everything lands there.
	one := oneBatchSize(t)
	cat, _ := newCatalog(t, config.ByteSize(4*one))
	ctx := context.Background()

	h, err := cat.Register(ctx, types.BufferID{ID: 1, Generation: 1}, testBatch(t), 0, true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.Close()
	if _, err := cat.SynchronousSpill(ctx, types.TierDevice, one); err != nil {
		t.Fatalf("spill to host: %v", err)
	}
	if _, err := cat.SynchronousSpill(ctx, types.TierHost, one); err != nil {
		t.Fatalf("spill to disk: %v", err)
	}

	w := NewWatcher(cat, config.SpillConfig{HighWatermark: 0.1, LowWatermark: 0.05}, zap.NewNop())
	w.Cycle(ctx)

	stats := cat.Stats()
	if stats[2].TotalBytes != one {
		t.Errorf("disk tier at %d bytes after cycle, want %d", stats[2].TotalBytes, one)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cat, _ := newCatalog(t, 1<<20)
	w := NewWatcher(cat, config.SpillConfig{
		WatchInterval: config.Duration(time.Millisecond),
		HighWatermark: 0.9,
		LowWatermark:  0.5,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunBlocksWithZeroInterval(t *testing.T) {
	cat, _ := newCatalog(t, 1<<20)
	w := NewWatcher(cat, config.SpillConfig{HighWatermark: 0.9, LowWatermark: 0.5}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-done:
		t.Fatal("Run returned before cancel with no interval configured")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
