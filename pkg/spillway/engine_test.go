package spillway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/config"
	"github.com/vortexdata/spillway/internal/diskmgr"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Tiers.Device.MaxBytes = 1 << 20
	cfg.Tiers.Host.MaxBytes = 1 << 20
	cfg.Tiers.Host.PinnedMaxBytes = 1 << 16
	cfg.Tiers.Host.PinnedSlabBytes = 1 << 16
	cfg.Tiers.Disk.DataDir = t.TempDir()
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config, opts ...Options) *Engine {
	t.Helper()
	eng, err := Open(cfg, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func sampleBatch(t *testing.T) *columnar.Batch {
	t.Helper()
	b := columnar.NewBuilder(columnar.Int32, columnar.String)
	b.AppendInt32(0, 1).AppendString(1, "a")
	b.AppendNull(0).AppendString(1, "b")
	batch, err := b.Build()
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	return batch
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tiers.Device.MaxBytes = 0
	if _, err := Open(cfg, zap.NewNop()); err == nil {
		t.Fatal("Open accepted a config with no device capacity")
	}
}

func TestRegisterAcquireLifecycle(t *testing.T) {
	eng := openEngine(t, testConfig(t))
	ctx := context.Background()
	id := BufferID{ID: 1, Generation: 1}

	h, err := eng.Register(ctx, id, sampleBatch(t), -1)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if h.Tier() != TierDevice {
		t.Errorf("registered on %s, want device", h.Tier())
	}
	h.Close()

	lease, err := eng.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	got, err := lease.Batch(ctx, []columnar.ColumnType{columnar.Int32, columnar.String})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if got.NumRows != 2 || !got.IsNull(1, 0) || got.StringAt(1, 1) != "b" {
		t.Error("acquired batch content wrong")
	}
	lease.Close()

	if err := eng.RemoveBuffer(id); err != nil {
		t.Fatalf("RemoveBuffer failed: %v", err)
	}
	if _, err := eng.Acquire(ctx, id); !IsNoSuchBuffer(err) {
		t.Errorf("expected no-such-buffer after removal, got %v", err)
	}
}

func TestSpillThroughFacade(t *testing.T) {
	var spilled []BufferID
	eng := openEngine(t, testConfig(t), Options{
		OnSpill: func(id BufferID, from, to Tier, size int64) {
			spilled = append(spilled, id)
		},
	})
	ctx := context.Background()
	id := BufferID{ID: 3, Generation: 1}

	h, err := eng.Register(ctx, id, sampleBatch(t), 0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	size := h.Size()
	h.Close()

	freed, err := eng.SynchronousSpill(ctx, TierDevice, size)
	if err != nil {
		t.Fatalf("SynchronousSpill failed: %v", err)
	}
	if freed != size {
		t.Errorf("freed %d, want %d", freed, size)
	}
	if len(spilled) != 1 || spilled[0] != id {
		t.Errorf("spill observer saw %v, want [%s]", spilled, id)
	}

	lease, err := eng.Acquire(ctx, id)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Close()
	if lease.Tier() != TierHost {
		t.Errorf("buffer on %s after one spill, want host", lease.Tier())
	}
}

func TestRegisterUnspillable(t *testing.T) {
	eng := openEngine(t, testConfig(t))
	ctx := context.Background()
	id := BufferID{ID: 4, Generation: 1}

	h, err := eng.RegisterUnspillable(ctx, id, sampleBatch(t), 0)
	if err != nil {
		t.Fatalf("RegisterUnspillable failed: %v", err)
	}
	h.Close()

	freed, err := eng.SynchronousSpill(ctx, TierDevice, 1<<20)
	if err != nil {
		t.Fatalf("SynchronousSpill failed: %v", err)
	}
	if freed != 0 {
		t.Fatal("unspillable buffer moved")
	}

	if err := eng.SetSpillable(id, true); err != nil {
		t.Fatalf("SetSpillable failed: %v", err)
	}
	if freed, _ := eng.SynchronousSpill(ctx, TierDevice, 1<<20); freed == 0 {
		t.Fatal("buffer did not spill after SetSpillable")
	}
}

func TestOpenSweepsOrphans(t *testing.T) {
	cfg := testConfig(t)
	orphan := filepath.Join(cfg.Tiers.Disk.DataDir, "buf-9-1.bin")
	if err := os.WriteFile(orphan, []byte("stale"), 0644); err != nil {
		t.Fatalf("writing orphan: %v", err)
	}

	eng := openEngine(t, cfg)
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan spill file survived engine open")
	}
	_ = eng
}

func TestOpenReclaimsSlotsIndexedByCrashedRun(t *testing.T) {
	cfg := testConfig(t)

	// Simulate a crash: a previous run indexed a slot and wrote its file,
	// then died without releasing either.
	stale, err := diskmgr.New(cfg.Tiers.Disk.DataDir, zap.NewNop())
	if err != nil {
		t.Fatalf("creating block manager: %v", err)
	}
	id := BufferID{ID: 9, Generation: 1}
	slot, err := stale.Allocate(id, 5)
	if err != nil {
		t.Fatalf("allocating stale slot: %v", err)
	}
	if err := os.WriteFile(slot.Path, []byte("stale"), 0644); err != nil {
		t.Fatalf("writing stale spill file: %v", err)
	}
	if err := stale.Close(); err != nil {
		t.Fatalf("closing block manager: %v", err)
	}

	eng := openEngine(t, cfg)
	bufs, err := eng.BlockManager().Buffers()
	if err != nil {
		t.Fatalf("listing buffers: %v", err)
	}
	if len(bufs) != 0 {
		t.Errorf("%d stale slots survived engine open", len(bufs))
	}
	if _, err := os.Stat(slot.Path); !os.IsNotExist(err) {
		t.Error("stale spill file survived engine open")
	}
}

func TestOpenSkipSweep(t *testing.T) {
	cfg := testConfig(t)
	orphan := filepath.Join(cfg.Tiers.Disk.DataDir, "buf-9-1.bin")
	if err := os.WriteFile(orphan, []byte("stale"), 0644); err != nil {
		t.Fatalf("writing orphan: %v", err)
	}

	openEngine(t, cfg, Options{SkipSweep: true})
	if _, err := os.Stat(orphan); err != nil {
		t.Errorf("SkipSweep removed the orphan anyway: %v", err)
	}
}

func TestStatsExposeAllTiers(t *testing.T) {
	eng := openEngine(t, testConfig(t))
	stats := eng.Stats()
	if len(stats) != 3 {
		t.Fatalf("expected 3 tiers, got %d", len(stats))
	}
	want := []Tier{TierDevice, TierHost, TierDisk}
	for i, st := range stats {
		if st.Tier != want[i] {
			t.Errorf("tier %d is %s, want %s", i, st.Tier, want[i])
		}
	}
}

func TestErrorHelpers(t *testing.T) {
	eng := openEngine(t, testConfig(t))
	_, err := eng.Acquire(context.Background(), BufferID{ID: 42})
	if !IsNoSuchBuffer(err) {
		t.Errorf("IsNoSuchBuffer(%v) = false", err)
	}
	if !errors.Is(err, ErrNoSuchBuffer) {
		t.Errorf("errors.Is(%v, ErrNoSuchBuffer) = false", err)
	}
	if IsInsufficientStorage(err) {
		t.Error("IsInsufficientStorage matched a miss error")
	}
}
