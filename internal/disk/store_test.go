package disk

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/config"
	"github.com/vortexdata/spillway/internal/diskmgr"
	"github.com/vortexdata/spillway/internal/host"
	"github.com/vortexdata/spillway/internal/store"
	"github.com/vortexdata/spillway/internal/types"
	"go.uber.org/zap"
)

func newStores(t *testing.T, maxBytes config.ByteSize) (*Store, *host.Store, *diskmgr.Manager) {
	t.Helper()
	blocks, err := diskmgr.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("creating block manager: %v", err)
	}
	t.Cleanup(func() { blocks.Close() })

	d := NewStore(config.DiskTierConfig{MaxBytes: maxBytes}, blocks, zap.NewNop())
	h := host.NewStore(config.HostTierConfig{MaxBytes: 1 << 20}, zap.NewNop())
	return d, h, blocks
}

func hostBuffer(t *testing.T, h *host.Store, id types.BufferID, rows int) store.Buffer {
	t.Helper()
	b := columnar.NewBuilder(columnar.Int64, columnar.String)
	for i := 0; i < rows; i++ {
		b.AppendInt64(0, int64(i*i)).AppendString(1, "payload")
	}
	batch, err := b.Build()
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	buf, err := h.Add(context.Background(), id, batch, 1, 2)
	if err != nil {
		t.Fatalf("staging host buffer: %v", err)
	}
	return buf
}

func TestReceiveWritesAndReadsBack(t *testing.T) {
	d, h, blocks := newStores(t, 0)
	ctx := context.Background()
	id := types.BufferID{ID: 5, Generation: 1}

	src := hostBuffer(t, h, id, 8)
	buf, err := d.Receive(ctx, src)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if buf.Size() != src.Size() {
		t.Errorf("disk copy size %d, want %d", buf.Size(), src.Size())
	}
	if d.CurrentSize() != src.Size() {
		t.Errorf("store size %d, want %d", d.CurrentSize(), src.Size())
	}

	slot, found, err := blocks.Lookup(id)
	if err != nil || !found {
		t.Fatalf("slot not indexed: found=%v err=%v", found, err)
	}
	info, err := os.Stat(slot.Path)
	if err != nil {
		t.Fatalf("spill file missing: %v", err)
	}
	if info.Size() != src.Size() {
		t.Errorf("file size %d, want %d", info.Size(), src.Size())
	}

	got, err := buf.Batch(ctx, []columnar.ColumnType{columnar.Int64, columnar.String})
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if got.NumRows != 8 || got.Int64(3, 0) != 9 || got.StringAt(7, 1) != "payload" {
		t.Error("disk round trip lost data")
	}
}

func TestFreeRemovesFileAndSlot(t *testing.T) {
	d, h, blocks := newStores(t, 0)
	id := types.BufferID{ID: 5, Generation: 1}

	buf, err := d.Receive(context.Background(), hostBuffer(t, h, id, 8))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	slot, _, _ := blocks.Lookup(id)

	if err := buf.Free(); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if d.CurrentSize() != 0 {
		t.Errorf("store size %d after free", d.CurrentSize())
	}
	if _, found, _ := blocks.Lookup(id); found {
		t.Error("slot still indexed after free")
	}
	if _, err := os.Stat(slot.Path); !os.IsNotExist(err) {
		t.Error("exclusive spill file not unlinked")
	}
	if err := buf.Free(); err != nil {
		t.Errorf("second Free errored: %v", err)
	}
}

func TestShareGroupBuffersShareOneFile(t *testing.T) {
	d, h, blocks := newStores(t, 0)
	ctx := context.Background()
	a := types.BufferID{ID: 1, ShareGroup: "hash-join-3"}
	b := types.BufferID{ID: 2, ShareGroup: "hash-join-3"}

	bufA, err := d.Receive(ctx, hostBuffer(t, h, a, 8))
	if err != nil {
		t.Fatalf("Receive a: %v", err)
	}
	bufB, err := d.Receive(ctx, hostBuffer(t, h, b, 4))
	if err != nil {
		t.Fatalf("Receive b: %v", err)
	}

	slotA, _, _ := blocks.Lookup(a)
	slotB, _, _ := blocks.Lookup(b)
	if slotA.Path != slotB.Path {
		t.Fatal("share group split across files")
	}
	if slotB.Offset != slotA.Length {
		t.Errorf("second slot at offset %d, want %d", slotB.Offset, slotA.Length)
	}

	// Both read back intact from their own regions.
	ba, err := bufA.Batch(ctx, []columnar.ColumnType{columnar.Int64, columnar.String})
	if err != nil || ba.NumRows != 8 {
		t.Fatalf("buffer a round trip: rows=%v err=%v", ba, err)
	}
	bb, err := bufB.Batch(ctx, []columnar.ColumnType{columnar.Int64, columnar.String})
	if err != nil || bb.NumRows != 4 {
		t.Fatalf("buffer b round trip: rows=%v err=%v", bb, err)
	}

	// The communal file survives until the last member releases it.
	if err := bufA.Free(); err != nil {
		t.Fatalf("freeing a: %v", err)
	}
	if _, err := os.Stat(slotA.Path); err != nil {
		t.Fatal("shared file unlinked with a live member")
	}
	if got, err := bufB.Batch(ctx, []columnar.ColumnType{columnar.Int64, columnar.String}); err != nil || got.NumRows != 4 {
		t.Fatalf("buffer b unreadable after sibling free: %v", err)
	}
	if err := bufB.Free(); err != nil {
		t.Fatalf("freeing b: %v", err)
	}
	if _, err := os.Stat(slotA.Path); !os.IsNotExist(err) {
		t.Error("shared file still on disk after last member freed")
	}
}

func TestCapacityEnforced(t *testing.T) {
	d, h, _ := newStores(t, 16)
	_, err := d.Receive(context.Background(), hostBuffer(t, h, types.BufferID{ID: 1}, 8))
	if !errors.Is(err, store.ErrInsufficientStorage) {
		t.Fatalf("expected ErrInsufficientStorage, got %v", err)
	}
	if d.CurrentSize() != 0 {
		t.Error("failed receive charged the store")
	}
}

func TestAddUnsupported(t *testing.T) {
	d, _, _ := newStores(t, 0)
	b := columnar.NewBuilder(columnar.Int32)
	b.AppendInt32(0, 1)
	batch, err := b.Build()
	if err != nil {
		t.Fatalf("building batch: %v", err)
	}
	if _, err := d.Add(context.Background(), types.BufferID{ID: 1}, batch, 0, 0); err == nil {
		t.Fatal("disk tier accepted a direct registration")
	}
}

func TestStatsUnboundedCapacity(t *testing.T) {
	d, _, _ := newStores(t, 0)
	if got := d.Stats(); got.CapacityMax != -1 {
		t.Errorf("CapacityMax = %d for unbounded tier, want -1", got.CapacityMax)
	}
}

func TestConcurrentReceivesNeverExceedCap(t *testing.T) {
	ctx := context.Background()
	_, h, _ := newStores(t, 0)

	// Stage identical-size sources, then size the cap to fit exactly one.
	srcs := make([]store.Buffer, 4)
	for i := range srcs {
		srcs[i] = hostBuffer(t, h, types.BufferID{ID: uint64(i + 1), Generation: 1}, 8)
	}
	size := srcs[0].Size()

	blocks, err := diskmgr.New(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("creating block manager: %v", err)
	}
	t.Cleanup(func() { blocks.Close() })
	d := NewStore(config.DiskTierConfig{MaxBytes: config.ByteSize(size)}, blocks, zap.NewNop())

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for _, src := range srcs {
		wg.Add(1)
		go func(src store.Buffer) {
			defer wg.Done()
			if _, err := d.Receive(ctx, src); err == nil {
				admitted.Add(1)
			} else if !errors.Is(err, store.ErrInsufficientStorage) {
				t.Errorf("Receive failed with %v, want ErrInsufficientStorage", err)
			}
		}(src)
	}
	wg.Wait()

	if got := admitted.Load(); got != 1 {
		t.Errorf("%d receives admitted under a one-buffer cap", got)
	}
	if got := d.CurrentSize(); got != size {
		t.Errorf("store size %d after racing receives, want %d", got, size)
	}
}

func TestFailedReceiveReleasesReservation(t *testing.T) {
	ctx := context.Background()
	d, h, blocks := newStores(t, 256)
	id := types.BufferID{ID: 1, Generation: 1}

	// Occupy the id's slot directly so the store's allocation fails after
	// the capacity reservation was taken.
	if _, err := blocks.Allocate(id, 8); err != nil {
		t.Fatalf("staging conflicting slot: %v", err)
	}
	if _, err := d.Receive(ctx, hostBuffer(t, h, id, 4)); err == nil {
		t.Fatal("Receive succeeded over a conflicting slot")
	}
	if got := d.CurrentSize(); got != 0 {
		t.Errorf("failed receive left %d bytes reserved", got)
	}

	// The reservation is released, so an in-cap buffer still fits.
	other := hostBuffer(t, h, types.BufferID{ID: 2, Generation: 1}, 4)
	if _, err := d.Receive(ctx, other); err != nil {
		t.Fatalf("Receive after rollback failed: %v", err)
	}
}
