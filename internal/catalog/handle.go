package catalog

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/metrics"
	"github.com/vortexdata/spillway/internal/store"
	"github.com/vortexdata/spillway/internal/types"
	"go.uber.org/zap"
)

// Handle is a caller-held lease on one tier-copy of a buffer. While any
// handle is open the buffer is pinned: it cannot be selected for spill and
// its copies cannot be freed. The logical owner that obtained the handle
// must close it on every exit path; the catalog tracks only the count, not
// who holds it.
type Handle struct {
	catalog *Catalog
	entry   *entry
	buf     store.Buffer
	closed  atomic.Bool
}

func (h *Handle) ID() types.BufferID { return h.buf.ID() }

// Tier reports which tier the lease is bound to.
func (h *Handle) Tier() types.Tier { return h.buf.Tier() }

func (h *Handle) Size() int64 { return h.buf.Size() }

// Raw returns the buffer's encoded payload bytes.
func (h *Handle) Raw(ctx context.Context) ([]byte, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("reading buffer %s through a closed handle", h.buf.ID())
	}
	return h.buf.Raw(ctx)
}

// Batch materializes the buffer as a columnar batch. The caller supplies
// the column types: the spilled form is type-erased bytes.
func (h *Handle) Batch(ctx context.Context, colTypes []columnar.ColumnType) (*columnar.Batch, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("reading buffer %s through a closed handle", h.buf.ID())
	}
	return h.buf.Batch(ctx, colTypes)
}

// Close releases the lease. Safe to call more than once; only the first
// call decrements. When the last lease drops, copies parked during a spill
// are freed, and a buffer already released by the catalog is evicted from
// all tiers.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	c := h.catalog
	e := h.entry

	c.mu.Lock()
	e.leases--
	var toFree []store.Buffer
	evicted := false
	if e.leases == 0 && !e.spilling {
		toFree = append(toFree, e.pending...)
		e.pending = nil
		if e.removed {
			toFree = append(toFree, e.copies...)
			e.copies = nil
			delete(c.entries, e.id)
			evicted = true
		}
	}
	c.mu.Unlock()

	c.freeAll(toFree)
	if evicted {
		metrics.BuffersEvicted.Inc()
		c.logger.Debug("buffer evicted on last handle close", zap.Stringer("id", e.id))
	}
	if len(toFree) > 0 {
		c.updateTierGauges()
	}
	return nil
}
