package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/metrics"
	"github.com/vortexdata/spillway/internal/store"
	"github.com/vortexdata/spillway/internal/types"
	"go.uber.org/zap"
)

// Re-exported error taxonomy. See internal/store/errors.go.
var (
	ErrNoSuchBuffer        = store.ErrNoSuchBuffer
	ErrBufferExists        = store.ErrBufferExists
	ErrInsufficientStorage = store.ErrInsufficientStorage
	ErrCorruptSpillState   = store.ErrCorruptSpillState

	// ErrCatalogClosed is returned for any operation after Close.
	ErrCatalogClosed = errors.New("catalog closed")
)

// SpillFunc observes completed spills. Used by instrumentation and tests.
type SpillFunc func(id types.BufferID, from, to types.Tier, size int64)

// Config holds dependencies for the catalog.
type Config struct {
	// Stores is the spill cascade, hottest first: device, host, disk.
	// Fixed at construction; each buffer only ever moves to the store
	// following the one currently holding it.
	Stores  []store.Store
	Logger  *zap.Logger
	OnSpill SpillFunc
}

// entry is the directory record for one logical buffer. All fields are
// guarded by the catalog mutex.
type entry struct {
	id       types.BufferID
	priority types.SpillPriority
	seq      uint64

	// copies holds the resident tier-copies, hottest first. Steady state
	// is exactly one; two exist only while a spill is in flight or a
	// spilled-from copy is pinned by a lease.
	copies []store.Buffer
	// pending are spilled-from copies that still had leases when their
	// replacement landed; they are freed when the lease count reaches 0.
	pending []store.Buffer

	leases      int
	spillable   bool
	spilling    bool
	removed     bool
	registering bool
}

// Catalog is the central directory mapping buffer identity to tier-copies.
// It mediates acquisition and release and drives spilling under pressure.
// Resolution and lease-increment happen under one lock, so a resolved copy
// cannot be evicted before the lease lands; payload copies during spill run
// outside the lock.
type Catalog struct {
	mu      sync.Mutex
	cfg     Config
	entries map[types.BufferID]*entry
	nextSeq uint64
	closed  bool
	logger  *zap.Logger
}

func New(cfg Config) (*Catalog, error) {
	if len(cfg.Stores) == 0 {
		return nil, fmt.Errorf("catalog requires at least one tier store")
	}
	for i := 1; i < len(cfg.Stores); i++ {
		next, ok := cfg.Stores[i-1].Tier().Next()
		if !ok || next != cfg.Stores[i].Tier() {
			return nil, fmt.Errorf("store cascade out of order: %s does not follow %s",
				cfg.Stores[i].Tier(), cfg.Stores[i-1].Tier())
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Catalog{
		cfg:     cfg,
		entries: make(map[types.BufferID]*entry),
		logger:  cfg.Logger,
	}, nil
}

// Register inserts a freshly produced batch as the sole tier-copy for its
// id, in the hottest store. If the device pool cannot fit it, the catalog
// spills lowest-priority buffers first and retries once; if the pool still
// cannot fit it the registration fails with ErrInsufficientStorage.
//
// The returned handle is open: the producer holds a lease until it closes
// the handle, so the buffer cannot be spilled out from under it. Passing
// spillable=false keeps the buffer pinned even with no open handles, until
// SetSpillable flips it.
func (c *Catalog) Register(ctx context.Context, id types.BufferID, batch *columnar.Batch, prio types.SpillPriority, spillable bool) (*Handle, error) {
	size := batch.EncodedSize()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCatalogClosed
	}
	if _, exists := c.entries[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("registering buffer %s: %w", id, ErrBufferExists)
	}
	e := &entry{
		id:          id,
		priority:    prio,
		seq:         c.nextSeq,
		spillable:   spillable,
		registering: true,
	}
	c.nextSeq++
	c.entries[id] = e
	hot := c.cfg.Stores[0]
	c.mu.Unlock()

	if !hot.HasCapacity(size) {
		if _, err := c.SynchronousSpill(ctx, hot.Tier(), size); err != nil {
			c.dropEntry(e)
			return nil, fmt.Errorf("registering buffer %s: %w", id, err)
		}
	}

	buf, err := hot.Add(ctx, id, batch, prio, e.seq)
	if err != nil {
		c.dropEntry(e)
		return nil, fmt.Errorf("registering buffer %s: %w", id, err)
	}

	c.mu.Lock()
	e.copies = append(e.copies, buf)
	e.leases = 1
	e.registering = false
	c.mu.Unlock()

	metrics.BuffersRegistered.Inc()
	c.updateTierGauges()
	c.logger.Debug("buffer registered",
		zap.Stringer("id", id),
		zap.Int64("size", size),
		zap.Int64("priority", int64(prio)),
		zap.Bool("spillable", spillable),
	)

	return &Handle{catalog: c, entry: e, buf: buf}, nil
}

// Acquire resolves an id to its hottest resident tier-copy and takes a
// lease on it. The resolution and lease-increment form a single atomic
// step: a concurrent spill cannot evict the resolved copy in between.
func (c *Catalog) Acquire(ctx context.Context, id types.BufferID) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCatalogClosed
	}
	e, ok := c.entries[id]
	if !ok || e.removed || len(e.copies) == 0 {
		metrics.AcquireMisses.Inc()
		return nil, fmt.Errorf("acquiring buffer %s: %w", id, ErrNoSuchBuffer)
	}

	buf := e.copies[0]
	e.leases++
	metrics.AcquireRequests.WithLabelValues(buf.Tier().String()).Inc()
	return &Handle{catalog: c, entry: e, buf: buf}, nil
}

// SetSpillable flips a buffer's eligibility for spill candidate selection.
func (c *Catalog) SetSpillable(id types.BufferID, spillable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.removed {
		return fmt.Errorf("setting spillable on %s: %w", id, ErrNoSuchBuffer)
	}
	e.spillable = spillable
	return nil
}

// RemoveBuffer releases the catalog's ownership of a buffer. With no open
// handles the buffer is evicted from all tiers immediately; otherwise
// eviction completes when the last handle closes.
func (c *Catalog) RemoveBuffer(id types.BufferID) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("removing buffer %s: %w", id, ErrNoSuchBuffer)
	}
	e.removed = true
	var toFree []store.Buffer
	evicted := false
	// A copy mid-flight to a colder tier cannot be freed here; spill
	// completion observes removed and finishes the eviction.
	if e.leases == 0 && !e.spilling {
		toFree = append(append(toFree, e.pending...), e.copies...)
		e.pending, e.copies = nil, nil
		delete(c.entries, id)
		evicted = true
	}
	c.mu.Unlock()

	c.freeAll(toFree)
	if evicted {
		metrics.BuffersEvicted.Inc()
		c.updateTierGauges()
		c.logger.Debug("buffer evicted", zap.Stringer("id", id))
	}
	return nil
}

// RemoveBufferTier removes the record of an id's presence in one tier, used
// during spill finalization once the buffer has fully migrated away. The
// id no longer being present in the tier is a no-op. Removing a copy of a
// leased buffer would yank bytes out from under a reader; that is a
// concurrency bug, reported as ErrCorruptSpillState.
func (c *Catalog) RemoveBufferTier(id types.BufferID, t types.Tier) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("removing %s tier-copy of %s: %w", t, id, ErrNoSuchBuffer)
	}

	var target store.Buffer
	for _, b := range e.copies {
		if b.Tier() == t {
			target = b
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return nil
	}
	if e.leases > 0 {
		c.mu.Unlock()
		return fmt.Errorf("removing %s tier-copy of %s with %d live leases: %w", t, id, e.leases, ErrCorruptSpillState)
	}
	if e.spilling {
		c.mu.Unlock()
		return fmt.Errorf("removing %s tier-copy of %s with a spill in flight: %w", t, id, ErrCorruptSpillState)
	}

	removeCopyLocked(e, target)
	evicted := false
	if len(e.copies) == 0 && len(e.pending) == 0 {
		delete(c.entries, id)
		evicted = true
	}
	c.mu.Unlock()

	c.freeAll([]store.Buffer{target})
	if evicted {
		metrics.BuffersEvicted.Inc()
	}
	c.updateTierGauges()
	return nil
}

// SynchronousSpill drives the given tier's store to spill buffers, lowest
// priority first with registration-order tie-break, skipping leased and
// unspillable ones, until at least target bytes have been freed from the
// tier or no spillable candidates remain. It returns the bytes actually
// freed; callers treat a short return as best-effort exhaustion, not an
// error. Spilling the terminal disk tier is a wiring bug.
func (c *Catalog) SynchronousSpill(ctx context.Context, t types.Tier, target int64) (int64, error) {
	next, ok := t.Next()
	if !ok {
		return 0, fmt.Errorf("spilling from terminal %s tier: %w", t, ErrCorruptSpillState)
	}
	src := c.storeForTier(t)
	dst := c.storeForTier(next)
	if src == nil || dst == nil {
		return 0, fmt.Errorf("spill cascade has no store for %s -> %s", t, next)
	}

	var freed int64
	for freed < target {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return freed, ErrCatalogClosed
		}
		e, buf := c.pickCandidateLocked(t)
		if e == nil {
			c.mu.Unlock()
			break
		}
		e.spilling = true
		c.mu.Unlock()

		n, err := c.spillOne(ctx, e, buf, dst)
		if err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

// pickCandidateLocked selects the next spill victim in tier t. Caller
// holds c.mu.
func (c *Catalog) pickCandidateLocked(t types.Tier) (*entry, store.Buffer) {
	var best *entry
	var bestBuf store.Buffer
	for _, e := range c.entries {
		if e.leases != 0 || e.spilling || e.removed || e.registering || !e.spillable {
			continue
		}
		var buf store.Buffer
		for _, b := range e.copies {
			if b.Tier() == t {
				buf = b
				break
			}
		}
		if buf == nil {
			continue
		}
		if best == nil || e.priority < best.priority ||
			(e.priority == best.priority && e.seq < best.seq) {
			best, bestBuf = e, buf
		}
	}
	return best, bestBuf
}

// spillOne copies one buffer down a tier. The byte copy runs outside the
// directory lock; only the metadata flips happen under it. Returns the
// bytes freed from the source tier (0 if a lease arrived mid-copy and
// pinned the source).
func (c *Catalog) spillOne(ctx context.Context, e *entry, srcBuf store.Buffer, dst store.Store) (int64, error) {
	start := time.Now()
	from := srcBuf.Tier()

	newBuf, err := dst.Receive(ctx, srcBuf)
	if errors.Is(err, ErrInsufficientStorage) {
		// The destination is full: cascade the pressure down one tier
		// and retry once. A terminal destination cannot make room.
		if _, ok := dst.Tier().Next(); ok {
			if _, serr := c.SynchronousSpill(ctx, dst.Tier(), srcBuf.Size()); serr == nil {
				newBuf, err = dst.Receive(ctx, srcBuf)
			}
		}
	}

	c.mu.Lock()
	e.spilling = false
	if err != nil {
		toFree, evicted := c.finishDeferredEvictionLocked(e)
		c.mu.Unlock()
		c.freeAll(toFree)
		if evicted {
			metrics.BuffersEvicted.Inc()
			c.updateTierGauges()
		}
		if dst.Tier() == types.TierDisk && !errors.Is(err, ErrInsufficientStorage) {
			metrics.DiskWriteErrors.Inc()
		}
		return 0, fmt.Errorf("spilling buffer %s from %s to %s: %w", e.id, from, dst.Tier(), err)
	}

	if e.removed || c.closed {
		// The buffer was released while the bytes were in flight. The new
		// copy is never installed; with no leases left the source copies
		// go too and the eviction deferred by RemoveBuffer completes here.
		toFree := []store.Buffer{newBuf}
		deferred, evicted := c.finishDeferredEvictionLocked(e)
		toFree = append(toFree, deferred...)
		var freedBytes int64
		if evicted {
			freedBytes = srcBuf.Size()
		}
		c.mu.Unlock()
		c.freeAll(toFree)
		if evicted {
			metrics.BuffersEvicted.Inc()
			c.logger.Debug("buffer evicted after in-flight spill", zap.Stringer("id", e.id))
		}
		c.updateTierGauges()
		return freedBytes, nil
	}

	removeCopyLocked(e, srcBuf)
	e.copies = append(e.copies, newBuf)
	var freeNow []store.Buffer
	var freedBytes int64
	if e.leases == 0 {
		freeNow = append(freeNow, srcBuf)
		freeNow = append(freeNow, e.pending...)
		e.pending = nil
		freedBytes = srcBuf.Size()
	} else {
		// A lease landed on the source copy while the bytes were in
		// flight; keep it until the last handle closes.
		e.pending = append(e.pending, srcBuf)
	}
	c.mu.Unlock()

	c.freeAll(freeNow)

	metrics.SpillOps.WithLabelValues(from.String(), dst.Tier().String()).Inc()
	metrics.SpillBytes.WithLabelValues(from.String(), dst.Tier().String()).Add(float64(srcBuf.Size()))
	metrics.SpillDuration.WithLabelValues(from.String(), dst.Tier().String()).Observe(time.Since(start).Seconds())
	c.updateTierGauges()

	if c.cfg.OnSpill != nil {
		c.cfg.OnSpill(e.id, from, dst.Tier(), srcBuf.Size())
	}

	c.logger.Debug("buffer spilled",
		zap.Stringer("id", e.id),
		zap.Stringer("from", from),
		zap.Stringer("to", dst.Tier()),
		zap.Int64("size", srcBuf.Size()),
		zap.Int64("freed", freedBytes),
	)

	return freedBytes, nil
}

// Stats reports per-tier usage across the cascade.
func (c *Catalog) Stats() []types.TierStats {
	out := make([]types.TierStats, 0, len(c.cfg.Stores))
	for _, s := range c.cfg.Stores {
		out = append(out, s.Stats())
	}
	return out
}

func (c *Catalog) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCatalogClosed
	}
	return nil
}

// Close releases every buffer with no open handles and marks the catalog
// closed. Buffers still leased are leaked deliberately and logged: freeing
// bytes under a live reader is worse than leaking them at shutdown.
func (c *Catalog) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var toFree []store.Buffer
	leaked := 0
	for k, e := range c.entries {
		switch {
		case e.spilling:
			// Spill completion sees closed and frees both copies.
			e.removed = true
		case e.leases == 0:
			toFree = append(append(toFree, e.pending...), e.copies...)
			e.pending, e.copies = nil, nil
			delete(c.entries, k)
		default:
			leaked++
		}
	}
	c.mu.Unlock()

	c.freeAll(toFree)
	if leaked > 0 {
		c.logger.Warn("catalog closed with leased buffers outstanding", zap.Int("count", leaked))
	}
	return nil
}

func (c *Catalog) storeForTier(t types.Tier) store.Store {
	for _, s := range c.cfg.Stores {
		if s.Tier() == t {
			return s
		}
	}
	return nil
}

func (c *Catalog) dropEntry(e *entry) {
	c.mu.Lock()
	delete(c.entries, e.id)
	c.mu.Unlock()
}

func (c *Catalog) freeAll(bufs []store.Buffer) {
	for _, b := range bufs {
		if err := b.Free(); err != nil {
			c.logger.Error("failed to free buffer copy",
				zap.Stringer("id", b.ID()), zap.Stringer("tier", b.Tier()), zap.Error(err))
		}
	}
}

func (c *Catalog) updateTierGauges() {
	for _, s := range c.cfg.Stores {
		st := s.Stats()
		metrics.TierBytes.WithLabelValues(st.Tier.String()).Set(float64(st.TotalBytes))
		metrics.TierBuffers.WithLabelValues(st.Tier.String()).Set(float64(st.BufferCount))
	}
}

// finishDeferredEvictionLocked completes an eviction that RemoveBuffer or
// Close deferred behind an in-flight spill. It reports the copies to free
// and whether the entry was dropped; leased entries are left for the last
// handle close. Caller holds c.mu.
func (c *Catalog) finishDeferredEvictionLocked(e *entry) ([]store.Buffer, bool) {
	if (!e.removed && !c.closed) || e.leases != 0 {
		return nil, false
	}
	toFree := append(append([]store.Buffer(nil), e.pending...), e.copies...)
	e.pending, e.copies = nil, nil
	delete(c.entries, e.id)
	return toFree, true
}

func removeCopyLocked(e *entry, target store.Buffer) {
	for i, b := range e.copies {
		if b == target {
			e.copies = append(e.copies[:i], e.copies[i+1:]...)
			return
		}
	}
}
