package host

import (
	"context"
	"fmt"
	"sync"

	slab "github.com/couchbase/go-slab"
	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/config"
	"github.com/vortexdata/spillway/internal/store"
	"github.com/vortexdata/spillway/internal/types"
	"go.uber.org/zap"
)

// Store implements store.Store for the host tier. Payloads land in one of
// two sub-pools: a pinned pool served from a ref-counted slab arena, capped
// by PinnedMaxBytes, and a pageable fallback for what the arena cannot or
// may not hold. Both count against MaxBytes.
type Store struct {
	mu            sync.Mutex
	cfg           config.HostTierConfig
	buffers       map[types.BufferID]*buffer
	arena         *slab.Arena
	pinnedBytes   int64
	pageableBytes int64
	logger        *zap.Logger
}

func NewStore(cfg config.HostTierConfig, logger *zap.Logger) *Store {
	s := &Store{
		cfg:     cfg,
		buffers: make(map[types.BufferID]*buffer),
		logger:  logger,
	}
	if cfg.PinnedMaxBytes > 0 {
		s.arena = slab.NewArena(256, int(cfg.PinnedSlabBytes), 2.0, nil)
	}
	return s
}

func (s *Store) Tier() types.Tier { return types.TierHost }

// Add registers a batch directly in host memory. Producers normally target
// the device tier; this path exists for host-side producers and tests.
func (s *Store) Add(ctx context.Context, id types.BufferID, batch *columnar.Batch, prio types.SpillPriority, seq uint64) (store.Buffer, error) {
	return s.put(id, batch.Encode(), prio, seq)
}

func (s *Store) Receive(ctx context.Context, src store.Buffer) (store.Buffer, error) {
	raw, err := src.Raw(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading buffer %s from %s tier: %w", src.ID(), src.Tier(), err)
	}
	return s.put(src.ID(), raw, src.Priority(), src.Sequence())
}

func (s *Store) put(id types.BufferID, raw []byte, prio types.SpillPriority, seq uint64) (store.Buffer, error) {
	size := int64(len(raw))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buffers[id]; exists {
		return nil, fmt.Errorf("buffer %s in host tier: %w", id, store.ErrBufferExists)
	}
	if s.cfg.MaxBytes > 0 && s.pinnedBytes+s.pageableBytes+size > int64(s.cfg.MaxBytes) {
		return nil, fmt.Errorf("host pool full (%d used, %d requested, %d max): %w",
			s.pinnedBytes+s.pageableBytes, size, s.cfg.MaxBytes, store.ErrInsufficientStorage)
	}

	data, pinned := s.alloc(size)
	copy(data, raw)

	buf := &buffer{
		store:  s,
		id:     id,
		data:   data[:size],
		size:   size,
		pinned: pinned,
		prio:   prio,
		seq:    seq,
	}
	s.buffers[id] = buf
	if pinned {
		s.pinnedBytes += size
	} else {
		s.pageableBytes += size
	}

	s.logger.Debug("buffer stored in host memory",
		zap.Stringer("id", id),
		zap.Int64("size", size),
		zap.Bool("pinned", pinned),
		zap.Int64("pinned_bytes", s.pinnedBytes),
		zap.Int64("pageable_bytes", s.pageableBytes),
	)

	return buf, nil
}

// alloc serves from the pinned arena while it has budget; the arena returns
// nil for chunks larger than its slab size, which also falls back. Caller
// holds s.mu.
func (s *Store) alloc(size int64) ([]byte, bool) {
	if s.arena != nil && s.pinnedBytes+size <= int64(s.cfg.PinnedMaxBytes) {
		if data := s.arena.Alloc(int(size)); data != nil {
			return data, true
		}
	}
	return make([]byte, size), false
}

func (s *Store) HasCapacity(size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxBytes <= 0 || s.pinnedBytes+s.pageableBytes+size <= int64(s.cfg.MaxBytes)
}

func (s *Store) CurrentSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinnedBytes + s.pageableBytes
}

// PinnedSize reports bytes currently held in the pinned arena.
func (s *Store) PinnedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinnedBytes
}

func (s *Store) Stats() types.TierStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	capMax := int64(s.cfg.MaxBytes)
	if capMax == 0 {
		capMax = -1
	}
	return types.TierStats{
		Tier:        types.TierHost,
		BufferCount: int64(len(s.buffers)),
		TotalBytes:  s.pinnedBytes + s.pageableBytes,
		CapacityMax: capMax,
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.buffers {
		if b.pinned {
			s.arena.DecRef(b.data)
		}
	}
	s.buffers = make(map[types.BufferID]*buffer)
	s.pinnedBytes = 0
	s.pageableBytes = 0
	return nil
}

func (s *Store) free(b *buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[b.id]; !ok {
		return
	}
	delete(s.buffers, b.id)
	if b.pinned {
		s.arena.DecRef(b.data)
		s.pinnedBytes -= b.size
	} else {
		s.pageableBytes -= b.size
	}
	s.logger.Debug("buffer freed from host memory", zap.Stringer("id", b.id), zap.Int64("size", b.size))
}

type buffer struct {
	store  *Store
	id     types.BufferID
	data   []byte
	size   int64
	pinned bool
	prio   types.SpillPriority
	seq    uint64

	freeOnce sync.Once
}

func (b *buffer) ID() types.BufferID            { return b.id }
func (b *buffer) Size() int64                   { return b.size }
func (b *buffer) Tier() types.Tier              { return types.TierHost }
func (b *buffer) Priority() types.SpillPriority { return b.prio }
func (b *buffer) Sequence() uint64              { return b.seq }

func (b *buffer) Raw(_ context.Context) ([]byte, error) {
	return b.data, nil
}

func (b *buffer) Batch(_ context.Context, colTypes []columnar.ColumnType) (*columnar.Batch, error) {
	batch, err := columnar.Decode(b.data, colTypes)
	if err != nil {
		return nil, fmt.Errorf("decoding host buffer %s: %w", b.id, err)
	}
	return batch, nil
}

func (b *buffer) Free() error {
	b.freeOnce.Do(func() {
		b.store.free(b)
	})
	return nil
}
