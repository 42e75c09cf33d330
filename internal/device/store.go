package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/config"
	"github.com/vortexdata/spillway/internal/store"
	"github.com/vortexdata/spillway/internal/types"
	"go.uber.org/zap"
)

// Store implements store.Store for the device tier. It models a bounded
// device memory pool: every resident copy keeps its decoded batch live and
// charges the pool its encoded size, the same figure the colder tiers use.
type Store struct {
	mu         sync.Mutex
	cfg        config.DeviceTierConfig
	buffers    map[types.BufferID]*buffer
	totalBytes int64
	logger     *zap.Logger
}

func NewStore(cfg config.DeviceTierConfig, logger *zap.Logger) *Store {
	return &Store{
		cfg:     cfg,
		buffers: make(map[types.BufferID]*buffer),
		logger:  logger,
	}
}

func (s *Store) Tier() types.Tier { return types.TierDevice }

func (s *Store) Add(_ context.Context, id types.BufferID, batch *columnar.Batch, prio types.SpillPriority, seq uint64) (store.Buffer, error) {
	size := batch.EncodedSize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.buffers[id]; exists {
		return nil, fmt.Errorf("buffer %s in device tier: %w", id, store.ErrBufferExists)
	}
	if s.cfg.MaxBytes > 0 && s.totalBytes+size > int64(s.cfg.MaxBytes) {
		return nil, fmt.Errorf("device pool full (%d used, %d requested, %d max): %w",
			s.totalBytes, size, s.cfg.MaxBytes, store.ErrInsufficientStorage)
	}

	buf := &buffer{
		store: s,
		id:    id,
		batch: batch,
		size:  size,
		prio:  prio,
		seq:   seq,
	}
	s.buffers[id] = buf
	s.totalBytes += size

	s.logger.Debug("buffer registered on device",
		zap.Stringer("id", id),
		zap.Int64("size", size),
		zap.Int64("priority", int64(prio)),
		zap.Int64("total_bytes", s.totalBytes),
	)

	return buf, nil
}

// Receive is unsupported: the device tier is the top of the cascade and the
// encoded form is type-erased, so there is nothing to materialize from.
func (s *Store) Receive(_ context.Context, src store.Buffer) (store.Buffer, error) {
	return nil, fmt.Errorf("device tier cannot receive spilled buffer %s: encoded payload carries no column types", src.ID())
}

func (s *Store) HasCapacity(size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxBytes <= 0 || s.totalBytes+size <= int64(s.cfg.MaxBytes)
}

func (s *Store) CurrentSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

func (s *Store) Stats() types.TierStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	capMax := int64(s.cfg.MaxBytes)
	if capMax == 0 {
		capMax = -1
	}
	return types.TierStats{
		Tier:        types.TierDevice,
		BufferCount: int64(len(s.buffers)),
		TotalBytes:  s.totalBytes,
		CapacityMax: capMax,
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[types.BufferID]*buffer)
	s.totalBytes = 0
	return nil
}

func (s *Store) free(b *buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffers[b.id]; !ok {
		return
	}
	delete(s.buffers, b.id)
	s.totalBytes -= b.size
	s.logger.Debug("buffer freed from device", zap.Stringer("id", b.id), zap.Int64("size", b.size))
}

// buffer is a device tier-copy. The batch stays decoded for consumers; the
// contiguous encoded form is produced once, on first Raw call (i.e. when a
// spill needs it).
type buffer struct {
	store *Store
	id    types.BufferID
	batch *columnar.Batch
	size  int64
	prio  types.SpillPriority
	seq   uint64

	encodeOnce sync.Once
	encoded    []byte

	freeOnce sync.Once
}

func (b *buffer) ID() types.BufferID            { return b.id }
func (b *buffer) Size() int64                   { return b.size }
func (b *buffer) Tier() types.Tier              { return types.TierDevice }
func (b *buffer) Priority() types.SpillPriority { return b.prio }
func (b *buffer) Sequence() uint64              { return b.seq }

func (b *buffer) Raw(_ context.Context) ([]byte, error) {
	b.encodeOnce.Do(func() {
		b.encoded = b.batch.Encode()
	})
	return b.encoded, nil
}

func (b *buffer) Batch(_ context.Context, colTypes []columnar.ColumnType) (*columnar.Batch, error) {
	have := b.batch.Types()
	if len(colTypes) != len(have) {
		return nil, fmt.Errorf("buffer %s has %d columns, caller supplied %d types", b.id, len(have), len(colTypes))
	}
	for i, t := range colTypes {
		if t != have[i] {
			return nil, fmt.Errorf("buffer %s column %d is %s, caller supplied %s", b.id, i, have[i], t)
		}
	}
	return b.batch, nil
}

func (b *buffer) Free() error {
	b.freeOnce.Do(func() {
		b.store.free(b)
	})
	return nil
}
