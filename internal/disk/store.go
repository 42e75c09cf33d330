package disk

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/config"
	"github.com/vortexdata/spillway/internal/diskmgr"
	"github.com/vortexdata/spillway/internal/store"
	"github.com/vortexdata/spillway/internal/types"
	"go.uber.org/zap"
)

// Store implements store.Store for the disk tier, the terminal tier of the
// cascade. Physical layout is delegated to the block manager: exclusive
// buffers get one file each, share-group buffers append into a communal
// file at manager-assigned offsets.
type Store struct {
	mu         sync.Mutex
	cfg        config.DiskTierConfig
	blocks     *diskmgr.Manager
	buffers    map[types.BufferID]*buffer
	totalBytes int64
	logger     *zap.Logger
}

func NewStore(cfg config.DiskTierConfig, blocks *diskmgr.Manager, logger *zap.Logger) *Store {
	return &Store{
		cfg:     cfg,
		blocks:  blocks,
		buffers: make(map[types.BufferID]*buffer),
		logger:  logger,
	}
}

func (s *Store) Tier() types.Tier { return types.TierDisk }

// Add is unsupported: fresh registrations always start in memory tiers.
func (s *Store) Add(_ context.Context, id types.BufferID, _ *columnar.Batch, _ types.SpillPriority, _ uint64) (store.Buffer, error) {
	return nil, fmt.Errorf("disk tier does not accept direct registration of buffer %s", id)
}

func (s *Store) Receive(ctx context.Context, src store.Buffer) (store.Buffer, error) {
	raw, err := src.Raw(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading buffer %s from %s tier: %w", src.ID(), src.Tier(), err)
	}
	id := src.ID()
	size := int64(len(raw))

	s.mu.Lock()
	if _, exists := s.buffers[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("buffer %s in disk tier: %w", id, store.ErrBufferExists)
	}
	if s.cfg.MaxBytes > 0 && s.totalBytes+size > int64(s.cfg.MaxBytes) {
		s.mu.Unlock()
		return nil, fmt.Errorf("disk tier full (%d used, %d requested, %d max): %w",
			s.totalBytes, size, s.cfg.MaxBytes, store.ErrInsufficientStorage)
	}
	// Reserve the bytes before dropping the lock so concurrent receives
	// cannot admit past the cap between check and install.
	s.totalBytes += size
	s.mu.Unlock()

	unreserve := func() {
		s.mu.Lock()
		s.totalBytes -= size
		s.mu.Unlock()
	}

	slot, err := s.blocks.Allocate(id, size)
	if err != nil {
		unreserve()
		return nil, err
	}

	if err := writeSlot(slot, raw); err != nil {
		// A half-written slot must never stay registered as a valid
		// tier-copy; releasing the slot also unlinks an exclusive file.
		if _, rerr := s.blocks.Release(id); rerr != nil {
			s.logger.Error("failed to roll back disk slot after write failure",
				zap.Stringer("id", id), zap.Error(rerr))
		}
		unreserve()
		return nil, fmt.Errorf("writing spill file for %s: %w", id, err)
	}

	buf := &buffer{
		store: s,
		id:    id,
		slot:  slot,
		prio:  src.Priority(),
		seq:   src.Sequence(),
	}

	s.mu.Lock()
	s.buffers[id] = buf
	s.mu.Unlock()

	s.logger.Debug("buffer spilled to disk",
		zap.Stringer("id", id),
		zap.String("path", slot.Path),
		zap.Int64("offset", slot.Offset),
		zap.Int64("size", size),
	)

	return buf, nil
}

func writeSlot(slot diskmgr.Slot, raw []byte) error {
	f, err := os.OpenFile(slot.Path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(raw, slot.Offset); err != nil {
		return err
	}
	return f.Sync()
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
		Tier:        types.TierDisk,
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

func (s *Store) free(b *buffer) error {
	s.mu.Lock()
	if _, ok := s.buffers[b.id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.buffers, b.id)
	s.totalBytes -= b.slot.Length
	s.mu.Unlock()

	removed, err := s.blocks.Release(b.id)
	if err != nil {
		return err
	}
	s.logger.Debug("buffer freed from disk",
		zap.Stringer("id", b.id),
		zap.String("path", b.slot.Path),
		zap.Bool("file_removed", removed),
	)
	return nil
}

type buffer struct {
	store *Store
	id    types.BufferID
	slot  diskmgr.Slot
	prio  types.SpillPriority
	seq   uint64

	freeOnce sync.Once
}

func (b *buffer) ID() types.BufferID            { return b.id }
func (b *buffer) Size() int64                   { return b.slot.Length }
func (b *buffer) Tier() types.Tier              { return types.TierDisk }
func (b *buffer) Priority() types.SpillPriority { return b.prio }
func (b *buffer) Sequence() uint64              { return b.seq }

func (b *buffer) Raw(_ context.Context) ([]byte, error) {
	f, err := os.Open(b.slot.Path)
	if err != nil {
		return nil, fmt.Errorf("opening spill file for %s: %w", b.id, err)
	}
	defer f.Close()

	raw := make([]byte, b.slot.Length)
	if _, err := f.ReadAt(raw, b.slot.Offset); err != nil {
		return nil, fmt.Errorf("reading spill file for %s: %w", b.id, err)
	}
	return raw, nil
}

func (b *buffer) Batch(ctx context.Context, colTypes []columnar.ColumnType) (*columnar.Batch, error) {
	raw, err := b.Raw(ctx)
	if err != nil {
		return nil, err
	}
	batch, err := columnar.Decode(raw, colTypes)
	if err != nil {
		return nil, fmt.Errorf("decoding disk buffer %s: %w", b.id, err)
	}
	return batch, nil
}

func (b *buffer) Free() error {
	var err error
	b.freeOnce.Do(func() {
		err = b.store.free(b)
	})
	return err
}
