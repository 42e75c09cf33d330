package store

import (
	"context"

	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/types"
)

// Buffer is one tier-copy of a logical buffer. The payload bytes are
// immutable once written; a buffer only ever moves by being copied to the
// next colder tier and freed here.
type Buffer interface {
	ID() types.BufferID
	// Size is the encoded byte size of the payload, identical in every
	// tier, so spill accounting deltas are exact.
	Size() int64
	Tier() types.Tier
	Priority() types.SpillPriority
	// Sequence is the catalog registration order, used as the FIFO
	// tie-break among equal spill priorities.
	Sequence() uint64

	// Raw returns the encoded payload bytes.
	Raw(ctx context.Context) ([]byte, error)
	// Batch materializes a columnar view. The encoded form is
	// type-erased, so callers supply the column types.
	Batch(ctx context.Context, colTypes []columnar.ColumnType) (*columnar.Batch, error)

	// Free releases this copy's tier-local resources. Idempotent.
	Free() error
}

// Store owns all buffer copies resident in one physical tier.
type Store interface {
	Tier() types.Tier

	// Add registers a freshly produced batch. Only the device tier
	// accepts new registrations; colder tiers are fed via Receive.
	Add(ctx context.Context, id types.BufferID, batch *columnar.Batch, prio types.SpillPriority, seq uint64) (Buffer, error)

	// Receive copies a buffer spilled from a hotter tier into this one,
	// preserving its identity, priority and registration order.
	Receive(ctx context.Context, src Buffer) (Buffer, error)

	// HasCapacity reports whether size more bytes fit under the tier cap.
	HasCapacity(size int64) bool

	CurrentSize() int64
	Stats() types.TierStats
	Close() error
}
