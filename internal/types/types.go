package types

import "fmt"

// Tier identifies which storage tier holds a buffer copy.
type Tier int

const (
	TierDevice Tier = iota
	TierHost
	TierDisk
)

func (t Tier) String() string {
	switch t {
	case TierDevice:
		return "device"
	case TierHost:
		return "host"
	case TierDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Next returns the next colder tier in the spill cascade. The second
// return value is false for the disk tier, which is terminal.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierDevice:
		return TierHost, true
	case TierHost:
		return TierDisk, true
	default:
		return t, false
	}
}

// SpillPriority orders eviction: lower values spill first.
type SpillPriority int64

// BufferID identifies a logical buffer across all tiers. Immutable.
//
// ShareGroup, when non-empty, names a group of buffers whose disk copies
// are packed into one physical file at distinct offsets (shuffle block
// layouts). An empty ShareGroup means the buffer gets its own file.
type BufferID struct {
	ID         uint64
	Generation uint32
	ShareGroup string
}

// ShareDiskPaths reports whether this buffer's disk copy may share a
// physical file with other buffers. Deletion of shared files is
// reference-counted per path, not per id.
func (b BufferID) ShareDiskPaths() bool {
	return b.ShareGroup != ""
}

func (b BufferID) String() string {
	if b.ShareGroup != "" {
		return fmt.Sprintf("%d.%d@%s", b.ID, b.Generation, b.ShareGroup)
	}
	return fmt.Sprintf("%d.%d", b.ID, b.Generation)
}

// TierStats reports usage for a single tier.
type TierStats struct {
	Tier        Tier
	BufferCount int64
	TotalBytes  int64
	CapacityMax int64 // -1 for unlimited
}
