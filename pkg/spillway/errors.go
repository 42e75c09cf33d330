package spillway

import (
	"errors"

	"github.com/vortexdata/spillway/internal/catalog"
)

// Error taxonomy, re-exported for callers that only import this package.
var (
	ErrNoSuchBuffer        = catalog.ErrNoSuchBuffer
	ErrBufferExists        = catalog.ErrBufferExists
	ErrInsufficientStorage = catalog.ErrInsufficientStorage
	ErrCorruptSpillState   = catalog.ErrCorruptSpillState
	ErrCatalogClosed       = catalog.ErrCatalogClosed
)

// IsNoSuchBuffer reports whether err means the id has no resident
// tier-copy, a lifecycle bug in the caller rather than a transient
// condition.
func IsNoSuchBuffer(err error) bool {
	return errors.Is(err, ErrNoSuchBuffer)
}

// IsInsufficientStorage reports whether err means a tier could not fit a
// buffer even after spilling everything eligible. The engine does not
// retry these; the caller may, after freeing other resources.
func IsInsufficientStorage(err error) bool {
	return errors.Is(err, ErrInsufficientStorage)
}
