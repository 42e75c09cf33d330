package store

import "errors"

var (
	// ErrNoSuchBuffer is returned when an id resolves to no resident
	// tier-copy. Hitting it in correct use is a lifecycle bug in the
	// caller, not a retryable condition.
	ErrNoSuchBuffer = errors.New("no such buffer")

	// ErrBufferExists is returned when registering an id that is
	// already resident in the target tier.
	ErrBufferExists = errors.New("buffer already registered")

	// ErrInsufficientStorage is returned when a tier cannot fit a new
	// or spilled-in buffer even after every eligible candidate has been
	// spilled out of it.
	ErrInsufficientStorage = errors.New("insufficient storage")

	// ErrCorruptSpillState flags an invariant violation in the tier
	// directory, e.g. removing a leased copy or spilling past the disk
	// tier. It indicates a concurrency or wiring bug and is not
	// recoverable.
	ErrCorruptSpillState = errors.New("corrupt spill state")
)
