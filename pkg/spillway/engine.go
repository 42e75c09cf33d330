package spillway

import (
	"context"
	"fmt"

	"github.com/vortexdata/spillway/internal/catalog"
	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/config"
	"github.com/vortexdata/spillway/internal/device"
	"github.com/vortexdata/spillway/internal/disk"
	"github.com/vortexdata/spillway/internal/diskmgr"
	"github.com/vortexdata/spillway/internal/host"
	"github.com/vortexdata/spillway/internal/lifecycle"
	"github.com/vortexdata/spillway/internal/store"
	"github.com/vortexdata/spillway/internal/types"
	"go.uber.org/zap"
)

// Re-exported types so callers need only this package and the config and
// columnar packages.
type (
	BufferID      = types.BufferID
	Tier          = types.Tier
	SpillPriority = types.SpillPriority
	TierStats     = types.TierStats
	Handle        = catalog.Handle
	SpillFunc     = catalog.SpillFunc
)

const (
	TierDevice = types.TierDevice
	TierHost   = types.TierHost
	TierDisk   = types.TierDisk
)

// Engine wires the tier stores, the disk block manager and the catalog
// into one ready-to-use buffer manager.
type Engine struct {
	cfg     *config.Config
	blocks  *diskmgr.Manager
	stores  []store.Store
	cat     *catalog.Catalog
	watcher *lifecycle.Watcher
	logger  *zap.Logger
}

// Options tweaks engine construction beyond the config file.
type Options struct {
	// OnSpill observes every completed spill.
	OnSpill SpillFunc
	// SkipSweep disables the startup reset of the spill index and the
	// orphan-file sweep of the spill directory.
	SkipSweep bool
}

// Open builds an engine from config. The spill directory is created if
// missing and swept of orphaned files from earlier runs.
func Open(cfg *config.Config, logger *zap.Logger, opts ...Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}

	blocks, err := diskmgr.New(cfg.Tiers.Disk.DataDir, logger.Named("diskmgr"))
	if err != nil {
		return nil, fmt.Errorf("opening disk block manager: %w", err)
	}
	if !opt.SkipSweep {
		// Spill space is scratch; slots indexed by a previous run are
		// unreachable now and would pin their files past every sweep.
		if _, err := blocks.Reset(); err != nil {
			blocks.Close()
			return nil, fmt.Errorf("resetting spill index: %w", err)
		}
		if removed, err := blocks.Sweep(); err != nil {
			blocks.Close()
			return nil, fmt.Errorf("sweeping spill directory: %w", err)
		} else if removed > 0 {
			logger.Info("swept orphan spill files", zap.Int("removed", removed))
		}
	}

	stores := []store.Store{
		device.NewStore(cfg.Tiers.Device, logger.Named("device")),
		host.NewStore(cfg.Tiers.Host, logger.Named("host")),
		disk.NewStore(cfg.Tiers.Disk, blocks, logger.Named("disk")),
	}

	cat, err := catalog.New(catalog.Config{
		Stores:  stores,
		Logger:  logger.Named("catalog"),
		OnSpill: opt.OnSpill,
	})
	if err != nil {
		blocks.Close()
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		blocks:  blocks,
		stores:  stores,
		cat:     cat,
		watcher: lifecycle.NewWatcher(cat, cfg.Spill, logger.Named("lifecycle")),
		logger:  logger,
	}, nil
}

// Register inserts a batch into device memory under the given id and spill
// priority. The returned handle pins the buffer until closed.
func (e *Engine) Register(ctx context.Context, id BufferID, batch *columnar.Batch, prio SpillPriority) (*Handle, error) {
	return e.cat.Register(ctx, id, batch, prio, true)
}

// RegisterUnspillable registers a buffer that stays pinned even with no
// open handles, until SetSpillable(id, true).
func (e *Engine) RegisterUnspillable(ctx context.Context, id BufferID, batch *columnar.Batch, prio SpillPriority) (*Handle, error) {
	return e.cat.Register(ctx, id, batch, prio, false)
}

// Acquire leases the buffer from whichever tier currently holds it.
func (e *Engine) Acquire(ctx context.Context, id BufferID) (*Handle, error) {
	return e.cat.Acquire(ctx, id)
}

func (e *Engine) SetSpillable(id BufferID, spillable bool) error {
	return e.cat.SetSpillable(id, spillable)
}

// RemoveBuffer releases the engine's ownership of the buffer; it is
// evicted from all tiers once the last handle closes.
func (e *Engine) RemoveBuffer(id BufferID) error {
	return e.cat.RemoveBuffer(id)
}

// SynchronousSpill frees at least target bytes from the tier if possible,
// spilling lowest-priority buffers to the next tier. Best-effort.
func (e *Engine) SynchronousSpill(ctx context.Context, t Tier, target int64) (int64, error) {
	return e.cat.SynchronousSpill(ctx, t, target)
}

func (e *Engine) Stats() []TierStats {
	return e.cat.Stats()
}

// Catalog exposes the underlying catalog for integration points that need
// the full surface (instrumentation, pressure watchers).
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// BlockManager exposes the disk index, mainly for health checks.
func (e *Engine) BlockManager() *diskmgr.Manager { return e.blocks }

// Watch runs the watermark pressure loop until ctx is canceled.
func (e *Engine) Watch(ctx context.Context) error {
	return e.watcher.Run(ctx)
}

func (e *Engine) Close() error {
	err := e.cat.Close()
	for _, s := range e.stores {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := e.blocks.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
