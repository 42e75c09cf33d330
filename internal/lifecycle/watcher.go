package lifecycle

import (
	"context"
	"time"

	"github.com/vortexdata/spillway/internal/catalog"
	"github.com/vortexdata/spillway/internal/config"
	"go.uber.org/zap"
)

// Watcher periodically checks tier occupancy against configured watermarks
// and relieves pressure through the catalog's synchronous spill path. It is
// an optional layer: direct callers of SynchronousSpill keep their blocking
// semantics whether or not a watcher runs.
type Watcher struct {
	cat    *catalog.Catalog
	cfg    config.SpillConfig
	logger *zap.Logger
}

func NewWatcher(cat *catalog.Catalog, cfg config.SpillConfig, logger *zap.Logger) *Watcher {
	return &Watcher{cat: cat, cfg: cfg, logger: logger}
}

// Run starts the periodic pressure loop and blocks until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.cfg.WatchInterval.Duration()
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Cycle(ctx)
		}
	}
}

// Cycle runs one watermark evaluation over every bounded, non-terminal
// tier. Errors are logged and do not stop the loop; the catalog surfaces
// real storage exhaustion to the registering caller anyway.
func (w *Watcher) Cycle(ctx context.Context) {
	for _, st := range w.cat.Stats() {
		if st.CapacityMax <= 0 {
			continue
		}
		if _, ok := st.Tier.Next(); !ok {
			continue
		}

		high := int64(float64(st.CapacityMax) * w.cfg.HighWatermark)
		if st.TotalBytes <= high {
			continue
		}
		target := st.TotalBytes - int64(float64(st.CapacityMax)*w.cfg.LowWatermark)

		freed, err := w.cat.SynchronousSpill(ctx, st.Tier, target)
		if err != nil {
			w.logger.Error("pressure spill failed",
				zap.Stringer("tier", st.Tier), zap.Error(err))
			continue
		}
		w.logger.Info("pressure spill",
			zap.Stringer("tier", st.Tier),
			zap.Int64("resident", st.TotalBytes),
			zap.Int64("target", target),
			zap.Int64("freed", freed),
		)
	}
}
