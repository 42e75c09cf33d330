package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/vortexdata/spillway/internal/columnar"
	"github.com/vortexdata/spillway/internal/config"
	"github.com/vortexdata/spillway/internal/metrics"
	"github.com/vortexdata/spillway/pkg/logutil"
	"github.com/vortexdata/spillway/pkg/spillway"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("spillway %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logutil.New(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := spillway.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer eng.Close()

	g, gctx := errgroup.WithContext(ctx)

	// Watermark pressure loop.
	g.Go(func() error { return eng.Watch(gctx) })

	// Synthetic workload driving registrations and acquisitions.
	w := newWorkload(eng, cfg.Workload, logger.Named("workload"))
	for i := 0; i < cfg.Workload.Producers; i++ {
		i := i
		g.Go(func() error { return w.produce(gctx, i) })
	}
	for i := 0; i < cfg.Workload.Consumers; i++ {
		g.Go(func() error { return w.consume(gctx) })
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(eng.Catalog(), eng.BlockManager())
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("spillway started",
		zap.String("version", version),
		zap.String("spill_dir", cfg.Tiers.Disk.DataDir),
		zap.Int("producers", cfg.Workload.Producers),
		zap.Int("consumers", cfg.Workload.Consumers),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down, closing outstanding handles...")
	w.drain()
	return nil
}

var workloadTypes = []columnar.ColumnType{columnar.Int64, columnar.String, columnar.Float64}

// workload is the synthetic producer/consumer mix. Producers register
// batches and hold their handles in a bounded FIFO, so the hottest buffers
// stay pinned the way an operator pipeline would pin its working set;
// handles pushed out of the window are closed and the ids passed on to the
// consumers, which re-acquire from whatever tier the buffer landed in.
type workload struct {
	eng    *spillway.Engine
	cfg    config.WorkloadConfig
	logger *zap.Logger

	mu      sync.Mutex
	open    *queue.Queue // *spillway.Handle, oldest first
	retired *queue.Queue // spillway.BufferID, ready for consumers

	nextID uint64
}

func newWorkload(eng *spillway.Engine, cfg config.WorkloadConfig, logger *zap.Logger) *workload {
	return &workload{
		eng:     eng,
		cfg:     cfg,
		logger:  logger,
		open:    queue.New(),
		retired: queue.New(),
	}
}

func (w *workload) produce(ctx context.Context, producer int) error {
	interval := w.cfg.Interval.Duration()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		seq := atomic.AddUint64(&w.nextID, 1)
		id := spillway.BufferID{ID: seq, Generation: 1}
		prio := spillway.SpillPriority(int64(seq%7) - 3)

		h, err := w.eng.Register(ctx, id, w.makeBatch(producer, seq), prio)
		if err != nil {
			if spillway.IsInsufficientStorage(err) {
				w.logger.Warn("registration shed: all tiers full", zap.Stringer("id", id))
				continue
			}
			return fmt.Errorf("registering %s: %w", id, err)
		}

		w.mu.Lock()
		w.open.Add(h)
		for w.open.Length() > w.cfg.HandleDepth {
			old := w.open.Remove().(*spillway.Handle)
			retired := old.ID()
			old.Close()
			w.retired.Add(retired)
		}
		w.mu.Unlock()
	}
}

func (w *workload) consume(ctx context.Context) error {
	interval := w.cfg.Interval.Duration()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		w.mu.Lock()
		if w.retired.Length() == 0 {
			w.mu.Unlock()
			continue
		}
		id := w.retired.Remove().(spillway.BufferID)
		w.mu.Unlock()

		h, err := w.eng.Acquire(ctx, id)
		if err != nil {
			if spillway.IsNoSuchBuffer(err) {
				continue
			}
			return fmt.Errorf("acquiring %s: %w", id, err)
		}

		batch, err := h.Batch(ctx, workloadTypes)
		if err != nil {
			h.Close()
			return fmt.Errorf("reading %s from %s: %w", id, h.Tier(), err)
		}
		w.logger.Debug("consumed buffer",
			zap.Stringer("id", id),
			zap.Stringer("tier", h.Tier()),
			zap.Int("rows", batch.NumRows),
		)
		h.Close()

		if err := w.eng.RemoveBuffer(id); err != nil && !spillway.IsNoSuchBuffer(err) {
			return fmt.Errorf("removing %s: %w", id, err)
		}
	}
}

func (w *workload) makeBatch(producer int, seq uint64) *columnar.Batch {
	rows := w.cfg.RowsPerBatch
	if rows <= 0 {
		rows = 128
	}
	b := columnar.NewBuilder(workloadTypes...)
	for i := 0; i < rows; i++ {
		b.AppendInt64(0, int64(seq)*int64(rows)+int64(i))
		b.AppendString(1, fmt.Sprintf("p%d-r%d", producer, i))
		if i%10 == 0 {
			b.AppendNull(2)
		} else {
			b.AppendFloat64(2, float64(i)*0.25)
		}
	}
	batch, err := b.Build()
	if err != nil {
		// Builder rows are appended uniformly above; a mismatch is a bug.
		panic(err)
	}
	return batch
}

func (w *workload) drain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.open.Length() > 0 {
		w.open.Remove().(*spillway.Handle).Close()
	}
}
