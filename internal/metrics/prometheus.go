package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vortexdata/spillway/internal/config"
)

var (
	// Catalog metrics
	BuffersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_buffers_registered_total",
		Help: "Total buffers registered with the catalog",
	})

	BuffersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_buffers_evicted_total",
		Help: "Total buffers fully evicted from all tiers",
	})

	AcquireRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spillway_acquire_requests_total",
		Help: "Buffer acquisitions by resolved tier",
	}, []string{"tier"})

	AcquireMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_acquire_misses_total",
		Help: "Acquisitions that found no resident tier-copy",
	})

	// Spill metrics
	SpillOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spillway_spill_ops_total",
		Help: "Number of buffer spills",
	}, []string{"from_tier", "to_tier"})

	SpillBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spillway_spill_bytes_total",
		Help: "Bytes spilled between tiers",
	}, []string{"from_tier", "to_tier"})

	SpillDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spillway_spill_duration_seconds",
		Help:    "Time to copy one buffer down a tier",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"from_tier", "to_tier"})

	// Tier metrics
	TierBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spillway_tier_bytes",
		Help: "Bytes resident in each tier",
	}, []string{"tier"})

	TierBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spillway_tier_buffer_count",
		Help: "Buffer copies resident in each tier",
	}, []string{"tier"})

	// Disk tier metrics
	DiskWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spillway_disk_write_errors_total",
		Help: "Failed spill file writes",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
