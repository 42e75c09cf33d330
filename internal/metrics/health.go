package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vortexdata/spillway/internal/config"
)

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Pinger is anything whose availability can be probed.
type Pinger interface {
	Ping() error
}

// HealthChecker runs health probes against the catalog and the disk
// block manager index.
type HealthChecker struct {
	catalog Pinger
	blocks  Pinger
}

// NewHealthChecker creates a new health checker. Nil probes are skipped.
func NewHealthChecker(catalog, blocks Pinger) *HealthChecker {
	return &HealthChecker{catalog: catalog, blocks: blocks}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the buffer engine can serve acquisitions and spills.
func (h *HealthChecker) Readiness() HealthStatus {
	status := HealthStatus{OK: true}

	probe := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: name, Status: "error", Error: err.Error()})
			return
		}
		status.Checks = append(status.Checks, Check{Name: name, Status: "ok"})
	}

	probe("catalog", h.catalog)
	probe("disk_index", h.blocks)

	return status
}

// RunHealthServer starts the health check HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Liveness())
	})

	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, checker.Readiness())
	})

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

func writeStatus(w http.ResponseWriter, status HealthStatus) {
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
