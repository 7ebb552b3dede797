package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/kernel/pkg/archive"
	"github.com/Mindburn-Labs/kernel/pkg/audit"
	"github.com/Mindburn-Labs/kernel/pkg/config"
	"github.com/Mindburn-Labs/kernel/pkg/observability"
)

// runServerCmd wires every component and serves the Kernel HTTP surface
// until SIGINT/SIGTERM, plus a separate health listener on cfg.HealthPort —
// the same split main-server/health-server shape the platform's other
// binaries use.
func runServerCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()

	comps, err := bootstrap(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "kernel: bootstrap failed: %v\n", err)
		return 2
	}
	defer comps.Close()

	stopStream := startStreamWorker(ctx, comps)
	defer stopStream()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           comps.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		comps.obs.Logger().Info("kernel server starting", "port", cfg.Port, "liteMode", cfg.LiteMode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			comps.obs.Logger().Error("server failed", "error", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthSrv := &http.Server{Addr: ":" + cfg.HealthPort, Handler: healthMux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		comps.obs.Logger().Info("kernel health server starting", "port", cfg.HealthPort)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			comps.obs.Logger().Error("health server failed", "error", err)
		}
	}()

	_, _ = fmt.Fprintf(stdout, "kernel ready: http://localhost:%s (health :%s)\n", cfg.Port, cfg.HealthPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	_, _ = fmt.Fprintln(stdout, "kernel: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)
	return 0
}

// startStreamWorker launches the background audit-archival loop described
// in §4.4 on top of audit.StreamWorker: claim a batch under the store's
// SKIP LOCKED discipline, publish each event to the configured ArchiveSink,
// and mark it complete or retry. It returns a stop function that signals
// the worker to exit.
func startStreamWorker(ctx context.Context, comps *components) func() {
	sink := buildArchiveSink(ctx, comps.cfg, comps.obs)

	worker := audit.NewStreamWorker(
		comps.audit,
		sink,
		comps.cfg.StreamBatchSize,
		time.Duration(comps.cfg.StreamPollIntervalMS)*time.Millisecond,
		comps.obs.Meter(),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	go worker.Run(workerCtx)
	return cancel
}

// buildArchiveSink selects the configured ArchiveSink: an S3Sink when
// ARCHIVE_S3_BUCKET is set, otherwise audit.NoopSink. ARCHIVE_GCS_BUCKET is
// not consulted here. With the no-op sink the worker still runs and marks
// claimed events complete without archiving them.
func buildArchiveSink(ctx context.Context, cfg *config.Config, obs *observability.Provider) audit.ArchiveSink {
	if cfg.ArchiveS3Bucket != "" {
		sink, err := archive.NewS3Sink(ctx, archive.S3SinkConfig{Bucket: cfg.ArchiveS3Bucket, Prefix: "audit/"})
		if err != nil {
			obs.Logger().Error("archive: s3 sink unavailable, falling back to no-op", "error", err)
			return audit.NoopSink{}
		}
		return sink
	}
	return audit.NoopSink{}
}
