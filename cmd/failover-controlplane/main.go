// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command failover-controlplane boots the recording-worker failover
// control plane: Store -> Registry -> (Detector, Launcher, GC, Relay)
// -> Scheduler -> API, wired explicitly at process start rather than
// through a DI container.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/api"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/config"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/detector"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/gc"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/launcher"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/registry"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/relay"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/scheduler"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/store"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/telemetry"
	ovlog "github.com/naevatec/ov2-ha-recorder/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ovlog.Configure(ovlog.Config{
		Level:   os.Getenv("LOG_LEVEL"),
		Service: "failover-controlplane",
		Version: version,
	})
	logger := ovlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("failover-controlplane: fatal error")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	l := ovlog.WithComponent("main")

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.TracingConfig{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  cfg.ServiceID,
		Environment:  cfg.Environment,
		ExporterType: cfg.TracingExporterType,
		Endpoint:     cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			l.Warn().Err(err).Msg("main: tracer shutdown did not complete cleanly")
		}
	}()

	// Store -> Registry -> (Detector, Launcher, GC, Relay) -> Scheduler.
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			l.Warn().Err(err).Msg("main: store close failed")
		}
	}()

	collector := gc.New(ctx, cfg)
	defer func() {
		if err := collector.Close(); err != nil {
			l.Warn().Err(err).Msg("main: object store close failed")
		}
	}()

	reg := registry.New(st, func(gcCtx context.Context, sessionID string) {
		collector.Collect(gcCtx, sessionID)
	})

	launch := launcher.New(cfg, reg)
	defer func() {
		if err := launch.Close(); err != nil {
			l.Warn().Err(err).Msg("main: launcher close failed")
		}
	}()

	det := detector.New(reg, launch, cfg.HBTimeout(), cfg.StuckTimeout())

	rel := relay.New(cfg, reg)

	var sched *scheduler.Scheduler
	if cfg.FailoverEnabled {
		sched, err = scheduler.New(scheduler.Config{
			CheckInterval:      cfg.CheckInterval,
			CleanupInterval:    cfg.CleanupInterval,
			MaxInactive:        cfg.MaxInactive,
			DetectInitialDelay: 10 * time.Second,
			ShutdownGrace:      10 * time.Second,
		}, det, reg, launch)
		if err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		l.Warn().Msg("main: failoverEnabled=false, DETECT/CLEANUP/BACKUP_RECLAIM jobs not started")
	}

	srv := api.New(reg, det, launch, rel, collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Msg("main: listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		l.Info().Msg("main: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("main: http server shutdown did not complete cleanly")
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			l.Warn().Err(err).Msg("main: scheduler shutdown did not complete cleanly")
		}
	}
	if err := rel.Drain(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("main: relay drain did not complete cleanly")
	}
	return nil
}
