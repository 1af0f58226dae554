// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package scheduler implements the Scheduler: three independent
// fixed-delay jobs (DETECT, CLEANUP, BACKUP_RECLAIM), none of which
// runs concurrently with itself.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/naevatec/ov2-ha-recorder/internal/log"
)

// Detector is the narrow Detector slice the DETECT job needs.
type Detector interface {
	Tick(ctx context.Context)
}

// Registry is the narrow Registry slice the CLEANUP job needs.
type Registry interface {
	InactivitySweep(ctx context.Context, maxInactive time.Duration) (int, error)
}

// Launcher is the narrow Launcher slice the BACKUP_RECLAIM job needs.
type Launcher interface {
	CleanupSweep(ctx context.Context) (int, error)
}

// Config bundles the periods the three jobs run at.
type Config struct {
	CheckInterval   time.Duration
	CleanupInterval time.Duration
	MaxInactive     time.Duration
	// DetectInitialDelay lets the container runtime warm up before the
	// first DETECT tick.
	DetectInitialDelay time.Duration
	ShutdownGrace      time.Duration
}

// Scheduler owns the gocron instance backing the three jobs.
type Scheduler struct {
	gs  gocron.Scheduler
	cfg Config
}

// nonOverlapping guards a job body with its own mutex so the
// no-self-overlap rule holds independently of the scheduling library's
// singleton mode: a firing that arrives while the previous run is
// still in flight is skipped, not queued.
func nonOverlapping(fn func()) func() {
	var mu sync.Mutex
	return func() {
		if !mu.TryLock() {
			return
		}
		defer mu.Unlock()
		fn()
	}
}

// New builds and starts the Scheduler, registering DETECT, CLEANUP and
// BACKUP_RECLAIM as independent fixed-delay jobs. Each job uses
// singleton mode so a slow run is skipped rather than overlapped.
func New(cfg Config, det Detector, reg Registry, launcher Launcher) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Scheduler{gs: gs, cfg: cfg}

	if cfg.DetectInitialDelay <= 0 {
		cfg.DetectInitialDelay = cfg.CheckInterval
	}

	if _, err := gs.NewJob(
		gocron.DurationJob(cfg.CheckInterval),
		gocron.NewTask(nonOverlapping(func() {
			det.Tick(context.Background())
		})),
		gocron.WithName("DETECT"),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(cfg.DetectInitialDelay))),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("register DETECT job: %w", err)
	}

	if _, err := gs.NewJob(
		gocron.DurationJob(cfg.CleanupInterval),
		gocron.NewTask(nonOverlapping(func() {
			n, err := reg.InactivitySweep(context.Background(), cfg.MaxInactive)
			if err != nil {
				log.L().Warn().Err(err).Msg("scheduler: CLEANUP job failed")
				return
			}
			if n > 0 {
				log.L().Info().Int("swept", n).Msg("scheduler: CLEANUP swept inactive sessions")
			}
		})),
		gocron.WithName("CLEANUP"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("register CLEANUP job: %w", err)
	}

	if _, err := gs.NewJob(
		gocron.DurationJob(cfg.CleanupInterval),
		gocron.NewTask(nonOverlapping(func() {
			n, err := launcher.CleanupSweep(context.Background())
			if err != nil {
				log.L().Warn().Err(err).Msg("scheduler: BACKUP_RECLAIM job failed")
				return
			}
			if n > 0 {
				log.L().Info().Int("reclaimed", n).Msg("scheduler: BACKUP_RECLAIM stopped orphaned backups")
			}
		})),
		gocron.WithName("BACKUP_RECLAIM"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("register BACKUP_RECLAIM job: %w", err)
	}

	gs.Start()
	return s, nil
}

// Stop shuts the scheduler down and waits up to the configured grace
// window (10s when unset) for the shutdown to finish. If the window
// passes first, Stop returns an error; job bodies still running are not
// cancelled and the shutdown goes on in the background.
func (s *Scheduler) Stop() error {
	done := make(chan error, 1)
	go func() { done <- s.gs.Shutdown() }()

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		return fmt.Errorf("scheduler shutdown grace period exceeded")
	}
}
