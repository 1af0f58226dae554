// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package detector implements the Liveness Detector: classifies
// active sessions as FAILED on heartbeat timeout or stuck-chunk, and
// hands them to the Backup Launcher.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/telemetry"
	"github.com/naevatec/ov2-ha-recorder/internal/log"
)

// Registry is the narrow Registry slice the detector needs.
type Registry interface {
	ListActive(ctx context.Context) ([]*model.Session, error)
}

// Launcher is the narrow Launcher slice the detector needs.
type Launcher interface {
	IsTracked(id string) bool
	StartBackup(ctx context.Context, r *model.Session) error
}

// Detector runs one liveness pass at a time; ticks are serialized
// with a mutex rather than relying on the caller (Scheduler)
// never overlapping them, because a manual operator trigger can race a
// scheduled tick.
type Detector struct {
	reg          Registry
	launcher     Launcher
	hbTimeout    time.Duration
	stuckTimeout time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// New builds a Detector. hbTimeout and stuckTimeout are the precomputed
// HB_TIMEOUT/STUCK_TIMEOUT values (heartbeatPeriod/chunkPeriod x maxMissed).
func New(reg Registry, launcher Launcher, hbTimeout, stuckTimeout time.Duration) *Detector {
	return &Detector{reg: reg, launcher: launcher, hbTimeout: hbTimeout, stuckTimeout: stuckTimeout, now: time.Now}
}

// Tick runs a single synchronous pass. Any error is logged and Tick
// returns nothing, so the caller (Scheduler or an operator-triggered
// manual check) never sees a failed tick and the schedule is not aborted.
func (d *Detector) Tick(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	active, err := d.reg.ListActive(ctx)
	if err != nil {
		telemetry.DetectorTicks.WithLabelValues("error").Inc()
		log.L().Warn().Err(err).Msg("detector: listActive failed, skipping tick")
		return
	}

	now := d.now()
	failed := 0
	for _, r := range active {
		if d.launcher.IsTracked(r.ID) {
			continue
		}
		if !r.IsActive() {
			continue
		}
		if !d.isFailed(r, now) {
			continue
		}
		failed++
		if err := d.launcher.StartBackup(ctx, r); err != nil {
			log.L().Warn().Str("id", r.ID).Err(err).Msg("detector: startBackup failed")
		}
	}
	if failed > 0 {
		telemetry.DetectorTicks.WithLabelValues("failed_sessions_found").Inc()
	} else {
		telemetry.DetectorTicks.WithLabelValues("ok").Inc()
	}
}

// isFailed applies the heartbeat-timeout and stuck-chunk predicates.
// Both key off lastHeartbeat; lastChunk carries no timestamp of its
// own, so a stuck chunk is indistinguishable from a general stall.
func (d *Detector) isFailed(r *model.Session, now time.Time) bool {
	hbAge := now.Sub(r.LastHeartbeat)
	if hbAge > d.hbTimeout {
		return true
	}
	if r.LastChunk != "" && hbAge > d.stuckTimeout {
		return true
	}
	return false
}
