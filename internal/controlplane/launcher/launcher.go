// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package launcher implements the Backup Launcher: creates,
// starts and stops backup recorder containers on a Docker-compatible
// runtime, tracked in an in-memory map keyed by session id.
package launcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/config"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/controlerrors"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/fsm"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/telemetry"
	"github.com/naevatec/ov2-ha-recorder/internal/log"
)

const stopGrace = 30 * time.Second

// trackState is the per-tracking-entry lifecycle, enforced with fsm so
// a launch can never double-fire and a stop can never run twice
// concurrently for the same session.
type trackState string

const (
	stateCreating trackState = "CREATING"
	stateRunning  trackState = "RUNNING"
	stateStopping trackState = "STOPPING"
)

type trackEvent string

const (
	evStarted trackEvent = "started"
	evStop    trackEvent = "stop"
)

func newTrackMachine() *fsm.Machine[trackState, trackEvent] {
	m, err := fsm.New(stateCreating, []fsm.Transition[trackState, trackEvent]{
		{From: stateCreating, Event: evStarted, To: stateRunning},
		{From: stateRunning, Event: evStop, To: stateStopping},
	})
	if err != nil {
		// Only reachable if the table above has a duplicate edge, which
		// is a programmer error, not a runtime condition.
		panic(err)
	}
	return m
}

// entry is one tracked backup container.
type entry struct {
	containerID   string
	containerName string
	fsm           *fsm.Machine[trackState, trackEvent]
}

// RegistryWriter is the narrow Registry slice the Launcher needs: a
// metadata-only write plus the lookups the cleanup sweep
// performs.
type RegistryWriter interface {
	SetBackupContainer(ctx context.Context, id, containerID, containerName string) (*model.Session, error)
	Get(ctx context.Context, id string) (*model.Session, error)
	ListAll(ctx context.Context) ([]*model.Session, error)
}

// Launcher creates, starts and stops backup containers over a
// ContainerRuntime built lazily on first use.
type Launcher struct {
	cfg config.Config
	reg RegistryWriter

	initMu     sync.Mutex
	runtime    ContainerRuntime
	initFailed error

	trackMu sync.Mutex
	tracked map[string]*entry

	now func() time.Time
}

// New builds a Launcher. The runtime client is not constructed here;
// see runtimeClient.
func New(cfg config.Config, reg RegistryWriter) *Launcher {
	return &Launcher{
		cfg:     cfg,
		reg:     reg,
		tracked: make(map[string]*entry),
		now:     time.Now,
	}
}

// runtimeClient returns the shared runtime client, constructing it on
// the first call under initMu. A prior failure is terminal until
// process restart, which isolates the service from a container runtime
// that is absent at boot.
func (l *Launcher) runtimeClient() (ContainerRuntime, error) {
	l.initMu.Lock()
	defer l.initMu.Unlock()

	if l.initFailed != nil {
		return nil, controlerrors.New(controlerrors.RuntimeUnavailable, "runtime previously failed to initialize", l.initFailed)
	}
	if l.runtime != nil {
		return l.runtime, nil
	}

	rt, err := newSDKRuntime(l.cfg.SocketPath)
	if err != nil {
		l.initFailed = err
		return nil, controlerrors.New(controlerrors.RuntimeUnavailable, "runtime client construction failed", err)
	}
	if err := rt.Ping(context.Background()); err != nil {
		l.initFailed = err
		return nil, controlerrors.New(controlerrors.RuntimeUnavailable, "runtime ping failed", err)
	}
	l.runtime = rt
	go l.prepareImage(rt)
	return rt, nil
}

// prepareImage is the background image check run once after the
// runtime client comes up: inspect, pull if absent, log and drop pull
// failures.
func (l *Launcher) prepareImage(rt ContainerRuntime) {
	ref := l.cfg.Image + ":" + l.cfg.Tag
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	present, err := rt.InspectImage(ctx, ref)
	if err != nil {
		log.L().Warn().Str("image", ref).Err(err).Msg("launcher: image inspect failed")
		return
	}
	if present {
		return
	}
	if err := rt.PullImage(ctx, ref); err != nil {
		log.L().Warn().Str("image", ref).Err(err).Msg("launcher: image pull failed")
	}
}

// Status reports initialization state for operator visibility;
// callable regardless of runtime availability.
type Status struct {
	Initialized          bool   `json:"initialized"`
	InitializationFailed bool   `json:"initializationFailed"`
	InitError            string `json:"initError,omitempty"`
	TrackedCount         int    `json:"trackedCount"`
}

func (l *Launcher) Status() Status {
	l.initMu.Lock()
	st := Status{Initialized: l.runtime != nil, InitializationFailed: l.initFailed != nil}
	if l.initFailed != nil {
		st.InitError = l.initFailed.Error()
	}
	l.initMu.Unlock()

	l.trackMu.Lock()
	st.TrackedCount = len(l.tracked)
	l.trackMu.Unlock()
	return st
}

// IsTracked reports whether id already has a backup tracked, the guard
// the Detector consults before classifying a session as FAILED.
func (l *Launcher) IsTracked(id string) bool {
	l.trackMu.Lock()
	defer l.trackMu.Unlock()
	_, ok := l.tracked[id]
	return ok
}

// StartBackup runs the launch algorithm for session R.
func (l *Launcher) StartBackup(ctx context.Context, r *model.Session) error {
	l.trackMu.Lock()
	if _, exists := l.tracked[r.ID]; exists {
		l.trackMu.Unlock()
		return controlerrors.New(controlerrors.AlreadyExists, r.ID, nil)
	}
	e := &entry{fsm: newTrackMachine()}
	l.tracked[r.ID] = e
	l.trackMu.Unlock()

	rt, err := l.runtimeClient()
	if err != nil {
		l.untrack(r.ID)
		return err
	}

	startChunk := nextChunk(r.LastChunk)
	name := fmt.Sprintf("%s-%s-%d", l.cfg.BackupPrefix, r.ID, l.now().UnixMilli())
	spec := ContainerSpec{
		Name:    name,
		Image:   l.cfg.Image + ":" + l.cfg.Tag,
		Network: l.cfg.Network,
		Env:     l.backupEnv(r, startChunk),
		Labels: map[string]string{
			"session.id":     r.ID,
			"container.type": "backup-recorder",
			"created.by":     l.cfg.ServiceID,
			"start.chunk":    startChunk,
		},
		ShmSize:   2 << 30,
		MemoryCap: 4 << 30,
		CPUCount:  2,
	}

	containerID, err := rt.CreateContainer(ctx, spec)
	if err != nil {
		l.untrack(r.ID)
		telemetry.LauncherContainers.WithLabelValues("create_failed").Inc()
		return controlerrors.New(controlerrors.ContainerCreateFailed, r.ID, err)
	}
	if err := rt.StartContainer(ctx, containerID); err != nil {
		l.untrack(r.ID)
		telemetry.LauncherContainers.WithLabelValues("start_failed").Inc()
		return controlerrors.New(controlerrors.ContainerStartFailed, r.ID, err)
	}
	telemetry.LauncherContainers.WithLabelValues("created").Inc()

	if _, err := e.fsm.Fire(ctx, evStarted); err != nil {
		log.L().Warn().Str("id", r.ID).Err(err).Msg("launcher: tracking fsm out of sync")
	}
	e.containerID = containerID
	e.containerName = name

	if _, err := l.reg.SetBackupContainer(ctx, r.ID, containerID, name); err != nil {
		log.L().Warn().Str("id", r.ID).Err(err).Msg("launcher: failed to persist backup container metadata")
	}
	return nil
}

// nextChunk parses the leading digit run of a chunk filename like
// "0003.mp4" and returns the next zero-padded 4-digit index, or "0001"
// if the name does not start with digits.
func nextChunk(lastChunk string) string {
	i := 0
	for i < len(lastChunk) && lastChunk[i] >= '0' && lastChunk[i] <= '9' {
		i++
	}
	if i == 0 {
		return "0001"
	}
	n, err := strconv.Atoi(lastChunk[:i])
	if err != nil {
		return "0001"
	}
	return fmt.Sprintf("%04d", n+1)
}

func (l *Launcher) backupEnv(r *model.Session, startChunk string) []string {
	return []string{
		"VIDEO_ID=" + r.ID,
		"VIDEO_NAME=" + r.ID,
		"SESSION_ID=" + r.ID,
		"START_CHUNK=" + startChunk,
		"CLIENT_ID=" + r.ClientID + "-backup",
		"RECORDING_BASE_URL=" + l.cfg.RecordingBaseURL,
		"CONTROLLER_HOST=" + l.cfg.ControllerHost,
		"CONTROLLER_PORT=" + l.cfg.ControllerPort,
		"APP_SECURITY_USERNAME=" + l.cfg.SecurityUsername,
		"APP_SECURITY_PASSWORD=" + l.cfg.SecurityPassword,
		"HEARTBEAT_INTERVAL=" + strconv.Itoa(int(l.cfg.HeartbeatPeriod.Seconds())),
		"IS_BACKUP_CONTAINER=true",
		"ORIGINAL_CLIENT_HOST=" + r.ClientHost,
		"RECORDING_JSON=" + r.Metadata,
		"RECORDING_PATH=" + r.RecordingPath,
	}
}

// StopBackup runs the stop algorithm: stop with grace,
// force-remove, clear registry metadata, untrack.
func (l *Launcher) StopBackup(ctx context.Context, id string) error {
	l.trackMu.Lock()
	e, ok := l.tracked[id]
	l.trackMu.Unlock()
	if !ok {
		return controlerrors.New(controlerrors.NotFound, id, nil)
	}

	if _, err := e.fsm.Fire(ctx, evStop); err != nil {
		return controlerrors.New(controlerrors.ContainerStopFailed, id, err)
	}

	rt, err := l.runtimeClient()
	if err != nil {
		return err
	}

	if err := rt.StopContainer(ctx, e.containerID, stopGrace); err != nil {
		log.L().Warn().Str("id", id).Str("container", e.containerID).Err(err).Msg("launcher: stop failed, forcing removal")
	}
	if err := rt.RemoveContainer(ctx, e.containerID); err != nil {
		l.untrack(id)
		telemetry.LauncherContainers.WithLabelValues("stop_failed").Inc()
		return controlerrors.New(controlerrors.ContainerStopFailed, id, err)
	}

	if _, err := l.reg.SetBackupContainer(ctx, id, "", ""); err != nil {
		log.L().Warn().Str("id", id).Err(err).Msg("launcher: failed to clear backup container metadata")
	}
	l.untrack(id)
	telemetry.LauncherContainers.WithLabelValues("stopped").Inc()
	return nil
}

func (l *Launcher) untrack(id string) {
	l.trackMu.Lock()
	delete(l.tracked, id)
	l.trackMu.Unlock()
}

// ListBackups returns the tracked session ids and their container ids.
func (l *Launcher) ListBackups() map[string]string {
	l.trackMu.Lock()
	defer l.trackMu.Unlock()
	out := make(map[string]string, len(l.tracked))
	for id, e := range l.tracked {
		out[id] = e.containerID
	}
	return out
}

// CleanupSweep implements the Launcher cleanup sweep: drop
// tracking entries whose registry record is missing or no longer
// isActive(), stopping their containers best-effort. This is the
// Scheduler's BACKUP_RECLAIM job body.
func (l *Launcher) CleanupSweep(ctx context.Context) (swept int, err error) {
	l.trackMu.Lock()
	ids := make([]string, 0, len(l.tracked))
	for id := range l.tracked {
		ids = append(ids, id)
	}
	l.trackMu.Unlock()

	for _, id := range ids {
		s, getErr := l.reg.Get(ctx, id)
		if getErr != nil {
			log.L().Warn().Str("id", id).Err(getErr).Msg("launcher: cleanup sweep lookup failed")
			continue
		}
		if s != nil && s.IsActive() {
			continue
		}
		if err := l.StopBackup(ctx, id); err != nil {
			log.L().Warn().Str("id", id).Err(err).Msg("launcher: cleanup sweep stop failed")
			continue
		}
		swept++
	}
	return swept, nil
}

// Close releases the runtime client, if one was constructed.
func (l *Launcher) Close() error {
	l.initMu.Lock()
	defer l.initMu.Unlock()
	if l.runtime == nil {
		return nil
	}
	return l.runtime.Close()
}
