// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package registry implements the Session Registry: CRUD plus state
// transitions over session entities, owning the lifecycle rules no
// other component may bypass.
package registry

import (
	"context"
	"time"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/controlerrors"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/store"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/telemetry"
	"github.com/naevatec/ov2-ha-recorder/internal/log"
)

// GCTrigger is invoked fire-and-forget when remove() hard-deletes a
// session, starting the chunk cleanup for that session's base id.
type GCTrigger func(ctx context.Context, sessionID string)

// Registry implements the session lifecycle operations over a Store.
type Registry struct {
	store store.Store
	gc    GCTrigger
	now   func() time.Time
}

// New builds a Registry. gc may be nil in configurations where the
// Chunk Garbage Collector is disabled.
func New(s store.Store, gc GCTrigger) *Registry {
	return &Registry{store: s, gc: gc, now: time.Now}
}

func (r *Registry) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Register inserts a new session in STARTING, active=true. Errors with
// AlreadyExists if id already exists.
func (r *Registry) Register(ctx context.Context, id, clientID, clientHost, metadata string) (*model.Session, error) {
	if id == "" || clientID == "" {
		return nil, controlerrors.New(controlerrors.ValidationError, "id and clientId are required", nil)
	}
	exists, err := r.store.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, controlerrors.New(controlerrors.AlreadyExists, id, nil)
	}

	now := r.clock()
	s := &model.Session{
		ID:            id,
		ClientID:      clientID,
		ClientHost:    clientHost,
		Status:        model.StatusStarting,
		CreatedAt:     now,
		LastHeartbeat: now,
		Metadata:      metadata,
		Active:        true,
	}
	if err := r.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// mutate is the shared read-modify-write path used by every op below
// so "touch heartbeat" is atomic with the mutation (no torn writes).
func (r *Registry) mutate(ctx context.Context, id string, fn func(s *model.Session) error) (*model.Session, error) {
	s, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, controlerrors.New(controlerrors.NotFound, id, nil)
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := r.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Heartbeat sets lastHeartbeat := now and optionally overwrites
// lastChunk. No status change.
func (r *Registry) Heartbeat(ctx context.Context, id, lastChunk string) (*model.Session, error) {
	return r.mutate(ctx, id, func(s *model.Session) error {
		s.LastHeartbeat = r.clock()
		if lastChunk != "" {
			s.LastChunk = lastChunk
		}
		return nil
	})
}

// SetStatus overwrites status, touches lastHeartbeat, and drops the
// active flag on any terminal status.
func (r *Registry) SetStatus(ctx context.Context, id string, status model.Status) (*model.Session, error) {
	if !status.Valid() {
		return nil, controlerrors.New(controlerrors.ValidationError, "unknown status: "+string(status), nil)
	}
	return r.mutate(ctx, id, func(s *model.Session) error {
		from := s.Status
		s.Status = status
		s.LastHeartbeat = r.clock()
		if status.IsTerminal() {
			s.Active = false
		}
		telemetry.FSMTransitions.WithLabelValues(string(from), string(status)).Inc()
		return nil
	})
}

// SetRecordingPath overwrites recordingPath and touches heartbeat.
func (r *Registry) SetRecordingPath(ctx context.Context, id, path string) (*model.Session, error) {
	return r.mutate(ctx, id, func(s *model.Session) error {
		s.RecordingPath = path
		s.LastHeartbeat = r.clock()
		return nil
	})
}

// Stop runs the two-phase STOPPING then COMPLETED transition (active=false).
func (r *Registry) Stop(ctx context.Context, id string) (*model.Session, error) {
	if _, err := r.mutate(ctx, id, func(s *model.Session) error {
		s.Status = model.StatusStopping
		s.LastHeartbeat = r.clock()
		s.Active = false
		return nil
	}); err != nil {
		return nil, err
	}
	return r.mutate(ctx, id, func(s *model.Session) error {
		s.Status = model.StatusCompleted
		s.LastHeartbeat = r.clock()
		s.Active = false
		return nil
	})
}

// MarkInactive sets active=false, status=INACTIVE, touches heartbeat.
// Unlike Remove, this never triggers GC.
func (r *Registry) MarkInactive(ctx context.Context, id string) (*model.Session, error) {
	return r.mutate(ctx, id, func(s *model.Session) error {
		s.Active = false
		s.Status = model.StatusInactive
		s.LastHeartbeat = r.clock()
		return nil
	})
}

// SetBackupContainer is the metadata-only write used by the Launcher
// after creating or stopping a backup container. It does not go
// through the higher-level status ops.
func (r *Registry) SetBackupContainer(ctx context.Context, id, containerID, containerName string) (*model.Session, error) {
	return r.mutate(ctx, id, func(s *model.Session) error {
		s.BackupContainerID = containerID
		s.BackupContainerName = containerName
		return nil
	})
}

// Remove hard-deletes the session and starts GC fire-and-forget before
// returning. Remove returning success does not imply GC completion.
func (r *Registry) Remove(ctx context.Context, id string) error {
	exists, err := r.store.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return controlerrors.New(controlerrors.NotFound, id, nil)
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	if r.gc != nil {
		r.gc(ctx, id)
	} else {
		log.L().Warn().Str("id", id).Msg("registry: GC trigger not configured, chunk cleanup skipped")
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*model.Session, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	return r.store.Exists(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]*model.Session, error) {
	return r.store.ListAll(ctx)
}

// ListAll is an alias for List, named to match the Launcher's
// RegistryWriter collaborator interface.
func (r *Registry) ListAll(ctx context.Context) ([]*model.Session, error) {
	return r.store.ListAll(ctx)
}

func (r *Registry) ListActive(ctx context.Context) ([]*model.Session, error) {
	return r.store.ListActive(ctx)
}

func (r *Registry) ListInactive(ctx context.Context) ([]*model.Session, error) {
	return r.store.ListInactive(ctx)
}

func (r *Registry) CountActive(ctx context.Context) (int, error)   { return r.store.CountActive(ctx) }
func (r *Registry) CountInactive(ctx context.Context) (int, error) { return r.store.CountInactive(ctx) }
func (r *Registry) CountAll(ctx context.Context) (int, error)      { return r.store.CountAll(ctx) }

// InactivitySweep implements the Scheduler's CLEANUP job:
// listActive -> filter isInactive(maxInactive) -> setStatus(INACTIVE),
// then one bulk delete for the whole batch; afterwards sweep orphan
// index entries. GC fires once per removed session, as Remove would.
func (r *Registry) InactivitySweep(ctx context.Context, maxInactive time.Duration) (swept int, err error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := r.clock()
	var expired []string
	for _, s := range active {
		if !s.IsInactive(now, maxInactive) {
			continue
		}
		if _, err := r.SetStatus(ctx, s.ID, model.StatusInactive); err != nil {
			log.L().Warn().Str("id", s.ID).Err(err).Msg("registry: inactivity sweep setStatus failed")
			continue
		}
		expired = append(expired, s.ID)
	}
	if len(expired) > 0 {
		if err := r.store.DeleteMany(ctx, expired); err != nil {
			log.L().Warn().Int("count", len(expired)).Err(err).Msg("registry: inactivity sweep bulk delete failed")
		} else {
			swept = len(expired)
			if r.gc != nil {
				for _, id := range expired {
					r.gc(ctx, id)
				}
			}
		}
	}
	if _, err := r.store.SweepOrphans(ctx); err != nil {
		log.L().Warn().Err(err).Msg("registry: sweep orphans failed")
	}
	return swept, nil
}
