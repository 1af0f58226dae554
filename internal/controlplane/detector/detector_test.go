// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
)

type fakeRegistry struct {
	sessions []*model.Session
}

func (f *fakeRegistry) ListActive(ctx context.Context) ([]*model.Session, error) {
	return f.sessions, nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	tracked  map[string]bool
	started  []string
	failNext error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{tracked: make(map[string]bool)}
}

func (f *fakeLauncher) IsTracked(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked[id]
}

func (f *fakeLauncher) StartBackup(ctx context.Context, r *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.tracked[r.ID] = true
	f.started = append(f.started, r.ID)
	return nil
}

// TestDetector_HeartbeatTimeout: a stale heartbeat beyond
// HB_TIMEOUT triggers exactly one backup launch.
func TestDetector_HeartbeatTimeout(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{sessions: []*model.Session{
		{ID: "s2", Status: model.StatusRecording, Active: true, LastHeartbeat: now.Add(-4 * time.Second), LastChunk: "0005.mp4"},
	}}
	l := newFakeLauncher()
	d := New(reg, l, 3*time.Second, 100*time.Second)
	d.now = func() time.Time { return now }

	d.Tick(context.Background())

	require.Equal(t, []string{"s2"}, l.started)
}

// TestDetector_StuckChunk: no heartbeat timeout, but a
// stuck-chunk predicate still fires failover.
func TestDetector_StuckChunk(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{sessions: []*model.Session{
		{ID: "s3", Status: model.StatusRecording, Active: true, LastHeartbeat: now.Add(-7 * time.Second), LastChunk: "0010.mp4"},
	}}
	l := newFakeLauncher()
	// hbTimeout very high so only the stuck-chunk predicate can fire.
	d := New(reg, l, 100*time.Second, 6*time.Second)
	d.now = func() time.Time { return now }

	d.Tick(context.Background())

	require.Equal(t, []string{"s3"}, l.started)
}

func TestDetector_NoFalsePositive(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{sessions: []*model.Session{
		{ID: "fresh", Status: model.StatusRecording, Active: true, LastHeartbeat: now.Add(-1 * time.Second), LastChunk: "0001.mp4"},
	}}
	l := newFakeLauncher()
	d := New(reg, l, 3*time.Second, 6*time.Second)
	d.now = func() time.Time { return now }

	d.Tick(context.Background())

	require.Empty(t, l.started)
}

// TestDetector_NoDoubleLaunch: a second tick after launch
// must not start a second backup for the same session.
func TestDetector_NoDoubleLaunch(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{sessions: []*model.Session{
		{ID: "s2", Status: model.StatusRecording, Active: true, LastHeartbeat: now.Add(-4 * time.Second), LastChunk: "0005.mp4"},
	}}
	l := newFakeLauncher()
	d := New(reg, l, 3*time.Second, 100*time.Second)
	d.now = func() time.Time { return now }

	d.Tick(context.Background())
	d.Tick(context.Background())

	require.Equal(t, []string{"s2"}, l.started, "second tick must not launch again")
}

func TestDetector_SkipsInactiveSessions(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{sessions: []*model.Session{
		{ID: "stale-but-inactive", Status: model.StatusStarting, Active: false, LastHeartbeat: now.Add(-100 * time.Second)},
	}}
	l := newFakeLauncher()
	d := New(reg, l, time.Second, time.Second)
	d.now = func() time.Time { return now }

	d.Tick(context.Background())

	require.Empty(t, l.started)
}
