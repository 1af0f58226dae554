// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/config"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/detector"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/gc"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/launcher"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/registry"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/relay"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/store"
)

// newTestServer wires real collaborators over a temp-file store, the
// same shape cmd/failover-controlplane/main.go assembles, so routing
// and error-kind-to-status mapping are exercised end to end.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st, nil)
	cfg := config.Config{Image: "backup", Tag: "latest", BackupPrefix: "backup", ServiceID: "svc"}
	l := launcher.New(cfg, reg)
	det := detector.New(reg, l, cfg.HBTimeout(), cfg.StuckTimeout())
	r := relay.New(config.Config{RelayEnabled: false}, reg)
	c := gc.New(context.Background(), config.Config{})

	return New(reg, det, l, r, c)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestAPI_RegisterAndGet(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/sessions", map[string]string{"id": "s1", "clientId": "c1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got sessionWire
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "s1", got.ID)
	require.Equal(t, "STARTING", got.Status)
}

func TestAPI_Register_ValidationError(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/sessions", map[string]string{"id": "", "clientId": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Register_DuplicateConflict(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, s, http.MethodPost, "/sessions", map[string]string{"id": "s1", "clientId": "c1"}).Code)
	rec := doJSON(t, s, http.MethodPost, "/sessions", map[string]string{"id": "s1", "clientId": "c1"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_Get_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/sessions/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_SetStatus_InvalidStatusIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, s, http.MethodPost, "/sessions", map[string]string{"id": "s1", "clientId": "c1"}).Code)

	rec := doJSON(t, s, http.MethodPut, "/sessions/s1/status", map[string]string{"status": "NOT_A_STATUS"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Heartbeat_Count_List(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, s, http.MethodPost, "/sessions", map[string]string{"id": "s1", "clientId": "c1"}).Code)

	rec := doJSON(t, s, http.MethodPost, "/sessions/s1/heartbeat", map[string]string{"lastChunk": "0002.mp4"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/sessions/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Equal(t, 1, counts["active"])
	require.Equal(t, 1, counts["all"])

	rec = doJSON(t, s, http.MethodGet, "/sessions/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []sessionWire
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestAPI_Remove_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodDelete, "/sessions/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_FailoverStatus(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/failover/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Launcher struct {
			Initialized bool `json:"initialized"`
		} `json:"launcher"`
		GC struct {
			Disabled bool `json:"disabled"`
		} `json:"gc"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Launcher.Initialized, "no runtime client is constructed until first use")
	require.True(t, body.GC.Disabled, "GC is disabled by the zero-value test config")
}

func TestAPI_FailoverCheck_Accepted(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/failover/check", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAPI_ListBackups_Empty(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/failover/backups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "{}", rec.Body.String())
}

// TestAPI_Webhook_HealthProbe covers the disabled-mode GET-without-body
// health probe.
func TestAPI_Webhook_HealthProbe(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["enabled"])
}

func TestAPI_Webhook_PostIsAcknowledged(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/webhook", map[string]string{"id": "s1", "status": "running"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_StopBackup_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/failover/backups/ghost/stop", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_StopRemovesActive(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, s, http.MethodPost, "/sessions", map[string]string{"id": "s1", "clientId": "c1"}).Code)

	rec := doJSON(t, s, http.MethodPost, "/sessions/s1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got sessionWire
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "COMPLETED", got.Status)
	require.False(t, got.Active)
}
