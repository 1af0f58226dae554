// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api implements the Registry-facing API surface: input
// validation plus routing into the Registry, Launcher and Relay. This
// is the only layer that translates domain errors into HTTP status
// codes; transport framing and authentication are out of scope.
package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/controlerrors"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/detector"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/gc"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/launcher"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/registry"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/relay"
	"github.com/naevatec/ov2-ha-recorder/internal/log"
)

const timestampLayout = "2006-01-02 15:04:05"

// Server wires the Registry, Detector, Launcher, Relay and Chunk GC
// into an HTTP router.
type Server struct {
	reg       *registry.Registry
	launcher  *launcher.Launcher
	detector  *detector.Detector
	relay     *relay.Relay
	collector *gc.Collector
	router    chi.Router
}

// New builds the router. Collaborators are concrete types rather than
// interfaces here because this is the outermost layer: nothing above
// it needs to fake these out.
func New(reg *registry.Registry, det *detector.Detector, l *launcher.Launcher, r *relay.Relay, c *gc.Collector) *Server {
	s := &Server{reg: reg, launcher: l, detector: det, relay: r, collector: c}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.router.ServeHTTP(w, req)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/sessions", s.handleRegister)
	r.Post("/sessions/{id}/heartbeat", s.handleHeartbeat)
	r.Put("/sessions/{id}/status", s.handleSetStatus)
	r.Put("/sessions/{id}/recording-path", s.handleSetRecordingPath)
	r.Post("/sessions/{id}/stop", s.handleStop)
	r.Post("/sessions/{id}/mark-inactive", s.handleMarkInactive)
	r.Delete("/sessions/{id}", s.handleRemove)

	r.Get("/sessions", s.handleList)
	r.Get("/sessions/active", s.handleListActive)
	r.Get("/sessions/inactive", s.handleListInactive)
	r.Get("/sessions/{id}", s.handleGet)
	r.Get("/sessions/{id}/exists", s.handleExists)
	r.Get("/sessions/count", s.handleCount)

	r.Get("/failover/status", s.handleFailoverStatus)
	r.Post("/failover/check", s.handleFailoverCheck)
	r.Post("/failover/backups/{id}/stop", s.handleStopBackup)
	r.Get("/failover/backups", s.handleListBackups)

	r.Handle("/webhook", http.HandlerFunc(s.handleWebhook))

	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID         string `json:"id"`
		ClientID   string `json:"clientId"`
		ClientHost string `json:"clientHost"`
		Metadata   string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, controlerrors.New(controlerrors.ValidationError, "malformed body", err))
		return
	}
	if body.ID == "" || body.ClientID == "" {
		writeError(w, controlerrors.New(controlerrors.ValidationError, "id and clientId are required", nil))
		return
	}
	sess, err := s.reg.Register(r.Context(), body.ID, body.ClientID, body.ClientHost, body.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWire(sess))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		LastChunk string `json:"lastChunk"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	sess, err := s.reg.Heartbeat(r.Context(), id, body.LastChunk)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(sess))
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, controlerrors.New(controlerrors.ValidationError, "malformed body", err))
		return
	}
	status := model.Status(body.Status)
	if !status.Valid() {
		writeError(w, controlerrors.New(controlerrors.ValidationError, "unknown status: "+body.Status, nil))
		return
	}
	sess, err := s.reg.SetStatus(r.Context(), id, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(sess))
}

func (s *Server) handleSetRecordingPath(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Path string `json:"recordingPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, controlerrors.New(controlerrors.ValidationError, "malformed body", err))
		return
	}
	sess, err := s.reg.SetRecordingPath(r.Context(), id, body.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(sess))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.reg.Stop(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(sess))
}

func (s *Server) handleMarkInactive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.reg.MarkInactive(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWire(sess))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reg.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.reg.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireList(list))
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	list, err := s.reg.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireList(list))
}

func (s *Server) handleListInactive(w http.ResponseWriter, r *http.Request) {
	list, err := s.reg.ListInactive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWireList(list))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.reg.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		writeError(w, controlerrors.New(controlerrors.NotFound, id, nil))
		return
	}
	writeJSON(w, http.StatusOK, toWire(sess))
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.reg.Exists(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	active, err := s.reg.CountActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	inactive, err := s.reg.CountInactive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	all, err := s.reg.CountAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active": active, "inactive": inactive, "all": all})
}

func (s *Server) handleFailoverStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"launcher": s.launcher.Status(),
		"gc":       s.collector.Status(),
	})
}

func (s *Server) handleFailoverCheck(w http.ResponseWriter, r *http.Request) {
	s.detector.Tick(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.launcher.StopBackup(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.launcher.ListBackups())
}

// handleWebhook is webhook.receive: unauthenticated by design, any
// HTTP method accepted, and a bare GET without a body doubles as the
// relay health probe.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.ContentLength <= 0 {
		m := s.relay.Metrics()
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled":     s.relay.Enabled(),
			"metrics":     m,
			"successRate": m.SuccessRate(),
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, controlerrors.New(controlerrors.ValidationError, "failed to read body", err))
		return
	}
	ack := s.relay.Receive(r.Context(), r.Header, body)
	writeJSON(w, http.StatusOK, ack)
}

// sessionWire is the response shape: timestamps formatted
// "yyyy-MM-dd HH:mm:ss", native time.Time in storage.
type sessionWire struct {
	ID                  string `json:"id"`
	ClientID            string `json:"clientId"`
	ClientHost          string `json:"clientHost,omitempty"`
	Status              string `json:"status"`
	CreatedAt           string `json:"createdAt"`
	LastHeartbeat       string `json:"lastHeartbeat"`
	LastChunk           string `json:"lastChunk,omitempty"`
	RecordingPath       string `json:"recordingPath,omitempty"`
	Metadata            string `json:"metadata,omitempty"`
	Active              bool   `json:"active"`
	BackupContainerID   string `json:"backupContainerId,omitempty"`
	BackupContainerName string `json:"backupContainerName,omitempty"`
}

func toWire(s *model.Session) sessionWire {
	return sessionWire{
		ID:                  s.ID,
		ClientID:            s.ClientID,
		ClientHost:          s.ClientHost,
		Status:              string(s.Status),
		CreatedAt:           s.CreatedAt.Format(timestampLayout),
		LastHeartbeat:       s.LastHeartbeat.Format(timestampLayout),
		LastChunk:           s.LastChunk,
		RecordingPath:       s.RecordingPath,
		Metadata:            s.Metadata,
		Active:              s.Active,
		BackupContainerID:   s.BackupContainerID,
		BackupContainerName: s.BackupContainerName,
	}
}

func toWireList(list []*model.Session) []sessionWire {
	out := make([]sessionWire, 0, len(list))
	for _, s := range list {
		out = append(out, toWire(s))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L().Warn().Err(err).Msg("api: failed to encode response")
	}
}

// writeError maps a domain error kind to an HTTP status code, the
// single place domain error kinds become user-visible codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""
	if ce, ok := controlerrors.AsError(err); ok {
		kind = string(ce.Kind)
		switch ce.Kind {
		case controlerrors.NotFound:
			status = http.StatusNotFound
		case controlerrors.AlreadyExists:
			status = http.StatusConflict
		case controlerrors.ValidationError:
			status = http.StatusBadRequest
		case controlerrors.StoreUnavailable, controlerrors.RuntimeUnavailable,
			controlerrors.ObjectStoreError, controlerrors.ContainerCreateFailed,
			controlerrors.ContainerStartFailed, controlerrors.ContainerStopFailed:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}
