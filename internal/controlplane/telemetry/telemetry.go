// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package telemetry holds the control plane's Prometheus counter
// vectors: package-level promauto vectors registered once at import
// time, incremented by the component that owns the event rather than
// scraped from the outside.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FSMTransitions counts session status changes made through
	// Registry.SetStatus, labeled by the edge (from, to) so a dashboard
	// can spot a status stuck looping.
	FSMTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ov2ha_fsm_transitions_total",
			Help: "Session status transitions by from/to state.",
		},
		[]string{"from", "to"},
	)

	// RelayRequests counts outbound relay deliveries, once each, by
	// terminal result (success, client_error, transport_error).
	RelayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ov2ha_relay_requests_total",
			Help: "Notification relay deliveries by terminal result.",
		},
		[]string{"result"},
	)

	// GCObjectsDeleted counts objects removed per garbage-collection run.
	GCObjectsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ov2ha_gc_objects_deleted_total",
			Help: "Object store keys deleted by the chunk garbage collector.",
		},
		[]string{},
	)

	// DetectorTicks counts liveness detector ticks by outcome.
	DetectorTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ov2ha_detector_ticks_total",
			Help: "Liveness detector ticks by outcome (ok, failed_sessions_found, error).",
		},
		[]string{"outcome"},
	)

	// LauncherContainers counts backup container lifecycle operations by
	// result (created, create_failed, start_failed, stopped, stop_failed).
	LauncherContainers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ov2ha_launcher_containers_total",
			Help: "Backup container operations by result.",
		},
		[]string{"result"},
	)
)
