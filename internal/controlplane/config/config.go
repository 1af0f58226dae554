// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config holds the control plane's recognized configuration
// options, loaded from environment variables with sane defaults. There
// is no framework-level config loader here; each field is read
// explicitly so the full set of recognized keys is visible in one
// place.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved set of control-plane options.
type Config struct {
	// Liveness Detector / timeouts
	HeartbeatPeriod time.Duration
	ChunkPeriod     time.Duration
	MaxMissed       int
	CheckInterval   time.Duration
	CleanupInterval time.Duration
	MaxInactive     time.Duration
	FailoverEnabled bool

	// Backup Launcher
	Image            string
	Tag              string
	Network          string
	BackupPrefix     string
	SocketPath       string
	ServiceID        string
	ControllerHost   string
	ControllerPort   string
	SecurityUsername string
	SecurityPassword string
	RecordingBaseURL string

	// Object store / Chunk GC
	Bucket           string
	AccessKey        string
	SecretKey        string
	Region           string
	Endpoint         string
	ChunkFolder      string
	CleanupEnabled   bool
	CleanupAsync     bool
	CleanupBatchSize int

	// Notification Relay
	RelayURL           string
	RelayHeaders       string
	RelayTimeout       time.Duration
	RelayRetries       int
	RelayRetryDelay    time.Duration
	RelayEnabled       bool
	RelayPoolCore      int
	RelayPoolMax       int
	RelayPoolQueue     int
	RelayRatePerSecond float64

	// Store
	StorePath string

	// API
	ListenAddr string

	// Tracing
	TracingEnabled      bool
	TracingExporterType string
	TracingEndpoint     string
	TracingSamplingRate float64
	Environment         string
}

// HBTimeout derives HB_TIMEOUT = heartbeatPeriod x maxMissed.
func (c Config) HBTimeout() time.Duration {
	return c.HeartbeatPeriod * time.Duration(c.MaxMissed)
}

// StuckTimeout derives STUCK_TIMEOUT = chunkPeriod x maxMissed.
func (c Config) StuckTimeout() time.Duration {
	return c.ChunkPeriod * time.Duration(c.MaxMissed)
}

// FromEnv builds a Config from environment variables, applying the
// defaults documented alongside each key.
func FromEnv() Config {
	return Config{
		HeartbeatPeriod: envDuration("HEARTBEAT_PERIOD_S", 10*time.Second),
		ChunkPeriod:     envDuration("CHUNK_PERIOD_S", 10*time.Second),
		MaxMissed:       envInt("MAX_MISSED", 3),
		CheckInterval:   envDuration("CHECK_INTERVAL_S", 15*time.Second),
		CleanupInterval: envDuration("CLEANUP_INTERVAL_S", 30*time.Second),
		MaxInactive:     envDuration("MAX_INACTIVE_S", 300*time.Second),
		FailoverEnabled: envBool("FAILOVER_ENABLED", true),

		Image:            envString("BACKUP_IMAGE", "openvidu/recorder-backup"),
		Tag:              envString("BACKUP_TAG", "latest"),
		Network:          envString("BACKUP_NETWORK", "bridge"),
		BackupPrefix:     envString("BACKUP_PREFIX", "backup"),
		SocketPath:       envString("DOCKER_SOCKET_PATH", "/var/run/docker.sock"),
		ServiceID:        envString("SERVICE_ID", "failover-control-plane"),
		ControllerHost:   envString("CONTROLLER_HOST", "localhost"),
		ControllerPort:   envString("CONTROLLER_PORT", "8080"),
		SecurityUsername: envString("APP_SECURITY_USERNAME", ""),
		SecurityPassword: envString("APP_SECURITY_PASSWORD", ""),
		RecordingBaseURL: envString("RECORDING_BASE_URL", ""),

		Bucket:           envString("BUCKET", ""),
		AccessKey:        envString("ACCESS_KEY", ""),
		SecretKey:        envString("SECRET_KEY", ""),
		Region:           envString("REGION", "us-east-1"),
		Endpoint:         envString("ENDPOINT", ""),
		ChunkFolder:      strings.Trim(envString("CHUNK_FOLDER", "chunks"), "/"),
		CleanupEnabled:   envBool("CLEANUP_ENABLED", true),
		CleanupAsync:     envBool("CLEANUP_ASYNC", true),
		CleanupBatchSize: envInt("CLEANUP_BATCH_SIZE", 1000),

		RelayURL:           envString("RELAY_URL", ""),
		RelayHeaders:       envString("RELAY_HEADERS", ""),
		RelayTimeout:       envDuration("RELAY_TIMEOUT_MS", 5000*time.Millisecond),
		RelayRetries:       envInt("RELAY_RETRIES", 3),
		RelayRetryDelay:    envDuration("RELAY_RETRY_DELAY_MS", 200*time.Millisecond),
		RelayEnabled:       envBool("RELAY_ENABLED", true),
		RelayPoolCore:      envInt("RELAY_POOL_CORE", 4),
		RelayPoolMax:       envInt("RELAY_POOL_MAX", 16),
		RelayPoolQueue:     envInt("RELAY_POOL_QUEUE", 256),
		RelayRatePerSecond: envFloat("RELAY_RATE_PER_SECOND", 50),

		StorePath:  envString("STORE_PATH", "./data/sessions.db"),
		ListenAddr: envString("LISTEN_ADDR", ":8080"),

		TracingEnabled:      envBool("TRACING_ENABLED", false),
		TracingExporterType: envString("TRACING_EXPORTER", "http"),
		TracingEndpoint:     envString("TRACING_ENDPOINT", "localhost:4318"),
		TracingSamplingRate: envFloat("TRACING_SAMPLING_RATE", 0.1),
		Environment:         envString("ENVIRONMENT", "production"),
	}
}

func envFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envDuration reads a plain integer number of milliseconds when the key
// ends in _MS, otherwise seconds; both suffix conventions are in use.
func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if strings.HasSuffix(key, "_MS") {
		return time.Duration(n) * time.Millisecond
	}
	return time.Duration(n) * time.Second
}
