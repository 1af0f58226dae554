// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package relay implements the Notification Relay: accepts
// inbound notification payloads and forwards them to an
// operator-configured receiver on a bounded worker pool with
// exponential-backoff retry.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/config"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/controlerrors"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/telemetry"
	"github.com/naevatec/ov2-ha-recorder/internal/log"
)

// Registry is the narrow Registry slice the relay's secondary action
// needs: the terminal-status shortcut.
type Registry interface {
	SetStatus(ctx context.Context, id string, status model.Status) (*model.Session, error)
}

// Metrics are the relay's monotonic counters and timestamps,
// exposed through the status endpoint; Prometheus gets only the
// telemetry.RelayRequests counter, not these fields. Total
// counts scheduled deliveries, not individual attempts, so that
// total = successes + failures + in-flight holds at all times.
type Metrics struct {
	Total           int64 `json:"total"`
	Successes       int64 `json:"successes"`
	Failures        int64 `json:"failures"`
	LastRequestTime int64 `json:"lastRequestTime"` // unix millis, 0 if never
	LastSuccessTime int64 `json:"lastSuccessTime"`
	LastFailureTime int64 `json:"lastFailureTime"`
}

// SuccessRate is successes/total when total > 0.
func (m Metrics) SuccessRate() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Total)
}

// Relay forwards notifications on a bounded worker pool with "caller
// runs" backpressure: once the pool's concurrency cap is saturated the
// delivery runs on the inbound handler's goroutine, rather than
// growing unboundedly or dropping work.
type Relay struct {
	cfg    config.Config
	reg    Registry
	client *http.Client

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wg      sync.WaitGroup

	total, successes, failures            int64
	lastRequest, lastSuccess, lastFailure int64
}

// New builds a Relay. The HTTP client is wrapped with otelhttp so
// outbound forward calls participate in the service's trace.
func New(cfg config.Config, reg Registry) *Relay {
	limit := rate.Inf
	if cfg.RelayRatePerSecond > 0 {
		limit = rate.Limit(cfg.RelayRatePerSecond)
	}
	poolMax := cfg.RelayPoolMax
	if poolMax < 1 {
		poolMax = 1
	}
	return &Relay{
		cfg: cfg,
		reg: reg,
		client: &http.Client{
			Timeout:   cfg.RelayTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		sem:     semaphore.NewWeighted(int64(poolMax)),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Enabled reports whether an endpoint is configured.
func (r *Relay) Enabled() bool {
	return r.cfg.RelayEnabled && r.cfg.RelayURL != ""
}

// Metrics returns a snapshot of the atomic counters.
func (r *Relay) Metrics() Metrics {
	return Metrics{
		Total:           atomic.LoadInt64(&r.total),
		Successes:       atomic.LoadInt64(&r.successes),
		Failures:        atomic.LoadInt64(&r.failures),
		LastRequestTime: atomic.LoadInt64(&r.lastRequest),
		LastSuccessTime: atomic.LoadInt64(&r.lastSuccess),
		LastFailureTime: atomic.LoadInt64(&r.lastFailure),
	}
}

// inboundNotification is the minimal shape the secondary action
// inspects; unrecognized fields are forwarded verbatim as raw bytes.
type inboundNotification struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Receive is the webhook.receive entry point: runs the
// synchronous secondary action, schedules the forward, and returns an
// acknowledgement without waiting for delivery.
func (r *Relay) Receive(ctx context.Context, headers http.Header, body []byte) Acknowledgement {
	r.applyTerminalStatusShortcut(ctx, body)

	if !r.Enabled() {
		return Acknowledgement{Disabled: true}
	}

	r.schedule(headers, body)
	return Acknowledgement{Scheduled: true}
}

// Acknowledgement is the immediate reply to the inbound call.
type Acknowledgement struct {
	Disabled  bool `json:"disabled"`
	Scheduled bool `json:"scheduled"`
}

func (r *Relay) applyTerminalStatusShortcut(ctx context.Context, body []byte) {
	var n inboundNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return
	}
	if n.ID == "" || n.Status != "stopped" {
		return
	}
	if _, err := r.reg.SetStatus(ctx, n.ID, model.StatusStopping); err != nil {
		log.L().Info().Str("id", n.ID).Err(err).Msg("relay: terminal-status shortcut setStatus skipped")
	}
}

// schedule hands the delivery to the bounded pool; once the pool is
// saturated the delivery runs on the calling goroutine instead
// ("caller runs" backpressure).
func (r *Relay) schedule(inbound http.Header, body []byte) {
	atomic.AddInt64(&r.total, 1)
	if r.sem.TryAcquire(1) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.deliver(context.Background(), inbound, body)
		}()
		return
	}
	r.deliver(context.Background(), inbound, body)
}

// Drain blocks until every pool-dispatched delivery has finished, or
// until ctx expires. Deliveries running on a caller's goroutine are
// already bounded by that caller's lifetime and are not tracked here.
func (r *Relay) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) deliver(ctx context.Context, inbound http.Header, body []byte) {
	headers := r.buildHeaders(inbound)

	maxAttempts := r.cfg.RelayRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	baseDelay := r.cfg.RelayRetryDelay
	delayCap := 10 * baseDelay

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			atomic.AddInt64(&r.failures, 1)
			atomic.StoreInt64(&r.lastFailure, time.Now().UnixMilli())
			return
		}

		atomic.StoreInt64(&r.lastRequest, time.Now().UnixMilli())

		status, err := r.attempt(ctx, headers, body)
		if err == nil && status >= 200 && status < 300 {
			atomic.AddInt64(&r.successes, 1)
			atomic.StoreInt64(&r.lastSuccess, time.Now().UnixMilli())
			telemetry.RelayRequests.WithLabelValues("success").Inc()
			return
		}
		if err == nil && status >= 400 && status < 500 {
			// RelayClientError: terminal, no retry.
			lastErr = controlerrors.New(controlerrors.RelayClientError, strconv.Itoa(status), nil)
			break
		}
		if err != nil {
			lastErr = controlerrors.New(controlerrors.RelayTransportError, "transport error", err)
		} else {
			lastErr = controlerrors.New(controlerrors.RelayTransportError, strconv.Itoa(status), nil)
		}

		if attempt == maxAttempts {
			break
		}
		delay := baseDelay * time.Duration(1<<uint(attempt-1))
		if delay > delayCap {
			delay = delayCap
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			atomic.AddInt64(&r.failures, 1)
			atomic.StoreInt64(&r.lastFailure, time.Now().UnixMilli())
			return
		}
	}

	atomic.AddInt64(&r.failures, 1)
	atomic.StoreInt64(&r.lastFailure, time.Now().UnixMilli())
	if controlerrors.Is(lastErr, controlerrors.RelayClientError) {
		telemetry.RelayRequests.WithLabelValues("client_error").Inc()
	} else {
		telemetry.RelayRequests.WithLabelValues("transport_error").Inc()
	}
	log.L().Warn().Err(lastErr).Msg("relay: delivery exhausted retries")
}

func (r *Relay) attempt(ctx context.Context, headers http.Header, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.RelayURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header = headers

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// buildHeaders implements the per-request header pipeline.
func (r *Relay) buildHeaders(inbound http.Header) http.Header {
	out := make(http.Header)
	for _, kv := range strings.Split(r.cfg.RelayHeaders, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}

	if ct := inbound.Get("Content-Type"); ct != "" {
		out.Set("Content-Type", ct)
	} else if out.Get("Content-Type") == "" {
		out.Set("Content-Type", "application/json")
	}

	if ua := inbound.Get("User-Agent"); ua != "" {
		out.Set("User-Agent", "OpenVidu-Relay/"+ua)
	}

	for name, vals := range inbound {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "openvidu-") || strings.HasPrefix(lower, "x-openvidu-") {
			for _, v := range vals {
				out.Add(name, v)
			}
		}
	}

	out.Set("X-Relay-Source", r.cfg.ServiceID)
	out.Set("X-Relay-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	return out
}
