// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/config"
	"github.com/naevatec/ov2-ha-recorder/internal/controlplane/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRegistry struct {
	mu    sync.Mutex
	calls map[string]model.Status
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{calls: make(map[string]model.Status)}
}

func (f *fakeRegistry) SetStatus(ctx context.Context, id string, status model.Status) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id] = status
	return &model.Session{ID: id, Status: status}, nil
}

func (f *fakeRegistry) statusFor(id string) (model.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.calls[id]
	return s, ok
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// TestRelay_TerminalStatusShortcut: a "stopped" payload
// triggers SetStatus synchronously, before Receive returns.
func TestRelay_TerminalStatusShortcut(t *testing.T) {
	reg := newFakeRegistry()
	r := New(config.Config{RelayEnabled: false}, reg)

	body, _ := json.Marshal(map[string]string{"id": "s1", "status": "stopped"})
	ack := r.Receive(context.Background(), http.Header{}, body)

	require.True(t, ack.Disabled)
	status, ok := reg.statusFor("s1")
	require.True(t, ok)
	require.Equal(t, model.StatusStopping, status)
}

func TestRelay_Disabled_AcknowledgesWithoutDispatch(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	r := New(config.Config{RelayEnabled: false, RelayURL: srv.URL, RelayPoolMax: 4, RelayRetries: 1}, reg)

	ack := r.Receive(context.Background(), http.Header{}, []byte(`{}`))
	require.True(t, ack.Disabled)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, atomic.LoadInt64(&hits), "disabled relay must never dispatch")
}

func TestRelay_HeaderPipeline(t *testing.T) {
	var gotHeaders http.Header
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		gotHeaders = req.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cfg := config.Config{
		RelayEnabled: true, RelayURL: srv.URL, RelayPoolMax: 4, RelayRetries: 1,
		RelayTimeout: time.Second, RelayRetryDelay: 10 * time.Millisecond,
		RelayHeaders: "Authorization: Bearer token", ServiceID: "svc-1",
	}
	r := New(cfg, reg)

	inbound := http.Header{}
	inbound.Set("Content-Type", "application/json; charset=utf-8")
	inbound.Set("User-Agent", "openvidu-server/3.0")
	inbound.Set("OpenVidu-Session-Id", "s1")
	inbound.Set("X-OpenVidu-Secret", "shh")
	inbound.Set("Irrelevant-Header", "drop-me")

	ack := r.Receive(context.Background(), inbound, []byte(`{}`))
	require.True(t, ack.Scheduled)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotHeaders != nil
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "Bearer token", gotHeaders.Get("Authorization"))
	require.Equal(t, "application/json; charset=utf-8", gotHeaders.Get("Content-Type"))
	require.Equal(t, "OpenVidu-Relay/openvidu-server/3.0", gotHeaders.Get("User-Agent"))
	require.Equal(t, "s1", gotHeaders.Get("OpenVidu-Session-Id"))
	require.Equal(t, "shh", gotHeaders.Get("X-OpenVidu-Secret"))
	require.Empty(t, gotHeaders.Get("Irrelevant-Header"))
	require.Equal(t, "svc-1", gotHeaders.Get("X-Relay-Source"))
	require.NotEmpty(t, gotHeaders.Get("X-Relay-Timestamp"))
}

// TestRelay_RetryThenSuccess: two transient failures
// followed by a success, exactly three attempts total.
func TestRelay_RetryThenSuccess(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cfg := config.Config{
		RelayEnabled: true, RelayURL: srv.URL, RelayPoolMax: 4, RelayRetries: 5,
		RelayTimeout: time.Second, RelayRetryDelay: 5 * time.Millisecond,
	}
	r := New(cfg, reg)

	ack := r.Receive(context.Background(), http.Header{}, []byte(`{}`))
	require.True(t, ack.Scheduled)

	waitFor(t, 2*time.Second, func() bool { return r.Metrics().Successes == 1 })

	require.EqualValues(t, 3, atomic.LoadInt64(&attempts))
	m := r.Metrics()
	require.EqualValues(t, 1, m.Successes)
	require.EqualValues(t, 0, m.Failures)
	// Total counts deliveries, not attempts, so that
	// total = successes + failures once nothing is in flight.
	require.EqualValues(t, 1, m.Total)
	require.InDelta(t, 1.0, m.SuccessRate(), 0.0001)
}

// TestRelay_ClientError_NoRetry covers the 4xx-terminal no-retry path:
// a single attempt is made and it is recorded as a failure.
func TestRelay_ClientError_NoRetry(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cfg := config.Config{
		RelayEnabled: true, RelayURL: srv.URL, RelayPoolMax: 4, RelayRetries: 5,
		RelayTimeout: time.Second, RelayRetryDelay: 5 * time.Millisecond,
	}
	r := New(cfg, reg)

	ack := r.Receive(context.Background(), http.Header{}, []byte(`{}`))
	require.True(t, ack.Scheduled)

	waitFor(t, time.Second, func() bool { return r.Metrics().Failures == 1 })

	require.EqualValues(t, 1, atomic.LoadInt64(&attempts), "4xx must not be retried")
	m := r.Metrics()
	require.EqualValues(t, 0, m.Successes)
	require.EqualValues(t, 1, m.Failures)
	require.EqualValues(t, 1, m.Total)
}

// TestRelay_CallerRuns_Backpressure pins the rejection policy: with
// the pool's single slot occupied, the next delivery runs on the
// calling goroutine instead of being dropped or queued unboundedly.
func TestRelay_CallerRuns_Backpressure(t *testing.T) {
	block := make(chan struct{})
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			<-block
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Config{
		RelayEnabled: true, RelayURL: srv.URL, RelayPoolMax: 1, RelayRetries: 1,
		RelayTimeout: 5 * time.Second,
	}
	r := New(cfg, newFakeRegistry())

	// First delivery occupies the only pool slot and parks in the
	// receiver until released.
	r.Receive(context.Background(), http.Header{}, []byte(`{}`))
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&attempts) == 1 })

	// Second delivery must still complete while the slot is held: it
	// runs on the caller.
	done := make(chan struct{})
	go func() {
		r.Receive(context.Background(), http.Header{}, []byte(`{}`))
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&attempts) == 2 })

	close(block)
	<-done
	waitFor(t, time.Second, func() bool { return r.Metrics().Successes == 2 })
}

// TestRelay_Drain_WaitsForInflight covers the shutdown path: Drain must
// not return while a pool-dispatched delivery is still in flight.
func TestRelay_Drain_WaitsForInflight(t *testing.T) {
	block := make(chan struct{})
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&attempts, 1)
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Config{
		RelayEnabled: true, RelayURL: srv.URL, RelayPoolMax: 2, RelayRetries: 1,
		RelayTimeout: 5 * time.Second,
	}
	r := New(cfg, newFakeRegistry())

	r.Receive(context.Background(), http.Header{}, []byte(`{}`))
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&attempts) == 1 })

	drained := make(chan error, 1)
	go func() { drained <- r.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("Drain returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	require.NoError(t, <-drained)
	require.EqualValues(t, 1, r.Metrics().Successes)
}

// TestRelay_RatePerSecond_PacesRequests covers the relay's outbound
// rate limiter: with a 2 req/s cap, three total requests must not all
// land within the first burst.
func TestRelay_RatePerSecond_PacesRequests(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := newFakeRegistry()
	cfg := config.Config{
		RelayEnabled: true, RelayURL: srv.URL, RelayPoolMax: 4, RelayRetries: 1,
		RelayTimeout: time.Second, RelayRatePerSecond: 2,
	}
	r := New(cfg, reg)

	start := time.Now()
	r.Receive(context.Background(), http.Header{}, []byte(`{}`))
	r.Receive(context.Background(), http.Header{}, []byte(`{}`))
	r.Receive(context.Background(), http.Header{}, []byte(`{}`))

	waitFor(t, 3*time.Second, func() bool { return r.Metrics().Successes == 3 })
	require.EqualValues(t, 3, atomic.LoadInt64(&attempts))
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond, "a 2 req/s limiter must pace 3 requests over at least ~1s")
}

func TestMetrics_SuccessRate(t *testing.T) {
	m := Metrics{Total: 0}
	require.Zero(t, m.SuccessRate())

	m = Metrics{Total: 4, Successes: 3}
	require.InDelta(t, 0.75, m.SuccessRate(), 0.0001)
}
