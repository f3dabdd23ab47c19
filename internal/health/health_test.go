package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/desklaunch/internal/logger"
)

func quietLogger() *slog.Logger {
	return logger.Discard()
}

// healthyAfter answers unhealthy until the n-th request, then healthy.
type healthyAfter struct {
	n     int32
	count atomic.Int32
	mu    sync.Mutex
	times []time.Time
}

func (h *healthyAfter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	c := h.count.Add(1)
	h.mu.Lock()
	h.times = append(h.times, time.Now())
	h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if h.n > 0 && c >= h.n {
		_, _ = fmt.Fprint(w, `{"status":"healthy"}`)
		return
	}
	_, _ = fmt.Fprint(w, `{"status":"starting"}`)
}

func TestWaitUntilHealthyExactRequestCount(t *testing.T) {
	const maxAttempts = 6
	for n := 1; n <= maxAttempts; n++ {
		t.Run(fmt.Sprintf("healthy_on_%d", n), func(t *testing.T) {
			h := &healthyAfter{n: int32(n)}
			srv := httptest.NewServer(h)
			defer srv.Close()

			p := New(Config{URL: srv.URL, Attempts: maxAttempts, Interval: 10 * time.Millisecond}, WithLogger(quietLogger()))
			require.True(t, p.WaitUntilHealthy(context.Background()))
			assert.Equal(t, int32(n), h.count.Load())
			assert.Equal(t, n, p.Requests())
			assert.Equal(t, Healthy, p.Status())
		})
	}
}

func TestWaitUntilHealthyNeverHealthy(t *testing.T) {
	const maxAttempts = 5
	interval := 30 * time.Millisecond
	h := &healthyAfter{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	p := New(Config{URL: srv.URL, Attempts: maxAttempts, Interval: interval, LogEvery: 2}, WithLogger(quietLogger()))
	require.False(t, p.WaitUntilHealthy(context.Background()))
	assert.Equal(t, int32(maxAttempts), h.count.Load())
	assert.Equal(t, TimedOut, p.Status())

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 1; i < len(h.times); i++ {
		gap := h.times[i].Sub(h.times[i-1])
		if gap < interval {
			t.Errorf("requests %d and %d only %s apart", i-1, i, gap)
		}
	}
}

func TestWaitUntilHealthyToleratesTransportErrors(t *testing.T) {
	// reserve a port, close it, then bring the server up on it after a few polls
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := &http.Server{
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"status":"healthy"}`)) }),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		time.Sleep(120 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		_ = srv.Serve(l)
	}()
	defer func() { _ = srv.Close() }()

	p := New(Config{URL: "http://" + addr + "/health", Attempts: 50, Interval: 20 * time.Millisecond}, WithLogger(quietLogger()))
	require.True(t, p.WaitUntilHealthy(context.Background()))
	assert.Greater(t, p.Requests(), 1)
}

func TestCheckContract(t *testing.T) {
	cases := []struct {
		name string
		code int
		body string
		ok   bool
	}{
		{"healthy", 200, `{"status":"healthy"}`, true},
		{"other status", 200, `{"status":"degraded"}`, false},
		{"bad json", 200, `not json`, false},
		{"server error", 503, `{"status":"healthy"}`, false},
		{"missing field", 200, `{}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			err := New(Config{URL: srv.URL}).Check(context.Background())
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrUnhealthy), "got %v", err)
			}
		})
	}
}

func TestWaitUntilHealthyCancelled(t *testing.T) {
	srv := httptest.NewServer(&healthyAfter{})
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{URL: srv.URL, Attempts: 1000, Interval: 20 * time.Millisecond}, WithLogger(quietLogger()))
	time.AfterFunc(80*time.Millisecond, cancel)
	start := time.Now()
	assert.False(t, p.WaitUntilHealthy(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Less(t, p.Requests(), 1000)
}

func TestDefaults(t *testing.T) {
	p := New(Config{})
	cfg := p.Config()
	assert.Equal(t, DefaultURL, cfg.URL)
	assert.Equal(t, 60, cfg.Attempts)
	assert.Equal(t, time.Second, cfg.Interval)
	assert.Equal(t, 5, cfg.LogEvery)
	assert.Equal(t, "healthy", cfg.Sentinel)
	assert.Equal(t, Unknown, p.Status())
	assert.Equal(t, "timed_out", TimedOut.String())

	fast := New(Config{Interval: time.Millisecond})
	assert.Equal(t, minRequestTimeout, fast.requestTimeout())
}
