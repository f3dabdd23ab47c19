// Package health polls the backend health endpoint.
//
// The health contract is a GET that answers 2xx with a JSON body whose
// "status" field equals the healthy sentinel ("healthy" by default).
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/desklaunch/internal/metrics"
)

// Defaults mirror the desktop launcher: 60 polls one second apart, with a
// progress line every fifth attempt.
const (
	DefaultURL      = "http://127.0.0.1:5000/health"
	DefaultAttempts = 60
	DefaultInterval = time.Second
	DefaultLogEvery = 5
	DefaultSentinel = "healthy"

	minRequestTimeout = 100 * time.Millisecond
	maxBodyBytes      = 64 << 10
)

// Status is the state of the current probing cycle.
type Status int32

const (
	Unknown Status = iota
	Polling
	Healthy
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Polling:
		return "polling"
	case Healthy:
		return "healthy"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Config controls probing.
type Config struct {
	URL      string        `mapstructure:"url"`
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
	LogEvery int           `mapstructure:"log_every"`
	Sentinel string        `mapstructure:"sentinel"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.LogEvery <= 0 {
		c.LogEvery = DefaultLogEvery
	}
	if c.Sentinel == "" {
		c.Sentinel = DefaultSentinel
	}
	return c
}

// ErrUnhealthy is returned by Check when the endpoint answered but did not
// report the healthy sentinel.
var ErrUnhealthy = errors.New("backend reported unhealthy")

// Prober polls one health endpoint. A Prober may be reused across cycles but
// cycles must not overlap; the supervisor guarantees that.
type Prober struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	status   atomic.Int32
	requests atomic.Int64
}

// Option customizes a Prober.
type Option func(*Prober)

// WithHTTPClient replaces the HTTP client. Request timeouts are still applied
// per request through the context.
func WithHTTPClient(c *http.Client) Option { return func(p *Prober) { p.client = c } }

// WithLogger sets the logger for progress lines.
func WithLogger(l *slog.Logger) Option { return func(p *Prober) { p.log = l } }

// New returns a Prober; zero Config fields take the package defaults.
func New(cfg Config, opts ...Option) *Prober {
	p := &Prober{cfg: cfg.withDefaults(), client: &http.Client{}}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Config returns the effective configuration.
func (p *Prober) Config() Config { return p.cfg }

// Status returns the state of the last or current cycle.
func (p *Prober) Status() Status { return Status(p.status.Load()) }

// Requests returns the number of requests issued in the last or current cycle.
func (p *Prober) Requests() int { return int(p.requests.Load()) }

func (p *Prober) requestTimeout() time.Duration {
	if p.cfg.Interval < minRequestTimeout {
		return minRequestTimeout
	}
	return p.cfg.Interval
}

// Check issues a single health request. It returns nil only when the
// transport succeeds, the status code is 2xx and the payload carries the
// healthy sentinel.
func (p *Prober) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return fmt.Errorf("%w: http %d", ErrUnhealthy, resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrUnhealthy, err)
	}
	if body.Status != p.cfg.Sentinel {
		return fmt.Errorf("%w: status %q", ErrUnhealthy, body.Status)
	}
	return nil
}

// WaitUntilHealthy polls until the backend reports healthy or the attempt
// budget is spent. Transport errors count as "not yet healthy". It returns
// false when ctx is cancelled. Polls are spaced at least one interval apart.
func (p *Prober) WaitUntilHealthy(ctx context.Context) bool {
	p.requests.Store(0)
	p.status.Store(int32(Polling))
	start := time.Now()

	attempt := 0
	op := func() error {
		attempt++
		p.requests.Add(1)
		err := p.Check(ctx)
		switch {
		case err == nil:
			metrics.IncProbeRequest("healthy")
		case errors.Is(err, ErrUnhealthy):
			metrics.IncProbeRequest("unhealthy")
		default:
			metrics.IncProbeRequest("error")
		}
		if err != nil && attempt%p.cfg.LogEvery == 0 {
			p.log.Info("waiting for backend to become healthy",
				"attempt", attempt, "max", p.cfg.Attempts, "error", err)
		}
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.Interval), uint64(p.cfg.Attempts-1)),
		ctx,
	)
	err := backoff.Retry(op, b)
	elapsed := time.Since(start)
	if err != nil {
		p.status.Store(int32(TimedOut))
		metrics.ObserveProbeCycle("timed_out", elapsed.Seconds())
		p.log.Warn("backend did not become healthy",
			"attempts", p.Requests(), "elapsed", elapsed.Round(time.Millisecond), "error", err)
		return false
	}
	p.status.Store(int32(Healthy))
	metrics.ObserveProbeCycle("healthy", elapsed.Seconds())
	p.log.Info("backend is healthy", "attempts", p.Requests(), "elapsed", elapsed.Round(time.Millisecond))
	return true
}
