// Package control exposes restart and status operations on the running
// backend and reports their outcome asynchronously.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/loykin/desklaunch/internal/history"
	"github.com/loykin/desklaunch/internal/metrics"
	"github.com/loykin/desklaunch/internal/ui"
)

// ErrClosed is returned by RestartBackend after Close.
var ErrClosed = errors.New("control channel closed")

// Backend is the part of the supervisor the channel drives.
type Backend interface {
	Restart(ctx context.Context) error
	Running() bool
}

// Checker runs one active health check against the backend.
type Checker interface {
	Check(ctx context.Context) error
}

// Status is the best-effort backend state: Running means a handle exists, not
// that the backend answered a health check.
type Status struct {
	Running    bool `json:"running"`
	Restarting bool `json:"restarting"`
}

// Task is one scheduled restart.
type Task struct {
	ID        string
	CreatedAt time.Time

	done chan struct{}
	err  error
}

func newTask() *Task {
	return &Task{ID: uuid.NewString(), CreatedAt: time.Now(), done: make(chan struct{})}
}

// Done is closed when the restart has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is the restart result; only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option customizes a Channel.
type Option func(*Channel)

func WithLogger(l *slog.Logger) Option { return func(c *Channel) { c.log = l } }

func WithHistory(r *history.Recorder) Option { return func(c *Channel) { c.history = r } }

// WithChecker enables the readiness check.
func WithChecker(ck Checker) Option { return func(c *Channel) { c.checker = ck } }

// WithReadyTimeout bounds a single readiness check (default 2s).
func WithReadyTimeout(d time.Duration) Option { return func(c *Channel) { c.readyTimeout = d } }

// Channel serializes restart requests on a single worker. A request made
// while a restart is in flight is coalesced into the in-flight task.
type Channel struct {
	backend      Backend
	checker      Checker
	pool         *ants.Pool
	bus          *Bus
	log          *slog.Logger
	history      *history.Recorder
	readyTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight *Task
	closed   bool
}

// New builds a Channel. Restarts run under a context derived from ctx; Close
// cancels it.
func New(ctx context.Context, backend Backend, opts ...Option) (*Channel, error) {
	if backend == nil {
		return nil, errors.New("control: backend is required")
	}
	c := &Channel{backend: backend, readyTimeout: 2 * time.Second}
	for _, fn := range opts {
		fn(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, fmt.Errorf("control: create worker pool: %w", err)
	}
	c.pool = pool
	c.bus = NewBus(c.log)
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c, nil
}

// Bus returns the event bus restart outcomes are published on.
func (c *Channel) Bus() *Bus { return c.bus }

// RestartBackend schedules terminate, settle, spawn and probe without
// blocking. coalesced reports whether an in-flight task was returned instead
// of a new one.
func (c *Channel) RestartBackend() (task *Task, coalesced bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	if c.inflight != nil {
		metrics.IncRestart("coalesced")
		c.log.Info("restart already in flight", "task", c.inflight.ID)
		return c.inflight, true, nil
	}
	t := newTask()
	c.wg.Add(1)
	if err := c.pool.Submit(func() { c.run(t) }); err != nil {
		c.wg.Done()
		return nil, false, fmt.Errorf("control: schedule restart: %w", err)
	}
	c.inflight = t
	c.log.Info("restart scheduled", "task", t.ID)
	return t, false, nil
}

func (c *Channel) run(t *Task) {
	defer c.wg.Done()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("restart panicked: %v", r)
		}
		c.finish(t, err)
	}()
	err = c.backend.Restart(c.ctx)
}

func (c *Channel) finish(t *Task, err error) {
	c.mu.Lock()
	if c.inflight == t {
		c.inflight = nil
	}
	c.mu.Unlock()
	t.err = err
	close(t.done)

	ev := Event{Name: EventBackendRestarted, TaskID: t.ID}
	rec := history.Event{Type: history.EventRestarted, Detail: t.ID}
	if err != nil {
		ev.Name = EventBackendStartFailed
		ev.Error = err.Error()
		rec.Type = history.EventRestartFailed
		rec.Detail = err.Error()
		metrics.IncRestart("failed")
		c.log.Error("backend restart failed", "task", t.ID, "error", err)
	} else {
		metrics.IncRestart("ok")
		c.log.Info("backend restarted", "task", t.ID, "took", time.Since(t.CreatedAt))
	}
	c.history.Record(context.WithoutCancel(c.ctx), rec)
	c.bus.Publish(ev)
}

// GetStatus reports handle existence; it does not probe the backend.
func (c *Channel) GetStatus() Status {
	c.mu.Lock()
	restarting := c.inflight != nil
	c.mu.Unlock()
	return Status{Running: c.backend.Running(), Restarting: restarting}
}

// Ready runs one active health check. Without a Checker it falls back to
// handle existence.
func (c *Channel) Ready(ctx context.Context) error {
	if c.checker == nil {
		if !c.backend.Running() {
			return errors.New("backend is not running")
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	return c.checker.Check(ctx)
}

// Forward delivers every published event to the UI surface until Close.
func (c *Channel) Forward(s ui.Surface) {
	_, ch := c.bus.Subscribe(8)
	go func() {
		for e := range ch {
			s.Notify(ui.Notification{Name: e.Name, TaskID: e.TaskID, Error: e.Error})
		}
	}()
}

// Close cancels any in-flight restart, waits for it to finish and releases
// the worker and all subscribers. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.pool.Release()
	c.bus.Close()
}
