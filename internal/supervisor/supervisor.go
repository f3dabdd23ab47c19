// Package supervisor owns the backend lifecycle: stale-instance cleanup,
// spawn, readiness probing, termination and restart. At most one backend
// handle exists at a time and lifecycle sequences never overlap.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/desklaunch/internal/history"
	"github.com/loykin/desklaunch/internal/metrics"
	"github.com/loykin/desklaunch/internal/process"
)

// DefaultSettleDelay is the pause after killing a backend before the next spawn.
const DefaultSettleDelay = time.Second

// ErrProbeTimeout means the backend never reported healthy within the probe budget.
var ErrProbeTimeout = errors.New("backend did not become healthy")

// Prober waits for the backend to become healthy.
type Prober interface {
	WaitUntilHealthy(ctx context.Context) bool
}

// Phase is reported to Launch callers as the sequence advances.
type Phase string

const (
	PhaseSpawning Phase = "spawning"
	PhaseProbing  Phase = "probing"
)

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithReaper sets the cleanup-by-name implementation (default process.NameReaper).
func WithReaper(r process.Reaper) Option { return func(s *Supervisor) { s.reaper = r } }

// WithImage sets the image name used for stale-instance cleanup.
func WithImage(image string) Option { return func(s *Supervisor) { s.image = image } }

// WithSettleDelay overrides DefaultSettleDelay. Zero disables the delay.
func WithSettleDelay(d time.Duration) Option { return func(s *Supervisor) { s.settle = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.log = l } }

// WithHistory records lifecycle events.
func WithHistory(r *history.Recorder) Option { return func(s *Supervisor) { s.history = r } }

// Supervisor is constructed once per launcher process and shared by the
// startup orchestrator and the control channel.
type Supervisor struct {
	spawner process.Spawner
	prober  Prober
	reaper  process.Reaper
	image   string
	settle  time.Duration
	log     *slog.Logger
	history *history.Recorder

	// seq serializes whole lifecycle sequences; hmu only guards handle.
	seq    sync.Mutex
	hmu    sync.RWMutex
	handle *process.Handle
}

// New builds a Supervisor around a spawner and a health prober.
func New(spawner process.Spawner, prober Prober, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner: spawner,
		prober:  prober,
		reaper:  process.NameReaper{},
		settle:  DefaultSettleDelay,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Current returns the backend handle, if any.
func (s *Supervisor) Current() (*process.Handle, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handle, s.handle != nil
}

// Running reports whether a handle exists. It does not probe health.
func (s *Supervisor) Running() bool {
	_, ok := s.Current()
	return ok
}

// PID returns the backend PID for direct handles and 0 otherwise.
func (s *Supervisor) PID() int32 {
	h, ok := s.Current()
	if !ok || h.Indirect {
		return 0
	}
	return int32(h.PID)
}

func (s *Supervisor) setHandle(h *process.Handle) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handle = h
	metrics.SetBackendRunning(h != nil)
}

// clearIf drops h if it is still the current handle.
func (s *Supervisor) clearIf(h *process.Handle) bool {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.handle != h {
		return false
	}
	s.handle = nil
	metrics.SetBackendRunning(false)
	return true
}

func (s *Supervisor) record(ctx context.Context, typ history.EventType, h *process.Handle, attempt int, detail string) {
	e := history.Event{Type: typ, Image: s.image, Attempt: attempt, Detail: detail}
	if h != nil {
		e.PID = h.PID
		e.Image = h.Image
	}
	s.history.Record(ctx, e)
}

// Cleanup retires the current handle, kills every leftover backend by image
// name and waits the settle delay. Kill failures are logged, not returned;
// only ctx cancellation is an error.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	s.seq.Lock()
	defer s.seq.Unlock()
	_ = s.terminateLocked(ctx)
	if s.reaper != nil && s.image != "" {
		n, err := s.reaper.KillByName(ctx, s.image)
		metrics.AddCleanupKills(n)
		if err != nil {
			s.log.Warn("stale backend cleanup failed", "image", s.image, "error", err)
		}
		if n > 0 {
			s.log.Info("killed stale backend instances", "image", s.image, "count", n)
		}
		s.record(ctx, history.EventCleanup, nil, 0, fmt.Sprintf("killed %d", n))
	}
	return sleep(ctx, s.settle)
}

// Launch spawns a backend (retiring any current one first) and waits for it
// to become healthy. When probing fails the new backend is terminated and an
// error wrapping ErrProbeTimeout is returned. Spawn failures are returned as
// *process.SpawnError.
func (s *Supervisor) Launch(ctx context.Context, attempt int, onPhase func(Phase)) error {
	s.seq.Lock()
	defer s.seq.Unlock()
	return s.launchLocked(ctx, attempt, onPhase)
}

func (s *Supervisor) launchLocked(ctx context.Context, attempt int, onPhase func(Phase)) error {
	if onPhase == nil {
		onPhase = func(Phase) {}
	}
	if _, ok := s.Current(); ok {
		_ = s.terminateLocked(ctx)
		if err := sleep(ctx, s.settle); err != nil {
			return err
		}
	}

	onPhase(PhaseSpawning)
	h, err := s.spawner.Spawn(ctx)
	if err != nil {
		var se *process.SpawnError
		kind := "launch_failed"
		if errors.As(err, &se) {
			kind = se.Kind.String()
		}
		metrics.IncSpawn(kind)
		s.record(ctx, history.EventSpawnFailed, nil, attempt, err.Error())
		return err
	}
	metrics.IncSpawn("ok")
	s.setHandle(h)
	s.watch(h)
	s.log.Info("backend spawned", "pid", h.PID, "image", h.Image, "indirect", h.Indirect, "attempt", attempt)
	s.record(ctx, history.EventSpawn, h, attempt, "")

	onPhase(PhaseProbing)
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if done := h.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancel()
			case <-probeCtx.Done():
			}
		}()
	}
	if s.prober.WaitUntilHealthy(probeCtx) {
		s.record(ctx, history.EventHealthy, h, attempt, "")
		return nil
	}
	if err := ctx.Err(); err != nil {
		_ = s.terminateLocked(context.WithoutCancel(ctx))
		return err
	}
	detail := "health check budget exhausted"
	if h.Exited() {
		detail = fmt.Sprintf("backend exited: %v", h.ExitErr())
	}
	s.record(ctx, history.EventProbeTimeout, h, attempt, detail)
	_ = s.terminateLocked(ctx)
	return fmt.Errorf("%w: %s", ErrProbeTimeout, detail)
}

// Restart terminates the current backend, waits the settle delay, then
// spawns and probes a new one.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.seq.Lock()
	defer s.seq.Unlock()
	if _, ok := s.Current(); ok {
		_ = s.terminateLocked(ctx)
	}
	if err := sleep(ctx, s.settle); err != nil {
		return err
	}
	return s.launchLocked(ctx, 1, nil)
}

// Terminate stops the current backend, if any. The handle is dropped even
// when termination fails; the error is returned for logging only.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.seq.Lock()
	defer s.seq.Unlock()
	return s.terminateLocked(ctx)
}

func (s *Supervisor) terminateLocked(ctx context.Context) error {
	h, ok := s.Current()
	if !ok {
		return nil
	}
	s.clearIf(h)
	err := h.Terminate(ctx)
	metrics.IncTerminate(err == nil)
	if err != nil {
		s.log.Warn("backend termination failed", "pid", h.PID, "image", h.Image, "error", err)
		s.record(ctx, history.EventTerminate, h, 0, err.Error())
		return err
	}
	s.log.Info("backend terminated", "pid", h.PID, "image", h.Image)
	s.record(ctx, history.EventTerminate, h, 0, "")
	return nil
}

// watch clears the handle when a direct child exits on its own.
func (s *Supervisor) watch(h *process.Handle) {
	done := h.Done()
	if done == nil {
		return
	}
	go func() {
		<-done
		if s.clearIf(h) {
			s.log.Warn("backend exited", "pid", h.PID, "error", h.ExitErr())
			detail := ""
			if err := h.ExitErr(); err != nil {
				detail = err.Error()
			}
			s.record(context.Background(), history.EventExit, h, 0, detail)
		}
	}()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
