// Package startup sequences cleanup, spawn, health probing and the static
// server into one bounded startup protocol with a fallback error page.
package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/desklaunch/internal/history"
	"github.com/loykin/desklaunch/internal/metrics"
	"github.com/loykin/desklaunch/internal/static"
	"github.com/loykin/desklaunch/internal/supervisor"
	"github.com/loykin/desklaunch/internal/ui"
)

// MaxStartupRetries is how many times a failed sequence is retried.
const MaxStartupRetries = 3

// DefaultRetryBackoff is the pause between a failed sequence and the next.
const DefaultRetryBackoff = 2 * time.Second

// ErrProbeTimeout is re-exported for callers matching startup failures.
var ErrProbeTimeout = supervisor.ErrProbeTimeout

// State of the startup state machine.
type State int

const (
	Idle State = iota
	CleaningUp
	Spawning
	Probing
	Serving
	Failed
	FatalError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CleaningUp:
		return "cleaning_up"
	case Spawning:
		return "spawning"
	case Probing:
		return "probing"
	case Serving:
		return "serving"
	case Failed:
		return "failed"
	case FatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Attempt counts failed sequences.
type Attempt struct {
	Count int
	Max   int
}

// Outcome is the result of Run.
type Outcome struct {
	State     State
	Binding   static.Binding
	URL       string
	Err       error
	ErrorPage string
}

// Backend is the part of the supervisor the orchestrator drives.
type Backend interface {
	Cleanup(ctx context.Context) error
	Launch(ctx context.Context, attempt int, onPhase func(supervisor.Phase)) error
	Terminate(ctx context.Context) error
}

// Server is a started-once asset server.
type Server interface {
	Start() (static.Binding, error)
}

// ServerFactory builds the asset server for the resolved frontend root.
type ServerFactory func(root string) Server

// Config for an Orchestrator.
type Config struct {
	AppName      string
	AppDir       string
	Candidates   []string
	Index        string
	MaxRetries   int // MaxStartupRetries when 0; negative disables retries
	RetryBackoff time.Duration
	ErrorPageDir string // os.TempDir() when empty
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

func WithHistory(r *history.Recorder) Option { return func(o *Orchestrator) { o.history = r } }

// OnTransition registers a hook called synchronously on every state change.
func OnTransition(fn func(from, to State)) Option {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, fn) }
}

// Orchestrator runs the startup protocol once.
type Orchestrator struct {
	cfg       Config
	backend   Backend
	newServer ServerFactory
	surface   ui.Surface
	log       *slog.Logger
	history   *history.Recorder
	hooks     []func(from, to State)

	mu      sync.Mutex
	state   State
	attempt Attempt
	ran     bool
}

// New builds an Orchestrator. The attempt counter starts at zero here and is
// never reset.
func New(cfg Config, backend Backend, newServer ServerFactory, surface ui.Surface, opts ...Option) *Orchestrator {
	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = MaxStartupRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	o := &Orchestrator{
		cfg:       cfg,
		backend:   backend,
		newServer: newServer,
		surface:   surface,
		attempt:   Attempt{Max: maxRetries},
	}
	for _, fn := range opts {
		fn(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Attempt returns the retry counter.
func (o *Orchestrator) Attempt() Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempt
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStartupTransition(from.String(), to.String())
	o.log.Debug("startup state", "from", from.String(), "to", to.String())
	for _, h := range o.hooks {
		h(from, to)
	}
}

var errAlreadyRan = errors.New("startup already ran")

// Run executes the startup protocol. It returns once Serving or FatalError is
// reached. A FatalError outcome has already been shown on the UI surface.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return Outcome{State: o.State(), Err: errAlreadyRan}
	}
	o.ran = true
	o.mu.Unlock()

	root, err := ResolveFrontend(o.cfg.AppDir, o.cfg.Candidates, o.cfg.Index, o.log)
	if err != nil {
		return o.fatal(ctx, err)
	}

	for {
		o.transition(CleaningUp)
		if err := o.backend.Cleanup(ctx); err != nil {
			return o.fatal(ctx, err)
		}
		attempt := o.Attempt().Count + 1
		err := o.backend.Launch(ctx, attempt, func(p supervisor.Phase) {
			switch p {
			case supervisor.PhaseSpawning:
				o.transition(Spawning)
			case supervisor.PhaseProbing:
				o.transition(Probing)
			}
		})
		if err == nil {
			break
		}
		o.transition(Failed)
		if ctx.Err() != nil {
			return o.fatal(ctx, ctx.Err())
		}
		o.mu.Lock()
		retry := o.attempt.Count < o.attempt.Max
		if retry {
			o.attempt.Count++
		}
		a := o.attempt
		o.mu.Unlock()
		if !retry {
			return o.fatal(ctx, fmt.Errorf("backend failed to start after %d attempts: %w", a.Count+1, err))
		}
		o.log.Warn("startup attempt failed, retrying",
			"retry", a.Count, "max", a.Max, "backoff", o.cfg.RetryBackoff, "error", err)
		if err := sleep(ctx, o.cfg.RetryBackoff); err != nil {
			return o.fatal(ctx, err)
		}
	}

	srv := o.newServer(root)
	b, err := srv.Start()
	if err != nil {
		// no retry: a failed ephemeral bind rarely succeeds on a second try
		_ = o.backend.Terminate(ctx)
		return o.fatal(ctx, err)
	}
	o.transition(Serving)
	url := b.URL()
	o.history.Record(ctx, history.Event{Type: history.EventServing, Attempt: o.Attempt().Count + 1, Detail: url})
	if o.surface != nil {
		if err := o.surface.Load(ctx, url); err != nil {
			o.log.Warn("ui could not load frontend", "url", url, "error", err)
		}
	}
	return Outcome{State: Serving, Binding: b, URL: url}
}

func (o *Orchestrator) fatal(ctx context.Context, err error) Outcome {
	o.transition(FatalError)
	out := Outcome{State: FatalError, Err: err}
	o.log.Error("startup failed", "error", err)
	o.history.Record(ctx, history.Event{Type: history.EventStartupFailed, Attempt: o.Attempt().Count + 1, Detail: err.Error()})
	if errors.Is(err, context.Canceled) {
		// shutting down; nobody is looking at the window any more
		return out
	}
	path, werr := o.writeErrorPage(err)
	if werr != nil {
		o.log.Error("failed to write error page", "error", werr)
		return out
	}
	out.ErrorPage = path
	if o.surface != nil {
		if lerr := o.surface.LoadFile(context.WithoutCancel(ctx), path); lerr != nil {
			o.log.Error("ui could not load error page", "path", path, "error", lerr)
		}
	}
	return out
}

// writeErrorPage falls back to the OS temp dir when the configured directory
// is not writable.
func (o *Orchestrator) writeErrorPage(cause error) (string, error) {
	page := Describe(o.appName(), cause)
	path := ErrorPagePath(o.errorDir(), o.cfg.AppName)
	err := WriteErrorPage(path, page)
	if err == nil {
		return path, nil
	}
	alt := ErrorPagePath(os.TempDir(), o.cfg.AppName)
	if alt == path {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	o.log.Warn("error page dir not writable, using temp dir", "path", path, "error", err)
	if aerr := WriteErrorPage(alt, page); aerr != nil {
		return "", errors.Join(fmt.Errorf("write %s: %w", path, err), fmt.Errorf("write %s: %w", alt, aerr))
	}
	return alt, nil
}

func (o *Orchestrator) errorDir() string {
	if o.cfg.ErrorPageDir != "" {
		return o.cfg.ErrorPageDir
	}
	return os.TempDir()
}

func (o *Orchestrator) appName() string {
	if o.cfg.AppName != "" {
		return o.cfg.AppName
	}
	return "Launcher"
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
