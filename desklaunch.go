// Package desklaunch wires the launcher components together: it cleans up
// stale backends, spawns and probes the backend, serves the frontend and
// exposes the control channel.
package desklaunch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/desklaunch/internal/config"
	"github.com/loykin/desklaunch/internal/control"
	"github.com/loykin/desklaunch/internal/health"
	"github.com/loykin/desklaunch/internal/history"
	"github.com/loykin/desklaunch/internal/history/factory"
	"github.com/loykin/desklaunch/internal/metrics"
	"github.com/loykin/desklaunch/internal/process"
	"github.com/loykin/desklaunch/internal/startup"
	"github.com/loykin/desklaunch/internal/static"
	"github.com/loykin/desklaunch/internal/supervisor"
	"github.com/loykin/desklaunch/internal/ui"
	"github.com/loykin/desklaunch/pkg/client"
)

// Re-export types for embedders.

type Config = config.Config

type Outcome = startup.Outcome

type State = startup.State

type Session = client.Session

type Surface = ui.Surface

// LoadConfig reads path (or desklaunch.toml in the working directory when
// empty) with DESKLAUNCH_* overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Option customizes a Launcher.
type Option func(*Launcher)

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option { return func(la *Launcher) { la.log = l } }

// WithSurface replaces the surface selected by ui.kind.
func WithSurface(s Surface) Option { return func(la *Launcher) { la.surface = s } }

// WithSpawner replaces the spawner built from the backend section.
func WithSpawner(s process.Spawner) Option { return func(la *Launcher) { la.spawner = s } }

// WithReaper replaces the kill-by-name cleanup.
func WithReaper(r process.Reaper) Option { return func(la *Launcher) { la.reaper = r } }

// WithRegistry sets where metrics are registered (default prometheus.DefaultRegisterer).
func WithRegistry(r prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(la *Launcher) { la.registerer, la.gatherer = r, g }
}

// OnTransition observes startup state changes.
func OnTransition(fn func(from, to State)) Option {
	return func(la *Launcher) { la.transitions = append(la.transitions, fn) }
}

// Launcher owns one supervisor, one static server and one control channel for
// the lifetime of the process.
type Launcher struct {
	cfg         *Config
	log         *slog.Logger
	logCloser   io.Closer
	surface     Surface
	spawner     process.Spawner
	reaper      process.Reaper
	registerer  prometheus.Registerer
	gatherer    prometheus.Gatherer
	transitions []func(from, to State)

	prober   *health.Prober
	sup      *supervisor.Supervisor
	recorder *history.Recorder
	ctrl     *control.Channel
	router   *control.Router
	sampler  *metrics.ResourceSampler
	orch     *startup.Orchestrator

	mu       sync.Mutex
	server   *static.Server
	session  string
	shutdown bool
}

// New builds a Launcher from cfg. Nothing is started until Run.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Launcher, error) {
	if cfg == nil {
		return nil, errors.New("desklaunch: config is required")
	}
	l := &Launcher{cfg: cfg}
	for _, fn := range opts {
		fn(l)
	}
	if err := l.build(ctx); err != nil {
		l.closeResources()
		return nil, err
	}
	return l, nil
}

func (l *Launcher) build(ctx context.Context) error {
	cfg := l.cfg
	if l.log == nil {
		lg, closer, err := cfg.Log.NewSlog(os.Stderr)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		l.log, l.logCloser = lg, closer
	}
	if l.surface == nil {
		s, err := ui.New(cfg.UI.Kind, l.log.With("component", "ui"))
		if err != nil {
			return err
		}
		l.surface = s
	}

	if cfg.Metrics.Enabled {
		if l.registerer == nil {
			l.registerer = prometheus.DefaultRegisterer
		}
		if l.gatherer == nil {
			l.gatherer = prometheus.DefaultGatherer
		}
		if err := metrics.Register(l.registerer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	if cfg.History.Enabled {
		sinks, err := factory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return fmt.Errorf("open history sinks: %w", err)
		}
		l.recorder = history.NewRecorder(l.log.With("component", "history"), sinks...)
	}

	spec, err := cfg.BackendSpec()
	if err != nil {
		return err
	}
	if l.reaper == nil {
		l.reaper = process.NameReaper{}
	}
	if l.spawner == nil {
		l.spawner, err = process.NewSpawner(spec,
			process.WithReaper(l.reaper),
			process.WithLogger(l.log.With("component", "spawner")))
		if err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	}

	l.prober = health.New(cfg.Health, health.WithLogger(l.log.With("component", "health")))
	l.sup = supervisor.New(l.spawner, l.prober,
		supervisor.WithReaper(l.reaper),
		supervisor.WithImage(spec.ImageName()),
		supervisor.WithSettleDelay(cfg.Startup.SettleDelay),
		supervisor.WithLogger(l.log.With("component", "supervisor")),
		supervisor.WithHistory(l.recorder))

	if cfg.Server.Control {
		l.ctrl, err = control.New(ctx, l.sup,
			control.WithChecker(l.prober),
			control.WithHistory(l.recorder),
			control.WithLogger(l.log.With("component", "control")))
		if err != nil {
			return err
		}
		l.ctrl.Forward(l.surface)
		var mh http.Handler
		if cfg.Metrics.Enabled {
			mh = metrics.HandlerFor(l.gatherer)
		}
		l.router = control.NewRouter(l.ctrl, cfg.Server.ControlPrefix, mh)
	}

	if cfg.Metrics.Enabled {
		l.sampler = metrics.NewResourceSampler(cfg.Metrics.SampleInterval, l.sup.PID)
	}

	opts := []startup.Option{
		startup.WithLogger(l.log.With("component", "startup")),
		startup.WithHistory(l.recorder),
	}
	for _, fn := range l.transitions {
		opts = append(opts, startup.OnTransition(fn))
	}
	l.orch = startup.New(cfg.OrchestratorConfig(), l.sup, l.newServer, l.surface, opts...)
	return nil
}

// newServer is the orchestrator's server factory. The control routes are
// mounted on the same listener as the frontend.
func (l *Launcher) newServer(root string) startup.Server {
	opts := []static.Option{
		static.WithHost(l.cfg.Server.Host),
		static.WithPort(l.cfg.Server.Port),
		static.WithIndex(l.cfg.Frontend.Index),
		static.WithLogger(l.log.With("component", "static")),
	}
	if l.router != nil {
		opts = append(opts, static.WithRoutes(l.router.Mount))
	}
	srv := static.New(root, opts...)
	l.mu.Lock()
	l.server = srv
	l.mu.Unlock()
	return srv
}

// Run executes the startup protocol. Once serving, the session file is
// written and resource sampling starts. A FatalError outcome has already
// been shown on the surface as the fallback error page.
func (l *Launcher) Run(ctx context.Context) Outcome {
	out := l.orch.Run(ctx)
	if out.State != startup.Serving {
		return out
	}
	if l.sampler != nil {
		l.sampler.Start(ctx)
	}
	s := Session{PID: os.Getpid(), URL: out.URL, StartedAt: time.Now().UTC()}
	if l.router != nil {
		s.ControlURL = strings.TrimSuffix(out.URL, "/") + l.router.Prefix()
	}
	path := l.cfg.SessionFile()
	if err := WriteSession(path, s); err != nil {
		l.log.Warn("could not write session file", "path", path, "error", err)
	} else {
		l.mu.Lock()
		l.session = path
		l.mu.Unlock()
	}
	l.log.Info("launcher serving", "url", out.URL, "attempts", l.orch.Attempt().Count+1)
	return out
}

// Supervisor exposes the backend supervisor.
func (l *Launcher) Supervisor() *supervisor.Supervisor { return l.sup }

// Control exposes the control channel; nil when server.control is off.
func (l *Launcher) Control() *control.Channel { return l.ctrl }

// Logger returns the launcher logger.
func (l *Launcher) Logger() *slog.Logger { return l.log }

// State returns the startup state.
func (l *Launcher) State() State { return l.orch.State() }

// Shutdown terminates the backend, closes the static server and releases
// every resource. Safe to call more than once.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return nil
	}
	l.shutdown = true
	srv, session := l.server, l.session
	l.mu.Unlock()

	var errs []error
	if l.ctrl != nil {
		l.ctrl.Close()
	}
	if err := l.sup.Terminate(ctx); err != nil {
		errs = append(errs, err)
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown static server: %w", err))
		}
	}
	if session != "" {
		if err := os.Remove(session); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	l.closeResources()
	return errors.Join(errs...)
}

func (l *Launcher) closeResources() {
	if l.ctrl != nil {
		l.ctrl.Close()
	}
	if l.sampler != nil {
		l.sampler.Stop()
	}
	if l.recorder != nil {
		_ = l.recorder.Close()
	}
	if l.logCloser != nil {
		_ = l.logCloser.Close()
	}
}

// WriteSession stores s at path, creating the parent directory.
func WriteSession(path string, s Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadSession loads a session file written by WriteSession.
func ReadSession(path string) (Session, error) { return client.ReadSession(path) }
