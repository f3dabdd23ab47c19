package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/desklaunch/internal/env"
)

// Spawner starts one backend instance. Implementations exist per launch mode;
// the Supervisor only depends on this interface.
type Spawner interface {
	Spawn(ctx context.Context) (*Handle, error)
}

// Option customizes a Spawner built by NewSpawner.
type Option func(*spawnOptions)

type spawnOptions struct {
	tempDir string
	reaper  Reaper
	logger  *slog.Logger
}

// WithTempDir sets where hidden-launch scripts are generated (default os.TempDir()).
func WithTempDir(dir string) Option { return func(o *spawnOptions) { o.tempDir = dir } }

// WithReaper overrides how indirect handles kill the backend by image name.
func WithReaper(r Reaper) Option { return func(o *spawnOptions) { o.reaper = r } }

// WithLogger sets the logger used for spawn diagnostics.
func WithLogger(l *slog.Logger) Option { return func(o *spawnOptions) { o.logger = l } }

// NewSpawner returns the Spawner for spec.LaunchMode (resolved for this platform).
func NewSpawner(spec Spec, opts ...Option) (Spawner, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	o := spawnOptions{tempDir: os.TempDir(), reaper: NameReaper{}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	switch spec.LaunchMode.Resolve() {
	case LaunchWrapper:
		return &WrapperSpawner{spec: spec, tempDir: o.tempDir, reaper: o.reaper, log: o.logger}, nil
	default:
		return &DirectSpawner{spec: spec, log: o.logger}, nil
	}
}

// checkExecutable reports NotFound when path is missing or is a directory.
func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &SpawnError{Kind: NotFound, Path: path, Err: err}
		}
		return &SpawnError{Kind: LaunchFailed, Path: path, Err: err}
	}
	if fi.IsDir() {
		return &SpawnError{Kind: NotFound, Path: path, Err: fmt.Errorf("%s is a directory", path)}
	}
	return nil
}

// mergedEnv layers extra over the launcher environment with ${VAR}
// expansion. nil keeps the inherited environment untouched.
func mergedEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return env.FromOS().Layer(extra).Environ()
}

// DirectSpawner runs the backend as a child process of the launcher.
type DirectSpawner struct {
	spec Spec
	log  *slog.Logger
}

func (s *DirectSpawner) Spawn(_ context.Context) (*Handle, error) {
	spec := s.spec
	if err := checkExecutable(spec.Executable); err != nil {
		return nil, err
	}
	// The backend must outlive the spawn call, so it is not bound to ctx.
	// #nosec G204
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = mergedEnv(spec.Env)
	configureSysProcAttr(cmd, false)

	outW, errW, err := spec.Log.ProcessWriters(spec.DisplayName())
	if err != nil {
		s.log.Warn("backend output capture disabled", "error", err)
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	closeWriters := func() {
		for _, w := range []io.Closer{outW, errW} {
			if w != nil {
				_ = w.Close()
			}
		}
	}

	if err := cmd.Start(); err != nil {
		closeWriters()
		return nil, &SpawnError{Kind: LaunchFailed, Path: spec.Executable, Err: err}
	}
	pid := cmd.Process.Pid
	var h *Handle
	h = newHandle(spec, pid, false, func(ctx context.Context) error {
		if err := stopProcess(ctx, cmd.Process, h.Done(), spec.stopGrace()); err != nil {
			return &TerminateError{PID: pid, Image: spec.ImageName(), Err: err}
		}
		return nil
	})
	go func() {
		err := cmd.Wait()
		closeWriters()
		h.MarkExited(err)
	}()
	s.log.Debug("backend child started", "pid", pid, "path", spec.Executable)
	return h, nil
}

// WrapperSpawner launches the backend through a generated hidden-launch
// script. The script is always removed before Spawn returns.
//
// The backend PID is unknown to the launcher, so handles are indirect and are
// terminated by image name. Any unrelated process with the same image name is
// killed too; this is an accepted limitation of the wrapper mode.
type WrapperSpawner struct {
	spec    Spec
	tempDir string
	reaper  Reaper
	log     *slog.Logger
}

func (s *WrapperSpawner) Spawn(ctx context.Context) (*Handle, error) {
	spec := s.spec
	if err := checkExecutable(spec.Executable); err != nil {
		return nil, err
	}
	path, err := writeLaunchScript(s.tempDir, spec)
	if err != nil {
		return nil, &SpawnError{Kind: LaunchFailed, Path: spec.Executable, Err: fmt.Errorf("write launch script: %w", err)}
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to delete launch script", "path", path, "error", err)
		}
	}()

	cmd := scriptCommand(ctx, path)
	cmd.Env = mergedEnv(spec.Env)
	configureSysProcAttr(cmd, true)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, &SpawnError{Kind: LaunchFailed, Path: spec.Executable, Err: err}
	}

	image := spec.ImageName()
	reaper := s.reaper
	h := newHandle(spec, 0, true, func(ctx context.Context) error {
		if _, err := reaper.KillByName(ctx, image); err != nil {
			return &TerminateError{Image: image, Err: err}
		}
		return nil
	})
	s.log.Debug("backend started through launch script", "image", image, "path", spec.Executable)
	return h, nil
}
