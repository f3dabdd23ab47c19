package startup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/desklaunch/internal/logger"
	"github.com/loykin/desklaunch/internal/process"
	"github.com/loykin/desklaunch/internal/static"
	"github.com/loykin/desklaunch/internal/supervisor"
	"github.com/loykin/desklaunch/internal/ui"
)

func quiet() *slog.Logger { return logger.Discard() }

// appDir creates <tmp>/dist/index.html and returns <tmp>.
func appDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dist", "index.html"), []byte("<html></html>"), 0o644))
	return dir
}

type fakeBackend struct {
	mu         sync.Mutex
	cleanups   int
	launches   int
	terminates int
	results    []error // per launch; last repeats
}

func (f *fakeBackend) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeBackend) Launch(_ context.Context, _ int, onPhase func(supervisor.Phase)) error {
	f.mu.Lock()
	i := f.launches
	f.launches++
	f.mu.Unlock()
	onPhase(supervisor.PhaseSpawning)
	var err error
	if len(f.results) > 0 {
		if i >= len(f.results) {
			i = len(f.results) - 1
		}
		err = f.results[i]
	}
	if err != nil {
		var se *process.SpawnError
		if errors.As(err, &se) {
			return err
		}
	}
	onPhase(supervisor.PhaseProbing)
	return err
}

func (f *fakeBackend) Terminate(context.Context) error {
	f.mu.Lock()
	f.terminates++
	f.mu.Unlock()
	return nil
}

type fakeServer struct {
	starts int
	err    error
}

func (s *fakeServer) Start() (static.Binding, error) {
	s.starts++
	if s.err != nil {
		return static.Binding{}, s.err
	}
	return static.Binding{Host: "127.0.0.1", Port: 4321}, nil
}

func recordStates(states *[]State) Option {
	return OnTransition(func(_, to State) { *states = append(*states, to) })
}

func baseConfig(t *testing.T, dir string) Config {
	return Config{AppName: "Stream Assist", AppDir: dir, RetryBackoff: time.Millisecond, ErrorPageDir: t.TempDir()}
}

// spawnFailer is a Spawner that always fails, counting calls.
type spawnFailer struct {
	mu    sync.Mutex
	calls int
}

func (s *spawnFailer) Spawn(context.Context) (*process.Handle, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil, &process.SpawnError{Kind: process.LaunchFailed, Path: "/opt/app/backend", Err: errors.New("exec format error")}
}

type neverProbe struct{}

func (neverProbe) WaitUntilHealthy(context.Context) bool { return false }

func TestAlwaysFailingSpawnTriesFourTimes(t *testing.T) {
	sp := &spawnFailer{}
	sup := supervisor.New(sp, neverProbe{}, supervisor.WithLogger(quiet()), supervisor.WithSettleDelay(0),
		supervisor.WithReaper(nopReaper{}), supervisor.WithImage("backend"))
	surface := ui.NewHeadless(quiet())
	srv := &fakeServer{}
	var states []State
	o := New(baseConfig(t, appDir(t)), sup, func(string) Server { return srv }, surface,
		WithLogger(quiet()), recordStates(&states))

	out := o.Run(context.Background())

	assert.Equal(t, FatalError, out.State)
	assert.Equal(t, 4, sp.calls, "initial attempt plus MaxStartupRetries")
	assert.Equal(t, Attempt{Count: 3, Max: 3}, o.Attempt())
	assert.Equal(t, 0, srv.starts)
	var se *process.SpawnError
	require.ErrorAs(t, out.Err, &se)
	assert.Equal(t, FatalError, o.State())

	require.NotEmpty(t, out.ErrorPage)
	assert.Equal(t, "stream-assist-error.html", filepath.Base(out.ErrorPage))
	page, err := os.ReadFile(out.ErrorPage)
	require.NoError(t, err)
	assert.Contains(t, string(page), "could not be started")
	loaded := surface.Loaded()
	require.Len(t, loaded, 1)
	assert.True(t, strings.HasSuffix(loaded[0], "stream-assist-error.html"))

	// the full sequence is re-run for every attempt
	var cleanups, faileds int
	for _, s := range states {
		switch s {
		case CleaningUp:
			cleanups++
		case Failed:
			faileds++
		case Probing:
			t.Fatalf("probing must not follow a failed spawn")
		}
	}
	assert.Equal(t, 4, cleanups)
	assert.Equal(t, 4, faileds)
	assert.Equal(t, FatalError, states[len(states)-1])
}

type nopReaper struct{}

func (nopReaper) KillByName(context.Context, string) (int, error) { return 0, nil }

func TestFrontendMissingBeforeAnySpawn(t *testing.T) {
	b := &fakeBackend{}
	surface := ui.NewHeadless(quiet())
	o := New(baseConfig(t, t.TempDir()), b, func(string) Server { return &fakeServer{} }, surface, WithLogger(quiet()))

	out := o.Run(context.Background())

	assert.Equal(t, FatalError, out.State)
	require.ErrorIs(t, out.Err, ErrFrontendMissing)
	var fm *FrontendMissingError
	require.ErrorAs(t, out.Err, &fm)
	assert.Len(t, fm.Searched, len(DefaultCandidates))
	assert.Equal(t, 0, b.cleanups)
	assert.Equal(t, 0, b.launches)
	page, err := os.ReadFile(out.ErrorPage)
	require.NoError(t, err)
	assert.Contains(t, string(page), "interface files could not be found")
	assert.Len(t, surface.Loaded(), 1)
}

func TestSuccessAfterProbeTimeout(t *testing.T) {
	b := &fakeBackend{results: []error{supervisor.ErrProbeTimeout, nil}}
	srv := &fakeServer{}
	surface := ui.NewHeadless(quiet())
	var states []State
	o := New(baseConfig(t, appDir(t)), b, func(root string) Server {
		assert.Equal(t, "dist", filepath.Base(root))
		return srv
	}, surface, WithLogger(quiet()), recordStates(&states))

	out := o.Run(context.Background())

	require.NoError(t, out.Err)
	assert.Equal(t, Serving, out.State)
	assert.Equal(t, "http://127.0.0.1:4321/", out.URL)
	assert.Equal(t, 2, b.launches)
	assert.Equal(t, 1, srv.starts)
	assert.Equal(t, 1, o.Attempt().Count)
	assert.Equal(t, []string{"http://127.0.0.1:4321/"}, surface.Loaded())
	assert.Equal(t, []State{
		CleaningUp, Spawning, Probing, Failed,
		CleaningUp, Spawning, Probing, Serving,
	}, states)

	again := o.Run(context.Background())
	assert.Error(t, again.Err, "Run is single-shot")
	assert.Equal(t, 2, b.launches)
}

func TestServerBindErrorIsFatalWithoutRetry(t *testing.T) {
	b := &fakeBackend{}
	srv := &fakeServer{err: &static.ServerBindError{Addr: "127.0.0.1:0", Err: errors.New("address in use")}}
	o := New(baseConfig(t, appDir(t)), b, func(string) Server { return srv }, ui.NewHeadless(quiet()), WithLogger(quiet()))

	out := o.Run(context.Background())

	assert.Equal(t, FatalError, out.State)
	var be *static.ServerBindError
	require.ErrorAs(t, out.Err, &be)
	assert.Equal(t, 1, b.launches)
	assert.Equal(t, 1, srv.starts)
	assert.Equal(t, 1, b.terminates, "healthy backend is stopped when nothing can be served")
}

func TestCancelDuringBackoffSkipsErrorPage(t *testing.T) {
	b := &fakeBackend{results: []error{supervisor.ErrProbeTimeout}}
	cfg := baseConfig(t, appDir(t))
	cfg.RetryBackoff = time.Hour
	surface := ui.NewHeadless(quiet())
	o := New(cfg, b, func(string) Server { return &fakeServer{} }, surface, WithLogger(quiet()))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	out := o.Run(ctx)

	assert.Equal(t, FatalError, out.State)
	require.ErrorIs(t, out.Err, context.Canceled)
	assert.Empty(t, out.ErrorPage)
	assert.Empty(t, surface.Loaded())
}

func TestNegativeMaxRetriesDisablesRetry(t *testing.T) {
	b := &fakeBackend{results: []error{supervisor.ErrProbeTimeout}}
	cfg := baseConfig(t, appDir(t))
	cfg.MaxRetries = -1
	o := New(cfg, b, func(string) Server { return &fakeServer{} }, nil, WithLogger(quiet()))
	out := o.Run(context.Background())
	assert.Equal(t, FatalError, out.State)
	assert.Equal(t, 1, b.launches)
	require.ErrorIs(t, out.Err, ErrProbeTimeout)
}

func TestResolveFrontendCandidateOrder(t *testing.T) {
	dir := t.TempDir()
	for _, d := range []string{"autoreply", "dist"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, d), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, d, "index.html"), nil, 0o644))
	}
	// autoreply/dist has no index, so dist wins over autoreply
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "autoreply", "dist"), 0o755))
	root, err := ResolveFrontend(dir, nil, "", quiet())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "dist"), root)

	abs := filepath.Join(dir, "autoreply")
	root, err = ResolveFrontend("/elsewhere", []string{abs}, "index.html", quiet())
	require.NoError(t, err)
	assert.Equal(t, abs, root)

	// a directory named like the index document does not count
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "weird", "index.html"), 0o755))
	_, err = ResolveFrontend(dir, []string{"weird"}, "index.html", quiet())
	require.ErrorIs(t, err, ErrFrontendMissing)
}

func TestDescribeAndRender(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&FrontendMissingError{Index: "index.html"}, "interface files"},
		{&process.SpawnError{Kind: process.NotFound, Path: "/x/StreamAssist.exe"}, "could not be found"},
		{&process.SpawnError{Kind: process.LaunchFailed, Path: "/x/StreamAssist.exe"}, "could not be started"},
		{supervisor.ErrProbeTimeout, "did not respond in time"},
		{&static.ServerBindError{Addr: "127.0.0.1:0", Err: errors.New("bind: permission denied")}, "web server"},
		{errors.New("boom"), "unexpected error"},
	}
	for _, tc := range cases {
		d := Describe("App", tc.err)
		assert.Contains(t, d.Message, tc.want)
	}

	path := filepath.Join(t.TempDir(), "x.html")
	require.NoError(t, WriteErrorPage(path, PageData{App: "App", Message: "<script>alert(1)</script>"}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "<script>")
	assert.Contains(t, string(b), "&lt;script&gt;")
}

func TestErrorPagePath(t *testing.T) {
	assert.Equal(t, filepath.Join("/tmp", "streamassist-error.html"), ErrorPagePath("/tmp", "StreamAssist"))
	assert.Equal(t, filepath.Join("/tmp", "launcher-error.html"), ErrorPagePath("/tmp", ""))
	assert.Equal(t, filepath.Join(os.TempDir(), "a-b-error.html"), ErrorPagePath("", "A B"))
	assert.Equal(t, filepath.Join("/tmp", "stream-assist-error.html"), ErrorPagePath("/tmp", "Stream/Assist"))
	assert.Equal(t, filepath.Join("/tmp", "evil-error.html"), ErrorPagePath("/tmp", `..\evil`))
	assert.Equal(t, filepath.Join("/tmp", "a-b-c-error.html"), ErrorPagePath("/tmp", "a:b*c"))
	assert.Equal(t, "launcher", FileName("../"))
}

func TestSeparatorInAppNameStillShowsErrorPage(t *testing.T) {
	cfg := baseConfig(t, t.TempDir())
	cfg.AppName = "Stream/Assist"
	surface := ui.NewHeadless(quiet())
	o := New(cfg, &fakeBackend{}, func(string) Server { return &fakeServer{} }, surface, WithLogger(quiet()))

	out := o.Run(context.Background())

	assert.Equal(t, FatalError, out.State)
	assert.Equal(t, filepath.Join(cfg.ErrorPageDir, "stream-assist-error.html"), out.ErrorPage)
	page, err := os.ReadFile(out.ErrorPage)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Stream/Assist")
	assert.Len(t, surface.Loaded(), 1)
}

func TestUnwritableErrorPageDirFallsBackToTemp(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg := baseConfig(t, t.TempDir())
	cfg.AppName = "desklaunch fallback " + strconv.FormatInt(time.Now().UnixNano(), 36)
	cfg.ErrorPageDir = filepath.Join(blocker, "pages")
	surface := ui.NewHeadless(quiet())
	o := New(cfg, &fakeBackend{}, func(string) Server { return &fakeServer{} }, surface, WithLogger(quiet()))

	out := o.Run(context.Background())

	assert.Equal(t, FatalError, out.State)
	require.Equal(t, ErrorPagePath(os.TempDir(), cfg.AppName), out.ErrorPage)
	t.Cleanup(func() { _ = os.Remove(out.ErrorPage) })
	_, err := os.Stat(out.ErrorPage)
	require.NoError(t, err)
	assert.Len(t, surface.Loaded(), 1)
}
