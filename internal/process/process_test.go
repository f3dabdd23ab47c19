package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/desklaunch/internal/logger"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

var sleeperSeq atomic.Int32

// sleeperBinary copies the system sleep binary under a unique short name so
// that kill-by-image tests can never touch unrelated processes.
func sleeperBinary(t *testing.T) string {
	t.Helper()
	src, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	b, err := os.ReadFile(src)
	if err != nil {
		t.Skipf("cannot read %s: %v", src, err)
	}
	name := fmt.Sprintf("dls%d_%d", os.Getpid()%100000, sleeperSeq.Add(1))
	dst := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(dst, b, 0o755); err != nil {
		t.Fatalf("write sleeper: %v", err)
	}
	// multi-call builds (busybox) dispatch on argv[0] and refuse a renamed copy
	if err := exec.Command(dst, "0").Run(); err != nil {
		t.Skipf("renamed sleep copy is not runnable: %v", err)
	}
	return dst
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return cond()
}

func countImage(t *testing.T, image string) int {
	t.Helper()
	out, err := exec.Command("pgrep", "-x", image).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 {
			return 0
		}
		t.Skipf("pgrep unavailable: %v", err)
	}
	return len(strings.Fields(string(out)))
}

func TestDirectSpawnAndTerminate(t *testing.T) {
	requireUnix(t)
	exe := sleeperBinary(t)
	logs := filepath.Join(t.TempDir(), "logs")
	sp, err := NewSpawner(Spec{
		Executable: exe,
		Args:       []string{"30"},
		WorkDir:    filepath.Dir(exe),
		LaunchMode: LaunchDirect,
		StopGrace:  time.Second,
		Log:        logger.Config{File: logger.FileConfig{Dir: logs}},
	})
	if err != nil {
		t.Fatalf("NewSpawner: %v", err)
	}
	h, err := sp.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.Indirect || h.PID <= 0 || h.Done() == nil {
		t.Fatalf("expected direct handle with pid, got %+v", h)
	}
	if h.Path != exe || h.WorkDir != filepath.Dir(exe) || h.Image != filepath.Base(exe) {
		t.Fatalf("handle fields not populated: %+v", h)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("child did not exit after terminate")
	}
	if !h.Exited() {
		t.Fatalf("handle should report exited")
	}
	// a second terminate on an exited child is a no-op
	if err := h.Terminate(ctx); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(logs, filepath.Base(exe)+".stdout.log")); err != nil {
		t.Fatalf("stdout log not created: %v", err)
	}
}

func TestDirectSpawnDetectsExit(t *testing.T) {
	requireUnix(t)
	exe := sleeperBinary(t)
	sp, err := NewSpawner(Spec{Executable: exe, Args: []string{"0.05"}, LaunchMode: LaunchDirect})
	if err != nil {
		t.Fatalf("NewSpawner: %v", err)
	}
	h, err := sp.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("exit not observed")
	}
	if h.ExitErr() != nil {
		t.Fatalf("clean exit expected, got %v", h.ExitErr())
	}
}

func TestSpawnNotFound(t *testing.T) {
	for _, mode := range []LaunchMode{LaunchDirect, LaunchWrapper} {
		sp, err := NewSpawner(Spec{Executable: filepath.Join(t.TempDir(), "missing"), LaunchMode: mode})
		if err != nil {
			t.Fatalf("NewSpawner: %v", err)
		}
		_, err = sp.Spawn(context.Background())
		var se *SpawnError
		if !errors.As(err, &se) || se.Kind != NotFound {
			t.Fatalf("%s: expected NotFound, got %v", mode, err)
		}
	}
	sp, _ := NewSpawner(Spec{Executable: t.TempDir(), LaunchMode: LaunchDirect})
	_, err := sp.Spawn(context.Background())
	var se *SpawnError
	if !errors.As(err, &se) || se.Kind != NotFound {
		t.Fatalf("directory must be NotFound, got %v", err)
	}
}

func TestDirectSpawnLaunchFailed(t *testing.T) {
	requireUnix(t)
	p := filepath.Join(t.TempDir(), "not-exec")
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	sp, _ := NewSpawner(Spec{Executable: p, LaunchMode: LaunchDirect})
	_, err := sp.Spawn(context.Background())
	var se *SpawnError
	if !errors.As(err, &se) || se.Kind != LaunchFailed {
		t.Fatalf("expected LaunchFailed, got %v", err)
	}
	if !strings.Contains(se.Error(), "failed to launch backend") {
		t.Fatalf("unexpected message: %s", se.Error())
	}
}

type countingReaper struct {
	calls  atomic.Int32
	images []string
}

func (r *countingReaper) KillByName(_ context.Context, image string) (int, error) {
	r.calls.Add(1)
	r.images = append(r.images, image)
	return 1, nil
}

func TestWrapperSpawnRemovesScript(t *testing.T) {
	requireUnix(t)
	exe := sleeperBinary(t)
	tmp := t.TempDir()
	reaper := &countingReaper{}
	sp, err := NewSpawner(Spec{Executable: exe, Args: []string{"30"}, LaunchMode: LaunchWrapper},
		WithTempDir(tmp), WithReaper(reaper))
	if err != nil {
		t.Fatalf("NewSpawner: %v", err)
	}
	h, err := sp.Spawn(context.Background())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _, _ = NameReaper{}.KillByName(context.Background(), filepath.Base(exe)) })

	if !h.Indirect || h.PID != 0 || h.Done() != nil {
		t.Fatalf("expected indirect handle, got %+v", h)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Fatalf("launch script left behind: %v", entries)
	}
	if !waitFor(t, 3*time.Second, func() bool { return countImage(t, filepath.Base(exe)) == 1 }) {
		t.Fatalf("backend not running after wrapper launch")
	}
	if err := h.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if reaper.calls.Load() != 1 || reaper.images[0] != filepath.Base(exe) {
		t.Fatalf("terminate must go through the reaper by image: %+v", reaper.images)
	}
}

func TestWrapperSpawnFailureRemovesScript(t *testing.T) {
	requireUnix(t)
	tmp := t.TempDir()
	workMissing := filepath.Join(t.TempDir(), "gone")
	exe := sleeperBinary(t)
	sp, _ := NewSpawner(Spec{Executable: exe, WorkDir: workMissing, LaunchMode: LaunchWrapper}, WithTempDir(tmp))
	_, err := sp.Spawn(context.Background())
	var se *SpawnError
	if !errors.As(err, &se) || se.Kind != LaunchFailed {
		t.Fatalf("expected LaunchFailed for missing workdir, got %v", err)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Fatalf("launch script left behind after failure: %v", entries)
	}
}

func TestNameReaperKillsByImage(t *testing.T) {
	requireUnix(t)
	exe := sleeperBinary(t)
	var cmds []*exec.Cmd
	for i := 0; i < 2; i++ {
		c := exec.Command(exe, "30")
		if err := c.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		cmds = append(cmds, c)
		go func() { _ = c.Wait() }()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := NameReaper{}.KillByName(ctx, filepath.Base(exe))
	if err != nil {
		t.Fatalf("KillByName: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 kills, got %d", n)
	}
	if !waitFor(t, 3*time.Second, func() bool { return countImage(t, filepath.Base(exe)) == 0 }) {
		t.Fatalf("processes still alive")
	}
	// nothing left to kill
	if n, err := (NameReaper{}).KillByName(ctx, filepath.Base(exe)); err != nil || n != 0 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}
	if _, err := (NameReaper{}).KillByName(ctx, " "); err == nil {
		t.Fatalf("empty image must be rejected")
	}
}

func TestSpecValidateAndResolve(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"ok", Spec{Executable: "/bin/true"}, true},
		{"missing exe", Spec{}, false},
		{"bad mode", Spec{Executable: "/bin/true", LaunchMode: "hidden"}, false},
		{"bad env", Spec{Executable: "/bin/true", Env: []string{"NOEQ"}}, false},
		{"negative grace", Spec{Executable: "/bin/true", StopGrace: -time.Second}, false},
	}
	for _, tc := range cases {
		err := tc.spec.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: Validate()=%v", tc.name, err)
		}
	}
	if LaunchDirect.Resolve() != LaunchDirect || LaunchWrapper.Resolve() != LaunchWrapper {
		t.Fatalf("explicit modes must resolve to themselves")
	}
	want := LaunchDirect
	if runtime.GOOS == "windows" {
		want = LaunchWrapper
	}
	if LaunchAuto.Resolve() != want || LaunchMode("").Resolve() != want {
		t.Fatalf("auto resolved to %s", LaunchAuto.Resolve())
	}
	s := Spec{Executable: "/opt/app/StreamAssist.exe"}
	if s.ImageName() != "StreamAssist.exe" || s.DisplayName() != "StreamAssist" {
		t.Fatalf("names: %s %s", s.ImageName(), s.DisplayName())
	}
}

func TestRenderLaunchScriptQuoting(t *testing.T) {
	requireUnix(t)
	got := renderLaunchScript(Spec{Executable: "/opt/it's/app", Args: []string{"a b"}, WorkDir: "/w"})
	for _, want := range []string{"cd '/w' || exit 1", `'/opt/it'\''s/app'`, "'a b'", "&\n"} {
		if !strings.Contains(got, want) {
			t.Fatalf("script missing %q:\n%s", want, got)
		}
	}
}

func TestMergedEnvExpandsOverLauncherEnv(t *testing.T) {
	if mergedEnv(nil) != nil {
		t.Fatalf("empty extra should inherit the environment")
	}
	t.Setenv("DESKLAUNCH_DATA", "/var/lib/app")
	got := mergedEnv([]string{"APP_DB=${DESKLAUNCH_DATA}/db.sqlite"})
	found := false
	for _, kv := range got {
		if kv == "APP_DB=/var/lib/app/db.sqlite" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expanded entry missing from %v", got)
	}
}
