package detector

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func TestSessionDetectorSelf(t *testing.T) {
	d := SessionDetector{PID: os.Getpid(), StartedAt: time.Now()}
	alive, err := d.Alive()
	if err != nil || !alive {
		t.Fatalf("own process should be alive: %v %v", alive, err)
	}
	if d.Describe() == "" {
		t.Fatalf("empty description")
	}
}

func TestSessionDetectorInvalidPID(t *testing.T) {
	for _, pid := range []int{0, -1} {
		if alive, _ := (SessionDetector{PID: pid}).Alive(); alive {
			t.Fatalf("pid %d reported alive", pid)
		}
	}
}

func TestSessionDetectorExitedProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if alive, _ := (SessionDetector{PID: cmd.Process.Pid}).Alive(); alive {
		t.Fatalf("reaped process reported alive")
	}
}

func TestSessionDetectorReusedPID(t *testing.T) {
	if getProcStartUnix(os.Getpid()) == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	// a session that predates this process cannot belong to it
	d := SessionDetector{PID: os.Getpid(), StartedAt: time.Now().Add(-24 * 365 * time.Hour)}
	if alive, _ := d.Alive(); alive {
		t.Fatalf("reused pid reported alive")
	}
}
