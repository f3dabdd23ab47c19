//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// killWait bounds how long we wait for the reaper after SIGKILL.
const killWait = 2 * time.Second

// stopProcess sends SIGTERM to the child's process group, escalates to SIGKILL
// after grace (or when ctx ends) and waits for done.
func stopProcess(ctx context.Context, p *os.Process, done <-chan struct{}, grace time.Duration) error {
	pid := p.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sigterm: %w", err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sigkill: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %d still running after SIGKILL", pid)
	}
}
