//go:build windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

const killWait = 2 * time.Second

// stopProcess terminates the child. Windows has no SIGTERM equivalent for a
// hidden console process, so grace only bounds the wait for the reaper.
func stopProcess(ctx context.Context, p *os.Process, done <-chan struct{}, grace time.Duration) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill: %w", err)
	}
	t := time.NewTimer(grace + killWait)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fmt.Errorf("process %d still running after kill", p.Pid)
	}
}
