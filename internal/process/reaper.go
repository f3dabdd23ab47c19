package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Reaper kills every process whose image name matches.
type Reaper interface {
	KillByName(ctx context.Context, image string) (int, error)
}

// NameReaper is the default Reaper backed by gopsutil process enumeration.
// The launcher's own process is never matched.
type NameReaper struct{}

// KillByName returns how many processes were killed. Processes that vanish
// between enumeration and kill are not errors.
func (NameReaper) KillByName(ctx context.Context, image string) (int, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return 0, errors.New("empty image name")
	}
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	killed := 0
	var errs []error
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !SameImage(name, image) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			if running, rerr := p.IsRunningWithContext(ctx); rerr == nil && !running {
				continue
			}
			errs = append(errs, fmt.Errorf("kill pid %d: %w", p.Pid, err))
			continue
		}
		killed++
	}
	return killed, errors.Join(errs...)
}

// SameImage compares process image names the way the platform does:
// case-insensitive on Windows, exact elsewhere.
func SameImage(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
