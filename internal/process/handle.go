package process

import (
	"context"
	"sync"
	"time"
)

// Handle is the launcher's view of a running backend.
//
// A direct handle wraps a child process: PID is real and Done is closed once
// the child has been reaped. An indirect handle comes from the hidden-launch
// wrapper; the launcher never sees the backend PID, so PID is 0, Done is nil
// and Terminate works by image name.
type Handle struct {
	PID       int
	Path      string
	WorkDir   string
	Image     string
	Indirect  bool
	StartedAt time.Time

	done      chan struct{}
	terminate func(context.Context) error

	mu      sync.Mutex
	exitErr error
	exited  bool
}

func newHandle(spec Spec, pid int, indirect bool, terminate func(context.Context) error) *Handle {
	h := &Handle{
		PID:       pid,
		Path:      spec.Executable,
		WorkDir:   spec.WorkDir,
		Image:     spec.ImageName(),
		Indirect:  indirect,
		StartedAt: time.Now(),
		terminate: terminate,
	}
	if !indirect {
		h.done = make(chan struct{})
	}
	return h
}

// NewHandle builds a handle around a custom terminate function. It is meant
// for alternative Spawner implementations; pass indirect=false to get a Done
// channel that MarkExited closes.
func NewHandle(spec Spec, pid int, indirect bool, terminate func(context.Context) error) *Handle {
	return newHandle(spec, pid, indirect, terminate)
}

// Done is closed when a direct child exits. It is nil for indirect handles.
func (h *Handle) Done() <-chan struct{} {
	if h.done == nil {
		return nil
	}
	return h.done
}

// MarkExited records the exit of a direct child and closes Done. Safe to call
// more than once; only the first call counts.
func (h *Handle) MarkExited(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitErr = err
	if h.done != nil {
		close(h.done)
	}
}

// Exited reports whether the child has been observed to exit.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// ExitErr returns the error reported by Wait, if the child exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Terminate stops the backend. It is a no-op for a direct child that already exited.
func (h *Handle) Terminate(ctx context.Context) error {
	if !h.Indirect && h.Exited() {
		return nil
	}
	if h.terminate == nil {
		return nil
	}
	return h.terminate(ctx)
}
