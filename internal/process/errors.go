package process

import "fmt"

// SpawnErrorKind classifies spawn failures.
type SpawnErrorKind int

const (
	// NotFound means the executable does not exist (or is a directory).
	NotFound SpawnErrorKind = iota + 1
	// LaunchFailed means the OS refused to start the process or the
	// hidden-launch wrapper failed.
	LaunchFailed
)

func (k SpawnErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case LaunchFailed:
		return "launch_failed"
	default:
		return "unknown"
	}
}

// SpawnError is returned by Spawner.Spawn.
type SpawnError struct {
	Kind SpawnErrorKind
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	switch e.Kind {
	case NotFound:
		return fmt.Sprintf("backend executable not found: %s", e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("failed to launch backend %s: %v", e.Path, e.Err)
		}
		return fmt.Sprintf("failed to launch backend %s", e.Path)
	}
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminateError is returned when stopping a backend fails. Callers log it
// and carry on; cleanup by image name is the backstop.
type TerminateError struct {
	PID   int
	Image string
	Err   error
}

func (e *TerminateError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("terminate backend pid %d: %v", e.PID, e.Err)
	}
	return fmt.Sprintf("terminate backend image %s: %v", e.Image, e.Err)
}

func (e *TerminateError) Unwrap() error { return e.Err }
