// Package detector tells whether the launcher that wrote a session file is
// still running.
package detector

import (
	"fmt"
	"time"
)

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// startSlack absorbs the whole-second resolution of process start times.
const startSlack = 2 * time.Second

// SessionDetector checks the PID recorded in a session file. A process that
// started after StartedAt holds a reused PID and does not count as alive.
type SessionDetector struct {
	PID       int
	StartedAt time.Time
}

func (d SessionDetector) Alive() (bool, error) {
	if !pidAlive(d.PID) {
		return false, nil
	}
	if d.StartedAt.IsZero() {
		return true, nil
	}
	if start := getProcStartUnix(d.PID); start > 0 {
		if time.Unix(start, 0).After(d.StartedAt.Add(startSlack)) {
			return false, nil
		}
	}
	return true, nil
}

func (d SessionDetector) Describe() string { return fmt.Sprintf("session pid:%d", d.PID) }
