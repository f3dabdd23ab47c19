package process

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/desklaunch/internal/logger"
)

// LaunchMode selects how the backend executable is started.
type LaunchMode string

const (
	// LaunchAuto picks LaunchWrapper on Windows and LaunchDirect elsewhere.
	LaunchAuto LaunchMode = "auto"
	// LaunchDirect starts the executable as a child process and tracks its PID.
	LaunchDirect LaunchMode = "direct"
	// LaunchWrapper runs a generated hidden-launch script that starts the
	// executable detached. The resulting handle is indirect.
	LaunchWrapper LaunchMode = "wrapper"
)

// Resolve maps LaunchAuto to the platform default.
func (m LaunchMode) Resolve() LaunchMode {
	switch m {
	case LaunchDirect, LaunchWrapper:
		return m
	default:
		if runtime.GOOS == "windows" {
			return LaunchWrapper
		}
		return LaunchDirect
	}
}

// DefaultStopGrace is how long a direct child gets between SIGTERM and SIGKILL.
const DefaultStopGrace = 3 * time.Second

// Spec describes the backend executable to launch.
type Spec struct {
	Name       string        `json:"name" mapstructure:"name"`             // label used for logs and metrics
	Executable string        `json:"executable" mapstructure:"executable"` // absolute path of the backend binary
	Args       []string      `json:"args" mapstructure:"args"`
	WorkDir    string        `json:"work_dir" mapstructure:"workdir"`
	Env        []string      `json:"env" mapstructure:"env"`     // extra KEY=VALUE pairs on top of the launcher env
	Image      string        `json:"image" mapstructure:"image"` // process image name used for cleanup; defaults to the executable base name
	LaunchMode LaunchMode    `json:"launch_mode" mapstructure:"launch_mode"`
	StopGrace  time.Duration `json:"stop_grace" mapstructure:"stop_grace"`
	Log        logger.Config `json:"-" mapstructure:"log"` // backend stdout/stderr capture (direct mode only)
}

// ImageName returns the process image name that identifies backend instances.
func (s Spec) ImageName() string {
	if s.Image != "" {
		return s.Image
	}
	return filepath.Base(s.Executable)
}

// DisplayName returns Name or falls back to the image name.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return strings.TrimSuffix(s.ImageName(), filepath.Ext(s.ImageName()))
}

func (s Spec) stopGrace() time.Duration {
	if s.StopGrace <= 0 {
		return DefaultStopGrace
	}
	return s.StopGrace
}

// Validate checks the fields required to spawn.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("backend executable is required")
	}
	switch s.LaunchMode {
	case "", LaunchAuto, LaunchDirect, LaunchWrapper:
	default:
		return fmt.Errorf("invalid launch_mode %q, must be one of: auto, direct, wrapper", s.LaunchMode)
	}
	for i, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env[%d] %q is invalid, must be in KEY=VALUE format", i, kv)
		}
	}
	if s.StopGrace < 0 {
		return fmt.Errorf("stop_grace cannot be negative")
	}
	return nil
}
