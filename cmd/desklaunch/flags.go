package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	ShutdownTimeout time.Duration
	UI              string // overrides ui.kind when set
}

// RemoteFlags locate the control channel of a running launcher. URL wins
// over the session file named by the config.
type RemoteFlags struct {
	URL     string
	Timeout time.Duration
	JSON    bool
}

// RestartFlags holds flags for the restart command.
type RestartFlags struct {
	RemoteFlags
	Wait bool
}
