package client

import "time"

// BackendStatus is the best-effort backend state reported by the launcher.
type BackendStatus struct {
	Running    bool `json:"running"`
	Restarting bool `json:"restarting"`
}

// RestartResult is the launcher's answer to a restart request. Done and
// Error are only set when the request waited for completion.
type RestartResult struct {
	Accepted  bool   `json:"accepted"`
	Task      string `json:"task"`
	Coalesced bool   `json:"coalesced"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is a backend notification read from the event stream.
type Event struct {
	Name   string    `json:"name"`
	TaskID string    `json:"task"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Session is the content of the session file a running launcher writes.
type Session struct {
	PID        int       `json:"pid"`
	URL        string    `json:"url"`
	ControlURL string    `json:"control_url,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
