// Package history exports backend lifecycle events to external stores
// (SQLite, PostgreSQL, ClickHouse, OpenSearch) for later analysis.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventCleanup       EventType = "cleanup"
	EventSpawn         EventType = "spawn"
	EventSpawnFailed   EventType = "spawn_failed"
	EventHealthy       EventType = "healthy"
	EventProbeTimeout  EventType = "probe_timeout"
	EventTerminate     EventType = "terminate"
	EventExit          EventType = "exit"
	EventServing       EventType = "serving"
	EventStartupFailed EventType = "startup_failed"
	EventRestarted     EventType = "restarted"
	EventRestartFailed EventType = "restart_failed"
)

// Event is one backend lifecycle event.
type Event struct {
	ID         string    `json:"id"`
	Session    string    `json:"session"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Image      string    `json:"image"`
	PID        int       `json:"pid"`
	Attempt    int       `json:"attempt"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const sendTimeout = 5 * time.Second

// Recorder stamps events with an ID, the launcher session and a timestamp,
// then fans them out to every sink. Delivery is best-effort: sink errors are
// logged and never reach the caller.
type Recorder struct {
	session string
	log     *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
}

// NewRecorder returns a Recorder for a new launcher session.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{session: uuid.NewString(), log: log, sinks: append([]Sink(nil), sinks...)}
}

// Session is the ID shared by all events of this launcher run.
func (r *Recorder) Session() string {
	if r == nil {
		return ""
	}
	return r.session
}

// AddSink appends a sink.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record delivers e synchronously to every sink. A nil Recorder drops events.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Session == "" {
		e.Session = r.session
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "event", e.Type, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	r.sinks = nil
	return first
}
