package control

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/loykin/desklaunch/internal/ui"
)

// Event names delivered to the UI layer.
const (
	EventBackendRestarted   = ui.EventBackendRestarted
	EventBackendStartFailed = ui.EventBackendStartFailed
)

// Event is an asynchronous notification about the backend.
type Event struct {
	Name   string    `json:"name"`
	TaskID string    `json:"task"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) send(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	subs cmap.ConcurrentMap[string, *subscriber]
	log  *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: cmap.New[*subscriber](), log: log}
}

// Subscribe registers a receiver with the given buffer size. The channel is
// closed by Unsubscribe or Close.
func (b *Bus) Subscribe(buffer int) (string, <-chan Event) {
	if buffer < 1 {
		buffer = 1
	}
	id := uuid.NewString()
	s := &subscriber{ch: make(chan Event, buffer)}
	b.subs.Set(id, s)
	return id, s.ch
}

func (b *Bus) Unsubscribe(id string) {
	if s, ok := b.subs.Pop(id); ok {
		s.close()
	}
}

// Subscribers returns the number of registered receivers.
func (b *Bus) Subscribers() int { return b.subs.Count() }

// Publish delivers e to every subscriber and returns how many received it.
func (b *Bus) Publish(e Event) int {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	n := 0
	for item := range b.subs.IterBuffered() {
		if item.Val.send(e) {
			n++
			continue
		}
		b.log.Warn("event dropped for slow subscriber", "event", e.Name, "subscriber", item.Key)
	}
	return n
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	for _, id := range b.subs.Keys() {
		b.Unsubscribe(id)
	}
}
