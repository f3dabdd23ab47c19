// Package ui abstracts the surface that displays the frontend. Native window
// toolkits are out of scope; the launcher ships a system-browser surface and
// a headless one.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
)

// Event names delivered to the surface by the control channel.
const (
	EventBackendRestarted   = "backend-restarted"
	EventBackendStartFailed = "backend-start-failed"
)

// Notification is an asynchronous message for the UI.
type Notification struct {
	Name   string `json:"name"`
	TaskID string `json:"task,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Surface displays content for the user.
type Surface interface {
	// Load points the surface at a URL served by the launcher.
	Load(ctx context.Context, rawURL string) error
	// LoadFile shows a local HTML document, used for the fallback error page.
	LoadFile(ctx context.Context, path string) error
	// Notify delivers an asynchronous event; it must not block.
	Notify(n Notification)
}

// Kind selects a Surface implementation.
type Kind string

const (
	KindBrowser  Kind = "browser"
	KindHeadless Kind = "headless"
)

// New returns the Surface for kind.
func New(kind Kind, log *slog.Logger) (Surface, error) {
	if log == nil {
		log = slog.Default()
	}
	switch kind {
	case "", KindBrowser:
		return &Browser{log: log, open: openCommand}, nil
	case KindHeadless:
		return NewHeadless(log), nil
	default:
		return nil, fmt.Errorf("unknown ui kind %q, must be one of: browser, headless", kind)
	}
}

// FileURL converts a local path to a file:// URL.
func FileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	p := filepath.ToSlash(abs)
	if runtime.GOOS == "windows" {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// Browser opens pages in the system browser. Notifications are only logged;
// the frontend receives them from the control channel event stream.
type Browser struct {
	log  *slog.Logger
	open func(ctx context.Context, target string) *exec.Cmd
}

func (b *Browser) Load(ctx context.Context, rawURL string) error {
	return b.start(ctx, rawURL)
}

func (b *Browser) LoadFile(ctx context.Context, path string) error {
	return b.start(ctx, FileURL(path))
}

func (b *Browser) Notify(n Notification) {
	b.log.Info("ui notification", "event", n.Name, "task", n.TaskID, "error", n.Error)
}

func (b *Browser) start(ctx context.Context, target string) error {
	cmd := b.open(ctx, target)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %s: %w", target, err)
	}
	b.log.Info("opened ui", "target", target)
	go func() { _ = cmd.Wait() }()
	return nil
}

func openCommand(_ context.Context, target string) *exec.Cmd {
	// the opener outlives the call; it is not bound to ctx
	switch runtime.GOOS {
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	case "darwin":
		return exec.Command("open", target)
	default:
		return exec.Command("xdg-open", target)
	}
}

// Headless records what would have been shown. It is used in tests and when
// the launcher runs as a pure supervisor.
type Headless struct {
	log *slog.Logger

	mu     sync.Mutex
	loaded []string
	events []Notification
}

func NewHeadless(log *slog.Logger) *Headless {
	if log == nil {
		log = slog.Default()
	}
	return &Headless{log: log}
}

func (h *Headless) Load(_ context.Context, rawURL string) error {
	h.mu.Lock()
	h.loaded = append(h.loaded, rawURL)
	h.mu.Unlock()
	h.log.Info("ui load", "url", rawURL)
	return nil
}

func (h *Headless) LoadFile(_ context.Context, path string) error {
	h.mu.Lock()
	h.loaded = append(h.loaded, FileURL(path))
	h.mu.Unlock()
	h.log.Info("ui load file", "path", path)
	return nil
}

func (h *Headless) Notify(n Notification) {
	h.mu.Lock()
	h.events = append(h.events, n)
	h.mu.Unlock()
	h.log.Info("ui notification", "event", n.Name, "task", n.TaskID, "error", n.Error)
}

// Loaded returns every URL loaded so far.
func (h *Headless) Loaded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.loaded...)
}

// Events returns every notification received so far.
func (h *Headless) Events() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.events...)
}
