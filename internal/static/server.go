// Package static serves the prebuilt frontend over loopback HTTP on an
// OS-assigned port.
package static

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/desklaunch/internal/metrics"
)

const (
	DefaultHost  = "127.0.0.1"
	DefaultIndex = "index.html"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("static server already started")

// ServerBindError reports that the listener could not be bound.
type ServerBindError struct {
	Addr string
	Err  error
}

func (e *ServerBindError) Error() string {
	return fmt.Sprintf("bind static server on %s: %v", e.Addr, e.Err)
}

func (e *ServerBindError) Unwrap() error { return e.Err }

// Binding describes the running server.
type Binding struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Root string `json:"root"`
}

// URL is the base URL of the frontend, with a trailing slash.
func (b Binding) URL() string {
	return "http://" + net.JoinHostPort(b.Host, strconv.Itoa(b.Port)) + "/"
}

// Option customizes a Server.
type Option func(*Server)

// WithHost sets the listen host (default 127.0.0.1).
func WithHost(host string) Option { return func(s *Server) { s.host = host } }

// WithPort sets a fixed port; 0 (default) lets the OS choose.
func WithPort(port int) Option { return func(s *Server) { s.port = port } }

// WithIndex sets the default document (default index.html).
func WithIndex(name string) Option { return func(s *Server) { s.index = name } }

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

// WithRoutes mounts additional routes on the engine before assets are
// considered. Registered routes take precedence over files of the same path.
func WithRoutes(mount func(gin.IRouter)) Option {
	return func(s *Server) { s.mounts = append(s.mounts, mount) }
}

// Server serves files below root. Missing files are 404; directory listings
// are never produced and request paths cannot leave root.
type Server struct {
	root   string
	host   string
	port   int
	index  string
	log    *slog.Logger
	mounts []func(gin.IRouter)

	engine *gin.Engine

	mu      sync.Mutex
	srv     *http.Server
	binding *Binding
}

// New builds a Server for root. root must be an existing directory; the
// caller resolves it.
func New(root string, opts ...Option) *Server {
	s := &Server{root: root, host: DefaultHost, index: DefaultIndex}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.engine = s.buildEngine()
	return s
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) buildEngine() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), countRequests(), cors())
	for _, m := range s.mounts {
		m(g)
	}
	g.NoRoute(s.serveAsset)
	return g
}

// Start binds the listener and serves in the background. It returns once the
// port is known.
func (s *Server) Start() (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return Binding{}, ErrAlreadyStarted
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Binding{}, &ServerBindError{Addr: addr, Err: err}
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: the control event stream is long-lived
		IdleTimeout: 60 * time.Second,
	}
	b := Binding{Host: s.host, Port: port, Root: s.root}
	s.binding = &b
	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("static server stopped", "error", err)
		}
	}()
	s.log.Info("static server listening", "url", b.URL(), "root", s.root)
	return b, nil
}

// Binding returns the active binding, if started.
func (s *Server) Binding() (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return Binding{}, false
	}
	return *s.binding, true
}

// Shutdown gracefully stops the server. Calling it on a server that never
// started is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	return err
}

func (s *Server) serveAsset(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead:
	default:
		c.Header("Allow", "GET, HEAD, OPTIONS")
		c.AbortWithStatus(http.StatusMethodNotAllowed)
		return
	}
	root, err := os.OpenRoot(s.root)
	if err != nil {
		s.log.Error("open frontend root", "root", s.root, "error", err)
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	defer func() { _ = root.Close() }()
	name, ok := s.resolve(root, c.Request.URL.Path)
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	f, err := root.Open(name)
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	// ServeContent, unlike ServeFile, never redirects /index.html to /.
	http.ServeContent(c.Writer, c.Request, fi.Name(), fi.ModTime(), f)
}

// resolve maps a URL path to a regular file below root and returns its name
// relative to root. Directories resolve to their index document,
// extensionless paths fall back to "<path>.html", and dot-files are hidden.
// Lookups go through root, so symlinks pointing outside it are not followed.
func (s *Server) resolve(root *os.Root, urlPath string) (string, bool) {
	if strings.ContainsRune(urlPath, 0) {
		return "", false
	}
	clean := path.Clean("/" + urlPath)
	for _, seg := range strings.Split(clean, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", false
		}
	}
	name := filepath.FromSlash(strings.TrimPrefix(clean, "/"))
	if name == "" {
		name = "."
	}
	if fi, err := root.Stat(name); err == nil {
		if !fi.IsDir() {
			return name, true
		}
		idx := filepath.Join(name, s.index)
		if fi, err := root.Stat(idx); err == nil && !fi.IsDir() {
			return idx, true
		}
		return "", false
	}
	if filepath.Ext(name) == "" {
		alt := name + ".html"
		if fi, err := root.Stat(alt); err == nil && !fi.IsDir() {
			return alt, true
		}
	}
	return "", false
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		metrics.IncStaticRequest(strconv.Itoa(c.Writer.Status()))
	}
}
