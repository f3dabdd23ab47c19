package control

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
)

// DefaultPrefix is the path reserved for launcher routes on the static server.
const DefaultPrefix = "/_launcher"

// Router mounts the control channel on a gin router.
// Endpoints:
//
//	POST {prefix}/restart-backend   query: wait=true blocks until the restart finished
//	GET  {prefix}/backend-status
//	GET  {prefix}/events            server-sent events
//	GET  {prefix}/live, /ready
//	GET  {prefix}/metrics           only with a metrics handler
type Router struct {
	ch      *Channel
	prefix  string
	metrics http.Handler
	health  healthcheck.Handler
}

// NewRouter builds a Router. metricsHandler may be nil.
func NewRouter(ch *Channel, prefix string, metricsHandler http.Handler) *Router {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	h.AddReadinessCheck("backend", func() error { return ch.Ready(context.Background()) })
	return &Router{ch: ch, prefix: sanitizeBase(prefix), metrics: metricsHandler, health: h}
}

// Prefix returns the sanitized mount prefix.
func (r *Router) Prefix() string { return r.prefix }

// Mount registers the routes on g.
func (r *Router) Mount(g gin.IRouter) {
	group := g.Group(r.prefix)
	group.POST("/restart-backend", r.handleRestart)
	group.GET("/backend-status", r.handleStatus)
	group.GET("/events", r.handleEvents)
	group.GET("/live", gin.WrapF(r.health.LiveEndpoint))
	group.GET("/ready", gin.WrapF(r.health.ReadyEndpoint))
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
}

type errorResp struct {
	Error string `json:"error"`
}

// RestartResponse is returned by POST restart-backend.
type RestartResponse struct {
	Accepted  bool   `json:"accepted"`
	Task      string `json:"task"`
	Coalesced bool   `json:"coalesced"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r *Router) handleRestart(c *gin.Context) {
	wait := false
	if s := c.Query("wait"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
			return
		}
		wait = v
	}
	t, coalesced, err := r.ch.RestartBackend()
	if err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	resp := RestartResponse{Accepted: true, Task: t.ID, Coalesced: coalesced}
	if !wait {
		writeJSON(c, http.StatusAccepted, resp)
		return
	}
	if err := t.Wait(c.Request.Context()); err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		resp.Error = err.Error()
	}
	resp.Done = true
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ch.GetStatus())
}

func (r *Router) handleEvents(c *gin.Context) {
	id, events := r.ch.Bus().Subscribe(16)
	defer r.ch.Bus().Unsubscribe(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case e, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(e.Name, e)
			return true
		case <-ctx.Done():
			return false
		}
	})
}
