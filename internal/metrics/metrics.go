package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launcher"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Backend spawn attempts by result (ok, not_found, launch_failed).",
		}, []string{"result"},
	)
	backendTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "terminations_total",
			Help:      "Backend terminations by result (ok, error).",
		}, []string{"result"},
	)
	backendCleanupKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cleanup_kills_total",
			Help:      "Stale backend processes killed by image name before startup.",
		},
	)
	backendRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "running",
			Help:      "1 while the supervisor holds a backend handle.",
		},
	)
	probeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "requests_total",
			Help:      "Health endpoint requests by result (healthy, unhealthy, error).",
		}, []string{"result"},
	)
	probeCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "wait_duration_seconds",
			Help:      "Duration of a full wait-until-healthy cycle by outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"outcome"},
	)
	startupTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "startup",
			Name:      "state_transitions_total",
			Help:      "Number of startup state machine transitions.",
		}, []string{"from", "to"},
	)
	restartRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "restarts_total",
			Help:      "Restart requests by result (restarted, failed, coalesced).",
		}, []string{"result"},
	)
	staticRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "static",
			Name:      "requests_total",
			Help:      "Static asset requests by HTTP status code.",
		}, []string{"code"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendSpawns, backendTerminations, backendCleanupKills, backendRunning,
		probeRequests, probeCycleDuration, startupTransitions, restartRequests, staticRequests,
		backendCPUPercent, backendMemoryMB, backendNumThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn(result string) {
	if regOK.Load() {
		backendSpawns.WithLabelValues(result).Inc()
	}
}

func IncTerminate(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		backendTerminations.WithLabelValues(result).Inc()
	}
}

func AddCleanupKills(n int) {
	if regOK.Load() && n > 0 {
		backendCleanupKills.Add(float64(n))
	}
}

func SetBackendRunning(running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		backendRunning.Set(v)
	}
}

func IncProbeRequest(result string) {
	if regOK.Load() {
		probeRequests.WithLabelValues(result).Inc()
	}
}

func ObserveProbeCycle(outcome string, seconds float64) {
	if regOK.Load() {
		probeCycleDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func RecordStartupTransition(from, to string) {
	if regOK.Load() {
		startupTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncRestart(result string) {
	if regOK.Load() {
		restartRequests.WithLabelValues(result).Inc()
	}
}

func IncStaticRequest(code string) {
	if regOK.Load() {
		staticRequests.WithLabelValues(code).Inc()
	}
}
