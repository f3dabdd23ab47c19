package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	backendCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "CPU usage of the backend process.",
		},
	)
	backendMemoryMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "memory_mb",
			Help:      "Resident memory of the backend process in MB.",
		},
	)
	backendNumThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "num_threads",
			Help:      "Thread count of the backend process.",
		},
	)
)

// ResourceSample is one CPU/memory reading of the backend.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically reads the backend's resource usage. Only
// direct handles expose a PID; while the PID source returns 0 the gauges are
// reset and nothing is sampled.
type ResourceSampler struct {
	interval time.Duration
	pid      func() int32

	mu   sync.RWMutex
	last *ResourceSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewResourceSampler returns a sampler reading pid() every interval (default 5s).
func NewResourceSampler(interval time.Duration, pid func() int32) *ResourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceSampler{interval: interval, pid: pid, stopCh: make(chan struct{})}
}

// Start begins periodic collection until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(ctx)
			}
		}
	}()
}

// Stop stops the collection goroutine.
func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample now.
func (s *ResourceSampler) Collect(ctx context.Context) {
	pid := s.pid()
	if pid <= 0 {
		s.reset()
		return
	}
	sample, err := sampleProcess(ctx, pid)
	if err != nil {
		slog.Debug("Failed to collect backend metrics", "pid", pid, "error", err)
		s.reset()
		return
	}
	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
	if regOK.Load() {
		backendCPUPercent.Set(sample.CPUPercent)
		backendMemoryMB.Set(sample.MemoryMB)
		backendNumThreads.Set(float64(sample.NumThreads))
	}
}

// Last returns the most recent sample, if any.
func (s *ResourceSampler) Last() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return ResourceSample{}, false
	}
	return *s.last, true
}

func (s *ResourceSampler) reset() {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	if regOK.Load() {
		backendCPUPercent.Set(0)
		backendMemoryMB.Set(0)
		backendNumThreads.Set(0)
	}
}

func sampleProcess(ctx context.Context, pid int32) (*ResourceSample, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	// CPU percent may be 0 on the first call; the sampler converges on later ticks.
	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreadsWithContext(ctx)
	if err != nil {
		threads = 0
	}
	return &ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}, nil
}
