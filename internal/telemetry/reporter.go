// Package telemetry collects and exposes node metrics, both as an
// in-process history for heartbeats and as Prometheus gauges/counters.
package telemetry

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/pbnjay/memory"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a point-in-time snapshot of node telemetry.
type Metrics struct {
	Timestamp time.Time

	CPUCount      int
	GoRoutines    int
	HeapAllocMB   float64
	SysMemMB      float64
	TotalMemMB    float64
	SysMemPercent float64

	SessionsActive int
	StreamsOpen    int
	BytesSent      int64
	BytesRecv      int64
	UptimeSec      float64
	KeyRotations   int64
}

// StatsSource supplies current session-table statistics. internal/node's
// dispatcher satisfies this.
type StatsSource interface {
	GetStats() map[string]any
}

// Reporter collects metrics on demand and mirrors them into Prometheus
// gauges for scraping.
type Reporter struct {
	mu      sync.RWMutex
	source  StatsSource
	latest  *Metrics
	history []Metrics
	maxHist int
	started time.Time
	logger  *slog.Logger

	gSessionsActive prometheus.Gauge
	gStreamsOpen    prometheus.Gauge
	gHeapAllocMB    prometheus.Gauge
	cBytesSent      prometheus.Counter
	cBytesRecv      prometheus.Counter
	cKeyRotations   prometheus.Counter
}

// NewReporter creates a Reporter collecting from source and registers its
// gauges/counters with registerer.
func NewReporter(source StatsSource, registerer prometheus.Registerer) *Reporter {
	r := &Reporter{
		source:  source,
		history: make([]Metrics, 0, 60),
		maxHist: 60,
		started: time.Now(),
		logger:  slog.Default().With("component", "telemetry"),

		gSessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stt", Name: "sessions_active", Help: "Number of active sessions.",
		}),
		gStreamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stt", Name: "streams_open", Help: "Number of open streams across all sessions.",
		}),
		gHeapAllocMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stt", Name: "heap_alloc_mb", Help: "Go heap allocation in MiB.",
		}),
		cBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stt", Name: "bytes_sent_total", Help: "Total session bytes sent, as reported by the stats source.",
		}),
		cBytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stt", Name: "bytes_recv_total", Help: "Total session bytes received, as reported by the stats source.",
		}),
		cKeyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stt", Name: "key_rotations_total", Help: "Total session key rotations performed.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(r.gSessionsActive, r.gStreamsOpen, r.gHeapAllocMB,
			r.cBytesSent, r.cBytesRecv, r.cKeyRotations)
	}
	return r
}

// Collect gathers current metrics, mirrors them into the Prometheus
// collectors, and records them in the in-process history.
func (r *Reporter) Collect() Metrics {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	totalMem := float64(memory.TotalMemory())
	sysMem := float64(memStats.Sys)

	m := Metrics{
		Timestamp:   time.Now(),
		CPUCount:    runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		HeapAllocMB: float64(memStats.HeapAlloc) / 1024 / 1024,
		SysMemMB:    sysMem / 1024 / 1024,
		TotalMemMB:  totalMem / 1024 / 1024,
		UptimeSec:   time.Since(r.started).Seconds(),
	}
	if totalMem > 0 {
		m.SysMemPercent = sysMem / totalMem * 100
	}

	if r.source != nil {
		stats := r.source.GetStats()
		if v, ok := stats["sessions_active"].(int); ok {
			m.SessionsActive = v
		}
		if v, ok := stats["streams_open"].(int); ok {
			m.StreamsOpen = v
		}
		if v, ok := stats["bytes_sent"].(int64); ok {
			m.BytesSent = v
		}
		if v, ok := stats["bytes_recv"].(int64); ok {
			m.BytesRecv = v
		}
		if v, ok := stats["key_rotations"].(int64); ok {
			m.KeyRotations = v
		}
	}

	r.gSessionsActive.Set(float64(m.SessionsActive))
	r.gStreamsOpen.Set(float64(m.StreamsOpen))
	r.gHeapAllocMB.Set(m.HeapAllocMB)

	r.mu.Lock()
	prevSent, prevRecv, prevRot := int64(0), int64(0), int64(0)
	if r.latest != nil {
		prevSent, prevRecv, prevRot = r.latest.BytesSent, r.latest.BytesRecv, r.latest.KeyRotations
	}
	r.latest = &m
	if len(r.history) >= r.maxHist {
		r.history = r.history[1:]
	}
	r.history = append(r.history, m)
	r.mu.Unlock()

	if d := m.BytesSent - prevSent; d > 0 {
		r.cBytesSent.Add(float64(d))
	}
	if d := m.BytesRecv - prevRecv; d > 0 {
		r.cBytesRecv.Add(float64(d))
	}
	if d := m.KeyRotations - prevRot; d > 0 {
		r.cKeyRotations.Add(float64(d))
	}

	return m
}

// Latest returns the last collected metrics, or nil if Collect has never
// been called.
func (r *Reporter) Latest() *Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return nil
	}
	m := *r.latest
	return &m
}

// Summary renders m as a short human-readable line for log output, with
// byte counts in IEC units rather than raw counters.
func (m Metrics) Summary() string {
	return fmt.Sprintf("sessions=%d streams=%d sent=%s recv=%s heap=%s mem=%.1f%%",
		m.SessionsActive, m.StreamsOpen,
		units.BytesSize(float64(m.BytesSent)),
		units.BytesSize(float64(m.BytesRecv)),
		units.BytesSize(m.HeapAllocMB*1024*1024),
		m.SysMemPercent,
	)
}

// History returns a copy of the retained metrics history.
func (r *Reporter) History() []Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Metrics, len(r.history))
	copy(result, r.history)
	return result
}
