// Package telemetry records per-operation latency and outcome metrics.
// All data is held locally; the Prometheus registry exposes it on
// /metrics and the recorder snapshots back /performance.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// sampleCapacity bounds the per-operation latency window used for
// percentile estimation.
const sampleCapacity = 512

// Recorder aggregates per-operation metrics: counts, errors, latency
// percentiles over a sliding window, and cache hit/miss totals.
type Recorder struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	cacheOps  *prometheus.CounterVec
	adapterUp *prometheus.GaugeVec

	mu  sync.RWMutex
	ops map[string]*opWindow

	cacheHits   uint64
	cacheMisses uint64

	tierMu sync.Mutex
	tiers  map[string]uint64 // performance tier -> count
}

type opWindow struct {
	samples *CircularBuffer[time.Duration]
	count   uint64
	errors  uint64
	last    time.Time
}

// OpStats is a point-in-time summary for one operation.
type OpStats struct {
	Count   uint64        `json:"count"`
	Errors  uint64        `json:"errors"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	LastSeen time.Time    `json:"last_seen"`
}

// NewRecorder creates a recorder with its own Prometheus registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ops:      make(map[string]*opWindow),
		tiers:    make(map[string]uint64),
	}

	r.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "personal_pipeline",
		Name:      "requests_total",
		Help:      "Requests by operation and status.",
	}, []string{"op", "status"})

	r.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "personal_pipeline",
		Name:      "request_duration_seconds",
		Help:      "Request latency by operation.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .2, .5, 1, 2, 5},
	}, []string{"op"})

	r.cacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "personal_pipeline",
		Name:      "cache_operations_total",
		Help:      "Cache hits and misses.",
	}, []string{"result"})

	r.adapterUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "personal_pipeline",
		Name:      "adapter_healthy",
		Help:      "Adapter health (1 healthy, 0 unhealthy).",
	}, []string{"adapter"})

	r.registry.MustRegister(r.requests, r.latency, r.cacheOps, r.adapterUp)
	return r
}

// Registry returns the Prometheus registry backing /metrics.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Record adds one completed operation.
func (r *Recorder) Record(op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.requests.WithLabelValues(op, status).Inc()
	r.latency.WithLabelValues(op).Observe(d.Seconds())

	r.mu.Lock()
	w, ok := r.ops[op]
	if !ok {
		w = &opWindow{samples: NewCircularBuffer[time.Duration](sampleCapacity)}
		r.ops[op] = w
	}
	w.samples.Add(d)
	w.count++
	if err != nil {
		w.errors++
	}
	w.last = time.Now()
	r.mu.Unlock()
}

// RecordCache adds one cache lookup outcome.
func (r *Recorder) RecordCache(hit bool) {
	r.mu.Lock()
	if hit {
		r.cacheHits++
	} else {
		r.cacheMisses++
	}
	r.mu.Unlock()

	if hit {
		r.cacheOps.WithLabelValues("hit").Inc()
	} else {
		r.cacheOps.WithLabelValues("miss").Inc()
	}
}

// RecordTier adds one response performance-tier observation.
func (r *Recorder) RecordTier(tier string) {
	r.tierMu.Lock()
	r.tiers[tier]++
	r.tierMu.Unlock()
}

// SetAdapterHealth publishes an adapter's health to the gauge.
func (r *Recorder) SetAdapterHealth(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.adapterUp.WithLabelValues(name).Set(v)
}

// Snapshot returns per-operation stats.
func (r *Recorder) Snapshot() map[string]OpStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]OpStats, len(r.ops))
	for op, w := range r.ops {
		samples := w.samples.Items()
		out[op] = OpStats{
			Count:    w.count,
			Errors:   w.errors,
			P50:      percentile(samples, 0.50),
			P95:      percentile(samples, 0.95),
			P99:      percentile(samples, 0.99),
			LastSeen: w.last,
		}
	}
	return out
}

// CacheHitRate returns hits/(hits+misses), or 0 with no lookups.
func (r *Recorder) CacheHitRate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := r.cacheHits + r.cacheMisses
	if total == 0 {
		return 0
	}
	return float64(r.cacheHits) / float64(total)
}

// TierDistribution returns a copy of the tier counts.
func (r *Recorder) TierDistribution() map[string]uint64 {
	r.tierMu.Lock()
	defer r.tierMu.Unlock()
	out := make(map[string]uint64, len(r.tiers))
	for k, v := range r.tiers {
		out[k] = v
	}
	return out
}

// percentile estimates the p-quantile of the sample window.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
