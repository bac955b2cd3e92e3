// Package metrics exposes Prometheus instrumentation for the sync queue and
// the cache layer.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "fitsync"
)

// Operation results.
const (
	ResultSucceeded = "succeeded"
	ResultConflict  = "conflict"
	ResultRetrying  = "retrying"
	ResultDropped   = "dropped"
)

// Cache lookup outcomes.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheStale  = "stale"
	CacheFresh  = "fresh"
	CacheFailed = "fetch_failed"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	pendingOperations prometheus.Gauge
	operationsTotal   *prometheus.CounterVec
	syncPasses        prometheus.Counter
	syncDuration      prometheus.Histogram
	cacheRequests     *prometheus.CounterVec
	revalidations     *prometheus.CounterVec
	online            prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default
// Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		pendingOperations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_operations",
			Help:      "Number of operations waiting to be replayed",
		}),
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Replayed operations by collection and result",
		}, []string{"collection", "result"}),
		syncPasses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sync_passes_total",
			Help:      "Total number of sync passes that processed at least one operation",
		}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "sync_duration_seconds",
			Help:      "Duration of a sync pass in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by outcome",
		}, []string{"outcome"}),
		revalidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "revalidations_total",
			Help:      "Background revalidations by status",
		}, []string{"status"}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "netwatch",
			Name:      "online",
			Help:      "Connectivity state (1=online, 0=offline)",
		}),
	}
}

// SetPending records the current queue length.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingOperations.Set(float64(n))
}

// RecordOperation counts one replayed operation.
func (m *Metrics) RecordOperation(collection, result string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(collection, result).Inc()
}

// RecordSyncPass records a completed pass.
func (m *Metrics) RecordSyncPass(d time.Duration) {
	if m == nil {
		return
	}
	m.syncPasses.Inc()
	m.syncDuration.Observe(d.Seconds())
}

// RecordCache counts one cache lookup.
func (m *Metrics) RecordCache(outcome string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(outcome).Inc()
}

// RecordRevalidation counts a background refresh. ok is false when the
// fetcher or the cache write failed.
func (m *Metrics) RecordRevalidation(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.revalidations.WithLabelValues(status).Inc()
}

// SetOnline records the connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.online.Set(v)
}
