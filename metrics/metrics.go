// Package metrics exposes the observability surface of the cache layer as
// Prometheus collectors. A nil *Metrics is valid and records nothing, so
// components never need to guard their instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier labels where a cache hit was served from.
const (
	TierNear    = "near"
	TierBackend = "backend"
)

// Metrics holds every collector of the cache layer.
type Metrics struct {
	hits                   *prometheus.CounterVec
	misses                 *prometheus.CounterVec
	loadDuration           *prometheus.HistogramVec
	invalidationsReceived  *prometheus.CounterVec
	invalidationsPublished *prometheus.CounterVec
	backendUp              prometheus.Gauge
	degradedRequests       prometheus.Counter
	warmedEntries          *prometheus.CounterVec
}

// New registers all collectors with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		hits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hoard_cache_hits_total",
			Help: "Cache hits by entity type and serving tier.",
		}, []string{"entity_type", "tier"}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hoard_cache_misses_total",
			Help: "Cache misses by entity type.",
		}, []string{"entity_type"}),
		loadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hoard_load_duration_seconds",
			Help:    "End-to-end duration of cache-aside loads.",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity_type"}),
		invalidationsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hoard_invalidations_received_total",
			Help: "Invalidation events received by entity type.",
		}, []string{"entity_type"}),
		invalidationsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hoard_invalidations_published_total",
			Help: "Invalidation events published by entity type.",
		}, []string{"entity_type"}),
		backendUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "hoard_backend_up",
			Help: "1 while the cache backend is considered available.",
		}),
		degradedRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "hoard_degraded_requests_total",
			Help: "Loads served directly from the source of record while the backend was down.",
		}),
		warmedEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hoard_warmed_entries_total",
			Help: "Entries populated by the warmer by entity type.",
		}, []string{"entity_type"}),
	}
}

func (m *Metrics) RecordHit(entityType, tier string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(entityType, tier).Inc()
}

func (m *Metrics) RecordMiss(entityType string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(entityType).Inc()
}

func (m *Metrics) ObserveLoad(entityType string, d time.Duration) {
	if m == nil {
		return
	}
	m.loadDuration.WithLabelValues(entityType).Observe(d.Seconds())
}

func (m *Metrics) IncInvalidationReceived(entityType string) {
	if m == nil {
		return
	}
	m.invalidationsReceived.WithLabelValues(entityType).Inc()
}

func (m *Metrics) IncInvalidationPublished(entityType string) {
	if m == nil {
		return
	}
	m.invalidationsPublished.WithLabelValues(entityType).Inc()
}

func (m *Metrics) SetBackendUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.backendUp.Set(1)
	} else {
		m.backendUp.Set(0)
	}
}

func (m *Metrics) IncDegraded() {
	if m == nil {
		return
	}
	m.degradedRequests.Inc()
}

func (m *Metrics) AddWarmed(entityType string, n int) {
	if m == nil {
		return
	}
	m.warmedEntries.WithLabelValues(entityType).Add(float64(n))
}
