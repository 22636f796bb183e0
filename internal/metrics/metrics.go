// Package metrics exposes Prometheus instrumentation for the synchronization
// layer. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenantmirror"

// Metrics holds every collector the layer records into
type Metrics struct {
	gatherer prometheus.Gatherer

	fetchesTotal    *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	supersededTotal *prometheus.CounterVec
	deltasTotal     *prometheus.CounterVec
	pullFailures    *prometheus.CounterVec
	mirrorRows      *prometheus.GaugeVec
	mirrorsMounted  prometheus.Gauge
	recomputesTotal prometheus.Counter
	mutationsTotal  *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
}

// New creates and registers the collectors. A nil registry gets a private one.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Remote requests by collection, method and outcome kind",
		}, []string{"collection", "method", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Latency of remote requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection", "method"}),
		supersededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_superseded_total",
			Help:      "Reads cancelled because a newer read for the same resource started",
		}, []string{"collection"}),
		deltasTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_total",
			Help:      "Push deltas applied by collection and kind",
		}, []string{"collection", "kind"}),
		pullFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_failures_total",
			Help:      "Bulk pulls that failed and left the mirror stale",
		}, []string{"collection"}),
		mirrorRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mirror_rows",
			Help:      "Rows currently held per mirror",
		}, []string{"collection"}),
		mirrorsMounted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mirrors_mounted",
			Help:      "Mirrors with at least one consumer",
		}),
		recomputesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_recomputes_total",
			Help:      "Derived statistics recomputations",
		}),
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutations by collection, operation and outcome",
		}, []string{"collection", "op", "outcome"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Invalidation events delivered by origin",
		}, []string{"origin"}),
	}

	for _, c := range []prometheus.Collector{
		m.fetchesTotal, m.fetchDuration, m.supersededTotal, m.deltasTotal, m.pullFailures,
		m.mirrorRows, m.mirrorsMounted, m.recomputesTotal, m.mutationsTotal, m.invalidations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(collection, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(collection, method, outcome).Inc()
	m.fetchDuration.WithLabelValues(collection, method).Observe(d.Seconds())
}

func (m *Metrics) Superseded(collection string) {
	if m == nil {
		return
	}
	m.supersededTotal.WithLabelValues(collection).Inc()
}

func (m *Metrics) Delta(collection, kind string) {
	if m == nil {
		return
	}
	m.deltasTotal.WithLabelValues(collection, kind).Inc()
}

func (m *Metrics) PullFailed(collection string) {
	if m == nil {
		return
	}
	m.pullFailures.WithLabelValues(collection).Inc()
}

func (m *Metrics) MirrorRows(collection string, n int) {
	if m == nil {
		return
	}
	m.mirrorRows.WithLabelValues(collection).Set(float64(n))
}

func (m *Metrics) MirrorMounted(delta int) {
	if m == nil {
		return
	}
	m.mirrorsMounted.Add(float64(delta))
}

func (m *Metrics) Recompute() {
	if m == nil {
		return
	}
	m.recomputesTotal.Inc()
}

func (m *Metrics) Mutation(collection, op, outcome string) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(collection, op, outcome).Inc()
}

func (m *Metrics) Invalidation(origin string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(origin).Inc()
}
