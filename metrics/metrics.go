// Package metrics exports Prometheus collectors for the recall engine.
// A Recorder implements memory.Observer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recall"

// Recorder holds the engine collectors.
type Recorder struct {
	Retrievals       *prometheus.CounterVec
	RetrieveDuration prometheus.Histogram
	QueryExpansions  *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	MemoriesAdded    prometheus.Counter
	Users            prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		Retrievals: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retrievals_total",
				Help:      "Retrieve calls by outcome (ok, empty, error)",
			},
			[]string{"outcome"},
		),
		RetrieveDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retrieve_duration_seconds",
				Help:      "Retrieve latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		QueryExpansions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_expansions_total",
				Help:      "Query expansion attempts by result",
			},
			[]string{"result"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_lookups_total",
				Help:      "Embedding cache lookups by result (hit, miss)",
			},
			[]string{"result"},
		),
		MemoriesAdded: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memories_added_total",
				Help:      "Records added to user indexes",
			},
		),
		Users: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_users",
				Help:      "Users with live in-memory state",
			},
		),
	}
}

func (r *Recorder) RetrieveDone(outcome string, elapsed time.Duration) {
	r.Retrievals.WithLabelValues(outcome).Inc()
	r.RetrieveDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) QueryExpanded(result string) {
	r.QueryExpansions.WithLabelValues(result).Inc()
}

func (r *Recorder) EmbeddingLookup(hit bool) {
	if hit {
		r.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	r.CacheLookups.WithLabelValues("miss").Inc()
}

func (r *Recorder) MemoryAdded() {
	r.MemoriesAdded.Inc()
}

func (r *Recorder) ActiveUsers(n int) {
	r.Users.Set(float64(n))
}
