package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 处理与检索指标
type Metrics struct {
	IngestRuns        *prometheus.CounterVec
	IngestDuration    prometheus.Histogram
	StageFailures     *prometheus.CounterVec
	UtterancesIndexed prometheus.Counter
	IndexSize         prometheus.Gauge
	SearchDuration    prometheus.Histogram
	SearchResults     prometheus.Histogram
	SearchEmpty       *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
}

// NewMetrics registers all collectors on reg. A nil reg leaves them unregistered,
// which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videosearch",
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs by terminal status.",
		}, []string{"status"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "videosearch",
			Name:      "ingest_duration_seconds",
			Help:      "Wall time of one ingestion run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videosearch",
			Name:      "ingest_stage_failures_total",
			Help:      "Failed pipeline steps by stage, fatal or degraded.",
		}, []string{"stage"}),
		UtterancesIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videosearch",
			Name:      "utterances_indexed_total",
			Help:      "Utterance embeddings added to the vector index.",
		}),
		IndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videosearch",
			Name:      "vector_index_entries",
			Help:      "Entries currently held by the vector index.",
		}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "videosearch",
			Name:      "search_duration_seconds",
			Help:      "Wall time of one transcript search.",
			Buckets:   prometheus.DefBuckets,
		}),
		SearchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "videosearch",
			Name:      "search_results",
			Help:      "Results returned per search.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		SearchEmpty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videosearch",
			Name:      "search_empty_total",
			Help:      "Searches that returned nothing, by cause.",
		}, []string{"cause"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videosearch",
			Name:      "ingest_queue_depth",
			Help:      "Ingestion jobs waiting for a worker.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.IngestRuns, m.IngestDuration, m.StageFailures, m.UtterancesIndexed,
			m.IndexSize, m.SearchDuration, m.SearchResults, m.SearchEmpty, m.QueueDepth,
		)
	}
	return m
}
