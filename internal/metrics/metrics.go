package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "semsearch",
			Name:      "documents_total",
			Help:      "Documents seen by the loader",
		},
		[]string{"status"}, // loaded, failed or empty
	)

	ChunksIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "semsearch",
			Name:      "chunks_indexed_total",
			Help:      "Chunks written to a vector index",
		},
	)

	EmbeddingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "semsearch",
			Name:      "embedding_requests_total",
			Help:      "Total number of embedding batch requests",
		},
		[]string{"provider", "model", "status"},
	)

	EmbeddingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "semsearch",
			Name:      "embedding_request_duration_seconds",
			Help:      "Embedding batch request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "semsearch",
			Name:      "search_duration_seconds",
			Help:      "Vector index search duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"index_kind"},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "semsearch",
			Name:      "builds_total",
			Help:      "Index builds by outcome",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "semsearch",
			Name:      "build_duration_seconds",
			Help:      "Index build duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			DocumentsTotal,
			ChunksIndexedTotal,
			EmbeddingRequestsTotal,
			EmbeddingRequestDuration,
			SearchDuration,
			BuildsTotal,
			BuildDuration,
			HTTPRequestDuration,
			HTTPRequestsTotal,
		)
	})
}

// ObserveEmbedding records one embedding batch request.
func ObserveEmbedding(provider, model string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	EmbeddingRequestsTotal.WithLabelValues(provider, model, status).Inc()
	EmbeddingRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
}

// ObserveBuild records the outcome of one index build.
func ObserveBuild(start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	BuildsTotal.WithLabelValues(status).Inc()
	BuildDuration.Observe(time.Since(start).Seconds())
}
