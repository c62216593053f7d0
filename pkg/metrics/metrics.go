// Package metrics defines the Prometheus metric collectors for the media
// library and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the library service.
type Metrics struct {
	IngestsTotal            *prometheus.CounterVec
	CaptionLatency          prometheus.Histogram
	DocsIndexedTotal        prometheus.Counter
	IndexDocs               prometheus.Gauge
	IndexTerms              prometheus.Gauge
	IndexRebuildsTotal      prometheus.Counter
	SearchesTotal           *prometheus.CounterVec
	SearchLatency           *prometheus.HistogramVec
	SearchResultsCount      prometheus.Histogram
	CacheHitsTotal          prometheus.Counter
	CacheMissesTotal        prometheus.Counter
	TokenizerFallbacksTotal prometheus.Counter
}

// New creates all collectors and registers them with the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all collectors and registers them with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_ingests_total",
				Help: "Total ingest operations by outcome (indexed, caption_error, normalization_error, store_error, cancelled).",
			},
			[]string{"outcome"},
		),
		CaptionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "captioner_latency_seconds",
				Help:    "Latency of external captioner calls in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_documents_indexed_total",
				Help: "Total documents written into the inverted index.",
			},
		),
		IndexDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_documents",
				Help: "Documents currently present in the inverted index.",
			},
		),
		IndexTerms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_terms",
				Help: "Distinct terms currently present in the inverted index.",
			},
		),
		IndexRebuildsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_rebuilds_total",
				Help: "Full index rebuilds triggered by corruption detection or recovery.",
			},
		),
		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "query_cache_hits_total",
				Help: "Total query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "query_cache_misses_total",
				Help: "Total query cache misses.",
			},
		),
		TokenizerFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tokenizer_fallbacks_total",
				Help: "Tokenize calls served by the rule-based fallback path.",
			},
		),
	}

	reg.MustRegister(
		m.IngestsTotal,
		m.CaptionLatency,
		m.DocsIndexedTotal,
		m.IndexDocs,
		m.IndexTerms,
		m.IndexRebuildsTotal,
		m.SearchesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.TokenizerFallbacksTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
