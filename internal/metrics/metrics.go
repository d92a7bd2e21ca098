// Package metrics exposes Prometheus collectors for sync, embedding and
// search activity.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	syncTotal      *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	filesIndexed   *prometheus.CounterVec
	embeddingCalls *prometheus.CounterVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	searchTotal    *prometheus.CounterVec
	searchDuration prometheus.Histogram
}

var (
	once sync.Once
	inst *collectors
)

func get() *collectors {
	once.Do(func() {
		c := &collectors{
			syncTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memindex_sync_total",
					Help: "Sync runs by outcome.",
				},
				[]string{"status"},
			),
			syncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memindex_sync_duration_seconds",
					Help:    "Sync run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			filesIndexed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memindex_files_indexed_total",
					Help: "Files processed by source and result (indexed, skipped, failed).",
				},
				[]string{"source", "result"},
			),
			embeddingCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memindex_embedding_requests_total",
					Help: "Embedding provider requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			cacheHits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memindex_embedding_cache_hits_total",
					Help: "Chunk embeddings served from the cache.",
				},
			),
			cacheMisses: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memindex_embedding_cache_misses_total",
					Help: "Chunk embeddings that required a provider call.",
				},
			),
			searchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memindex_search_total",
					Help: "Searches by execution mode.",
				},
				[]string{"mode"},
			),
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memindex_search_duration_seconds",
					Help:    "Search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}
		prometheus.MustRegister(
			c.syncTotal, c.syncDuration, c.filesIndexed, c.embeddingCalls,
			c.cacheHits, c.cacheMisses, c.searchTotal, c.searchDuration,
		)
		inst = c
	})
	return inst
}

// RecordSync records a finished sync run
func RecordSync(status string, d time.Duration) {
	m := get()
	m.syncTotal.WithLabelValues(status).Inc()
	m.syncDuration.Observe(d.Seconds())
}

// RecordFile records the outcome for one enumerated file
func RecordFile(source, result string) {
	get().filesIndexed.WithLabelValues(source, result).Inc()
}

// RecordEmbeddingRequest records one provider request attempt
func RecordEmbeddingRequest(provider, status string) {
	get().embeddingCalls.WithLabelValues(provider, status).Inc()
}

// RecordCache records cache hits and misses for one lookup
func RecordCache(hits, misses int) {
	m := get()
	m.cacheHits.Add(float64(hits))
	m.cacheMisses.Add(float64(misses))
}

// RecordSearch records a finished search
func RecordSearch(mode string, d time.Duration) {
	m := get()
	m.searchTotal.WithLabelValues(mode).Inc()
	m.searchDuration.Observe(d.Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	get()
	return promhttp.Handler()
}
