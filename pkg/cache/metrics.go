package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrez_cache_hits_total",
			Help: "Total number of E-utilities response cache hits",
		},
	)

	// CacheMisses tracks cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entrez_cache_misses_total",
			Help: "Total number of E-utilities response cache misses",
		},
	)

	// CacheSize tracks bytes served from cache.
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entrez_cache_size_bytes",
			Help: "Bytes served from the E-utilities response cache",
		},
	)

	// CacheErrors tracks cache operation errors.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entrez_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
