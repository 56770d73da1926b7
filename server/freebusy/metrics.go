package freebusy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caldora_freebusy_cache_hits_total",
		Help: "Free-busy lookups answered from a valid cache entry.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caldora_freebusy_cache_misses_total",
		Help: "Free-busy lookups that had to query the index.",
	})
	searchFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caldora_freebusy_search_fallbacks_total",
		Help: "Index searches that fell back to a full collection scan.",
	})
	limitExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caldora_freebusy_limit_exceeded_total",
		Help: "Free-busy queries aborted for matching too many resources.",
	})
)
