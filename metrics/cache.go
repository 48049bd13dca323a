package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricCache = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "imapsync_cache_lookup_total",
		Help: "Lookups in the header and body caches.",
	},
	[]string{
		"cache",  // header, body
		"result", // hit, miss, error
	},
)

func CacheInc(cache, result string) {
	metricCache.WithLabelValues(cache, result).Inc()
}
