package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricDNSLookup = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "imapsync_dns_lookup_duration_seconds",
		Help:    "DNS lookups.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
	},
	[]string{
		"pkg",
		"type",   // Lower-case Resolver method name without leading Lookup.
		"result", // ok, nxdomain, temporary, timeout, canceled, error
	},
)

func DNSLookupObserve(pkg, typ, result string, d time.Duration) {
	metricDNSLookup.WithLabelValues(pkg, typ, result).Observe(d.Seconds())
}
