package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "imapsync_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is the package an unhandled panic happened in.
type Panic string

const (
	IMAPClient Panic = "imapclient"
	Serve      Panic = "serve"
)

func init() {
	// Export the series with zero values, for alerting on increases.
	for _, p := range []Panic{IMAPClient, Serve} {
		metricPanic.WithLabelValues(string(p)).Add(0)
	}
}

func PanicInc(p Panic) {
	metricPanic.WithLabelValues(string(p)).Inc()
}
