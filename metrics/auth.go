package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_authentication_total",
			Help: "Authentication attempts against IMAP servers and their results.",
		},
		[]string{
			"mechanism", // login, plain, scram-sha-256, cram-md5, xoauth2, ...
			"result",    // ok, unavailable, failed, error
		},
	)
)

func AuthenticationInc(mechanism, result string) {
	metricAuthentication.WithLabelValues(mechanism, result).Inc()
}
