package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapsync_serve_sessions_connected",
			Help: "Accounts with a connected session in serve.",
		},
	)
	metricSessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_serve_session_errors_total",
			Help: "Sessions in serve that ended with an error, by account.",
		},
		[]string{
			"account",
		},
	)
	metricNewMail = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_serve_newmail_total",
			Help: "Detections of new mail in serve, by account.",
		},
		[]string{
			"account",
		},
	)
)

func SessionConnected(connected bool) {
	if connected {
		metricSessionsConnected.Inc()
	} else {
		metricSessionsConnected.Dec()
	}
}

func SessionErrorInc(account string) {
	metricSessionErrors.WithLabelValues(account).Inc()
}

func NewMailInc(account string) {
	metricNewMail.WithLabelValues(account).Inc()
}
