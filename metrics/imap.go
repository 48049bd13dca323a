// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_connection_total",
			Help: "Connections to IMAP servers, by TLS mode.",
		},
		[]string{
			"tls", // none, immediate, starttls
		},
	)
	metricCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_command_total",
			Help: "IMAP commands completed, by verb and result.",
		},
		[]string{
			"verb",
			"result", // ok, no, bad, error
		},
	)
	metricCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imapsync_command_duration_seconds",
			Help:    "IMAP command duration, from writing the command until its tagged completion.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 60},
		},
		[]string{
			"verb",
		},
	)
	metricUntagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_untagged_total",
			Help: "Untagged responses from IMAP servers, by keyword.",
		},
		[]string{
			"keyword",
		},
	)
	metricFlagsSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_flags_synced_total",
			Help: "Messages with flag changes pushed to the server, by flag.",
		},
		[]string{
			"flag", // deleted, flagged, old, seen, answered, keyword
		},
	)
	metricUIDValidityChange = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapsync_uidvalidity_change_total",
			Help: "Mailbox opens where the UIDVALIDITY differed from the cached value.",
		},
	)
	metricStatusPoll = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapsync_status_poll_total",
			Help: "STATUS polls of mailboxes, by result.",
		},
		[]string{
			"result", // ok, newmail, error
		},
	)
)

func ConnectionInc(tls string) {
	metricConnection.WithLabelValues(tls).Inc()
}

// CommandObserve registers a completed command.
func CommandObserve(verb, result string, start time.Time) {
	verb = strings.ToLower(verb)
	metricCommands.WithLabelValues(verb, result).Inc()
	if !start.IsZero() {
		metricCommandDuration.WithLabelValues(verb).Observe(float64(time.Since(start)) / float64(time.Second))
	}
}

func UntaggedInc(keyword string) {
	metricUntagged.WithLabelValues(strings.ToLower(keyword)).Inc()
}

func FlagsSyncedAdd(flag string, n int) {
	metricFlagsSynced.WithLabelValues(flag).Add(float64(n))
}

func UIDValidityChangeInc() {
	metricUIDValidityChange.Inc()
}

func StatusPollInc(result string) {
	metricStatusPoll.WithLabelValues(result).Inc()
}
