// Package metrics exposes Prometheus counters and histograms for the
// filter-dispatch core, served over a small side HTTP listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DispatchStatus labels the outcome of a single filter dispatch.
type DispatchStatus string

const (
	StatusFiltered DispatchStatus = "filtered"
	StatusRejected DispatchStatus = "rejected"
	StatusError    DispatchStatus = "error"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxsmtpd_filter_dispatch_total",
		Help: "Total number of filter dispatches, by outcome.",
	}, []string{"status"})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxsmtpd_filter_dispatch_duration_seconds",
		Help:    "Time spent dispatching a message to its configured filter.",
		Buckets: prometheus.DefBuckets,
	})

	childrenKilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxsmtpd_filter_children_killed_total",
		Help: "Total number of filter child processes forcibly SIGKILLed after failing to exit on SIGTERM.",
	})
)

// ObserveDispatch records the outcome and duration of one filter dispatch.
func ObserveDispatch(status DispatchStatus, duration time.Duration) {
	dispatchTotal.WithLabelValues(string(status)).Inc()
	dispatchDuration.Observe(duration.Seconds())
}

// ObserveChildKilled records a forced SIGKILL escalation.
func ObserveChildKilled() {
	childrenKilled.Inc()
}
