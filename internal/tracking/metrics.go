package tracking

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "cycles_total",
		Help:      "Scheduler cycles started.",
	})

	scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "scans_total",
		Help:      "Per-address scans by mode and result.",
	}, []string{"mode", "result"})

	scanDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "scan_duration_seconds",
		Help:      "Per-address scan latency.",
		Buckets:   []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	alertsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "alerts_emitted_total",
		Help:      "Alert events recorded, by chain.",
	}, []string{"chain"})

	notifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "notify_failures_total",
		Help:      "Notifications that could not be delivered.",
	})

	scansSkippedInFlight = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "scans_skipped_inflight_total",
		Help:      "Records skipped because a previous cycle was still scanning them.",
	})

	cursorLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "cursor_lag_blocks",
		Help:      "Blocks between the chain head and the last scanned cursor, last observed.",
	}, []string{"chain"})

	activeTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "active_addresses",
		Help:      "Active tracked addresses listed by the last cycle.",
	})

	alertsRedelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "amlbot",
		Subsystem: "tracking",
		Name:      "alerts_redelivered_total",
		Help:      "Undelivered alert events delivered on a later cycle.",
	})
)

func init() {
	prometheus.MustRegister(
		cyclesTotal,
		scansTotal,
		scanDuration,
		alertsEmitted,
		notifyFailures,
		scansSkippedInFlight,
		cursorLag,
		activeTracked,
		alertsRedelivered,
	)
}
