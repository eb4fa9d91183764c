// Package metrics exposes prometheus instrumentation for the slot
// supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsNamespace = "slotd"

var (
	launchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "launches_total",
		Help:      "Count of accepted launch requests",
	})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "results_total",
		Help:      "Count of terminal run outcomes",
	}, []string{
		"status",
	})

	runningSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "running_slots",
		Help:      "Number of slots currently running a test process",
	})

	notificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "notification_failures_total",
		Help:      "Count of notification deliveries that returned an error",
	}, []string{
		"sink",
	})

	snapshotWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "snapshot_write_failures_total",
		Help:      "Count of failed durable snapshot writes",
	})
)

func RecordLaunch() {
	launchesTotal.Inc()
}

func RecordResult(status string) {
	resultsTotal.WithLabelValues(status).Inc()
}

func IncRunningSlots() {
	runningSlots.Inc()
}

func DecRunningSlots() {
	runningSlots.Dec()
}

func RecordNotificationFailure(sink string) {
	notificationFailuresTotal.WithLabelValues(sink).Inc()
}

func RecordSnapshotWriteFailure() {
	snapshotWriteFailuresTotal.Inc()
}
