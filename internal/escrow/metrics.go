package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "escrownotify"

var notificationsSkipped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "integration",
		Name:      "skipped_total",
		Help:      "Notifications skipped because the recipient has no phone on file",
	},
	[]string{"event"},
)

func recordSkipped(event string) {
	notificationsSkipped.WithLabelValues(event).Inc()
}
