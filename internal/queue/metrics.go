package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "escrownotify"

var (
	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total messages enqueued, by event",
		},
		[]string{"event"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total processing outcomes (sent, retried, exhausted)",
		},
		[]string{"result"},
	)

	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of messages in the queue by status",
		},
		[]string{"status"},
	)

	stuckRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stuck_requeued_total",
			Help:      "Messages recovered from a stale processing claim by the reaper",
		},
	)
)

func recordEnqueued(event string) {
	messagesEnqueued.WithLabelValues(event).Inc()
}

func recordProcessed(result string) {
	messagesProcessed.WithLabelValues(result).Inc()
}

func recordQueueSize(status string, n int) {
	queueSize.WithLabelValues(status).Set(float64(n))
}

func recordStuckRequeued(n int) {
	stuckRequeued.Add(float64(n))
}
