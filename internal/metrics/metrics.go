package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhook_events_received_total",
			Help: "Total number of job completion events received, by source.",
		},
		[]string{"source"}, // api, nsq
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhook_deliveries_total",
			Help: "Total number of delivery outcomes by status.",
		},
		[]string{"status"}, // delivered, failed, duplicate, dead_letter
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhook_delivery_attempts_total",
			Help: "Total number of HTTP delivery attempts by outcome kind.",
		},
		[]string{"kind"}, // success, network, timeout, server, client
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobhook_delivery_latency_seconds",
			Help:    "Wall-clock duration of a single delivery attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhook_retries_scheduled_total",
			Help: "Total number of retries scheduled, by failure kind.",
		},
		[]string{"kind"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhook_dlq_total",
			Help: "Total number of deliveries moved to the dead-letter archive, by reason.",
		},
		[]string{"reason"},
	)

	DedupeHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobhook_dedupe_hits_total",
			Help: "Total number of inbound events suppressed as duplicates.",
		},
	)

	AdvisoryFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobhook_advisory_failures_total",
			Help: "Best-effort operations that failed and were ignored, by operation.",
		},
		[]string{"op"},
	)

	RetryBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobhook_retry_backlog",
			Help: "Number of deliveries waiting in the retry schedule.",
		},
	)

	DLQBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobhook_dlq_backlog",
			Help: "Number of entries currently in the dead-letter archive.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobhook_nsq_channel_depth",
			Help: "Messages waiting in an NSQ channel, from nsqd stats.",
		},
		[]string{"topic", "channel"},
	)

	QueueInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobhook_nsq_channel_inflight",
			Help: "In-flight messages for an NSQ channel, from nsqd stats.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsReceivedTotal,
		DeliveriesTotal,
		DeliveryAttemptsTotal,
		DeliveryLatency,
		RetriesScheduledTotal,
		DLQTotal,
		DedupeHitsTotal,
		AdvisoryFailuresTotal,
		RetryBacklog,
		DLQBacklog,
		QueueDepth,
		QueueInFlight,
	)
}

func RecordEventReceived(source string) {
	EventsReceivedTotal.WithLabelValues(source).Inc()
}

func RecordDelivery(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordAttempt counts one HTTP attempt; kind is "success" or the failure kind.
func RecordAttempt(kind string, duration time.Duration) {
	DeliveryAttemptsTotal.WithLabelValues(kind).Inc()
	DeliveryLatency.Observe(duration.Seconds())
}

func RecordRetryScheduled(kind string) {
	RetriesScheduledTotal.WithLabelValues(kind).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordDedupeHit() {
	DedupeHitsTotal.Inc()
}

func RecordAdvisoryFailure(op string) {
	AdvisoryFailuresTotal.WithLabelValues(op).Inc()
}

func UpdateRetryBacklog(count float64) {
	RetryBacklog.Set(count)
}

func UpdateDLQBacklog(count float64) {
	DLQBacklog.Set(count)
}

func UpdateQueueDepth(topic, channel string, depth, inFlight float64) {
	QueueDepth.WithLabelValues(topic, channel).Set(depth)
	QueueInFlight.WithLabelValues(topic, channel).Set(inFlight)
}
