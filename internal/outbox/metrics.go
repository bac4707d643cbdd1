package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	deliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Number of progress events successfully published to Kafka.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "outbox",
		Name:      "events_failed_total",
		Help:      "Number of progress events that failed to publish.",
	})

	publishDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "activitysync",
		Subsystem: "outbox",
		Name:      "publish_duration_seconds",
		Help:      "Time spent encoding and writing one batch of progress events.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, publishDuration)
}
