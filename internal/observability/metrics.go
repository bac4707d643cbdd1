// Package observability holds the Prometheus collectors shared by the server
// and the device agent.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "server",
		Name:      "sync_requests_total",
		Help:      "Sync submissions handled, labeled by outcome.",
	}, []string{"outcome"})

	progressOffered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "server",
		Name:      "progress_offered_total",
		Help:      "Progress entries offered by devices, duplicates and invalid entries included.",
	})

	progressStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "server",
		Name:      "progress_stored_total",
		Help:      "Progress entries that were new to the canonical store.",
	})

	usersStored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "server",
		Name:      "users_stored_total",
		Help:      "User names that were new to the canonical store.",
	})

	mergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "activitysync",
		Subsystem: "server",
		Name:      "merge_duration_seconds",
		Help:      "Time spent merging and persisting one submission.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	documentSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "activitysync",
		Subsystem: "server",
		Name:      "canonical_document_items",
		Help:      "Number of items in the canonical document after the last write, by kind.",
	}, []string{"kind"})

	drainAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "agent",
		Name:      "drain_attempts_total",
		Help:      "Queue drains attempted by the device agent, labeled by outcome.",
	}, []string{"outcome"})

	entriesQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitysync",
		Subsystem: "agent",
		Name:      "entries_queued_total",
		Help:      "Progress entries written to the local queue, labeled by reason.",
	}, []string{"reason"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitysync",
		Subsystem: "agent",
		Name:      "queue_depth",
		Help:      "Entries waiting in the local queue as of the last observation.",
	})

	lastDrainGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "activitysync",
		Subsystem: "agent",
		Name:      "last_successful_drain_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful queue drain.",
	})
)

func init() {
	prometheus.MustRegister(
		syncRequests, progressOffered, progressStored, usersStored, mergeDuration, documentSize,
		drainAttempts, entriesQueued, queueDepth, lastDrainGauge,
	)
}

// RecordSync records the outcome of one sync submission on the server.
func RecordSync(offered, storedProgress, storedUsers int, elapsed time.Duration, err error) {
	if err != nil {
		syncRequests.WithLabelValues("error").Inc()
		return
	}
	syncRequests.WithLabelValues("ok").Inc()
	progressOffered.Add(float64(offered))
	progressStored.Add(float64(storedProgress))
	usersStored.Add(float64(storedUsers))
	mergeDuration.Observe(elapsed.Seconds())
}

// RecordDocumentPersisted updates the canonical document size gauges.
func RecordDocumentPersisted(users, progress int) {
	documentSize.WithLabelValues("users").Set(float64(users))
	documentSize.WithLabelValues("progress").Set(float64(progress))
}

// RecordDrain records one queue drain on the device.
func RecordDrain(ok bool, at time.Time) {
	if !ok {
		drainAttempts.WithLabelValues("failed").Inc()
		return
	}
	drainAttempts.WithLabelValues("succeeded").Inc()
	if !at.IsZero() {
		lastDrainGauge.Set(float64(at.Unix()))
	}
}

// RecordQueued counts entries written to the local queue.
func RecordQueued(reason string, n int) {
	entriesQueued.WithLabelValues(reason).Add(float64(n))
}

// RecordQueueDepth sets the current local queue depth.
func RecordQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
