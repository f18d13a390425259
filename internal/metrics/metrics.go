// Package metrics defines the Prometheus collectors exported by costsim. A
// nil *Metrics is valid and records nothing, which keeps unit tests free of
// registry plumbing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the pipeline updates.
type Metrics struct {
	feedMessages    *prometheus.CounterVec
	staleEvents     prometheus.Counter
	crossedBooks    prometheus.Counter
	bookSequence    prometheus.Gauge
	queueDepth      prometheus.Gauge
	queueDropped    prometheus.Counter
	estimates       *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec
	estimateLatency prometheus.Histogram
	publishFailures *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		feedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costsim",
			Subsystem: "book",
			Name:      "feed_messages_total",
			Help:      "Feed messages processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		staleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "costsim",
			Subsystem: "book",
			Name:      "stale_events_total",
			Help:      "Transitions of the book into the stale state.",
		}),
		crossedBooks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "costsim",
			Subsystem: "book",
			Name:      "crossed_total",
			Help:      "Transitions of the book into a crossed state.",
		}),
		bookSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "costsim",
			Subsystem: "book",
			Name:      "sequence",
			Help:      "Last accepted feed sequence number.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "costsim",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Feed messages waiting to be applied.",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "costsim",
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Feed messages evicted by the drop_oldest policy.",
		}),
		estimates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costsim",
			Subsystem: "estimator",
			Name:      "requests_total",
			Help:      "Estimate requests by outcome.",
		}, []string{"outcome"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "costsim",
			Subsystem: "estimator",
			Name:      "stage_seconds",
			Help:      "Per-stage estimate latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 12),
		}, []string{"stage"}),
		estimateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "costsim",
			Subsystem: "estimator",
			Name:      "latency_seconds",
			Help:      "End-to-end estimate latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "costsim",
			Subsystem: "publish",
			Name:      "failures_total",
			Help:      "Failed result deliveries by sink.",
		}, []string{"sink"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.feedMessages, m.staleEvents, m.crossedBooks, m.bookSequence,
			m.queueDepth, m.queueDropped, m.estimates, m.stageLatency,
			m.estimateLatency, m.publishFailures,
		)
	}
	return m
}

// FeedMessage counts one processed feed message.
func (m *Metrics) FeedMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.feedMessages.WithLabelValues(kind, outcome).Inc()
}

// Stale counts a transition into the stale state.
func (m *Metrics) Stale() {
	if m == nil {
		return
	}
	m.staleEvents.Inc()
}

// Crossed counts a transition into a crossed book.
func (m *Metrics) Crossed() {
	if m == nil {
		return
	}
	m.crossedBooks.Inc()
}

// Sequence records the last accepted sequence.
func (m *Metrics) Sequence(seq int64) {
	if m == nil {
		return
	}
	m.bookSequence.Set(float64(seq))
}

// QueueDepth records the ingest queue length.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Dropped counts a message evicted from the ingest queue.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}

// Estimate counts an estimate request outcome.
func (m *Metrics) Estimate(outcome string) {
	if m == nil {
		return
	}
	m.estimates.WithLabelValues(outcome).Inc()
}

// Stage observes the duration of one pipeline stage.
func (m *Metrics) Stage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// Latency observes an end-to-end estimate duration.
func (m *Metrics) Latency(d time.Duration) {
	if m == nil {
		return
	}
	m.estimateLatency.Observe(d.Seconds())
}

// PublishFailure counts a failed delivery to sink.
func (m *Metrics) PublishFailure(sink string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(sink).Inc()
}
