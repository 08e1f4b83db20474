package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
Metrics Types:

- CounterVec: a counter with labels, e.g. commands split by outcome
  (ok, rejected, failed) so rejected votes stand apart from real errors.

- Histogram: the distribution of durable write latency. Replies wait on
  it, so its tail is the tail of every vote.

- GaugeVec: live handlers per partition, to see eviction keeping memory
  bounded and whether the hash spreads votings evenly.

Registration goes through promauto.With(reg), so tests can hand in a fresh
prometheus.NewRegistry() instead of fighting over the default one.

All methods are nil-safe: components built without metrics skip them.
*/

type Metrics struct {
	Commands            *prometheus.CounterVec
	PersistTime         prometheus.Histogram
	PersistFailures     prometheus.Counter
	ActiveHandlers      *prometheus.GaugeVec
	Recoveries          *prometheus.CounterVec
	Evictions           prometheus.Counter
	FeedPublishFailures prometheus.Counter
}

func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands dispatched, by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		PersistTime: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "persist_seconds",
				Help:      "Histogram of durable append latency",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
			},
		),
		PersistFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Durable appends that failed",
			},
		),
		ActiveHandlers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_handlers",
				Help:      "Voting handlers currently in memory",
			},
			[]string{"partition"},
		),
		Recoveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Stream recoveries, by outcome",
			},
			[]string{"outcome"},
		),
		Evictions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Idle handlers evicted from memory",
			},
		),
		FeedPublishFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_publish_failures_total",
				Help:      "Confirmed events that could not be published to the feed",
			},
		),
	}
}

func (m *Metrics) ObserveCommand(command string, err error, rejected bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil && rejected:
		outcome = "rejected"
	case err != nil:
		outcome = "failed"
	}
	m.Commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) ObservePersist(start time.Time, err error) {
	if m == nil {
		return
	}
	m.PersistTime.Observe(time.Since(start).Seconds())
	if err != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) ObserveRecovery(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.Recoveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HandlerActivated(partition string) {
	if m == nil {
		return
	}
	m.ActiveHandlers.WithLabelValues(partition).Inc()
}

func (m *Metrics) HandlerReleased(partition string, evicted bool) {
	if m == nil {
		return
	}
	m.ActiveHandlers.WithLabelValues(partition).Dec()
	if evicted {
		m.Evictions.Inc()
	}
}

func (m *Metrics) FeedPublishFailed(n int) {
	if m == nil {
		return
	}
	m.FeedPublishFailures.Add(float64(n))
}

// FeedMetrics belongs to the result projector in cmd/feed.
type FeedMetrics struct {
	EventsConsumed *prometheus.CounterVec
	EventsSkipped  *prometheus.CounterVec
	ProcessingTime prometheus.Histogram
}

func NewFeedMetrics(reg prometheus.Registerer, namespace, subsystem string) *FeedMetrics {
	f := promauto.With(reg)
	return &FeedMetrics{
		EventsConsumed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "events_total",
				Help:      "Voting events folded into live results, by type",
			},
			[]string{"type"},
		),
		EventsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "events_skipped_total",
				Help:      "Events ignored by the projector, by reason",
			},
			[]string{"reason"},
		),
		ProcessingTime: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "event_processing_time_seconds",
				Help:      "Histogram of event processing times",
				Buckets:   prometheus.LinearBuckets(0.001, 0.001, 10), // 10 buckets, 1ms to 10ms
			},
		),
	}
}
