// Package metrics exposes the mail engine's prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gotrs-io/gotrs-postmaster/internal/email/inbound/postmaster"
)

const namespace = "postmaster"

// Collector records per-message outcomes and per-cycle results. It implements
// postmaster.Observer.
type Collector struct {
	registry prometheus.Gatherer

	messages      *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	lastCycle     *prometheus.GaugeVec
	tickets       *prometheus.CounterVec
	pollRuns      prometheus.Counter
	dueQueues     prometheus.Gauge
	pollDuration  prometheus.Histogram
}

// New registers the collectors on reg. A nil reg uses a fresh registry,
// which keeps tests independent from the process wide default.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages handled, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Polling cycles, by queue and result.",
		}, []string{"queue", "result"}),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one polling cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"queue"}),
		lastCycle: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle of a queue finished.",
		}, []string{"queue"}),
		tickets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_total",
			Help:      "Tickets created or updated from mail.",
		}, []string{"queue", "action"}),
		pollRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_runs_total",
			Help:      "Scheduler ticks that looked for due queues.",
		}),
		dueQueues: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "due_queues",
			Help:      "Queues found due on the last scheduler tick.",
		}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_run_duration_seconds",
			Help:      "Wall time of one scheduler tick, all due queues included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// MessageProcessed implements postmaster.Observer.
func (c *Collector) MessageProcessed(queueSlug string, outcome postmaster.Outcome) {
	c.messages.WithLabelValues(queueSlug, string(outcome)).Inc()
}

// CycleFinished implements postmaster.Observer.
func (c *Collector) CycleFinished(report postmaster.CycleReport) {
	result := "ok"
	if report.Failed() {
		result = "aborted"
	}
	c.cycles.WithLabelValues(report.QueueSlug, result).Inc()
	c.cycleDuration.WithLabelValues(report.QueueSlug).Observe(report.Duration().Seconds())
	if !report.FinishedAt.IsZero() {
		c.lastCycle.WithLabelValues(report.QueueSlug).Set(float64(report.FinishedAt.Unix()))
	}
	if report.TicketsCreated > 0 {
		c.tickets.WithLabelValues(report.QueueSlug, "created").Add(float64(report.TicketsCreated))
	}
	if report.TicketsUpdated > 0 {
		c.tickets.WithLabelValues(report.QueueSlug, "updated").Add(float64(report.TicketsUpdated))
	}
}

// PollStarted records a scheduler tick and returns the func that stops its timer.
func (c *Collector) PollStarted(due int) func() {
	c.pollRuns.Inc()
	c.dueQueues.Set(float64(due))
	start := time.Now()
	return func() { c.pollDuration.Observe(time.Since(start).Seconds()) }
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
