package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the delivery engine's instrumentation. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	submitted   *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	retries     prometheus.Counter
	queueDepth  prometheus.Gauge
	sendSeconds prometheus.Histogram
}

// NewMetrics registers the delivery collectors with reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxgate",
			Subsystem: "delivery",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted into a send queue, by payload kind.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mxgate",
			Subsystem: "delivery",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mxgate",
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Send attempts retried after a transient failure.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mxgate",
			Subsystem: "delivery",
			Name:      "queue_depth",
			Help:      "Jobs currently waiting or in flight across all queues.",
		}),
		sendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mxgate",
			Subsystem: "delivery",
			Name:      "send_seconds",
			Help:      "Wall time from enqueue to terminal outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(m.submitted, m.outcomes, m.retries, m.queueDepth, m.sendSeconds)
	return m
}

func (m *Metrics) jobSubmitted(kind PayloadKind) {
	if m != nil {
		m.submitted.WithLabelValues(kind.String()).Inc()
		m.queueDepth.Inc()
	}
}

func (m *Metrics) jobFinished(result string, took float64) {
	if m != nil {
		m.outcomes.WithLabelValues(result).Inc()
		m.queueDepth.Dec()
		m.sendSeconds.Observe(took)
	}
}

func (m *Metrics) retried() {
	if m != nil {
		m.retries.Inc()
	}
}
