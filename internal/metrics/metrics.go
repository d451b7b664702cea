// Package metrics exposes queue, delivery and notification counters to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "elemta_queue"

// Recorder receives queue events. Metrics is the Prometheus implementation;
// Nop discards everything.
type Recorder interface {
	Enqueued(states int)
	Attempt(kind, reason string, d time.Duration)
	Recipients(status string, n int)
	Expired(n int)
	DSN(action string)
	PersistenceError(op string)
	SetInFlight(n int)
	SetStates(byStatus map[string]int)
}

// Metrics holds the queue collectors.
type Metrics struct {
	enqueued          prometheus.Counter
	attempts          *prometheus.CounterVec
	attemptDuration   prometheus.Histogram
	recipients        *prometheus.CounterVec
	expired           prometheus.Counter
	dsns              *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec
	inFlight          prometheus.Gauge
	states            *prometheus.GaugeVec
}

var _ Recorder = (*Metrics)(nil)

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "states_enqueued_total",
			Help:      "Total number of per-domain delivery states created",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of delivery attempts by outcome kind and reason",
		}, []string{"kind", "reason"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of delivery attempts",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_total",
			Help:      "Total number of recipient outcomes by status",
		}, []string{"status"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_total",
			Help:      "Total number of recipients bounced because their delivery time expired",
		}),
		dsns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dsn_generated_total",
			Help:      "Total number of delivery status notifications generated",
		}, []string{"action"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Total number of store failures while recording queue state",
		}, []string{"op"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Number of states currently being attempted",
		}),
		states: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "states",
			Help:      "Number of tracked states by status",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.enqueued,
			m.attempts,
			m.attemptDuration,
			m.recipients,
			m.expired,
			m.dsns,
			m.persistenceErrors,
			m.inFlight,
			m.states,
		)
	}
	return m
}

func (m *Metrics) Enqueued(states int) {
	m.enqueued.Add(float64(states))
}

func (m *Metrics) Attempt(kind, reason string, d time.Duration) {
	if reason == "" {
		reason = "none"
	}
	m.attempts.WithLabelValues(kind, reason).Inc()
	m.attemptDuration.Observe(d.Seconds())
}

func (m *Metrics) Recipients(status string, n int) {
	if n > 0 {
		m.recipients.WithLabelValues(status).Add(float64(n))
	}
}

func (m *Metrics) Expired(n int) {
	m.expired.Add(float64(n))
}

func (m *Metrics) DSN(action string) {
	m.dsns.WithLabelValues(action).Inc()
}

func (m *Metrics) PersistenceError(op string) {
	m.persistenceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}

// SetStates replaces the per-status gauge values.
func (m *Metrics) SetStates(byStatus map[string]int) {
	m.states.Reset()
	for status, n := range byStatus {
		m.states.WithLabelValues(status).Set(float64(n))
	}
}

// Nop is a Recorder that records nothing.
type Nop struct{}

func (Nop) Enqueued(int)                          {}
func (Nop) Attempt(string, string, time.Duration) {}
func (Nop) Recipients(string, int)                {}
func (Nop) Expired(int)                           {}
func (Nop) DSN(string)                            {}
func (Nop) PersistenceError(string)               {}
func (Nop) SetInFlight(int)                       {}
func (Nop) SetStates(map[string]int)              {}
