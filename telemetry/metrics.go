/*
metrics.go - Prometheus instrumentation

  booking_transitions_total{from,to,outcome}   every ApplyTransition attempt
  booking_transition_duration_seconds{to}      time spent inside the transaction
  quota_debits_total{pool,outcome}             ok | insufficient
  quota_refunds_total{pool}
  notifications_total{outcome}                 delivered | failed | dropped

All methods are safe on a nil *Metrics so components can run uninstrumented.
*/
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	Debits             *prometheus.CounterVec
	Refunds            *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Booking status transition attempts by outcome.",
		}, []string{"from", "to", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "booking_transition_duration_seconds",
			Help:    "Time spent applying a booking transition.",
			Buckets: prometheus.DefBuckets,
		}, []string{"to"}),
		Debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_debits_total",
			Help: "Session quota debit attempts by pool and outcome.",
		}, []string{"pool", "outcome"}),
		Refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_refunds_total",
			Help: "Session quota refunds by pool.",
		}, []string{"pool"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Booking notifications by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.Transitions, m.TransitionDuration, m.Debits, m.Refunds, m.Notifications)
	return m
}

func (m *Metrics) ObserveTransition(from, to, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, outcome).Inc()
	m.TransitionDuration.WithLabelValues(to).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDebit(pool, outcome string) {
	if m == nil {
		return
	}
	m.Debits.WithLabelValues(pool, outcome).Inc()
}

func (m *Metrics) ObserveRefund(pool string) {
	if m == nil {
		return
	}
	m.Refunds.WithLabelValues(pool).Inc()
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}
