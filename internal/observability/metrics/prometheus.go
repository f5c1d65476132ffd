// Package metrics provides Prometheus metrics for the prescription engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. Components accept a nil *Metrics
// and skip recording.
type Metrics struct {
	PrescriptionsCreated    prometheus.Counter
	PayloadsIssued          prometheus.Counter
	AmountsEntered          *prometheus.CounterVec
	RemindersSent           *prometheus.CounterVec
	RemindersFailed         *prometheus.CounterVec
	RemindersSkipped        *prometheus.CounterVec
	ReminderRunDuration     *prometheus.HistogramVec
	MailSendFailures        *prometheus.CounterVec
	DispatchEventsPublished prometheus.Counter
	CircuitBreakerState     *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		PayloadsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payloads_issued_total",
			Help: "Total scannable payloads issued",
		}),
		AmountsEntered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amounts_entered_total",
			Help: "Total amount entry operations by mode",
		}, []string{"mode"}),
		RemindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_sent_total",
			Help: "Total reminders sent by timing slot",
		}, []string{"slot"}),
		RemindersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_failed_total",
			Help: "Total reminder dispatch failures by timing slot",
		}, []string{"slot"}),
		RemindersSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminders_skipped_total",
			Help: "Total reminders skipped by timing slot and reason",
		}, []string{"slot", "reason"}),
		ReminderRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reminder_run_duration_seconds",
			Help:    "Duration of one reminder trigger run",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"slot"}),
		MailSendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_send_failures_total",
			Help: "Total mail delivery failures by classified reason",
		}, []string{"reason"}),
		DispatchEventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_events_published_total",
			Help: "Total dispatch outcome events published",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.PrescriptionsCreated,
		m.PayloadsIssued,
		m.AmountsEntered,
		m.RemindersSent,
		m.RemindersFailed,
		m.RemindersSkipped,
		m.ReminderRunDuration,
		m.MailSendFailures,
		m.DispatchEventsPublished,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveBreakerState records a breaker transition.
func (m *Metrics) ObserveBreakerState(name string, state float64) {
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
