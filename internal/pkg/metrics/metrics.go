// Package metrics holds the Prometheus collectors for the newsletter
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	SubscriptionsCreated   prometheus.Counter
	SubscriptionsConfirmed prometheus.Counter
	ConfirmationsIgnored   *prometheus.CounterVec
	AuthFailures           *prometheus.CounterVec
	NewsletterDeliveries   *prometheus.CounterVec
	NewsletterSkipped      prometheus.Counter
	OutboxProcessed        *prometheus.CounterVec
	EmailSendDuration      prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SubscriptionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_subscriptions_created_total",
			Help: "Pending subscriptions recorded",
		}),
		SubscriptionsConfirmed: f.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_subscriptions_confirmed_total",
			Help: "Confirmation links followed with a known token",
		}),
		ConfirmationsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_confirmations_ignored_total",
			Help: "Confirmation requests that changed nothing, by reason",
		}, []string{"reason"}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_auth_failures_total",
			Help: "Rejected publish credentials by reason",
		}, []string{"reason"}),
		NewsletterDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_deliveries_total",
			Help: "Per-recipient newsletter send outcomes",
		}, []string{"outcome"}),
		NewsletterSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_recipients_skipped_total",
			Help: "Confirmed subscribers skipped because the stored email no longer parses",
		}),
		OutboxProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsletter_outbox_messages_total",
			Help: "Outbox messages handled by the relay by outcome",
		}, []string{"outcome"}),
		EmailSendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsletter_email_send_duration_seconds",
			Help:    "Latency of a single email gateway call",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) IncSubscriptionCreated() {
	if m != nil {
		m.SubscriptionsCreated.Inc()
	}
}

func (m *Metrics) IncSubscriptionConfirmed() {
	if m != nil {
		m.SubscriptionsConfirmed.Inc()
	}
}

// IncConfirmationIgnored records a confirmation that matched no
// subscriber; reason is "malformed" or "unknown".
func (m *Metrics) IncConfirmationIgnored(reason string) {
	if m != nil {
		m.ConfirmationsIgnored.WithLabelValues(reason).Inc()
	}
}

// IncAuthFailure records a rejected credential; reason is a short label
// such as "unknown_username".
func (m *Metrics) IncAuthFailure(reason string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// IncDelivery records one newsletter send; outcome is "delivered" or "failed".
func (m *Metrics) IncDelivery(outcome string) {
	if m != nil {
		m.NewsletterDeliveries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncSkipped() {
	if m != nil {
		m.NewsletterSkipped.Inc()
	}
}

// IncOutbox records a relay outcome: "sent", "retry" or "dead".
func (m *Metrics) IncOutbox(outcome string) {
	if m != nil {
		m.OutboxProcessed.WithLabelValues(outcome).Inc()
	}
}

// ObserveSend records a gateway call started at start.
func (m *Metrics) ObserveSend(start time.Time) {
	if m != nil {
		m.EmailSendDuration.Observe(time.Since(start).Seconds())
	}
}
