package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SMTPMetrics counts listener side events.
type SMTPMetrics struct {
	connections *prometheus.CounterVec
	submissions *prometheus.CounterVec
	auth        *prometheus.CounterVec
}

// NewSMTPMetrics registers the listener metrics with reg.
func NewSMTPMetrics(reg prometheus.Registerer) *SMTPMetrics {
	f := promauto.With(reg)
	return &SMTPMetrics{
		connections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "SMTP connections accepted.",
			},
			[]string{
				"result", // "ok", "error"
			},
		),
		submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Messages received at end of DATA, by outcome.",
			},
			[]string{
				"result", // "queued", "badmessage", "queuefull", "toolarge", "queueerror"
			},
		),
		auth: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authentications_total",
				Help:      "AUTH attempts, by mechanism and result.",
			},
			[]string{
				"mechanism", // "login", "plain"
				"result",    // "ok", "badcreds", "error"
			},
		),
	}
}

// Connection records the outcome of one accepted or failed connection.
func (m *SMTPMetrics) Connection(result string) {
	m.connections.WithLabelValues(result).Inc()
}

// Submission records the outcome of one DATA transaction.
func (m *SMTPMetrics) Submission(result string) {
	m.submissions.WithLabelValues(result).Inc()
}

// Authentication records one AUTH attempt.
func (m *SMTPMetrics) Authentication(mechanism, result string) {
	m.auth.WithLabelValues(mechanism, result).Inc()
}
