package submission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the submission pipeline.
type Metrics struct {
	Outcomes         *prometheus.CounterVec
	LinkRetries      *prometheus.CounterVec
	RegisterAttempts *prometheus.CounterVec
	RegisterDuration prometheus.Histogram
	LinkDuration     prometheus.Histogram
	Reconciled       *prometheus.CounterVec
}

// NewMetrics registers the submission metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_submissions_total",
			Help: "Submissions by resulting status",
		}, []string{"status"}),
		LinkRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_link_retries_total",
			Help: "Chain link retries by cause",
		}, []string{"reason"}),
		RegisterAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_register_attempts_total",
			Help: "Remote registration attempts by outcome",
		}, []string{"outcome"}),
		RegisterDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "compliance_register_duration_seconds",
			Help:    "Duration of a single RegisterInvoice call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		LinkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "compliance_link_duration_seconds",
			Help:    "Duration of linking an invoice into its tenant chain, including lock wait",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		Reconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "compliance_reconciled_total",
			Help: "Records examined by reconciliation, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) outcome(status string) {
	if m != nil {
		m.Outcomes.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) linkRetry(reason string) {
	if m != nil {
		m.LinkRetries.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) observeLink(start time.Time) {
	if m != nil {
		m.LinkDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) registerAttempt(outcome string, start time.Time) {
	if m != nil {
		m.RegisterAttempts.WithLabelValues(outcome).Inc()
		m.RegisterDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) reconciled(result string) {
	if m != nil {
		m.Reconciled.WithLabelValues(result).Inc()
	}
}
