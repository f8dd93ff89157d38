package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the identity vault.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	// Writes by operation (create, update, delete) and status
	Writes *prometheus.CounterVec

	// Rejected store transactions by operation
	TransactionRejections *prometheus.CounterVec

	// Documents dropped by verification, by failure kind
	VerificationFailures *prometheus.CounterVec

	StoreLatency *prometheus.HistogramVec

	StatusChecks *prometheus.CounterVec

	PublishFailures prometheus.Counter
}

// New registers the vault metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_vault_writes_total",
			Help: "Profile writes by operation and status",
		}, []string{"operation", "status"}),

		TransactionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_vault_transaction_rejections_total",
			Help: "Store transactions rejected by a guard or validation error",
		}, []string{"operation"}),

		VerificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_vault_verification_failures_total",
			Help: "Profiles skipped because publisher or signature verification failed",
		}, []string{"kind"}),

		StoreLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "identity_vault_store_duration_seconds",
			Help:    "Duration of profile store operations",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),

		StatusChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_vault_status_checks_total",
			Help: "Sequence number checks by check name and result",
		}, []string{"check", "result"}),

		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "identity_vault_change_publish_failures_total",
			Help: "Change notifications that could not be published",
		}),
	}
}

func (m *Metrics) IncrementWrite(operation, status string) {
	if m != nil {
		m.Writes.WithLabelValues(operation, status).Inc()
	}
}

func (m *Metrics) IncrementTransactionRejected(operation string) {
	if m != nil {
		m.TransactionRejections.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) IncrementVerificationFailure(kind string) {
	if m != nil {
		m.VerificationFailures.WithLabelValues(kind).Inc()
	}
}

// ObserveStoreLatency records the duration of one profile store operation.
func (m *Metrics) ObserveStoreLatency(operation string, d time.Duration) {
	if m != nil {
		m.StoreLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementStatusCheck(check string, ok bool) {
	if m != nil {
		result := "miss"
		if ok {
			result = "hit"
		}
		m.StatusChecks.WithLabelValues(check, result).Inc()
	}
}

func (m *Metrics) IncrementPublishFailure() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}
