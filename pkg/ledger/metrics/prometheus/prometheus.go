// Package prommetrics implements ledger.Metrics with Prometheus collectors.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	grantsTotal          *prometheus.CounterVec
	creditsGrantedTotal  *prometheus.CounterVec
	consumeTotal         *prometheus.CounterVec
	consumeAmount        *prometheus.HistogramVec
	creditsExpiredTotal  prometheus.Counter
	entriesExpiredTotal  prometheus.Counter
	operationDuration    *prometheus.HistogramVec
	operationErrorsTotal *prometheus.CounterVec
	conflictRetriesTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_grants_total",
			Help:      "Total number of credit grants.",
		}, []string{"type"}),

		creditsGrantedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_granted_total",
			Help:      "Total credits granted. Negative adjustments are not counted.",
		}, []string{"type"}),

		consumeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_consume_total",
			Help:      "Total number of consume attempts.",
		}, []string{"outcome"}),

		consumeAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_consume_amount",
			Help:      "Distribution of consumed amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"outcome"}),

		creditsExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_expired_total",
			Help:      "Total credits zeroed by expiry sweeps.",
		}),

		entriesExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_expired_total",
			Help:      "Total entries zeroed by expiry sweeps.",
		}),

		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Latency of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		operationErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operation_errors_total",
			Help:      "Total number of failed ledger operations.",
		}, []string{"operation"}),

		conflictRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflict_retries_total",
			Help:      "Total number of retries caused by storage write conflicts.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordGrant(transactionType string, amount int64) {
	m.grantsTotal.WithLabelValues(transactionType).Inc()
	if amount > 0 {
		m.creditsGrantedTotal.WithLabelValues(transactionType).Add(float64(amount))
	}
}

func (m *Metrics) RecordConsume(outcome string, amount int64) {
	m.consumeTotal.WithLabelValues(outcome).Inc()
	m.consumeAmount.WithLabelValues(outcome).Observe(float64(amount))
}

func (m *Metrics) RecordExpired(entries int, credits int64) {
	m.entriesExpiredTotal.Add(float64(entries))
	m.creditsExpiredTotal.Add(float64(credits))
}

func (m *Metrics) RecordOperation(operation string, duration time.Duration, err error) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.operationErrorsTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordConflictRetry(operation string) {
	m.conflictRetriesTotal.WithLabelValues(operation).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
