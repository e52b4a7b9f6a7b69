package ledger

import "time"

// Consume outcomes reported to Metrics.RecordConsume
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient"
	OutcomeError        = "error"
)

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordGrant records credits granted, by transaction type.
	RecordGrant(transactionType string, amount int64)

	// RecordConsume records a consume attempt and its outcome.
	RecordConsume(outcome string, amount int64)

	// RecordExpired records entries zeroed by a sweep and the credits they held.
	RecordExpired(entries int, credits int64)

	// RecordOperation records the duration and result of an engine operation.
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordConflictRetry records a retry caused by a storage write conflict.
	RecordConflictRetry(operation string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordGrant(transactionType string, amount int64)                    {}
func (n *NoopMetrics) RecordConsume(outcome string, amount int64)                          {}
func (n *NoopMetrics) RecordExpired(entries int, credits int64)                            {}
func (n *NoopMetrics) RecordOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordConflictRetry(operation string)                                {}
