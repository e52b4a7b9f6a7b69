package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "success", "duplicate", "skipped" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an API call to the billing provider.
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordCreditGrant records credits granted in response to a provider event.
	// reason: "initial", "renewal" or "purchase"
	RecordCreditGrant(provider, reason string, amount int64)

	// RecordSubscriptionSync records a subscription written from a provider event.
	// created is true for the first write of a subscription.
	RecordSubscriptionSync(provider string, status SubscriptionStatus, created bool)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                             {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration)  {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                                {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                  {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)            {}
func (n *NoopMetrics) RecordCreditGrant(_, _ string, _ int64)                        {}
func (n *NoopMetrics) RecordSubscriptionSync(_ string, _ SubscriptionStatus, _ bool) {}
