package billing

import (
	"context"
	"net/http"
)

// CheckoutRequest describes a hosted checkout to create
type CheckoutRequest struct {
	OrganizationID string
	// PlanID and Interval select a subscription checkout
	PlanID   string
	Interval Interval
	// PackageID selects a one-time credit purchase
	PackageID  string
	SuccessURL string
	CancelURL  string
}

// Provider is the interface a payment provider implements. It receives the
// provider's webhooks and performs the outbound calls the billing flows need.
// Callers are expected to have passed the Gate already.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that reconciles provider events
	// into the ledger and the subscription store.
	WebhookHandler() http.Handler

	// CreateSubscriptionCheckout returns a hosted checkout URL for a plan
	CreateSubscriptionCheckout(ctx context.Context, req CheckoutRequest) (string, error)

	// CreateCreditCheckout returns a hosted checkout URL for a credit package
	CreateCreditCheckout(ctx context.Context, req CheckoutRequest) (string, error)

	// CreatePortalSession returns a URL to the provider's self-service portal
	CreatePortalSession(ctx context.Context, orgID, returnURL string) (string, error)

	// CancelSubscription cancels the subscription now or at period end
	CancelSubscription(ctx context.Context, sub *Subscription, atPeriodEnd bool) error

	// ReactivateSubscription withdraws a pending cancellation
	ReactivateSubscription(ctx context.Context, sub *Subscription) error
}
