package billing

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a webhook object misses required fields
	ErrInvalidWebhookPayload = fmt.Errorf("invalid webhook payload: %w", ledger.ErrInvalidPayload)

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when an organization has no provider customer yet
	ErrCustomerNotFound = ledger.NewNotFoundError("customer not found")

	// ErrSubscriptionNotFound is returned when no subscription matches
	ErrSubscriptionNotFound = ledger.NewNotFoundError("subscription not found")

	// ErrEventNotFound is returned when no webhook event matches
	ErrEventNotFound = ledger.NewNotFoundError("webhook event not found")

	// ErrPlanNotFound is returned for unknown or inactive plans
	ErrPlanNotFound = ledger.NewNotFoundError("plan not found")

	// ErrPackageNotFound is returned for unknown or inactive credit packages
	ErrPackageNotFound = ledger.NewNotFoundError("package not found")

	// ErrPriceNotConfigured is returned when a plan has no price for the requested interval
	ErrPriceNotConfigured = errors.New("price not configured for interval")

	// ErrNotReactivatable is returned when a subscription is canceled or not pending cancellation
	ErrNotReactivatable = errors.New("subscription cannot be reactivated")

	// ErrNotCancelable is returned when the subscription has already ended
	ErrNotCancelable = errors.New("subscription is not active")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
