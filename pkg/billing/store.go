package billing

import (
	"context"
	"time"
)

// SubscriptionStore persists subscription records
type SubscriptionStore interface {
	// GetSubscription returns the subscription with the given provider id.
	// Returns ErrSubscriptionNotFound if absent.
	GetSubscription(ctx context.Context, externalSubscriptionID string) (*Subscription, error)

	// GetOrganizationSubscription returns the organization's most recently
	// updated subscription, preferring live ones.
	// Returns ErrSubscriptionNotFound if the organization has none.
	GetOrganizationSubscription(ctx context.Context, orgID string) (*Subscription, error)

	// UpsertSubscription inserts or replaces the subscription keyed by its
	// provider id and returns the stored row. InitialCreditsGranted and
	// CreatedAt of an existing row are preserved. created reports an insert.
	UpsertSubscription(ctx context.Context, sub *Subscription) (stored *Subscription, created bool, err error)

	// MarkInitialCreditsGranted sets InitialCreditsGranted if it was false.
	// It reports whether this call made the change.
	MarkInitialCreditsGranted(ctx context.Context, externalSubscriptionID string) (bool, error)
}

// EventStore persists webhook events
type EventStore interface {
	// ClaimEvent inserts the event if its id is unseen and returns the stored
	// row either way, as one atomic step.
	ClaimEvent(ctx context.Context, event *WebhookEvent) (*WebhookEvent, error)

	// MarkEventProcessed transitions processed from false to true.
	// Returns ErrDuplicateEvent if it was already true and ErrEventNotFound if absent.
	MarkEventProcessed(ctx context.Context, externalEventID string, at time.Time) error
}

// CustomerStore maps organizations to provider customers
type CustomerStore interface {
	// GetCustomerID returns ErrCustomerNotFound if the organization has none
	GetCustomerID(ctx context.Context, orgID string) (string, error)
	SaveCustomerID(ctx context.Context, orgID, customerID string) error
}

// Store is everything the billing layer persists
type Store interface {
	SubscriptionStore
	EventStore
	CustomerStore
}
