package billing

import "time"

// SubscriptionStatus mirrors the provider's subscription status
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusPaused            SubscriptionStatus = "paused"
)

// Valid reports whether s is a known status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusCanceled, StatusIncomplete, StatusIncompleteExpired,
		StatusPastDue, StatusTrialing, StatusUnpaid, StatusPaused:
		return true
	}
	return false
}

// Live reports whether the subscription still bills the organization
func (s SubscriptionStatus) Live() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusUnpaid:
		return true
	}
	return false
}

// Subscription is the local record of a provider subscription.
// It is written only by the webhook reconciler.
type Subscription struct {
	ExternalSubscriptionID string
	OrganizationID         string
	ExternalCustomerID     string
	ExternalPriceID        string
	PlanID                 string
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	TrialEnd               *time.Time

	// InitialCreditsGranted is set once the plan's initial credits were granted.
	// Upserts never clear it.
	InitialCreditsGranted bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookEvent is the stored record of a provider event.
// An event id is stored once, and Processed only ever goes from false to true.
type WebhookEvent struct {
	ExternalEventID string
	EventType       string
	Processed       bool
	ProcessedAt     *time.Time
	RawPayload      []byte
	CreatedAt       time.Time
}

// MoreCurrent reports whether a should be shown over b as an organization's
// current subscription: live ones first, then the most recently updated.
func MoreCurrent(a, b *Subscription) bool {
	if a.Status.Live() != b.Status.Live() {
		return a.Status.Live()
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
