package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

var _ billing.Store = (*Storage)(nil)

type subscriptionDoc struct {
	ExternalSubscriptionID string     `firestore:"externalSubscriptionId"`
	OrganizationID         string     `firestore:"organizationId"`
	ExternalCustomerID     string     `firestore:"externalCustomerId"`
	ExternalPriceID        string     `firestore:"externalPriceId"`
	PlanID                 string     `firestore:"planId"`
	Status                 string     `firestore:"status"`
	CurrentPeriodStart     time.Time  `firestore:"currentPeriodStart"`
	CurrentPeriodEnd       time.Time  `firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd      bool       `firestore:"cancelAtPeriodEnd"`
	TrialEnd               *time.Time `firestore:"trialEnd"`
	InitialCreditsGranted  bool       `firestore:"initialCreditsGranted"`
	CreatedAt              time.Time  `firestore:"createdAt"`
	UpdatedAt              time.Time  `firestore:"updatedAt"`
}

func (d *subscriptionDoc) subscription() *billing.Subscription {
	sub := &billing.Subscription{
		ExternalSubscriptionID: d.ExternalSubscriptionID,
		OrganizationID:         d.OrganizationID,
		ExternalCustomerID:     d.ExternalCustomerID,
		ExternalPriceID:        d.ExternalPriceID,
		PlanID:                 d.PlanID,
		Status:                 billing.SubscriptionStatus(d.Status),
		CurrentPeriodStart:     d.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:       d.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      d.CancelAtPeriodEnd,
		InitialCreditsGranted:  d.InitialCreditsGranted,
		CreatedAt:              d.CreatedAt.UTC(),
		UpdatedAt:              d.UpdatedAt.UTC(),
	}
	if d.TrialEnd != nil {
		utc := d.TrialEnd.UTC()
		sub.TrialEnd = &utc
	}
	return sub
}

type eventDoc struct {
	ExternalEventID string     `firestore:"externalEventId"`
	EventType       string     `firestore:"eventType"`
	Processed       bool       `firestore:"processed"`
	ProcessedAt     *time.Time `firestore:"processedAt"`
	RawPayload      []byte     `firestore:"rawPayload"`
	CreatedAt       time.Time  `firestore:"createdAt"`
}

func decodeSubscription(doc *firestore.DocumentSnapshot) (*billing.Subscription, error) {
	var sd subscriptionDoc
	if err := doc.DataTo(&sd); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return sd.subscription(), nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, externalSubscriptionID string) (*billing.Subscription, error) {
	doc, err := s.subscriptionDoc(externalSubscriptionID).Get(ctx)
	if isNotFound(err) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(doc)
}

// GetOrganizationSubscription implements billing.SubscriptionStore
func (s *Storage) GetOrganizationSubscription(ctx context.Context, orgID string) (*billing.Subscription, error) {
	docs, err := s.client.Collection(s.config.SubscriptionsCollection).
		Where("organizationId", "==", orgID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var best *billing.Subscription
	for _, doc := range docs {
		sub, err := decodeSubscription(doc)
		if err != nil {
			return nil, err
		}
		if best == nil || billing.MoreCurrent(sub, best) {
			best = sub
		}
	}
	if best == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return best, nil
}

// UpsertSubscription implements billing.SubscriptionStore
func (s *Storage) UpsertSubscription(
	ctx context.Context, sub *billing.Subscription,
) (*billing.Subscription, bool, error) {
	if sub == nil || sub.ExternalSubscriptionID == "" {
		return nil, false, fmt.Errorf("invalid subscription")
	}
	ref := s.subscriptionDoc(sub.ExternalSubscriptionID)

	var (
		stored  *billing.Subscription
		created bool
	)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		sd := subscriptionDoc{
			ExternalSubscriptionID: sub.ExternalSubscriptionID,
			OrganizationID:         sub.OrganizationID,
			ExternalCustomerID:     sub.ExternalCustomerID,
			ExternalPriceID:        sub.ExternalPriceID,
			PlanID:                 sub.PlanID,
			Status:                 string(sub.Status),
			CurrentPeriodStart:     sub.CurrentPeriodStart,
			CurrentPeriodEnd:       sub.CurrentPeriodEnd,
			CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
			TrialEnd:               sub.TrialEnd,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		created = true

		doc, err := tx.Get(ref)
		switch {
		case err == nil && doc.Exists():
			existing, err := decodeSubscription(doc)
			if err != nil {
				return err
			}
			sd.InitialCreditsGranted = existing.InitialCreditsGranted
			sd.CreatedAt = existing.CreatedAt
			created = false
		case err != nil && !isNotFound(err):
			return fmt.Errorf("failed to get subscription: %w", err)
		}

		if err := tx.Set(ref, &sd); err != nil {
			return err
		}
		stored = sd.subscription()
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return stored, created, nil
}

// MarkInitialCreditsGranted implements billing.SubscriptionStore
func (s *Storage) MarkInitialCreditsGranted(ctx context.Context, externalSubscriptionID string) (bool, error) {
	ref := s.subscriptionDoc(externalSubscriptionID)
	var changed bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		changed = false
		doc, err := tx.Get(ref)
		if isNotFound(err) {
			return billing.ErrSubscriptionNotFound
		}
		if err != nil {
			return err
		}
		if granted, _ := doc.Data()["initialCreditsGranted"].(bool); granted {
			return nil
		}
		changed = true
		return tx.Update(ref, []firestore.Update{
			{Path: "initialCreditsGranted", Value: true},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to mark initial credits: %w", err)
	}
	return changed, nil
}

// ClaimEvent implements billing.EventStore. Create fails with AlreadyExists
// when the event was stored before; the stored row is returned either way.
func (s *Storage) ClaimEvent(ctx context.Context, event *billing.WebhookEvent) (*billing.WebhookEvent, error) {
	if event == nil || event.ExternalEventID == "" {
		return nil, fmt.Errorf("invalid webhook event")
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.eventDoc(event.ExternalEventID).Create(ctx, &eventDoc{
		ExternalEventID: event.ExternalEventID,
		EventType:       event.EventType,
		RawPayload:      event.RawPayload,
		CreatedAt:       createdAt,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("failed to store webhook event: %w", err)
	}
	return s.getEvent(ctx, event.ExternalEventID)
}

// MarkEventProcessed implements billing.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, externalEventID string, at time.Time) error {
	ref := s.eventDoc(externalEventID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if isNotFound(err) {
			return billing.ErrEventNotFound
		}
		if err != nil {
			return err
		}
		if processed, _ := doc.Data()["processed"].(bool); processed {
			return ledger.ErrDuplicateEvent
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "processed", Value: true},
			{Path: "processedAt", Value: at.UTC()},
		})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, billing.ErrEventNotFound), errors.Is(err, ledger.ErrDuplicateEvent):
		return err
	}
	return fmt.Errorf("failed to mark event processed: %w", err)
}

func (s *Storage) getEvent(ctx context.Context, externalEventID string) (*billing.WebhookEvent, error) {
	doc, err := s.eventDoc(externalEventID).Get(ctx)
	if isNotFound(err) {
		return nil, billing.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	var ed eventDoc
	if err := doc.DataTo(&ed); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	ev := &billing.WebhookEvent{
		ExternalEventID: ed.ExternalEventID,
		EventType:       ed.EventType,
		Processed:       ed.Processed,
		RawPayload:      ed.RawPayload,
		CreatedAt:       ed.CreatedAt.UTC(),
	}
	if ed.ProcessedAt != nil {
		utc := ed.ProcessedAt.UTC()
		ev.ProcessedAt = &utc
	}
	return ev, nil
}

// GetCustomerID implements billing.CustomerStore
func (s *Storage) GetCustomerID(ctx context.Context, orgID string) (string, error) {
	doc, err := s.customerDoc(orgID).Get(ctx)
	if isNotFound(err) {
		return "", billing.ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get customer: %w", err)
	}
	id, _ := doc.Data()["externalCustomerId"].(string)
	if id == "" {
		return "", billing.ErrCustomerNotFound
	}
	return id, nil
}

// SaveCustomerID implements billing.CustomerStore
func (s *Storage) SaveCustomerID(ctx context.Context, orgID, customerID string) error {
	_, err := s.customerDoc(orgID).Set(ctx, map[string]interface{}{
		"externalCustomerId": customerID,
		"updatedAt":          time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}
