package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

var _ billing.Store = (*Storage)(nil)

// subscriptionRecord is the stored form of a subscription. Field names are
// shared with the markInitial script.
type subscriptionRecord struct {
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	OrganizationID         string     `json:"organization_id"`
	ExternalCustomerID     string     `json:"external_customer_id"`
	ExternalPriceID        string     `json:"external_price_id"`
	PlanID                 string     `json:"plan_id"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     time.Time  `json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	TrialEnd               *time.Time `json:"trial_end"`
	InitialCreditsGranted  bool       `json:"initial_credits_granted"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func toSubscriptionRecord(sub *billing.Subscription) subscriptionRecord {
	return subscriptionRecord{
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
		InitialCreditsGranted:  sub.InitialCreditsGranted,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
}

func (r *subscriptionRecord) subscription() *billing.Subscription {
	return &billing.Subscription{
		ExternalSubscriptionID: r.ExternalSubscriptionID,
		OrganizationID:         r.OrganizationID,
		ExternalCustomerID:     r.ExternalCustomerID,
		ExternalPriceID:        r.ExternalPriceID,
		PlanID:                 r.PlanID,
		Status:                 billing.SubscriptionStatus(r.Status),
		CurrentPeriodStart:     r.CurrentPeriodStart,
		CurrentPeriodEnd:       r.CurrentPeriodEnd,
		CancelAtPeriodEnd:      r.CancelAtPeriodEnd,
		TrialEnd:               r.TrialEnd,
		InitialCreditsGranted:  r.InitialCreditsGranted,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

// eventRecord is the stored form of a webhook event. Field names are shared
// with the markProcessed script.
type eventRecord struct {
	ExternalEventID string     `json:"external_event_id"`
	EventType       string     `json:"event_type"`
	Processed       bool       `json:"processed"`
	ProcessedAt     *time.Time `json:"processed_at"`
	RawPayload      []byte     `json:"raw_payload"`
	CreatedAt       time.Time  `json:"created_at"`
}

func decodeSubscription(raw []byte) (*billing.Subscription, error) {
	var rec subscriptionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return rec.subscription(), nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, externalSubscriptionID string) (*billing.Subscription, error) {
	raw, err := s.client.Get(ctx, s.subscriptionKey(externalSubscriptionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(raw)
}

// GetOrganizationSubscription implements billing.SubscriptionStore
func (s *Storage) GetOrganizationSubscription(ctx context.Context, orgID string) (*billing.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.orgSubscriptionsKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subscriptionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriptions: %w", err)
	}

	var best *billing.Subscription
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		sub, err := decodeSubscription([]byte(str))
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
	key := s.subscriptionKey(sub.ExternalSubscriptionID)

	var (
		stored  *billing.Subscription
		created bool
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		rec := toSubscriptionRecord(sub)
		now := time.Now().UTC()
		rec.UpdatedAt = now
		rec.InitialCreditsGranted = false
		rec.CreatedAt = now
		created = true

		var previousOrg string
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			existing, err := decodeSubscription(raw)
			if err != nil {
				return err
			}
			rec.InitialCreditsGranted = existing.InitialCreditsGranted
			rec.CreatedAt = existing.CreatedAt
			previousOrg = existing.OrganizationID
			created = false
		case errors.Is(err, redis.Nil):
		default:
			return fmt.Errorf("failed to get subscription: %w", err)
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if previousOrg != "" && previousOrg != rec.OrganizationID {
				pipe.SRem(ctx, s.orgSubscriptionsKey(previousOrg), rec.ExternalSubscriptionID)
			}
			pipe.SAdd(ctx, s.orgSubscriptionsKey(rec.OrganizationID), rec.ExternalSubscriptionID)
			return nil
		})
		if err != nil {
			return err
		}
		stored = rec.subscription()
		return nil
	}, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return stored, created, nil
}

// MarkInitialCreditsGranted implements billing.SubscriptionStore
func (s *Storage) MarkInitialCreditsGranted(ctx context.Context, externalSubscriptionID string) (bool, error) {
	res, err := s.scripts["markInitial"].Run(ctx, s.client,
		[]string{s.subscriptionKey(externalSubscriptionID)},
		time.Now().UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return false, fmt.Errorf("failed to mark initial credits: %w", err)
	}
	switch res {
	case "ok":
		return true, nil
	case "missing":
		return false, billing.ErrSubscriptionNotFound
	}
	return false, nil
}

// ClaimEvent implements billing.EventStore
func (s *Storage) ClaimEvent(ctx context.Context, event *billing.WebhookEvent) (*billing.WebhookEvent, error) {
	if event == nil || event.ExternalEventID == "" {
		return nil, fmt.Errorf("invalid webhook event")
	}
	rec := eventRecord{
		ExternalEventID: event.ExternalEventID,
		EventType:       event.EventType,
		RawPayload:      event.RawPayload,
		CreatedAt:       event.CreatedAt,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	key := s.eventKey(event.ExternalEventID)
	if err := s.client.SetNX(ctx, key, data, s.config.EventTTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to store webhook event: %w", err)
	}
	return s.getEvent(ctx, event.ExternalEventID)
}

// MarkEventProcessed implements billing.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, externalEventID string, at time.Time) error {
	res, err := s.scripts["markProcessed"].Run(ctx, s.client,
		[]string{s.eventKey(externalEventID)},
		at.UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	switch res {
	case "missing":
		return billing.ErrEventNotFound
	case "duplicate":
		return ledger.ErrDuplicateEvent
	}
	return nil
}

func (s *Storage) getEvent(ctx context.Context, externalEventID string) (*billing.WebhookEvent, error) {
	raw, err := s.client.Get(ctx, s.eventKey(externalEventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	var rec eventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return &billing.WebhookEvent{
		ExternalEventID: rec.ExternalEventID,
		EventType:       rec.EventType,
		Processed:       rec.Processed,
		ProcessedAt:     rec.ProcessedAt,
		RawPayload:      rec.RawPayload,
		CreatedAt:       rec.CreatedAt,
	}, nil
}

// GetCustomerID implements billing.CustomerStore
func (s *Storage) GetCustomerID(ctx context.Context, orgID string) (string, error) {
	id, err := s.client.Get(ctx, s.customerKey(orgID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", billing.ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get customer: %w", err)
	}
	return id, nil
}

// SaveCustomerID implements billing.CustomerStore
func (s *Storage) SaveCustomerID(ctx context.Context, orgID, customerID string) error {
	if err := s.client.Set(ctx, s.customerKey(orgID), customerID, 0).Err(); err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}
