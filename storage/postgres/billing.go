package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

var _ billing.Store = (*Storage)(nil)

const subscriptionColumns = `external_subscription_id, organization_id, external_customer_id, external_price_id,
	plan_id, status, current_period_start, current_period_end, cancel_at_period_end, trial_end,
	initial_credits_granted, created_at, updated_at`

// liveStatuses are ranked first when picking an organization's current subscription
var liveStatuses = func() []string {
	var out []string
	for _, s := range []billing.SubscriptionStatus{
		billing.StatusActive, billing.StatusTrialing, billing.StatusPastDue, billing.StatusUnpaid,
		billing.StatusIncomplete, billing.StatusIncompleteExpired, billing.StatusCanceled, billing.StatusPaused,
	} {
		if s.Live() {
			out = append(out, string(s))
		}
	}
	return out
}()

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, externalSubscriptionID string) (*billing.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`,
		externalSubscriptionID))
}

// GetOrganizationSubscription implements billing.SubscriptionStore
func (s *Storage) GetOrganizationSubscription(ctx context.Context, orgID string) (*billing.Subscription, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE organization_id = $1
			ORDER BY status = ANY($2) DESC, updated_at DESC
			LIMIT 1`,
		orgID, liveStatuses))
}

// UpsertSubscription implements billing.SubscriptionStore
func (s *Storage) UpsertSubscription(
	ctx context.Context, sub *billing.Subscription,
) (*billing.Subscription, bool, error) {
	if sub == nil || sub.ExternalSubscriptionID == "" {
		return nil, false, fmt.Errorf("invalid subscription")
	}

	now := time.Now().UTC()
	var created bool
	stored, err := scanSubscription(s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $11)
			ON CONFLICT (external_subscription_id) DO UPDATE SET
				organization_id = EXCLUDED.organization_id,
				external_customer_id = EXCLUDED.external_customer_id,
				external_price_id = EXCLUDED.external_price_id,
				plan_id = EXCLUDED.plan_id,
				status = EXCLUDED.status,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				trial_end = EXCLUDED.trial_end,
				updated_at = EXCLUDED.updated_at
			RETURNING `+subscriptionColumns+`, (xmax = 0)`,
		sub.ExternalSubscriptionID, sub.OrganizationID, sub.ExternalCustomerID, sub.ExternalPriceID,
		sub.PlanID, string(sub.Status), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.TrialEnd, now,
	), &created)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return stored, created, nil
}

// MarkInitialCreditsGranted implements billing.SubscriptionStore
func (s *Storage) MarkInitialCreditsGranted(ctx context.Context, externalSubscriptionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET initial_credits_granted = TRUE, updated_at = NOW()
			WHERE external_subscription_id = $1 AND NOT initial_credits_granted`,
		externalSubscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to mark initial credits: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetSubscription(ctx, externalSubscriptionID); err != nil {
		return false, err
	}
	return false, nil
}

func scanSubscription(row pgx.Row, extra ...any) (*billing.Subscription, error) {
	var (
		sub    billing.Subscription
		status string
	)
	dest := []any{
		&sub.ExternalSubscriptionID, &sub.OrganizationID, &sub.ExternalCustomerID, &sub.ExternalPriceID,
		&sub.PlanID, &status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.TrialEnd, &sub.InitialCreditsGranted, &sub.CreatedAt, &sub.UpdatedAt,
	}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	sub.Status = billing.SubscriptionStatus(status)
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if sub.TrialEnd != nil {
		utc := sub.TrialEnd.UTC()
		sub.TrialEnd = &utc
	}
	return &sub, nil
}

// ClaimEvent implements billing.EventStore
func (s *Storage) ClaimEvent(ctx context.Context, event *billing.WebhookEvent) (*billing.WebhookEvent, error) {
	if event == nil || event.ExternalEventID == "" {
		return nil, fmt.Errorf("invalid webhook event")
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (external_event_id, event_type, processed, raw_payload, created_at)
			VALUES ($1, $2, FALSE, $3, $4)
			ON CONFLICT (external_event_id) DO NOTHING`,
		event.ExternalEventID, event.EventType, event.RawPayload, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store webhook event: %w", err)
	}
	return s.getEvent(ctx, event.ExternalEventID)
}

// MarkEventProcessed implements billing.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, externalEventID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET processed = TRUE, processed_at = $2
			WHERE external_event_id = $1 AND NOT processed`,
		externalEventID, at)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.getEvent(ctx, externalEventID); err != nil {
		return err
	}
	return ledger.ErrDuplicateEvent
}

func (s *Storage) getEvent(ctx context.Context, externalEventID string) (*billing.WebhookEvent, error) {
	var ev billing.WebhookEvent
	err := s.pool.QueryRow(ctx,
		`SELECT external_event_id, event_type, processed, processed_at, raw_payload, created_at
			FROM webhook_events WHERE external_event_id = $1`,
		externalEventID).Scan(&ev.ExternalEventID, &ev.EventType, &ev.Processed, &ev.ProcessedAt, &ev.RawPayload, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	if ev.ProcessedAt != nil {
		utc := ev.ProcessedAt.UTC()
		ev.ProcessedAt = &utc
	}
	return &ev, nil
}

// GetCustomerID implements billing.CustomerStore
func (s *Storage) GetCustomerID(ctx context.Context, orgID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT external_customer_id FROM customers WHERE organization_id = $1`, orgID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get customer: %w", err)
	}
	return id, nil
}

// SaveCustomerID implements billing.CustomerStore
func (s *Storage) SaveCustomerID(ctx context.Context, orgID, customerID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO customers (organization_id, external_customer_id, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (organization_id) DO UPDATE SET
				external_customer_id = EXCLUDED.external_customer_id,
				updated_at = EXCLUDED.updated_at`,
		orgID, customerID)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}
