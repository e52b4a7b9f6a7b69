package stripe

import (
	"context"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// CancelSubscription cancels at period end or immediately. The local record
// is updated by the subscription event Stripe sends afterwards.
func (p *Provider) CancelSubscription(ctx context.Context, sub *billing.Subscription, atPeriodEnd bool) error {
	var err error
	if atPeriodEnd {
		err = p.call("subscriptions.update", func() error {
			return p.api.SetCancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID, true)
		})
	} else {
		err = p.call("subscriptions.cancel", func() error {
			return p.api.CancelSubscription(ctx, sub.ExternalSubscriptionID)
		})
	}
	if err != nil {
		return err
	}

	p.logger.Info("subscription cancellation requested",
		ledger.Field{Key: "subscription_id", Value: sub.ExternalSubscriptionID},
		ledger.Field{Key: "organization_id", Value: sub.OrganizationID},
		ledger.Field{Key: "at_period_end", Value: atPeriodEnd},
	)
	return nil
}

// ReactivateSubscription clears a pending cancel-at-period-end
func (p *Provider) ReactivateSubscription(ctx context.Context, sub *billing.Subscription) error {
	err := p.call("subscriptions.update", func() error {
		return p.api.SetCancelAtPeriodEnd(ctx, sub.ExternalSubscriptionID, false)
	})
	if err != nil {
		return err
	}
	p.logger.Info("subscription reactivated",
		ledger.Field{Key: "subscription_id", Value: sub.ExternalSubscriptionID},
		ledger.Field{Key: "organization_id", Value: sub.OrganizationID},
	)
	return nil
}
