package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// CreateSubscriptionCheckout creates a hosted checkout for a plan. The
// organization and plan ride along as metadata on both the session and the
// subscription it creates, which is how the webhook finds them again.
func (p *Provider) CreateSubscriptionCheckout(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if req.OrganizationID == "" {
		return "", ledger.ErrInvalidOrganization
	}
	plan, err := p.catalog.Plan(ctx, req.PlanID)
	if err != nil {
		return "", err
	}
	interval := req.Interval
	if interval == "" {
		interval = billing.IntervalMonthly
	}
	priceID := plan.PriceID(interval)
	if priceID == "" {
		return "", fmt.Errorf("%w: plan %s, interval %s", billing.ErrPriceNotConfigured, plan.ID, interval)
	}

	customerID, err := p.ensureCustomer(ctx, req.OrganizationID)
	if err != nil {
		return "", err
	}

	meta := map[string]string{
		metaOrganizationID: req.OrganizationID,
		metaPlanID:         plan.ID,
	}
	var url string
	err = p.call("checkout.sessions.create", func() error {
		var err error
		url, err = p.api.CreateCheckoutSession(ctx, CheckoutSession{
			Mode:                 "subscription",
			CustomerID:           customerID,
			PriceID:              priceID,
			SuccessURL:           req.SuccessURL,
			CancelURL:            req.CancelURL,
			Metadata:             meta,
			SubscriptionMetadata: meta,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("subscription checkout created",
		ledger.Field{Key: "organization_id", Value: req.OrganizationID},
		ledger.Field{Key: "plan_id", Value: plan.ID},
		ledger.Field{Key: "interval", Value: string(interval)},
	)
	return url, nil
}

// CreateCreditCheckout creates a hosted one-time payment for a credit package
func (p *Provider) CreateCreditCheckout(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	if req.OrganizationID == "" {
		return "", ledger.ErrInvalidOrganization
	}
	pkg, err := p.catalog.Package(ctx, req.PackageID)
	if err != nil {
		return "", err
	}
	if pkg.StripePriceID == "" {
		return "", fmt.Errorf("%w: package %s", billing.ErrPriceNotConfigured, pkg.ID)
	}

	customerID, err := p.ensureCustomer(ctx, req.OrganizationID)
	if err != nil {
		return "", err
	}

	var url string
	err = p.call("checkout.sessions.create", func() error {
		var err error
		url, err = p.api.CreateCheckoutSession(ctx, CheckoutSession{
			Mode:       "payment",
			CustomerID: customerID,
			PriceID:    pkg.StripePriceID,
			SuccessURL: req.SuccessURL,
			CancelURL:  req.CancelURL,
			Metadata: map[string]string{
				metaOrganizationID: req.OrganizationID,
				metaPackageID:      pkg.ID,
				metaCredits:        strconv.FormatInt(pkg.Credits, 10),
			},
		})
		return err
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("credit checkout created",
		ledger.Field{Key: "organization_id", Value: req.OrganizationID},
		ledger.Field{Key: "package_id", Value: pkg.ID},
		ledger.Field{Key: "credits", Value: pkg.Credits},
	)
	return url, nil
}

// CreatePortalSession returns a billing portal URL for the organization's customer
func (p *Provider) CreatePortalSession(ctx context.Context, orgID, returnURL string) (string, error) {
	customerID, err := p.store.GetCustomerID(ctx, orgID)
	if err != nil {
		return "", err
	}

	var url string
	err = p.call("billing_portal.sessions.create", func() error {
		var err error
		url, err = p.api.CreatePortalSession(ctx, customerID, returnURL)
		return err
	})
	return url, err
}

// ensureCustomer returns the organization's Stripe customer, creating and
// remembering one on first use
func (p *Provider) ensureCustomer(ctx context.Context, orgID string) (string, error) {
	customerID, err := p.store.GetCustomerID(ctx, orgID)
	if err == nil && customerID != "" {
		return customerID, nil
	}
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
		return "", fmt.Errorf("failed to load customer: %w", err)
	}

	err = p.call("customers.create", func() error {
		var err error
		customerID, err = p.api.CreateCustomer(ctx, map[string]string{metaOrganizationID: orgID})
		return err
	})
	if err != nil {
		return "", err
	}
	if err := p.store.SaveCustomerID(ctx, orgID, customerID); err != nil {
		return "", fmt.Errorf("failed to save customer id: %w", err)
	}
	return customerID, nil
}
