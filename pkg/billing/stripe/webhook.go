package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/billing/internal"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// Webhook outcomes, reported in the response body and in metrics
const (
	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeSkipped   = "skipped"
)

// Grant reasons recorded in billing metrics
const (
	reasonInitial  = "initial"
	reasonRenewal  = "renewal"
	reasonPurchase = "purchase"
)

type webhookResponse struct {
	Status string `json:"status"`
}

// handleWebhook verifies a Stripe event and reconciles it.
// 200 on success, replay or skipped payload; 400 on a missing or bad
// signature; 500 when processing failed and Stripe should redeliver.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		http.Error(w, "missing signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "missing_signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.logger.Warn("stripe webhook signature verification failed",
			ledger.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, billing.ErrInvalidWebhookSignature.Error(), http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "unknown"
	}

	outcome, err := p.reconcile(r.Context(), &event, body)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.logger.Error("stripe webhook processing failed",
			ledger.Field{Key: "event_id", Value: event.ID},
			ledger.Field{Key: "event_type", Value: eventType},
			ledger.Field{Key: "error", Value: err.Error()},
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, outcome)
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Status: outcome})
}

// reconcile moves one event through unseen -> stored -> processed. Every
// grant it issues carries an idempotency key, so a redelivery that re-enters
// dispatch cannot apply a grant twice.
func (p *Provider) reconcile(ctx context.Context, event *stripe.Event, raw []byte) (string, error) {
	stored, err := p.store.ClaimEvent(ctx, &billing.WebhookEvent{
		ExternalEventID: event.ID,
		EventType:       string(event.Type),
		RawPayload:      raw,
		CreatedAt:       p.now(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store webhook event: %w", err)
	}
	if stored.Processed {
		p.logger.Debug("stripe event already processed", ledger.Field{Key: "event_id", Value: event.ID})
		return outcomeDuplicate, nil
	}

	outcome, err := p.dispatch(ctx, event)
	if err != nil {
		return "", err
	}
	// Skipped events stay unprocessed so a corrected redelivery is handled
	if outcome == outcomeSkipped {
		return outcome, nil
	}

	if err := p.store.MarkEventProcessed(ctx, event.ID, p.now()); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return outcomeDuplicate, nil
		}
		return "", fmt.Errorf("failed to mark event processed: %w", err)
	}
	return outcome, nil
}

func (p *Provider) dispatch(ctx context.Context, event *stripe.Event) (string, error) {
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return p.handleSubscriptionChange(ctx, event.ID, raw)
	case "invoice.payment_succeeded":
		return p.handleInvoicePaid(ctx, event.ID, raw)
	case "invoice.payment_failed":
		return p.handleInvoiceFailed(event.ID, raw)
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return p.handleCheckoutCompleted(ctx, event.ID, raw)
	default:
		p.logger.Info("unhandled stripe event type",
			ledger.Field{Key: "event_id", Value: event.ID},
			ledger.Field{Key: "event_type", Value: string(event.Type)},
		)
		return outcomeIgnored, nil
	}
}

func (p *Provider) skip(eventID, reason string) (string, error) {
	p.logger.Warn("skipping malformed stripe event",
		ledger.Field{Key: "event_id", Value: eventID},
		ledger.Field{Key: "reason", Value: reason},
	)
	p.metrics.RecordWebhookError(providerName, "invalid_payload")
	return outcomeSkipped, nil
}

// handleSubscriptionChange upserts the local subscription and grants the
// plan's initial credits once the subscription is active.
func (p *Provider) handleSubscriptionChange(ctx context.Context, eventID string, raw json.RawMessage) (string, error) {
	var payload stripe.Subscription
	if err := json.Unmarshal(raw, &payload); err != nil {
		return p.skip(eventID, "undecodable subscription: "+err.Error())
	}
	legacy := decodeLegacy(raw)
	if field := missingSubscriptionField(&payload, legacy); field != "" {
		return p.skip(eventID, "missing "+field)
	}
	status := billing.SubscriptionStatus(payload.Status)
	if !status.Valid() {
		return p.skip(eventID, "unknown status "+string(payload.Status))
	}

	priceID, start, end := subscriptionPriceAndPeriod(&payload, legacy)
	planID := payload.Metadata[metaPlanID]
	if planID == "" {
		if plan, err := p.catalog.PlanByPriceID(ctx, priceID); err == nil {
			planID = plan.ID
		}
	}

	sub := &billing.Subscription{
		ExternalSubscriptionID: payload.ID,
		OrganizationID:         payload.Metadata[metaOrganizationID],
		ExternalCustomerID:     customerID(payload.Customer),
		ExternalPriceID:        priceID,
		PlanID:                 planID,
		Status:                 status,
		CurrentPeriodStart:     unixTime(start),
		CurrentPeriodEnd:       unixTime(end),
		CancelAtPeriodEnd:      payload.CancelAtPeriodEnd,
	}
	if payload.TrialEnd > 0 {
		trialEnd := unixTime(payload.TrialEnd)
		sub.TrialEnd = &trialEnd
	}

	stored, created, err := p.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("failed to upsert subscription %s: %w", sub.ExternalSubscriptionID, err)
	}
	p.logger.Info("subscription synced",
		ledger.Field{Key: "subscription_id", Value: stored.ExternalSubscriptionID},
		ledger.Field{Key: "organization_id", Value: stored.OrganizationID},
		ledger.Field{Key: "status", Value: string(stored.Status)},
		ledger.Field{Key: "created", Value: created},
	)
	p.metrics.RecordSubscriptionSync(providerName, stored.Status, created)

	if err := p.store.SaveCustomerID(ctx, stored.OrganizationID, stored.ExternalCustomerID); err != nil {
		return "", fmt.Errorf("failed to save customer id: %w", err)
	}

	if stored.Status == billing.StatusActive && !stored.InitialCreditsGranted {
		if err := p.grantInitialCredits(ctx, stored); err != nil {
			return "", err
		}
	}
	return outcomeProcessed, nil
}

func (p *Provider) grantInitialCredits(ctx context.Context, sub *billing.Subscription) error {
	plan, err := p.catalog.Plan(ctx, sub.PlanID)
	if err != nil {
		p.logger.Warn("plan not found for subscription, no initial credits granted",
			ledger.Field{Key: "subscription_id", Value: sub.ExternalSubscriptionID},
			ledger.Field{Key: "plan_id", Value: sub.PlanID},
		)
		return nil
	}

	res, err := p.engine.Grant(ctx, ledger.GrantRequest{
		OrganizationID: sub.OrganizationID,
		Amount:         plan.CreditsIncluded,
		Description:    fmt.Sprintf("Credits from %s subscription", plan.Name),
		Source:         ledger.SubscriptionCredit{SubscriptionID: sub.ExternalSubscriptionID},
		IdempotencyKey: fmt.Sprintf("subscription:%s:initial", sub.ExternalSubscriptionID),
	})
	if err != nil {
		return fmt.Errorf("failed to grant initial credits: %w", err)
	}
	if _, err := p.store.MarkInitialCreditsGranted(ctx, sub.ExternalSubscriptionID); err != nil {
		return fmt.Errorf("failed to mark initial credits granted: %w", err)
	}
	p.recordGrant(sub.OrganizationID, reasonInitial, plan.CreditsIncluded, res)
	return nil
}

// handleInvoicePaid grants the plan's credits again for each paid renewal
// invoice. The first invoice of a subscription is covered by the initial grant.
func (p *Provider) handleInvoicePaid(ctx context.Context, eventID string, raw json.RawMessage) (string, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return p.skip(eventID, "undecodable invoice: "+err.Error())
	}
	subscriptionID := invoiceSubscriptionID(&invoice, decodeLegacy(raw))
	if subscriptionID == "" {
		return outcomeIgnored, nil
	}
	if invoice.ID == "" {
		return p.skip(eventID, "missing invoice id")
	}
	if invoice.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		return outcomeProcessed, nil
	}

	remote, err := p.retrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}
	if billing.SubscriptionStatus(remote.Status) != billing.StatusActive {
		p.logger.Info("subscription not active, no renewal credits granted",
			ledger.Field{Key: "subscription_id", Value: subscriptionID},
			ledger.Field{Key: "status", Value: remote.Status},
		)
		return outcomeProcessed, nil
	}

	orgID := remote.Metadata[metaOrganizationID]
	planID := remote.Metadata[metaPlanID]
	if orgID == "" || planID == "" {
		local, err := p.store.GetSubscription(ctx, subscriptionID)
		if err != nil && !ledger.IsNotFound(err) {
			return "", fmt.Errorf("failed to load subscription %s: %w", subscriptionID, err)
		}
		if local != nil {
			if orgID == "" {
				orgID = local.OrganizationID
			}
			if planID == "" {
				planID = local.PlanID
			}
		}
	}
	if orgID == "" {
		return p.skip(eventID, "no organization for subscription "+subscriptionID)
	}

	var plan *billing.Plan
	if planID != "" {
		plan, err = p.catalog.Plan(ctx, planID)
	} else {
		plan, err = p.catalog.PlanByPriceID(ctx, remote.PriceID)
	}
	if err != nil {
		p.logger.Warn("plan not found for renewal, no credits granted",
			ledger.Field{Key: "subscription_id", Value: subscriptionID},
			ledger.Field{Key: "plan_id", Value: planID},
		)
		return outcomeProcessed, nil
	}

	res, err := p.engine.Grant(ctx, ledger.GrantRequest{
		OrganizationID: orgID,
		Amount:         plan.CreditsIncluded,
		Description:    fmt.Sprintf("Credits from %s subscription renewal", plan.Name),
		Source:         ledger.SubscriptionCredit{SubscriptionID: subscriptionID},
		IdempotencyKey: fmt.Sprintf("invoice:%s:renewal", invoice.ID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to grant renewal credits: %w", err)
	}
	p.recordGrant(orgID, reasonRenewal, plan.CreditsIncluded, res)
	return outcomeProcessed, nil
}

func (p *Provider) handleInvoiceFailed(eventID string, raw json.RawMessage) (string, error) {
	var invoice stripe.Invoice
	_ = json.Unmarshal(raw, &invoice)
	p.logger.Warn("stripe invoice payment failed",
		ledger.Field{Key: "event_id", Value: eventID},
		ledger.Field{Key: "invoice_id", Value: invoice.ID},
		ledger.Field{Key: "subscription_id", Value: invoiceSubscriptionID(&invoice, decodeLegacy(raw))},
	)
	return outcomeProcessed, nil
}

// handleCheckoutCompleted grants purchased credits for a paid one-time
// credit checkout. Subscription checkouts are handled by subscription events.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, eventID string, raw json.RawMessage) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return p.skip(eventID, "undecodable checkout session: "+err.Error())
	}
	if session.Mode != stripe.CheckoutSessionModePayment || session.Metadata[metaCredits] == "" {
		return outcomeIgnored, nil
	}
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// Delayed payment methods complete with a later async_payment_succeeded event
		return outcomeIgnored, nil
	}

	orgID := session.Metadata[metaOrganizationID]
	if orgID == "" || session.ID == "" {
		return p.skip(eventID, "missing organizationId or session id")
	}
	credits, err := strconv.ParseInt(session.Metadata[metaCredits], 10, 64)
	if err != nil || credits <= 0 {
		return p.skip(eventID, "invalid credits "+strconv.Quote(session.Metadata[metaCredits]))
	}
	packageID := session.Metadata[metaPackageID]
	reason, err := p.checkPackage(ctx, packageID, credits)
	if err != nil {
		return "", err
	}
	if reason != "" {
		return p.skip(eventID, reason)
	}

	res, err := p.engine.Grant(ctx, ledger.GrantRequest{
		OrganizationID: orgID,
		Amount:         credits,
		Description:    fmt.Sprintf("Purchased %d credits", credits),
		Source: ledger.PurchaseCredit{
			PaymentIntentID: paymentIntentID(session.PaymentIntent),
			PackageID:       packageID,
		},
		IdempotencyKey: fmt.Sprintf("checkout:%s:purchase", session.ID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to grant purchased credits: %w", err)
	}
	if cust := customerID(session.Customer); cust != "" {
		if err := p.store.SaveCustomerID(ctx, orgID, cust); err != nil {
			return "", fmt.Errorf("failed to save customer id: %w", err)
		}
	}
	p.recordGrant(orgID, reasonPurchase, credits, res)
	return outcomeProcessed, nil
}

// checkPackage compares the session's credits with the catalog package it was
// sold as. A package retired since the checkout is granted as sold.
func (p *Provider) checkPackage(ctx context.Context, packageID string, credits int64) (string, error) {
	if packageID == "" {
		return "missing packageId", nil
	}
	pkg, err := p.catalog.Package(ctx, packageID)
	if errors.Is(err, billing.ErrPackageNotFound) {
		p.logger.Warn("package not in catalog, granting credits as sold",
			ledger.Field{Key: "package_id", Value: packageID},
			ledger.Field{Key: "credits", Value: credits},
		)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve package %s: %w", packageID, err)
	}
	if pkg.Credits != credits {
		return fmt.Sprintf("credits %d do not match package %s (%d)", credits, packageID, pkg.Credits), nil
	}
	return "", nil
}

func (p *Provider) recordGrant(orgID, reason string, amount int64, res *ledger.GrantResult) {
	if res.Replayed {
		p.logger.Debug("grant already applied",
			ledger.Field{Key: "organization_id", Value: orgID},
			ledger.Field{Key: "reason", Value: reason},
		)
		return
	}
	p.metrics.RecordCreditGrant(providerName, reason, amount)
	p.logger.Info("credits granted from stripe event",
		ledger.Field{Key: "organization_id", Value: orgID},
		ledger.Field{Key: "reason", Value: reason},
		ledger.Field{Key: "amount", Value: amount},
	)
}
