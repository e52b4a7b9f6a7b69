package stripe

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// Stripe metadata keys set on checkout sessions and subscriptions
const (
	metaOrganizationID = "organizationId"
	metaPlanID         = "planId"
	metaPackageID      = "packageId"
	metaCredits        = "credits"
)

// legacyFields holds top-level fields that newer API versions moved and
// stripe-go no longer models: the subscription billing period and the
// invoice's subscription reference.
type legacyFields struct {
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
	Subscription       string
}

func decodeLegacy(raw json.RawMessage) legacyFields {
	var (
		fields map[string]interface{}
		out    legacyFields
	)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	if v, ok := fields["current_period_start"].(float64); ok {
		out.CurrentPeriodStart = int64(v)
	}
	if v, ok := fields["current_period_end"].(float64); ok {
		out.CurrentPeriodEnd = int64(v)
	}
	switch v := fields["subscription"].(type) {
	case string:
		out.Subscription = v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			out.Subscription = id
		}
	}
	return out
}

// subscriptionPriceAndPeriod returns the first line item's price id and
// billing period, falling back to the legacy top-level period.
func subscriptionPriceAndPeriod(sub *stripe.Subscription, legacy legacyFields) (priceID string, start, end int64) {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return "", 0, 0
	}
	item := sub.Items.Data[0]
	switch {
	case item.Price != nil && item.Price.ID != "":
		priceID = item.Price.ID
	case item.Plan != nil:
		priceID = item.Plan.ID
	}
	start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
	if start == 0 || end == 0 {
		start, end = legacy.CurrentPeriodStart, legacy.CurrentPeriodEnd
	}
	return priceID, start, end
}

// missingSubscriptionField names the first required field the subscription
// lacks, or ""
func missingSubscriptionField(sub *stripe.Subscription, legacy legacyFields) string {
	priceID, start, end := subscriptionPriceAndPeriod(sub, legacy)
	switch {
	case sub.Metadata[metaOrganizationID] == "":
		return "metadata.organizationId"
	case sub.ID == "":
		return "id"
	case customerID(sub.Customer) == "":
		return "customer"
	case sub.Status == "":
		return "status"
	case sub.Items == nil || len(sub.Items.Data) == 0:
		return "items"
	case priceID == "":
		return "items.price"
	case start == 0 || end == 0:
		return "items.current_period"
	}
	return ""
}

// invoiceSubscriptionID reads parent.subscription_details.subscription,
// falling back to the legacy top-level subscription field
func invoiceSubscriptionID(invoice *stripe.Invoice, legacy legacyFields) string {
	if p := invoice.Parent; p != nil && p.SubscriptionDetails != nil && p.SubscriptionDetails.Subscription != nil {
		if id := p.SubscriptionDetails.Subscription.ID; id != "" {
			return id
		}
	}
	return legacy.Subscription
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func paymentIntentID(pi *stripe.PaymentIntent) string {
	if pi == nil {
		return ""
	}
	return pi.ID
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
