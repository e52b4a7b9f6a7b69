package stripe

import (
	"context"
	"net/http"

	"github.com/stripe/stripe-go/v83"
)

// RemoteSubscription is the live state of a subscription as Stripe reports it
type RemoteSubscription struct {
	ID       string
	Status   string
	PriceID  string
	Metadata map[string]string
}

// CheckoutSession describes a hosted checkout session to create
type CheckoutSession struct {
	// Mode is "subscription" or "payment"
	Mode       string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
	// SubscriptionMetadata is copied onto the subscription a subscription-mode
	// session creates
	SubscriptionMetadata map[string]string
}

// API is the part of the Stripe API the provider calls. The default
// implementation uses the stripe-go client; tests substitute a fake.
type API interface {
	RetrieveSubscription(ctx context.Context, id string) (*RemoteSubscription, error)
	CreateCustomer(ctx context.Context, metadata map[string]string) (string, error)
	CreateCheckoutSession(ctx context.Context, session CheckoutSession) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

type clientAPI struct {
	client *stripe.Client
}

func newClientAPI(apiKey string, httpClient *http.Client) *clientAPI {
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient: httpClient,
	})
	return &clientAPI{client: stripe.NewClient(apiKey, stripe.WithBackends(backends))}
}

func (c *clientAPI) RetrieveSubscription(ctx context.Context, id string) (*RemoteSubscription, error) {
	sub, err := c.client.V1Subscriptions.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	out := &RemoteSubscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		out.PriceID = sub.Items.Data[0].Price.ID
	}
	return out, nil
}

func (c *clientAPI) CreateCustomer(ctx context.Context, metadata map[string]string) (string, error) {
	cust, err := c.client.V1Customers.Create(ctx, &stripe.CustomerCreateParams{Metadata: metadata})
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

func (c *clientAPI) CreateCheckoutSession(ctx context.Context, s CheckoutSession) (string, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(s.Mode),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(s.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.SuccessURL),
		CancelURL:  stripe.String(s.CancelURL),
		Metadata:   s.Metadata,
	}
	if s.CustomerID != "" {
		params.Customer = stripe.String(s.CustomerID)
	}
	if len(s.SubscriptionMetadata) > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
		for k, v := range s.SubscriptionMetadata {
			params.SubscriptionData.AddMetadata(k, v)
		}
	}

	session, err := c.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

func (c *clientAPI) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	session, err := c.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

func (c *clientAPI) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	_, err := c.client.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	})
	return err
}

func (c *clientAPI) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := c.client.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
	return err
}
