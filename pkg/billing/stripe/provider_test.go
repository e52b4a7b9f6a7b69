package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/billing/internal"
	"github.com/mihaimyh/creditledger/pkg/ledger"
	"github.com/mihaimyh/creditledger/storage/memory"
)

const (
	testSecret = "whsec_test_secret"
	testOrgID  = "org_1"
	testSubID  = "sub_123"
	testCustID = "cus_123"
)

// fakeAPI records outbound calls and serves canned subscriptions
type fakeAPI struct {
	mu sync.Mutex

	subscriptions map[string]*RemoteSubscription
	err           error

	customersCreated int
	sessions         []CheckoutSession
	portalCustomers  []string
	cancelAtEnd      map[string]bool
	canceled         []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		subscriptions: make(map[string]*RemoteSubscription),
		cancelAtEnd:   make(map[string]bool),
	}
}

func (f *fakeAPI) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAPI) RetrieveSubscription(_ context.Context, id string) (*RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Msg: "no such subscription"}
	}
	return sub, nil
}

func (f *fakeAPI) CreateCustomer(_ context.Context, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.customersCreated++
	return fmt.Sprintf("cus_new_%d", f.customersCreated), nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, s CheckoutSession) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sessions = append(f.sessions, s)
	return fmt.Sprintf("https://checkout.stripe.test/%d", len(f.sessions)), nil
}

func (f *fakeAPI) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.portalCustomers = append(f.portalCustomers, customerID)
	return "https://billing.stripe.test/portal", nil
}

func (f *fakeAPI) SetCancelAtPeriodEnd(_ context.Context, subscriptionID string, cancel bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelAtEnd[subscriptionID] = cancel
	return nil
}

func (f *fakeAPI) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.canceled = append(f.canceled, subscriptionID)
	return nil
}

type testEnv struct {
	provider *Provider
	engine   *ledger.Engine
	store    *memory.Storage
	api      *fakeAPI
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	engine, err := ledger.NewEngine(store, ledger.Config{})
	require.NoError(t, err)

	api := newFakeAPI()
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Engine:        engine,
			Store:         store,
			WebhookSecret: testSecret,
		},
		API: api,
	})
	require.NoError(t, err)

	return &testEnv{
		provider: provider,
		engine:   engine,
		store:    store,
		api:      api,
		handler:  provider.WebhookHandler(),
	}
}

// send delivers a signed event and returns the response
func (e *testEnv) send(t *testing.T, eventID, eventType string, object interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body := eventBody(t, eventID, eventType, object)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) balance(t *testing.T) *ledger.CreditBalance {
	t.Helper()
	bal, err := e.engine.GetBalance(context.Background(), testOrgID)
	if ledger.IsNotFound(err) {
		return &ledger.CreditBalance{}
	}
	require.NoError(t, err)
	return bal
}

func eventBody(t *testing.T, eventID, eventType string, object interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-09-30.clover",
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

func statusOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Status
}

func subscriptionObject(status string) map[string]interface{} {
	now := time.Now()
	return map[string]interface{}{
		"id":       testSubID,
		"object":   "subscription",
		"customer": testCustID,
		"status":   status,
		"metadata": map[string]string{
			metaOrganizationID: testOrgID,
			metaPlanID:         "starter",
		},
		"items": map[string]interface{}{
			"data": []map[string]interface{}{{
				"price":                map[string]string{"id": "price_starter_monthly"},
				"current_period_start": now.Unix(),
				"current_period_end":   now.AddDate(0, 1, 0).Unix(),
			}},
		},
	}
}

func TestWebhook_SubscriptionCreatedGrantsInitialCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.send(t, "evt_1", "customer.subscription.created", subscriptionObject("active"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, outcomeProcessed, statusOf(t, rec))

	bal := env.balance(t)
	assert.Equal(t, int64(1000), bal.Balance)
	assert.Equal(t, int64(1000), bal.TotalEarned)

	sub, err := env.store.GetSubscription(ctx, testSubID)
	require.NoError(t, err)
	assert.True(t, sub.InitialCreditsGranted)
	assert.Equal(t, "starter", sub.PlanID)
	assert.Equal(t, testOrgID, sub.OrganizationID)

	customerID, err := env.store.GetCustomerID(ctx, testOrgID)
	require.NoError(t, err)
	assert.Equal(t, testCustID, customerID)

	// Redelivery of the same event
	rec = env.send(t, "evt_1", "customer.subscription.created", subscriptionObject("active"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, outcomeDuplicate, statusOf(t, rec))

	// A later update for the same subscription
	rec = env.send(t, "evt_2", "customer.subscription.updated", subscriptionObject("active"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, outcomeProcessed, statusOf(t, rec))

	assert.Equal(t, int64(1000), env.balance(t).Balance)

	page, err := env.engine.ListTransactions(ctx, testOrgID, ledger.TransactionQuery{})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, ledger.TransactionEarned, page.Transactions[0].Type)
	assert.Equal(t, testSubID, page.Transactions[0].Metadata.SubscriptionID)
}

func TestWebhook_InitialCreditsWaitForActive(t *testing.T) {
	env := newTestEnv(t)

	rec := env.send(t, "evt_1", "customer.subscription.created", subscriptionObject("incomplete"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), env.balance(t).Balance)

	rec = env.send(t, "evt_2", "customer.subscription.updated", subscriptionObject("active"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1000), env.balance(t).Balance)
}

func TestWebhook_SubscriptionDeletedKeepsCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, env.send(t, "evt_1", "customer.subscription.created", subscriptionObject("active")).Code)
	require.Equal(t, http.StatusOK, env.send(t, "evt_2", "customer.subscription.deleted", subscriptionObject("canceled")).Code)

	sub, err := env.store.GetSubscription(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusCanceled, sub.Status)
	assert.True(t, sub.InitialCreditsGranted)
	assert.Equal(t, int64(1000), env.balance(t).Balance)
}

func TestWebhook_InvoiceRenewal(t *testing.T) {
	env := newTestEnv(t)
	env.api.subscriptions[testSubID] = &RemoteSubscription{
		ID:       testSubID,
		Status:   "active",
		PriceID:  "price_pro_monthly",
		Metadata: map[string]string{metaOrganizationID: testOrgID, metaPlanID: "pro"},
	}

	invoice := map[string]interface{}{
		"id":             "in_1",
		"object":         "invoice",
		"billing_reason": "subscription_cycle",
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{"subscription": testSubID},
		},
	}

	rec := env.send(t, "evt_1", "invoice.payment_succeeded", invoice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(5000), env.balance(t).Balance)

	// Same invoice under a different event id is applied once
	rec = env.send(t, "evt_2", "invoice.payment_succeeded", invoice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5000), env.balance(t).Balance)

	page, err := env.engine.ListTransactions(context.Background(), testOrgID, ledger.TransactionQuery{})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "invoice:in_1:renewal", page.Transactions[0].IdempotencyKey)
}

func TestWebhook_InvoiceFirstPaymentSkipped(t *testing.T) {
	env := newTestEnv(t)

	rec := env.send(t, "evt_1", "invoice.payment_succeeded", map[string]interface{}{
		"id":             "in_first",
		"billing_reason": "subscription_create",
		"subscription":   testSubID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, outcomeProcessed, statusOf(t, rec))
	assert.Equal(t, int64(0), env.balance(t).Balance)
}

func TestWebhook_InvoiceInactiveSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.api.subscriptions[testSubID] = &RemoteSubscription{
		ID:       testSubID,
		Status:   "past_due",
		Metadata: map[string]string{metaOrganizationID: testOrgID, metaPlanID: "pro"},
	}

	rec := env.send(t, "evt_1", "invoice.payment_succeeded", map[string]interface{}{
		"id":             "in_1",
		"billing_reason": "subscription_cycle",
		"subscription":   testSubID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), env.balance(t).Balance)
}

func TestWebhook_InvoiceFallsBackToStoredSubscription(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.send(t, "evt_1", "customer.subscription.created", subscriptionObject("active")).Code)

	env.api.subscriptions[testSubID] = &RemoteSubscription{ID: testSubID, Status: "active", PriceID: "price_starter_monthly"}

	rec := env.send(t, "evt_2", "invoice.payment_succeeded", map[string]interface{}{
		"id":             "in_2",
		"billing_reason": "subscription_cycle",
		"subscription":   map[string]string{"id": testSubID},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(2000), env.balance(t).Balance)
}

func TestWebhook_CheckoutPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session := map[string]interface{}{
		"id":             "cs_1",
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": "paid",
		"payment_intent": "pi_1",
		"customer":       testCustID,
		"metadata": map[string]string{
			metaOrganizationID: testOrgID,
			metaPackageID:      "credits_500",
			metaCredits:        "500",
		},
	}

	rec := env.send(t, "evt_1", "checkout.session.completed", session)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bal := env.balance(t)
	assert.Equal(t, int64(500), bal.Balance)
	assert.Equal(t, int64(500), bal.TotalPurchased)

	entries, err := env.store.ListEntries(ctx, testOrgID, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.CreditTypePurchased, entries[0].Type)
	assert.Nil(t, entries[0].ExpiresAt)
	assert.Equal(t, "pi_1", entries[0].Metadata.PaymentIntentID)

	customerID, err := env.store.GetCustomerID(ctx, testOrgID)
	require.NoError(t, err)
	assert.Equal(t, testCustID, customerID)

	// Async success for the same session does not grant again
	rec = env.send(t, "evt_2", "checkout.session.async_payment_succeeded", session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(500), env.balance(t).Balance)
}

func TestWebhook_CheckoutIgnoredCases(t *testing.T) {
	tests := []struct {
		name    string
		session map[string]interface{}
		want    string
	}{
		{
			name:    "subscription mode",
			session: map[string]interface{}{"id": "cs_1", "mode": "subscription", "metadata": map[string]string{metaOrganizationID: testOrgID}},
			want:    outcomeIgnored,
		},
		{
			name: "unpaid",
			session: map[string]interface{}{"id": "cs_2", "mode": "payment", "payment_status": "unpaid",
				"metadata": map[string]string{metaOrganizationID: testOrgID, metaCredits: "500"}},
			want: outcomeIgnored,
		},
		{
			name: "invalid credits",
			session: map[string]interface{}{"id": "cs_3", "mode": "payment", "payment_status": "paid",
				"metadata": map[string]string{metaOrganizationID: testOrgID, metaCredits: "lots"}},
			want: outcomeSkipped,
		},
		{
			name: "missing organization",
			session: map[string]interface{}{"id": "cs_4", "mode": "payment", "payment_status": "paid",
				"metadata": map[string]string{metaCredits: "500"}},
			want: outcomeSkipped,
		},
		{
			name: "credits differ from package",
			session: map[string]interface{}{"id": "cs_5", "mode": "payment", "payment_status": "paid",
				"metadata": map[string]string{metaOrganizationID: testOrgID, metaPackageID: "credits_500", metaCredits: "5000"}},
			want: outcomeSkipped,
		},
		{
			name: "missing package",
			session: map[string]interface{}{"id": "cs_6", "mode": "payment", "payment_status": "paid",
				"metadata": map[string]string{metaOrganizationID: testOrgID, metaCredits: "500"}},
			want: outcomeSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.send(t, "evt_1", "checkout.session.completed", tt.session)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, statusOf(t, rec))
			assert.Equal(t, int64(0), env.balance(t).Balance)
		})
	}
}

func TestWebhook_CheckoutRetiredPackageGrantedAsSold(t *testing.T) {
	env := newTestEnv(t)

	rec := env.send(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"id":             "cs_old",
		"mode":           "payment",
		"payment_status": "paid",
		"metadata": map[string]string{
			metaOrganizationID: testOrgID,
			metaPackageID:      "credits_42",
			metaCredits:        "42",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, outcomeProcessed, statusOf(t, rec))
	assert.Equal(t, int64(42), env.balance(t).Balance)
}

func TestWebhook_ExpandedObjects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.send(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"id":             "cs_1",
		"mode":           "payment",
		"payment_status": "paid",
		"payment_intent": map[string]interface{}{"id": "pi_expanded", "object": "payment_intent"},
		"customer":       map[string]interface{}{"id": "cus_expanded", "object": "customer"},
		"metadata": map[string]string{
			metaOrganizationID: testOrgID,
			metaPackageID:      "credits_500",
			metaCredits:        "500",
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entries, err := env.store.ListEntries(ctx, testOrgID, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pi_expanded", entries[0].Metadata.PaymentIntentID)

	customerID, err := env.store.GetCustomerID(ctx, testOrgID)
	require.NoError(t, err)
	assert.Equal(t, "cus_expanded", customerID)
}

func TestWebhook_SubscriptionLegacyPeriod(t *testing.T) {
	env := newTestEnv(t)
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	obj := subscriptionObject("active")
	obj["customer"] = map[string]interface{}{"id": testCustID, "object": "customer"}
	obj["current_period_start"] = start.Unix()
	obj["current_period_end"] = end.Unix()
	obj["items"] = map[string]interface{}{
		"data": []map[string]interface{}{{
			"plan": map[string]string{"id": "price_starter_monthly"},
		}},
	}

	rec := env.send(t, "evt_1", "customer.subscription.created", obj)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, outcomeProcessed, statusOf(t, rec))

	sub, err := env.store.GetSubscription(context.Background(), testSubID)
	require.NoError(t, err)
	assert.Equal(t, "price_starter_monthly", sub.ExternalPriceID)
	assert.Equal(t, testCustID, sub.ExternalCustomerID)
	assert.True(t, start.Equal(sub.CurrentPeriodStart))
	assert.True(t, end.Equal(sub.CurrentPeriodEnd))
}

func TestWebhook_MalformedSubscriptionSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obj := subscriptionObject("active")
	obj["metadata"] = map[string]string{}

	rec := env.send(t, "evt_bad", "customer.subscription.created", obj)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, outcomeSkipped, statusOf(t, rec))

	event, err := env.store.GetEvent(ctx, "evt_bad")
	require.NoError(t, err)
	assert.False(t, event.Processed)

	_, err = env.store.GetSubscription(ctx, testSubID)
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestWebhook_UnhandledEventMarkedProcessed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.send(t, "evt_other", "customer.updated", map[string]string{"id": testCustID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, outcomeIgnored, statusOf(t, rec))

	event, err := env.store.GetEvent(context.Background(), "evt_other")
	require.NoError(t, err)
	assert.True(t, event.Processed)
}

func TestWebhook_RequestErrors(t *testing.T) {
	env := newTestEnv(t)
	body := eventBody(t, "evt_1", "customer.subscription.created", subscriptionObject("active"))

	tests := []struct {
		name   string
		method string
		sig    string
		want   int
	}{
		{name: "wrong method", method: http.MethodGet, sig: "t=1,v1=abc", want: http.StatusMethodNotAllowed},
		{name: "missing signature", method: http.MethodPost, sig: "", want: http.StatusBadRequest},
		{name: "bad signature", method: http.MethodPost, sig: "t=1,v1=deadbeef", want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/webhooks/stripe", bytes.NewReader(body))
			if tt.sig != "" {
				req.Header.Set("Stripe-Signature", tt.sig)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	assert.Equal(t, int64(0), env.balance(t).Balance)
	_, err := env.store.GetEvent(context.Background(), "evt_1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestWebhook_FailureIsRedelivered(t *testing.T) {
	env := newTestEnv(t)
	env.api.subscriptions[testSubID] = &RemoteSubscription{
		ID:       testSubID,
		Status:   "active",
		Metadata: map[string]string{metaOrganizationID: testOrgID, metaPlanID: "starter"},
	}
	invoice := map[string]interface{}{
		"id":             "in_1",
		"billing_reason": "subscription_cycle",
		"subscription":   testSubID,
	}

	env.api.setErr(&stripe.Error{HTTPStatusCode: http.StatusBadGateway, Msg: "upstream down"})
	rec := env.send(t, "evt_1", "invoice.payment_succeeded", invoice)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	event, err := env.store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, event.Processed)
	assert.Equal(t, int64(0), env.balance(t).Balance)

	env.api.setErr(nil)
	rec = env.send(t, "evt_1", "invoice.payment_succeeded", invoice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, outcomeProcessed, statusOf(t, rec))
	assert.Equal(t, int64(1000), env.balance(t).Balance)
}

func TestWebhook_NotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.provider.webhookSecret = ""

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateSubscriptionCheckout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := billing.CheckoutRequest{
		OrganizationID: testOrgID,
		PlanID:         "pro",
		Interval:       billing.IntervalYearly,
		SuccessURL:     "https://app.test/ok",
		CancelURL:      "https://app.test/cancel",
	}

	url, err := env.provider.CreateSubscriptionCheckout(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	_, err = env.provider.CreateSubscriptionCheckout(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, env.api.customersCreated)
	require.Len(t, env.api.sessions, 2)
	s := env.api.sessions[0]
	assert.Equal(t, "subscription", s.Mode)
	assert.Equal(t, "price_pro_yearly", s.PriceID)
	assert.Equal(t, "cus_new_1", s.CustomerID)
	assert.Equal(t, testOrgID, s.SubscriptionMetadata[metaOrganizationID])
	assert.Equal(t, "pro", s.SubscriptionMetadata[metaPlanID])

	_, err = env.provider.CreateSubscriptionCheckout(ctx, billing.CheckoutRequest{OrganizationID: testOrgID, PlanID: "pro", Interval: "weekly"})
	assert.ErrorIs(t, err, billing.ErrPriceNotConfigured)

	_, err = env.provider.CreateSubscriptionCheckout(ctx, billing.CheckoutRequest{OrganizationID: testOrgID, PlanID: "missing"})
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)
}

func TestCreateCreditCheckout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SaveCustomerID(ctx, testOrgID, testCustID))

	_, err := env.provider.CreateCreditCheckout(ctx, billing.CheckoutRequest{OrganizationID: testOrgID, PackageID: "credits_2500"})
	require.NoError(t, err)

	assert.Equal(t, 0, env.api.customersCreated)
	require.Len(t, env.api.sessions, 1)
	s := env.api.sessions[0]
	assert.Equal(t, "payment", s.Mode)
	assert.Equal(t, testCustID, s.CustomerID)
	assert.Equal(t, "price_credits_2500", s.PriceID)
	assert.Equal(t, "2500", s.Metadata[metaCredits])
	assert.Equal(t, "credits_2500", s.Metadata[metaPackageID])

	_, err = env.provider.CreateCreditCheckout(ctx, billing.CheckoutRequest{OrganizationID: testOrgID, PackageID: "credits_1"})
	assert.ErrorIs(t, err, billing.ErrPackageNotFound)
}

func TestCreatePortalSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.provider.CreatePortalSession(ctx, testOrgID, "https://app.test")
	assert.ErrorIs(t, err, billing.ErrCustomerNotFound)

	require.NoError(t, env.store.SaveCustomerID(ctx, testOrgID, testCustID))
	url, err := env.provider.CreatePortalSession(ctx, testOrgID, "https://app.test")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, []string{testCustID}, env.api.portalCustomers)
}

func TestCancelAndReactivate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := &billing.Subscription{ExternalSubscriptionID: testSubID, OrganizationID: testOrgID}

	require.NoError(t, env.provider.CancelSubscription(ctx, sub, true))
	assert.True(t, env.api.cancelAtEnd[testSubID])

	require.NoError(t, env.provider.ReactivateSubscription(ctx, sub))
	assert.False(t, env.api.cancelAtEnd[testSubID])

	require.NoError(t, env.provider.CancelSubscription(ctx, sub, false))
	assert.Equal(t, []string{testSubID}, env.api.canceled)
}

func TestCall_BreakerIgnoresClientErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := &billing.Subscription{ExternalSubscriptionID: testSubID}

	env.api.setErr(&stripe.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "bad request"})
	for i := 0; i < defaultBreakerThreshold*2; i++ {
		err := env.provider.CancelSubscription(ctx, sub, true)
		require.ErrorIs(t, err, billing.ErrProviderAPIError)
	}
	assert.Equal(t, internal.StateClosed, env.provider.breaker.State())

	env.api.setErr(errors.New("connection reset"))
	for i := 0; i < defaultBreakerThreshold; i++ {
		_ = env.provider.CancelSubscription(ctx, sub, true)
	}
	assert.Equal(t, internal.StateOpen, env.provider.breaker.State())

	env.api.setErr(nil)
	err := env.provider.CancelSubscription(ctx, sub, true)
	assert.ErrorIs(t, err, internal.ErrCircuitOpen)
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	store := memory.New()
	engine, err := ledger.NewEngine(store, ledger.Config{})
	require.NoError(t, err)

	_, err = NewProvider(Config{Config: billing.Config{Engine: engine, Store: store}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured, "api key required without an API override")

	p, err := NewProvider(Config{Config: billing.Config{Engine: engine, Store: store, APIKey: "sk_test_123"}})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
}
