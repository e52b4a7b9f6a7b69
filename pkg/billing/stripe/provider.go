// Package stripe reconciles Stripe events into the credit ledger and
// performs the Stripe calls behind checkout and subscription management.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/billing/internal"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultBreakerThreshold  = 5
	defaultBreakerReset      = 30 * time.Second
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// API replaces the stripe-go client (optional). When nil, APIKey is required.
	API API

	// RateLimit bounds webhook requests per client IP per minute (default: 100)
	RateLimit int
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	engine        *ledger.Engine
	store         billing.Store
	catalog       billing.Catalog
	api           API
	webhookSecret string
	rateLimiter   *internal.RateLimiter
	breaker       *internal.CircuitBreaker
	logger        ledger.Logger
	metrics       billing.Metrics
	now           func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.SetDefaults()

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(config.APIKey)
		if apiKey == "" {
			return nil, fmt.Errorf("%w: stripe api key is required", billing.ErrProviderNotConfigured)
		}
		httpClient := config.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		api = newClientAPI(apiKey, httpClient)
	}

	rateLimit := config.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimitRequests
	}

	p := &Provider{
		engine:        config.Engine,
		store:         config.Store,
		catalog:       config.Catalog,
		api:           api,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		rateLimiter:   internal.NewRateLimiter(rateLimit, defaultRateLimitWindow),
		logger:        config.Logger,
		metrics:       config.Metrics,
		now:           func() time.Time { return time.Now().UTC() },
	}
	p.breaker = internal.NewCircuitBreaker(defaultBreakerThreshold, defaultBreakerReset, func(s internal.BreakerState) {
		p.logger.Warn("stripe circuit breaker state changed", ledger.Field{Key: "state", Value: string(s)})
	})
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// call runs one Stripe API call through the circuit breaker and records it.
// Client errors (4xx) do not trip the breaker.
func (p *Provider) call(endpoint string, fn func() error) error {
	start := time.Now()
	err := p.breaker.Execute(fn, isServerFailure)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	if err != nil {
		p.metrics.RecordAPICall(providerName, endpoint, "error")
		return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, endpoint, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return nil
}

func isServerFailure(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 {
		return false
	}
	return true
}

func (p *Provider) retrieveSubscription(ctx context.Context, id string) (*RemoteSubscription, error) {
	var sub *RemoteSubscription
	err := p.call("subscriptions.retrieve", func() error {
		var err error
		sub, err = p.api.RetrieveSubscription(ctx, id)
		return err
	})
	return sub, err
}
