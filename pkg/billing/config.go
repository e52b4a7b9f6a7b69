package billing

import (
	"net/http"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Engine is the credit accounting engine grants are issued through (required)
	Engine *ledger.Engine

	// Store persists subscriptions, webhook events and customers (required)
	Store Store

	// Catalog resolves plans and packages (default: DefaultCatalog())
	Catalog Catalog

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is used for structured logging (default: ledger.NoopLogger)
	Logger ledger.Logger

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}

// Validate reports missing required fields
func (c *Config) Validate() error {
	if c.Engine == nil || c.Store == nil {
		return ErrProviderNotConfigured
	}
	return nil
}

// SetDefaults fills in optional fields
func (c *Config) SetDefaults() {
	if c.Catalog == nil {
		c.Catalog = DefaultCatalog()
	}
	if c.Logger == nil {
		c.Logger = &ledger.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
}
