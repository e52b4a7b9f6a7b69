package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// DefaultUserHeader carries the caller's user id when no extractor is configured
const DefaultUserHeader = "X-User-ID"

// Config holds configuration for the HTTP API handler
type Config struct {
	// Service is the gated billing service (required)
	Service *billing.Service

	// GetUserID extracts the caller's user id from a request
	// Default: FromHeader(DefaultUserHeader)
	GetUserID func(*http.Request) string

	// WebhookHandler is mounted at POST /webhooks/stripe when set
	WebhookHandler http.Handler

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// MaxBodyBytes limits request bodies (default: 64KB)
	MaxBodyBytes int64

	// Logger is used for unexpected errors (default: ledger.NoopLogger)
	Logger ledger.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	return nil
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.GetUserID == nil {
		c.GetUserID = FromHeader(DefaultUserHeader)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 * 1024
	}
	if c.Logger == nil {
		c.Logger = &ledger.NoopLogger{}
	}
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.SetDefaults()
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
