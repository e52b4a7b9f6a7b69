// Package gin provides Gin middleware that charges credits per request
package gin

import (
	"fmt"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/creditledger/middleware/internal/meter"
	"github.com/mihaimyh/creditledger/pkg/billing"
)

// BalanceKey is the Gin context key holding the balance after the charge
const BalanceKey = "creditledger.balance"

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// OrganizationExtractor extracts the organization to charge
type OrganizationExtractor func(c *gongin.Context) string

// AmountExtractor calculates the credits to consume for the request
type AmountExtractor func(c *gongin.Context) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from a Gin context.
// Return empty string if no idempotency key is available.
type IdempotencyKeyExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Service performs the gated consume (required)
	Service *billing.Service

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetOrganizationID extracts the organization to charge (required)
	GetOrganizationID OrganizationExtractor

	// GetAmount calculates the credits to consume (required)
	GetAmount AmountExtractor

	// GetIdempotencyKey extracts idempotency key from context (optional).
	// If nil, defaults to extracting from X-Request-ID header.
	GetIdempotencyKey IdempotencyKeyExtractor

	// ServiceUsed is recorded on the usage transaction. Default: the route pattern.
	ServiceUsed string

	// OnInsufficientCredits is called when the organization cannot cover the amount.
	// If nil, uses default response: 402 JSON with balance and required amount.
	OnInsufficientCredits func(c *gongin.Context, balance, required int64)

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the user is not a member of the organization.
	// If nil, returns 403 Forbidden.
	OnForbidden func(c *gongin.Context)

	// OnError is called for bad amounts and internal errors.
	// If nil, returns 400 or 500.
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that consumes credits before the handler runs
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Service == nil {
		panic("creditledger/gin: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("creditledger/gin: Config.GetUserID is required")
	}
	if cfg.GetOrganizationID == nil {
		panic("creditledger/gin: Config.GetOrganizationID is required")
	}
	if cfg.GetAmount == nil {
		panic("creditledger/gin: Config.GetAmount is required")
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader(meter.DefaultIdempotencyHeader)
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			respond(c, cfg, meter.Result{Outcome: meter.Unauthenticated}, 0)
			return
		}

		amount, err := cfg.GetAmount(c)
		if err != nil {
			respond(c, cfg, meter.Result{Outcome: meter.BadRequest, Err: err}, 0)
			return
		}

		serviceUsed := cfg.ServiceUsed
		if serviceUsed == "" {
			serviceUsed = c.FullPath()
		}

		res := meter.Consume(c.Request.Context(), cfg.Service, meter.Request{
			UserID:         userID,
			OrganizationID: cfg.GetOrganizationID(c),
			Amount:         amount,
			Description:    fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path),
			ServiceUsed:    serviceUsed,
			IdempotencyKey: cfg.GetIdempotencyKey(c),
		})
		if res.Outcome != meter.Allowed {
			respond(c, cfg, res, amount)
			return
		}

		c.Header(meter.HeaderCharged, strconv.FormatInt(amount, 10))
		c.Header(meter.HeaderRemaining, strconv.FormatInt(res.Balance, 10))
		c.Set(BalanceKey, res.Balance)
		c.Next()
	}
}

func respond(c *gongin.Context, cfg Config, res meter.Result, amount int64) {
	defer c.Abort()

	switch res.Outcome {
	case meter.Unauthenticated:
		if cfg.OnUnauthorized != nil {
			cfg.OnUnauthorized(c)
			return
		}
	case meter.Forbidden:
		if cfg.OnForbidden != nil {
			cfg.OnForbidden(c)
			return
		}
	case meter.Insufficient:
		if cfg.OnInsufficientCredits != nil {
			cfg.OnInsufficientCredits(c, res.Balance, amount)
			return
		}
	default:
		if cfg.OnError != nil {
			cfg.OnError(c, res.Err)
			return
		}
	}
	c.JSON(meter.Status(res.Outcome), gongin.H(meter.Body(res, amount)))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values.
// Use it with auth middleware that calls c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for Organization

// OrganizationFromParam reads the organization from a route parameter
func OrganizationFromParam(paramName string) OrganizationExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// OrganizationFromHeader reads the organization from a header
func OrganizationFromHeader(headerName string) OrganizationExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*gongin.Context) (int64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*gongin.Context) int64) AmountExtractor {
	return func(c *gongin.Context) (int64, error) {
		return costFunc(c), nil
	}
}

// QueryCost charges the integer value of a query parameter, or def when absent
func QueryCost(queryName string, def int64) AmountExtractor {
	return func(c *gongin.Context) (int64, error) {
		raw := c.Query(queryName)
		if raw == "" {
			return def, nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", queryName, err)
		}
		return n, nil
	}
}

// Convenience extractors for Idempotency Key

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that gets the key from a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// IdempotencyKeyFromContext returns an IdempotencyKeyExtractor that gets the key from context values
func IdempotencyKeyFromContext(key string) IdempotencyKeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
