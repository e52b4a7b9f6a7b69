// Package echo provides Echo middleware that charges credits per request
package echo

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/creditledger/middleware/internal/meter"
	"github.com/mihaimyh/creditledger/pkg/billing"
)

// BalanceKey is the Echo context key holding the balance after the charge
const BalanceKey = "creditledger.balance"

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// OrganizationExtractor extracts the organization to charge
type OrganizationExtractor func(c echo.Context) string

// AmountExtractor calculates the credits to consume for the request
type AmountExtractor func(c echo.Context) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from an Echo context.
// Return empty string if no idempotency key is available.
type IdempotencyKeyExtractor func(c echo.Context) string

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

	// ServiceUsed is recorded on the usage transaction. Default: the route path.
	ServiceUsed string

	// OnInsufficientCredits is called when the organization cannot cover the amount.
	// If nil, uses default response: 402 JSON with balance and required amount.
	OnInsufficientCredits func(c echo.Context, balance, required int64) error

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the user is not a member of the organization.
	// If nil, returns 403 Forbidden.
	OnForbidden func(c echo.Context) error

	// OnError is called for bad amounts and internal errors.
	// If nil, returns 400 or 500.
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that consumes credits before the handler runs
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Service == nil {
		panic("creditledger/echo: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("creditledger/echo: Config.GetUserID is required")
	}
	if cfg.GetOrganizationID == nil {
		panic("creditledger/echo: Config.GetOrganizationID is required")
	}
	if cfg.GetAmount == nil {
		panic("creditledger/echo: Config.GetAmount is required")
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader(meter.DefaultIdempotencyHeader)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return respond(c, cfg, meter.Result{Outcome: meter.Unauthenticated}, 0)
			}

			amount, err := cfg.GetAmount(c)
			if err != nil {
				return respond(c, cfg, meter.Result{Outcome: meter.BadRequest, Err: err}, 0)
			}

			serviceUsed := cfg.ServiceUsed
			if serviceUsed == "" {
				serviceUsed = c.Path()
			}

			req := c.Request()
			res := meter.Consume(req.Context(), cfg.Service, meter.Request{
				UserID:         userID,
				OrganizationID: cfg.GetOrganizationID(c),
				Amount:         amount,
				Description:    fmt.Sprintf("%s %s", req.Method, req.URL.Path),
				ServiceUsed:    serviceUsed,
				IdempotencyKey: cfg.GetIdempotencyKey(c),
			})
			if res.Outcome != meter.Allowed {
				return respond(c, cfg, res, amount)
			}

			h := c.Response().Header()
			h.Set(meter.HeaderCharged, strconv.FormatInt(amount, 10))
			h.Set(meter.HeaderRemaining, strconv.FormatInt(res.Balance, 10))
			c.Set(BalanceKey, res.Balance)
			return next(c)
		}
	}
}

func respond(c echo.Context, cfg Config, res meter.Result, amount int64) error {
	switch res.Outcome {
	case meter.Unauthenticated:
		if cfg.OnUnauthorized != nil {
			return cfg.OnUnauthorized(c)
		}
	case meter.Forbidden:
		if cfg.OnForbidden != nil {
			return cfg.OnForbidden(c)
		}
	case meter.Insufficient:
		if cfg.OnInsufficientCredits != nil {
			return cfg.OnInsufficientCredits(c, res.Balance, amount)
		}
	default:
		if cfg.OnError != nil {
			return cfg.OnError(c, res.Err)
		}
	}
	return c.JSON(meter.Status(res.Outcome), meter.Body(res, amount))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values,
// as set by auth middleware with c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// OrganizationFromParam reads the organization from a route parameter
func OrganizationFromParam(paramName string) OrganizationExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// OrganizationFromHeader reads the organization from a header
func OrganizationFromHeader(headerName string) OrganizationExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// Convenience extractors for Amount

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(echo.Context) (int64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(echo.Context) int64) AmountExtractor {
	return func(c echo.Context) (int64, error) {
		return costFunc(c), nil
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that gets the key from a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// IdempotencyKeyFromContext returns an IdempotencyKeyExtractor that gets the key from context values
func IdempotencyKeyFromContext(key string) IdempotencyKeyExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}
