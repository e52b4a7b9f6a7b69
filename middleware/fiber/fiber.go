// Package fiber provides Fiber middleware that charges credits per request
package fiber

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/creditledger/middleware/internal/meter"
	"github.com/mihaimyh/creditledger/pkg/billing"
)

// BalanceKey is the Locals key holding the balance after the charge
const BalanceKey = "creditledger.balance"

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// OrganizationExtractor extracts the organization to charge
type OrganizationExtractor func(c *fiber.Ctx) string

// AmountExtractor calculates the credits to consume for the request
type AmountExtractor func(c *fiber.Ctx) (int64, error)

// IdempotencyKeyExtractor extracts the idempotency key from a Fiber context.
// Return empty string if no idempotency key is available.
type IdempotencyKeyExtractor func(c *fiber.Ctx) string

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
	OnInsufficientCredits func(c *fiber.Ctx, balance, required int64) error

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the user is not a member of the organization.
	// If nil, returns 403 Forbidden.
	OnForbidden func(c *fiber.Ctx) error

	// OnError is called for bad amounts and internal errors.
	// If nil, returns 400 or 500.
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that consumes credits before the handler runs
func Middleware(cfg Config) fiber.Handler {
	if cfg.Service == nil {
		panic("creditledger/fiber: Config.Service is required")
	}
	if cfg.GetUserID == nil {
		panic("creditledger/fiber: Config.GetUserID is required")
	}
	if cfg.GetOrganizationID == nil {
		panic("creditledger/fiber: Config.GetOrganizationID is required")
	}
	if cfg.GetAmount == nil {
		panic("creditledger/fiber: Config.GetAmount is required")
	}
	if cfg.GetIdempotencyKey == nil {
		cfg.GetIdempotencyKey = IdempotencyKeyFromHeader(meter.DefaultIdempotencyHeader)
	}

	return func(c *fiber.Ctx) error {
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
			serviceUsed = c.Route().Path
		}

		res := meter.Consume(c.UserContext(), cfg.Service, meter.Request{
			UserID:         userID,
			OrganizationID: cfg.GetOrganizationID(c),
			Amount:         amount,
			Description:    fmt.Sprintf("%s %s", c.Method(), c.Path()),
			ServiceUsed:    serviceUsed,
			IdempotencyKey: cfg.GetIdempotencyKey(c),
		})
		if res.Outcome != meter.Allowed {
			return respond(c, cfg, res, amount)
		}

		// Fiber v2 uses c.Set() for response headers
		c.Set(meter.HeaderCharged, strconv.FormatInt(amount, 10))
		c.Set(meter.HeaderRemaining, strconv.FormatInt(res.Balance, 10))
		c.Locals(BalanceKey, res.Balance)
		return c.Next()
	}
}

func respond(c *fiber.Ctx, cfg Config, res meter.Result, amount int64) error {
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
	return c.Status(meter.Status(res.Outcome)).JSON(fiber.Map(meter.Body(res, amount)))
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals,
// as set by auth middleware with c.Locals("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header.
// Fiber v2 uses c.Get() for headers (not c.GetHeader()).
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// OrganizationFromParam reads the organization from a route parameter
func OrganizationFromParam(paramName string) OrganizationExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// OrganizationFromLocals reads the organization set by earlier middleware
func OrganizationFromLocals(key string) OrganizationExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return amount, nil
	}
}

// DynamicCost returns an AmountExtractor that calculates cost based on a function
func DynamicCost(costFunc func(*fiber.Ctx) int64) AmountExtractor {
	return func(c *fiber.Ctx) (int64, error) {
		return costFunc(c), nil
	}
}

// BodyCost charges one credit per perUnit bytes of request body, rounding up
func BodyCost(perUnit int64) AmountExtractor {
	if perUnit <= 0 {
		perUnit = 1
	}
	return func(c *fiber.Ctx) (int64, error) {
		n := int64(len(c.Body()))
		return (n + perUnit - 1) / perUnit, nil
	}
}

// IdempotencyKeyFromHeader returns an IdempotencyKeyExtractor that gets the key from a header
func IdempotencyKeyFromHeader(headerName string) IdempotencyKeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// IdempotencyKeyFromContext returns an IdempotencyKeyExtractor that gets the key from Locals
func IdempotencyKeyFromContext(key string) IdempotencyKeyExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}
