// Package http provides net/http middleware that charges credits per request
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/mihaimyh/creditledger/middleware/internal/meter"
	"github.com/mihaimyh/creditledger/pkg/billing"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// OrganizationExtractor extracts the organization to charge
type OrganizationExtractor func(r *http.Request) string

// AmountExtractor calculates the credits to consume for the request
type AmountExtractor func(r *http.Request) (int64, error)

// StringExtractor extracts an optional string such as a description or idempotency key
type StringExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Service performs the gated consume (required)
	Service *billing.Service

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetOrganizationID extracts the organization to charge (required)
	GetOrganizationID OrganizationExtractor

	// GetAmount calculates the credits to consume (required)
	GetAmount AmountExtractor

	// ServiceUsed is recorded on the usage transaction
	ServiceUsed string

	// GetDescription describes the usage transaction. Default: method and path.
	GetDescription StringExtractor

	// GetIdempotencyKey makes retried requests charge once.
	// Default: the X-Request-ID header.
	GetIdempotencyKey StringExtractor

	// OnInsufficientCredits is called when the organization cannot cover the amount.
	// If nil, returns 402 Payment Required with the current balance.
	OnInsufficientCredits func(w http.ResponseWriter, r *http.Request, balance, required int64)

	// OnUnauthorized is called when user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the user is not a member of the organization.
	// If nil, returns 403 Forbidden.
	OnForbidden func(w http.ResponseWriter, r *http.Request)

	// OnError is called for bad amounts and internal errors.
	// If nil, returns 400 or 500.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that consumes credits before the handler runs
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Service == nil {
		panic("creditledger http middleware: Service is required")
	}
	if config.GetUserID == nil {
		panic("creditledger http middleware: GetUserID is required")
	}
	if config.GetOrganizationID == nil {
		panic("creditledger http middleware: GetOrganizationID is required")
	}
	if config.GetAmount == nil {
		panic("creditledger http middleware: GetAmount is required")
	}
	if config.GetDescription == nil {
		config.GetDescription = func(r *http.Request) string { return r.Method + " " + r.URL.Path }
	}
	if config.GetIdempotencyKey == nil {
		config.GetIdempotencyKey = IdempotencyKeyFromHeader(meter.DefaultIdempotencyHeader)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				respond(w, r, config, meter.Result{Outcome: meter.Unauthenticated}, 0)
				return
			}

			amount, err := config.GetAmount(r)
			if err != nil {
				respond(w, r, config, meter.Result{Outcome: meter.BadRequest, Err: err}, 0)
				return
			}

			res := meter.Consume(r.Context(), config.Service, meter.Request{
				UserID:         userID,
				OrganizationID: config.GetOrganizationID(r),
				Amount:         amount,
				Description:    config.GetDescription(r),
				ServiceUsed:    config.ServiceUsed,
				IdempotencyKey: config.GetIdempotencyKey(r),
			})
			if res.Outcome != meter.Allowed {
				respond(w, r, config, res, amount)
				return
			}

			w.Header().Set(meter.HeaderCharged, strconv.FormatInt(amount, 10))
			w.Header().Set(meter.HeaderRemaining, strconv.FormatInt(res.Balance, 10))
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func respond(w http.ResponseWriter, r *http.Request, config Config, res meter.Result, amount int64) {
	switch res.Outcome {
	case meter.Unauthenticated:
		if config.OnUnauthorized != nil {
			config.OnUnauthorized(w, r)
			return
		}
	case meter.Forbidden:
		if config.OnForbidden != nil {
			config.OnForbidden(w, r)
			return
		}
	case meter.Insufficient:
		if config.OnInsufficientCredits != nil {
			config.OnInsufficientCredits(w, r, res.Balance, amount)
			return
		}
	default:
		if config.OnError != nil {
			config.OnError(w, r, res.Err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(meter.Status(res.Outcome))
	_ = json.NewEncoder(w).Encode(meter.Body(res, amount))
}

// Common extractors for convenience

// FixedAmount returns an AmountExtractor that always returns a fixed amount
func FixedAmount(amount int64) AmountExtractor {
	return func(r *http.Request) (int64, error) {
		return amount, nil
	}
}

// BodyLength returns an AmountExtractor that charges one credit per perUnit
// bytes of request body, rounding up. The body is restored for the handler.
func BodyLength(perUnit int64) AmountExtractor {
	if perUnit <= 0 {
		perUnit = 1
	}
	return func(r *http.Request) (int64, error) {
		if r.Body == nil {
			return 0, nil
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return 0, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		n := int64(len(body))
		return (n + perUnit - 1) / perUnit, nil
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "creditledger:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// OrganizationFromHeader reads the organization from a header
func OrganizationFromHeader(headerName string) OrganizationExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// OrganizationFromPathValue reads the organization from a net/http pattern wildcard
func OrganizationFromPathValue(name string) OrganizationExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// FixedOrganization always charges the same organization
func FixedOrganization(orgID string) OrganizationExtractor {
	return func(r *http.Request) string {
		return orgID
	}
}

// IdempotencyKeyFromHeader reads the consume idempotency key from a header
func IdempotencyKeyFromHeader(headerName string) StringExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
