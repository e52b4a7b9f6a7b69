// Package meter holds the framework-independent part of the credit metering
// middlewares: one gated consume per request, classified into an outcome
// each framework turns into a response.
package meter

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// Outcome classifies a metering attempt
type Outcome int

const (
	// Allowed means the credits were taken and the request may proceed
	Allowed Outcome = iota
	// Unauthenticated means no user could be extracted (401)
	Unauthenticated
	// Forbidden means the user is not a member of the organization (403)
	Forbidden
	// Insufficient means the organization cannot cover the amount (402)
	Insufficient
	// BadRequest means no organization or a non-positive amount (400)
	BadRequest
	// Failed is any other error (500)
	Failed
)

// DefaultIdempotencyHeader is read for a consume idempotency key when no extractor is set
const DefaultIdempotencyHeader = "X-Request-ID"

// Headers set on metered responses
const (
	HeaderRemaining = "X-Credits-Remaining"
	HeaderCharged   = "X-Credits-Charged"
)

// Service is the gated consumer the middlewares drive; *billing.Service implements it
type Service interface {
	Consume(ctx context.Context, userID string, req ledger.ConsumeRequest) (*ledger.ConsumeResult, error)
	GetBalance(ctx context.Context, userID, orgID string) (*ledger.CreditBalance, error)
}

// Request is one metering attempt
type Request struct {
	UserID         string
	OrganizationID string
	Amount         int64
	Description    string
	ServiceUsed    string
	IdempotencyKey string
}

// Result is what the framework adapter needs to respond
type Result struct {
	Outcome Outcome
	// Balance is the balance after the consume, or the current balance when insufficient
	Balance int64
	Err     error
}

// Consume performs the metering for one request
func Consume(ctx context.Context, svc Service, req Request) Result {
	if req.UserID == "" {
		return Result{Outcome: Unauthenticated}
	}
	if req.OrganizationID == "" {
		return Result{Outcome: BadRequest, Err: ledger.ErrInvalidOrganization}
	}
	if req.Amount <= 0 {
		return Result{Outcome: BadRequest, Err: fmt.Errorf("%w: %d", ledger.ErrInvalidAmount, req.Amount)}
	}

	res, err := svc.Consume(ctx, req.UserID, ledger.ConsumeRequest{
		OrganizationID: req.OrganizationID,
		Amount:         req.Amount,
		Description:    req.Description,
		ServiceUsed:    req.ServiceUsed,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case err == nil:
		return Result{Outcome: Allowed, Balance: res.Balance}
	case errors.Is(err, ledger.ErrNotAuthorized):
		return Result{Outcome: Forbidden, Err: err}
	case errors.Is(err, ledger.ErrInsufficientCredits):
		out := Result{Outcome: Insufficient, Err: err}
		if bal, balErr := svc.GetBalance(ctx, req.UserID, req.OrganizationID); balErr == nil {
			out.Balance = bal.Balance
		}
		return out
	}
	return Result{Outcome: Failed, Err: err}
}

// Body is the default JSON error body for a non-allowed outcome
func Body(r Result, amount int64) map[string]interface{} {
	switch r.Outcome {
	case Unauthenticated:
		return map[string]interface{}{"error": "Unauthorized"}
	case Forbidden:
		return map[string]interface{}{"error": "Forbidden"}
	case Insufficient:
		return map[string]interface{}{
			"error":    "Insufficient credits",
			"balance":  r.Balance,
			"required": amount,
		}
	case BadRequest:
		return map[string]interface{}{"error": "Bad Request"}
	}
	return map[string]interface{}{"error": "Internal Server Error"}
}

// Status is the HTTP status for an outcome
func Status(o Outcome) int {
	switch o {
	case Allowed:
		return 200
	case Unauthenticated:
		return 401
	case Forbidden:
		return 403
	case Insufficient:
		return 402
	case BadRequest:
		return 400
	}
	return 500
}
