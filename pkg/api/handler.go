// Package api exposes the credit ledger and billing flows over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

var (
	errMissingIdentity = errors.New("user ID not found")
	errBadRequest      = errors.New("bad request")
)

// Handler provides the HTTP endpoints of the credit ledger
type Handler struct {
	config Config
}

// Routes returns a chi router serving every endpoint
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/plans", h.ListPlans)
	r.Get("/packages", h.ListPackages)

	r.Route("/orgs/{orgID}", func(r chi.Router) {
		r.Get("/balance", h.GetBalance)
		r.Get("/transactions", h.ListTransactions)
		r.Get("/breakdown", h.GetBreakdown)
		r.Get("/subscription", h.GetSubscription)
		r.Get("/audit", h.Audit)
		r.Post("/consume", h.Consume)
		r.Post("/bonus", h.GrantBonus)
		r.Post("/checkout/subscription", h.CreateSubscriptionCheckout)
		r.Post("/checkout/credits", h.CreateCreditCheckout)
		r.Post("/portal", h.CreatePortalSession)
		r.Post("/subscription/cancel", h.CancelSubscription)
		r.Post("/subscription/reactivate", h.ReactivateSubscription)
	})

	if h.config.WebhookHandler != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", h.config.WebhookHandler)
	}
	return r
}

// ListPlans returns the active subscription plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.config.Service.Catalog().Plans(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, plans)
}

// ListPackages returns the active credit packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := h.config.Service.Catalog().Packages(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, packages)
}

// GetBalance returns the organization's balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	bal, err := h.config.Service.GetBalance(r.Context(), userID, orgID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toBalanceResponse(bal))
}

// ListTransactions returns a page of transaction history, newest first
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}

	q := ledger.TransactionQuery{Before: r.URL.Query().Get("before")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			h.handleError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		q.Limit = limit
	}

	page, err := h.config.Service.ListTransactions(r.Context(), userID, orgID, q)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransactionsResponse(page))
}

// GetBreakdown returns consumable credits by type
func (h *Handler) GetBreakdown(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	b, err := h.config.Service.GetBreakdown(r.Context(), userID, orgID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toBreakdownResponse(b))
}

// GetSubscription returns the organization's current subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Service.GetSubscription(r.Context(), userID, orgID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// Audit reports whether the balance agrees with entries and history
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	report, err := h.config.Service.Audit(r.Context(), userID, orgID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, AuditResponse{
		OrganizationID:   report.OrganizationID,
		Balance:          report.Balance,
		EntriesRemaining: report.EntriesRemaining,
		TransactionSum:   report.TransactionSum,
		Adjustments:      report.Adjustments,
		Net:              report.Net,
		Consistent:       report.Consistent(),
	})
}

// Consume takes credits from the organization
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body ConsumeBody
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.config.Service.Consume(r.Context(), userID, ledger.ConsumeRequest{
		OrganizationID: orgID,
		Amount:         body.Amount,
		Description:    body.Description,
		ServiceUsed:    body.ServiceUsed,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toConsumeResponse(res))
}

// GrantBonus grants expiring bonus credits
func (h *Handler) GrantBonus(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body BonusBody
	if !h.decode(w, r, &body) {
		return
	}
	if body.ExpiresInDays < 0 {
		h.handleError(w, r, fmt.Errorf("%w: expiresInDays must not be negative", errBadRequest))
		return
	}

	res, err := h.config.Service.GrantBonus(r.Context(), userID, billing.BonusRequest{
		OrganizationID: orgID,
		Amount:         body.Amount,
		Description:    body.Description,
		ExpiresIn:      time.Duration(body.ExpiresInDays) * 24 * time.Hour,
		PromotionID:    body.PromotionID,
		ReferralID:     body.ReferralID,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, GrantResponse{
		Balance:       res.Balance,
		EntryID:       res.EntryID,
		TransactionID: res.TransactionID,
		Replayed:      res.Replayed,
	})
}

// CreateSubscriptionCheckout returns a hosted checkout URL for a plan
func (h *Handler) CreateSubscriptionCheckout(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body SubscriptionCheckoutBody
	if !h.decode(w, r, &body) {
		return
	}
	interval := billing.Interval(body.Interval)
	if interval != "" && interval != billing.IntervalMonthly && interval != billing.IntervalYearly {
		h.handleError(w, r, fmt.Errorf("%w: unknown interval %q", errBadRequest, body.Interval))
		return
	}

	url, err := h.config.Service.CreateSubscriptionCheckout(r.Context(), userID, billing.CheckoutRequest{
		OrganizationID: orgID,
		PlanID:         body.PlanID,
		Interval:       interval,
		SuccessURL:     body.SuccessURL,
		CancelURL:      body.CancelURL,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CreateCreditCheckout returns a hosted checkout URL for a credit package
func (h *Handler) CreateCreditCheckout(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body CreditCheckoutBody
	if !h.decode(w, r, &body) {
		return
	}

	url, err := h.config.Service.CreateCreditCheckout(r.Context(), userID, billing.CheckoutRequest{
		OrganizationID: orgID,
		PackageID:      body.PackageID,
		SuccessURL:     body.SuccessURL,
		CancelURL:      body.CancelURL,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CreatePortalSession returns the provider's self-service portal URL
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body PortalBody
	if !h.decode(w, r, &body) {
		return
	}

	url, err := h.config.Service.CreatePortalSession(r.Context(), userID, orgID, body.ReturnURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, URLResponse{URL: url})
}

// CancelSubscription cancels the subscription now or at period end
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body CancelBody
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}

	sub, err := h.config.Service.CancelSubscription(r.Context(), userID, orgID, body.AtPeriodEnd)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, toSubscriptionResponse(sub))
}

// ReactivateSubscription withdraws a pending cancellation
func (h *Handler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, orgID, ok := h.caller(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Service.ReactivateSubscription(r.Context(), userID, orgID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, toSubscriptionResponse(sub))
}

// caller returns the authenticated user and the target organization
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errMissingIdentity)
		return "", "", false
	}
	return userID, chi.URLParam(r, "orgID"), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err))
		return false
	}
	return true
}

// statusFor maps an error to its HTTP status and the message shown to clients
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errMissingIdentity):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, ledger.ErrNotAuthorized):
		return http.StatusForbidden, err.Error()
	case ledger.IsNotFound(err):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, err.Error()
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidExpiry),
		errors.Is(err, ledger.ErrInvalidOrganization),
		errors.Is(err, ledger.ErrInvalidPayload),
		errors.Is(err, billing.ErrPriceNotConfigured):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, billing.ErrNotReactivatable),
		errors.Is(err, billing.ErrNotCancelable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable, err.Error()
	case ledger.IsRetryable(err):
		return http.StatusServiceUnavailable, "temporarily unavailable, please retry later"
	}
	return http.StatusInternalServerError, "internal error, please retry later"
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.config.Logger.Error("API request failed",
			ledger.Field{Key: "method", Value: r.Method},
			ledger.Field{Key: "path", Value: r.URL.Path},
			ledger.Field{Key: "status", Value: code},
			ledger.Field{Key: "error", Value: err.Error()})
	}
	h.writeJSON(w, code, ErrorResponse{Error: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.config.Logger.Debug("failed to encode response", ledger.Field{Key: "error", Value: err.Error()})
	}
}
