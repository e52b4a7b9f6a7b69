package api

import (
	"time"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// BalanceResponse is an organization's aggregate balance
type BalanceResponse struct {
	OrganizationID string    `json:"organizationId"`
	Balance        int64     `json:"balance"`
	TotalEarned    int64     `json:"totalEarned"`
	TotalPurchased int64     `json:"totalPurchased"`
	TotalBonus     int64     `json:"totalBonus"`
	TotalRefunded  int64     `json:"totalRefunded"`
	TotalUsed      int64     `json:"totalUsed"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// TransactionResponse is one ledger line
type TransactionResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Amount      int64           `json:"amount"`
	Description string          `json:"description"`
	Metadata    ledger.Metadata `json:"metadata"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TransactionsResponse is a page of history, newest first
type TransactionsResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	NextCursor   string                `json:"nextCursor,omitempty"`
}

// TypeBreakdownResponse summarizes one credit type
type TypeBreakdownResponse struct {
	Total        int64 `json:"total"`
	Entries      int   `json:"entries"`
	ExpiringSoon int64 `json:"expiringSoon"`
}

// BreakdownResponse is the per-type view of consumable credits
type BreakdownResponse struct {
	OrganizationID string                           `json:"organizationId"`
	ByType         map[string]TypeBreakdownResponse `json:"byType"`
	Total          int64                            `json:"total"`
	ExpiringSoon   int64                            `json:"expiringSoon"`
	AsOf           time.Time                        `json:"asOf"`
}

// SubscriptionResponse is an organization's current subscription
type SubscriptionResponse struct {
	ID                 string     `json:"id"`
	PlanID             string     `json:"planId"`
	Status             string     `json:"status"`
	CurrentPeriodStart time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time  `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool       `json:"cancelAtPeriodEnd"`
	TrialEnd           *time.Time `json:"trialEnd,omitempty"`
}

// ConsumeBody is the body of POST /orgs/{orgID}/consume
type ConsumeBody struct {
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	ServiceUsed    string `json:"serviceUsed"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// AllocationResponse is the part of a consumption taken from one entry
type AllocationResponse struct {
	EntryID  string `json:"entryId"`
	Type     string `json:"type"`
	Consumed int64  `json:"consumed"`
}

// ConsumeResponse reports the balance after a consumption
type ConsumeResponse struct {
	Balance       int64                `json:"balance"`
	TransactionID string               `json:"transactionId"`
	Breakdown     []AllocationResponse `json:"breakdown"`
	Replayed      bool                 `json:"replayed"`
}

// BonusBody is the body of POST /orgs/{orgID}/bonus
type BonusBody struct {
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	ExpiresInDays int    `json:"expiresInDays,omitempty"`
	PromotionID   string `json:"promotionId,omitempty"`
	ReferralID    string `json:"referralId,omitempty"`
}

// GrantResponse reports a grant
type GrantResponse struct {
	Balance       int64  `json:"balance"`
	EntryID       string `json:"entryId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Replayed      bool   `json:"replayed"`
}

// SubscriptionCheckoutBody is the body of POST /orgs/{orgID}/checkout/subscription
type SubscriptionCheckoutBody struct {
	PlanID     string `json:"planId"`
	Interval   string `json:"interval,omitempty"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// CreditCheckoutBody is the body of POST /orgs/{orgID}/checkout/credits
type CreditCheckoutBody struct {
	PackageID  string `json:"packageId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// PortalBody is the body of POST /orgs/{orgID}/portal
type PortalBody struct {
	ReturnURL string `json:"returnUrl"`
}

// CancelBody is the body of POST /orgs/{orgID}/subscription/cancel
type CancelBody struct {
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

// URLResponse carries a hosted provider page
type URLResponse struct {
	URL string `json:"url"`
}

// AuditResponse compares the aggregate balance with its sources
type AuditResponse struct {
	OrganizationID   string `json:"organizationId"`
	Balance          int64  `json:"balance"`
	EntriesRemaining int64  `json:"entriesRemaining"`
	TransactionSum   int64  `json:"transactionSum"`
	Adjustments      int64  `json:"adjustments"`
	Net              int64  `json:"net"`
	Consistent       bool   `json:"consistent"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func toBalanceResponse(b *ledger.CreditBalance) BalanceResponse {
	return BalanceResponse{
		OrganizationID: b.OrganizationID,
		Balance:        b.Balance,
		TotalEarned:    b.TotalEarned,
		TotalPurchased: b.TotalPurchased,
		TotalBonus:     b.TotalBonus,
		TotalRefunded:  b.TotalRefunded,
		TotalUsed:      b.TotalUsed,
		LastUpdated:    b.LastUpdated,
	}
}

func toTransactionsResponse(page *ledger.TransactionPage) TransactionsResponse {
	out := TransactionsResponse{
		Transactions: make([]TransactionResponse, 0, len(page.Transactions)),
		NextCursor:   page.NextCursor,
	}
	for _, t := range page.Transactions {
		out.Transactions = append(out.Transactions, TransactionResponse{
			ID:          t.ID,
			Type:        string(t.Type),
			Amount:      t.Amount,
			Description: t.Description,
			Metadata:    t.Metadata,
			CreatedAt:   t.CreatedAt,
		})
	}
	return out
}

func toBreakdownResponse(b *ledger.Breakdown) BreakdownResponse {
	out := BreakdownResponse{
		OrganizationID: b.OrganizationID,
		ByType:         make(map[string]TypeBreakdownResponse, len(b.ByType)),
		Total:          b.Total,
		ExpiringSoon:   b.ExpiringSoon,
		AsOf:           b.AsOf,
	}
	for typ, tb := range b.ByType {
		out.ByType[string(typ)] = TypeBreakdownResponse(tb)
	}
	return out
}

func toSubscriptionResponse(s *billing.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                 s.ExternalSubscriptionID,
		PlanID:             s.PlanID,
		Status:             string(s.Status),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		TrialEnd:           s.TrialEnd,
	}
}

func toConsumeResponse(res *ledger.ConsumeResult) ConsumeResponse {
	out := ConsumeResponse{
		Balance:       res.Balance,
		TransactionID: res.TransactionID,
		Breakdown:     make([]AllocationResponse, 0, len(res.Breakdown)),
		Replayed:      res.Replayed,
	}
	for _, a := range res.Breakdown {
		out.Breakdown = append(out.Breakdown, AllocationResponse{
			EntryID:  a.EntryID,
			Type:     string(a.Type),
			Consumed: a.Consumed,
		})
	}
	return out
}
