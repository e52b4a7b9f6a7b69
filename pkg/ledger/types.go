package ledger

import (
	"time"
)

// CreditType identifies the pool a credit entry belongs to
type CreditType string

const (
	// CreditTypeEarned credits come with a subscription plan
	CreditTypeEarned CreditType = "earned"
	// CreditTypePurchased credits were bought as a one-time package
	CreditTypePurchased CreditType = "purchased"
	// CreditTypeBonus credits are promotional or referral grants
	CreditTypeBonus CreditType = "bonus"
	// CreditTypeRefunded credits were returned after a refund
	CreditTypeRefunded CreditType = "refunded"
)

// Valid reports whether t is one of the entry credit types
func (t CreditType) Valid() bool {
	switch t {
	case CreditTypeEarned, CreditTypePurchased, CreditTypeBonus, CreditTypeRefunded:
		return true
	}
	return false
}

// CreditTypes lists the entry credit types in a stable order
var CreditTypes = []CreditType{CreditTypeEarned, CreditTypePurchased, CreditTypeBonus, CreditTypeRefunded}

// TransactionType identifies the kind of ledger line
type TransactionType string

const (
	TransactionEarned     TransactionType = "earned"
	TransactionPurchased  TransactionType = "purchased"
	TransactionBonus      TransactionType = "bonus"
	TransactionRefunded   TransactionType = "refunded"
	TransactionUsed       TransactionType = "used"
	TransactionExpired    TransactionType = "expired"
	TransactionAdjustment TransactionType = "adjustment"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionEarned, TransactionPurchased, TransactionBonus, TransactionRefunded,
		TransactionUsed, TransactionExpired, TransactionAdjustment:
		return true
	}
	return false
}

// CreditBalance is the per-organization aggregate of the ledger.
// Balance equals the sum of Remaining over the organization's entries plus
// the net of adjustment transactions, and is never negative.
type CreditBalance struct {
	OrganizationID string
	Balance        int64
	TotalEarned    int64
	TotalPurchased int64
	TotalBonus     int64
	TotalRefunded  int64
	TotalUsed      int64
	LastUpdated    time.Time
}

// addGrant adds amount to the balance and to the total matching typ.
// Adjustments only move the balance.
func (b *CreditBalance) addGrant(typ TransactionType, amount int64) {
	b.Balance += amount
	switch typ {
	case TransactionEarned:
		b.TotalEarned += amount
	case TransactionPurchased:
		b.TotalPurchased += amount
	case TransactionBonus:
		b.TotalBonus += amount
	case TransactionRefunded:
		b.TotalRefunded += amount
	}
}

// CreditEntry is a single grant of credits. Amount never changes after creation;
// Remaining only decreases, through consumption or expiry.
type CreditEntry struct {
	ID             string
	OrganizationID string
	Type           CreditType
	Amount         int64
	Remaining      int64
	ExpiresAt      *time.Time
	Description    string
	Metadata       Metadata
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lapsed reports whether the entry has an expiry at or before now
func (e *CreditEntry) Lapsed(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// CreditTransaction is an append-only ledger line. Positive amounts add credit.
type CreditTransaction struct {
	ID             string
	OrganizationID string
	Type           TransactionType
	Amount         int64
	Description    string
	Metadata       Metadata
	IdempotencyKey string
	CreatedAt      time.Time
}

// Metadata is the persisted form of the references attached to entries and
// transactions. It is written by the engine from a GrantSource or a consume request.
type Metadata struct {
	SubscriptionID  string `json:"subscription_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	PackageID       string `json:"package_id,omitempty"`
	PromotionID     string `json:"promotion_id,omitempty"`
	ReferralID      string `json:"referral_id,omitempty"`
	PaymentID       string `json:"payment_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	ServiceUsed     string `json:"service_used,omitempty"`
	EntryID         string `json:"entry_id,omitempty"`
}

// IsZero reports whether no reference is set
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Allocation records how much of one entry a consume request took
type Allocation struct {
	EntryID  string
	Type     CreditType
	Consumed int64
}

// GrantResult is returned by Engine.Grant
type GrantResult struct {
	Balance       int64
	EntryID       string
	TransactionID string
	// Replayed is true when the idempotency key had already been applied
	// and nothing new was written.
	Replayed bool
}

// ConsumeResult is returned by Engine.Consume
type ConsumeResult struct {
	Balance       int64
	Breakdown     []Allocation
	TransactionID string
	// Replayed is true when the idempotency key had already been applied.
	// Breakdown is empty and Balance is the current one.
	Replayed bool
}

// SweepResult is returned by Engine.ExpireSweep
type SweepResult struct {
	ExpiredEntries int
	TotalExpired   int64
	Failed         int
}

// TypeBreakdown summarizes the consumable credits of one type
type TypeBreakdown struct {
	Total        int64
	Entries      int
	ExpiringSoon int64
}

// Breakdown is the per-type view returned by Engine.GetBreakdown
type Breakdown struct {
	OrganizationID string
	ByType         map[CreditType]TypeBreakdown
	Total          int64
	ExpiringSoon   int64
	AsOf           time.Time
}

// TransactionPage is a page of transactions, newest first
type TransactionPage struct {
	Transactions []CreditTransaction
	// NextCursor is the id to pass as Before for the next page, empty on the last page
	NextCursor string
}

// AuditReport compares the aggregate balance with the entries and the transaction log
type AuditReport struct {
	OrganizationID   string
	Balance          int64
	EntriesRemaining int64
	TransactionSum   int64
	// Adjustments is the net of adjustment transactions, which move the
	// balance without creating consumable entries.
	Adjustments int64
	// Net is what the aggregate totals imply the balance should be
	Net int64
}

// Consistent reports whether all views agree
func (r *AuditReport) Consistent() bool {
	return r.Balance-r.Adjustments == r.EntriesRemaining &&
		r.Balance == r.TransactionSum &&
		r.Balance == r.Net
}
