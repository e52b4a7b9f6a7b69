package ledger

// GrantSource describes where granted credits come from. The variant decides
// the credit type and which references are persisted with the grant.
// It is implemented only by the types in this package.
type GrantSource interface {
	// TransactionType is the ledger line type written for the grant
	TransactionType() TransactionType
	metadata() Metadata
}

// SubscriptionCredit grants plan credits tied to a subscription (earned)
type SubscriptionCredit struct {
	SubscriptionID string
}

func (SubscriptionCredit) TransactionType() TransactionType { return TransactionEarned }

func (s SubscriptionCredit) metadata() Metadata {
	return Metadata{SubscriptionID: s.SubscriptionID}
}

// PurchaseCredit grants credits bought as a one-time package (purchased)
type PurchaseCredit struct {
	PaymentIntentID string
	PackageID       string
}

func (PurchaseCredit) TransactionType() TransactionType { return TransactionPurchased }

func (p PurchaseCredit) metadata() Metadata {
	return Metadata{PaymentIntentID: p.PaymentIntentID, PackageID: p.PackageID}
}

// BonusCredit grants promotional or referral credits (bonus)
type BonusCredit struct {
	PromotionID string
	ReferralID  string
}

func (BonusCredit) TransactionType() TransactionType { return TransactionBonus }

func (b BonusCredit) metadata() Metadata {
	return Metadata{PromotionID: b.PromotionID, ReferralID: b.ReferralID}
}

// RefundCredit returns credits after a refund (refunded)
type RefundCredit struct {
	PaymentID string
}

func (RefundCredit) TransactionType() TransactionType { return TransactionRefunded }

func (r RefundCredit) metadata() Metadata {
	return Metadata{PaymentID: r.PaymentID}
}

// Adjustment moves the balance without creating a consumable entry.
// Its amount may have any sign, including zero for audit-only lines.
type Adjustment struct {
	Reason string
}

func (Adjustment) TransactionType() TransactionType { return TransactionAdjustment }

func (a Adjustment) metadata() Metadata {
	return Metadata{Reason: a.Reason}
}

// creditTypeOf maps a grant transaction type to its entry pool.
// ok is false for adjustments, which have no pool.
func creditTypeOf(t TransactionType) (CreditType, bool) {
	switch t {
	case TransactionEarned:
		return CreditTypeEarned, true
	case TransactionPurchased:
		return CreditTypePurchased, true
	case TransactionBonus:
		return CreditTypeBonus, true
	case TransactionRefunded:
		return CreditTypeRefunded, true
	}
	return "", false
}
