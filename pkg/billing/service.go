package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// ServiceConfig holds configuration for Service
type ServiceConfig struct {
	// Engine is the credit accounting engine (required)
	Engine *ledger.Engine

	// Store persists subscriptions and customers (required)
	Store Store

	// Authorizer resolves memberships (required)
	Authorizer Authorizer

	// Catalog resolves plans and packages (default: DefaultCatalog())
	Catalog Catalog

	// Provider performs checkout and subscription calls (optional).
	// Without it those operations return ErrProviderNotConfigured.
	Provider Provider

	// Logger is used for structured logging (default: ledger.NoopLogger)
	Logger ledger.Logger
}

// Service is the user-facing entry point to the ledger and billing flows.
// Every method takes the calling user and checks it against the Gate first.
type Service struct {
	engine   *ledger.Engine
	store    Store
	gate     *Gate
	catalog  Catalog
	provider Provider
	logger   ledger.Logger
}

// NewService creates a new billing service
func NewService(config ServiceConfig) (*Service, error) {
	if config.Engine == nil || config.Store == nil || config.Authorizer == nil {
		return nil, fmt.Errorf("engine, store and authorizer are required")
	}
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.Logger == nil {
		config.Logger = &ledger.NoopLogger{}
	}
	return &Service{
		engine:   config.Engine,
		store:    config.Store,
		gate:     NewGate(config.Authorizer),
		catalog:  config.Catalog,
		provider: config.Provider,
		logger:   config.Logger,
	}, nil
}

// Gate returns the service's authorization gate
func (s *Service) Gate() *Gate {
	return s.gate
}

// Catalog returns the service's catalog
func (s *Service) Catalog() Catalog {
	return s.catalog
}

// GetBalance returns the organization's balance (any member)
func (s *Service) GetBalance(ctx context.Context, userID, orgID string) (*ledger.CreditBalance, error) {
	if err := s.gate.RequireMember(ctx, orgID, userID); err != nil {
		return nil, err
	}
	return s.engine.GetBalance(ctx, orgID)
}

// ListTransactions returns transaction history, newest first (any member)
func (s *Service) ListTransactions(
	ctx context.Context, userID, orgID string, q ledger.TransactionQuery,
) (*ledger.TransactionPage, error) {
	if err := s.gate.RequireMember(ctx, orgID, userID); err != nil {
		return nil, err
	}
	return s.engine.ListTransactions(ctx, orgID, q)
}

// GetBreakdown returns remaining credits by type (any member)
func (s *Service) GetBreakdown(ctx context.Context, userID, orgID string) (*ledger.Breakdown, error) {
	if err := s.gate.RequireMember(ctx, orgID, userID); err != nil {
		return nil, err
	}
	return s.engine.GetBreakdown(ctx, orgID)
}

// GetSubscription returns the organization's current subscription (any member)
func (s *Service) GetSubscription(ctx context.Context, userID, orgID string) (*Subscription, error) {
	if err := s.gate.RequireMember(ctx, orgID, userID); err != nil {
		return nil, err
	}
	return s.store.GetOrganizationSubscription(ctx, orgID)
}

// Audit recomputes the organization's balance from its entries and
// transaction log (owner or admin)
func (s *Service) Audit(ctx context.Context, userID, orgID string) (*ledger.AuditReport, error) {
	if err := s.gate.RequireManager(ctx, orgID, userID); err != nil {
		return nil, err
	}
	return s.engine.Audit(ctx, orgID)
}

// Consume takes credits from the organization (any member)
func (s *Service) Consume(ctx context.Context, userID string, req ledger.ConsumeRequest) (*ledger.ConsumeResult, error) {
	if err := s.gate.RequireMember(ctx, req.OrganizationID, userID); err != nil {
		return nil, err
	}
	return s.engine.Consume(ctx, req)
}

// BonusRequest describes a bonus grant
type BonusRequest struct {
	OrganizationID string
	Amount         int64
	Description    string
	// ExpiresIn defaults to the engine's bonus expiry when zero
	ExpiresIn   time.Duration
	PromotionID string
	ReferralID  string
}

// GrantBonus grants expiring bonus credits (owner or admin)
func (s *Service) GrantBonus(ctx context.Context, userID string, req BonusRequest) (*ledger.GrantResult, error) {
	if err := s.gate.RequireManager(ctx, req.OrganizationID, userID); err != nil {
		return nil, err
	}
	return s.engine.GrantBonus(ctx, req.OrganizationID, req.Amount, req.Description, req.ExpiresIn,
		ledger.BonusCredit{PromotionID: req.PromotionID, ReferralID: req.ReferralID})
}

// CreateSubscriptionCheckout returns a checkout URL for a plan (owner or admin)
func (s *Service) CreateSubscriptionCheckout(ctx context.Context, userID string, req CheckoutRequest) (string, error) {
	if err := s.gate.RequireManager(ctx, req.OrganizationID, userID); err != nil {
		return "", err
	}
	if s.provider == nil {
		return "", ErrProviderNotConfigured
	}
	if req.Interval == "" {
		req.Interval = IntervalMonthly
	}
	return s.provider.CreateSubscriptionCheckout(ctx, req)
}

// CreateCreditCheckout returns a checkout URL for a credit package (any member)
func (s *Service) CreateCreditCheckout(ctx context.Context, userID string, req CheckoutRequest) (string, error) {
	if err := s.gate.RequireMember(ctx, req.OrganizationID, userID); err != nil {
		return "", err
	}
	if s.provider == nil {
		return "", ErrProviderNotConfigured
	}
	return s.provider.CreateCreditCheckout(ctx, req)
}

// CreatePortalSession returns a provider portal URL (owner or admin)
func (s *Service) CreatePortalSession(ctx context.Context, userID, orgID, returnURL string) (string, error) {
	if err := s.gate.RequireManager(ctx, orgID, userID); err != nil {
		return "", err
	}
	if s.provider == nil {
		return "", ErrProviderNotConfigured
	}
	return s.provider.CreatePortalSession(ctx, orgID, returnURL)
}

// CancelSubscription cancels the organization's subscription, immediately or
// at the end of the current period (owner or admin). The local record follows
// through the provider's webhook. A subscription that is no longer live fails
// with ErrNotCancelable.
func (s *Service) CancelSubscription(ctx context.Context, userID, orgID string, atPeriodEnd bool) (*Subscription, error) {
	if err := s.gate.RequireManager(ctx, orgID, userID); err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	sub, err := s.store.GetOrganizationSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Live() {
		return nil, ErrNotCancelable
	}

	if err := s.provider.CancelSubscription(ctx, sub, atPeriodEnd); err != nil {
		return nil, err
	}

	description := "Subscription canceled"
	if atPeriodEnd {
		description = "Subscription cancellation scheduled for period end"
	}
	s.recordSubscriptionEvent(ctx, sub, "subscription_canceled", description)
	return sub, nil
}

// ReactivateSubscription withdraws a pending cancellation (owner or admin).
// It fails with ErrNotReactivatable if the subscription is already canceled
// or was not set to cancel at period end.
func (s *Service) ReactivateSubscription(ctx context.Context, userID, orgID string) (*Subscription, error) {
	if err := s.gate.RequireManager(ctx, orgID, userID); err != nil {
		return nil, err
	}
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}

	sub, err := s.store.GetOrganizationSubscription(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled || !sub.CancelAtPeriodEnd {
		return nil, ErrNotReactivatable
	}

	if err := s.provider.ReactivateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	s.recordSubscriptionEvent(ctx, sub, "subscription_reactivated", "Subscription reactivated")
	return sub, nil
}

// recordSubscriptionEvent writes a zero-amount adjustment as an audit line.
// The provider call already succeeded, so a failure here is only logged.
func (s *Service) recordSubscriptionEvent(ctx context.Context, sub *Subscription, reason, description string) {
	_, err := s.engine.Grant(ctx, ledger.GrantRequest{
		OrganizationID: sub.OrganizationID,
		Amount:         0,
		Description:    fmt.Sprintf("%s (%s)", description, sub.ExternalSubscriptionID),
		Source:         ledger.Adjustment{Reason: reason},
	})
	if err != nil {
		s.logger.Error("failed to record subscription event",
			ledger.Field{Key: "organization_id", Value: sub.OrganizationID},
			ledger.Field{Key: "subscription_id", Value: sub.ExternalSubscriptionID},
			ledger.Field{Key: "reason", Value: reason},
			ledger.Field{Key: "error", Value: err.Error()},
		)
	}
}
