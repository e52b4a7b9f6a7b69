// Package memory provides an in-memory implementation of ledger.Storage and billing.Store.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// Storage implements ledger.Storage and billing.Store using in-memory maps.
// A single lock serializes all writes, which covers the per-organization
// serialization the engine relies on.
type Storage struct {
	mu sync.RWMutex

	balances     map[string]*ledger.CreditBalance
	entries      map[string][]*ledger.CreditEntry
	transactions map[string][]ledger.CreditTransaction
	idempotency  map[string]string

	subscriptions map[string]*billing.Subscription
	events        map[string]*billing.WebhookEvent
	customers     map[string]string
}

// New creates a new in-memory storage adapter
func New() *Storage {
	s := &Storage{}
	s.reset()
	return s
}

func (s *Storage) reset() {
	s.balances = make(map[string]*ledger.CreditBalance)
	s.entries = make(map[string][]*ledger.CreditEntry)
	s.transactions = make(map[string][]ledger.CreditTransaction)
	s.idempotency = make(map[string]string)
	s.subscriptions = make(map[string]*billing.Subscription)
	s.events = make(map[string]*billing.WebhookEvent)
	s.customers = make(map[string]string)
}

// UpdateLedger implements ledger.Storage
func (s *Storage) UpdateLedger(ctx context.Context, orgID string, fn ledger.MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &ledger.Snapshot{}
	if bal, ok := s.balances[orgID]; ok {
		snap.Balance = *bal
		snap.Exists = true
	}
	for _, e := range s.entries[orgID] {
		if e.Remaining > 0 {
			snap.Entries = append(snap.Entries, copyEntry(e))
		}
	}

	m, err := fn(snap)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}

	// Validate everything before the first write so a rejected mutation leaves no trace
	for _, tx := range m.Transactions {
		if tx.IdempotencyKey == "" {
			continue
		}
		if _, ok := s.idempotency[idempotencyKey(orgID, tx.IdempotencyKey)]; ok {
			return ledger.ErrDuplicateGrant
		}
	}
	byID := make(map[string]*ledger.CreditEntry, len(s.entries[orgID]))
	for _, e := range s.entries[orgID] {
		byID[e.ID] = e
	}
	for _, u := range m.EntryUpdates {
		e, ok := byID[u.ID]
		if !ok {
			return fmt.Errorf("entry %s: %w", u.ID, ledger.ErrNotFound)
		}
		if u.Remaining < 0 || u.Remaining > e.Amount {
			return fmt.Errorf("entry %s: remaining %d out of range", u.ID, u.Remaining)
		}
	}
	if m.Balance.Balance < 0 {
		return fmt.Errorf("balance of %s would become negative", orgID)
	}

	bal := m.Balance
	bal.OrganizationID = orgID
	s.balances[orgID] = &bal
	for _, e := range m.NewEntries {
		entry := copyEntry(&e)
		s.entries[orgID] = append(s.entries[orgID], &entry)
	}
	for _, u := range m.EntryUpdates {
		byID[u.ID].Remaining = u.Remaining
		byID[u.ID].UpdatedAt = u.UpdatedAt
	}
	for _, tx := range m.Transactions {
		s.transactions[orgID] = append(s.transactions[orgID], tx)
		if tx.IdempotencyKey != "" {
			s.idempotency[idempotencyKey(orgID, tx.IdempotencyKey)] = tx.ID
		}
	}
	return nil
}

// GetBalance implements ledger.Storage
func (s *Storage) GetBalance(_ context.Context, orgID string) (*ledger.CreditBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bal, ok := s.balances[orgID]
	if !ok {
		return nil, ledger.ErrBalanceNotFound
	}
	out := *bal
	return &out, nil
}

// ListEntries implements ledger.Storage
func (s *Storage) ListEntries(_ context.Context, orgID string, activeOnly bool) ([]ledger.CreditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.CreditEntry, 0, len(s.entries[orgID]))
	for _, e := range s.entries[orgID] {
		if activeOnly && e.Remaining <= 0 {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTransactions implements ledger.Storage
func (s *Storage) ListTransactions(
	_ context.Context, orgID, before string, limit int,
) ([]ledger.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]ledger.CreditTransaction, 0, len(s.transactions[orgID]))
	for _, tx := range s.transactions[orgID] {
		if before != "" && tx.ID >= before {
			continue
		}
		all = append(all, tx)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetTransactionByKey implements ledger.Storage
func (s *Storage) GetTransactionByKey(_ context.Context, orgID, key string) (*ledger.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idempotency[idempotencyKey(orgID, key)]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	for _, tx := range s.transactions[orgID] {
		if tx.ID == id {
			out := tx
			return &out, nil
		}
	}
	return nil, ledger.ErrNotFound
}

// ListLapsedEntries implements ledger.Storage
func (s *Storage) ListLapsedEntries(_ context.Context, now time.Time, limit int) ([]ledger.EntryRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []ledger.EntryRef
	for orgID, entries := range s.entries {
		for _, e := range entries {
			if e.Remaining > 0 && e.Lapsed(now) {
				refs = append(refs, ledger.EntryRef{OrganizationID: orgID, EntryID: e.ID, ExpiresAt: *e.ExpiresAt})
			}
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].ExpiresAt.Equal(refs[j].ExpiresAt) {
			return refs[i].ExpiresAt.Before(refs[j].ExpiresAt)
		}
		return refs[i].EntryID < refs[j].EntryID
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// GetSubscription implements billing.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, externalSubscriptionID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[externalSubscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return copySubscription(sub), nil
}

// GetOrganizationSubscription implements billing.SubscriptionStore
func (s *Storage) GetOrganizationSubscription(_ context.Context, orgID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *billing.Subscription
	for _, sub := range s.subscriptions {
		if sub.OrganizationID != orgID {
			continue
		}
		if best == nil || billing.MoreCurrent(sub, best) {
			best = sub
		}
	}
	if best == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return copySubscription(best), nil
}

// UpsertSubscription implements billing.SubscriptionStore
func (s *Storage) UpsertSubscription(
	_ context.Context, sub *billing.Subscription,
) (*billing.Subscription, bool, error) {
	if sub == nil || sub.ExternalSubscriptionID == "" {
		return nil, false, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copySubscription(sub)
	now := time.Now().UTC()
	stored.UpdatedAt = now

	existing, ok := s.subscriptions[sub.ExternalSubscriptionID]
	if ok {
		stored.InitialCreditsGranted = existing.InitialCreditsGranted
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.InitialCreditsGranted = false
		stored.CreatedAt = now
	}
	s.subscriptions[sub.ExternalSubscriptionID] = stored
	return copySubscription(stored), !ok, nil
}

// MarkInitialCreditsGranted implements billing.SubscriptionStore
func (s *Storage) MarkInitialCreditsGranted(_ context.Context, externalSubscriptionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[externalSubscriptionID]
	if !ok {
		return false, billing.ErrSubscriptionNotFound
	}
	if sub.InitialCreditsGranted {
		return false, nil
	}
	sub.InitialCreditsGranted = true
	return true, nil
}

// ClaimEvent implements billing.EventStore
func (s *Storage) ClaimEvent(_ context.Context, event *billing.WebhookEvent) (*billing.WebhookEvent, error) {
	if event == nil || event.ExternalEventID == "" {
		return nil, fmt.Errorf("invalid webhook event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[event.ExternalEventID]; ok {
		return copyEvent(existing), nil
	}
	stored := copyEvent(event)
	stored.Processed = false
	stored.ProcessedAt = nil
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.events[event.ExternalEventID] = stored
	return copyEvent(stored), nil
}

// MarkEventProcessed implements billing.EventStore
func (s *Storage) MarkEventProcessed(_ context.Context, externalEventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, ok := s.events[externalEventID]
	if !ok {
		return billing.ErrEventNotFound
	}
	if event.Processed {
		return ledger.ErrDuplicateEvent
	}
	event.Processed = true
	processedAt := at
	event.ProcessedAt = &processedAt
	return nil
}

// GetEvent returns a stored webhook event. Used by tests and tooling.
func (s *Storage) GetEvent(_ context.Context, externalEventID string) (*billing.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[externalEventID]
	if !ok {
		return nil, billing.ErrEventNotFound
	}
	return copyEvent(event), nil
}

// GetCustomerID implements billing.CustomerStore
func (s *Storage) GetCustomerID(_ context.Context, orgID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.customers[orgID]
	if !ok {
		return "", billing.ErrCustomerNotFound
	}
	return id, nil
}

// SaveCustomerID implements billing.CustomerStore
func (s *Storage) SaveCustomerID(_ context.Context, orgID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[orgID] = customerID
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func idempotencyKey(orgID, key string) string {
	return orgID + "\x00" + key
}

func copyEntry(e *ledger.CreditEntry) ledger.CreditEntry {
	out := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

func copySubscription(sub *billing.Subscription) *billing.Subscription {
	out := *sub
	if sub.TrialEnd != nil {
		t := *sub.TrialEnd
		out.TrialEnd = &t
	}
	return &out
}

func copyEvent(event *billing.WebhookEvent) *billing.WebhookEvent {
	out := *event
	if event.ProcessedAt != nil {
		t := *event.ProcessedAt
		out.ProcessedAt = &t
	}
	if event.RawPayload != nil {
		out.RawPayload = append([]byte(nil), event.RawPayload...)
	}
	return &out
}
