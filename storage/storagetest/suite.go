// Package storagetest holds the behaviour every storage backend must share.
// Backend test files call Run with a constructor for a fresh, empty store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// Store is what a complete backend implements
type Store interface {
	ledger.Storage
	billing.Store
}

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) Store

// Run executes the shared suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("UpdateLedgerCommitsMutation", func(t *testing.T) { testUpdateLedgerCommits(t, newStore(t)) })
	t.Run("UpdateLedgerFnErrorWritesNothing", func(t *testing.T) { testFnError(t, newStore(t)) })
	t.Run("DuplicateIdempotencyKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("TransactionByKey", func(t *testing.T) { testTransactionByKey(t, newStore(t)) })
	t.Run("ConsumeReplayAfterDrain", func(t *testing.T) { testConsumeReplayAfterDrain(t, newStore(t)) })
	t.Run("EntryUpdates", func(t *testing.T) { testEntryUpdates(t, newStore(t)) })
	t.Run("TransactionsNewestFirst", func(t *testing.T) { testTransactionsOrder(t, newStore(t)) })
	t.Run("LapsedEntries", func(t *testing.T) { testLapsedEntries(t, newStore(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStore(t)) })
	t.Run("WebhookEvents", func(t *testing.T) { testWebhookEvents(t, newStore(t)) })
	t.Run("Customers", func(t *testing.T) { testCustomers(t, newStore(t)) })
	t.Run("ConcurrentConsume", func(t *testing.T) { testConcurrentConsume(t, newStore(t)) })
}

func id() string {
	return ulid.Make().String()
}

func grantMutation(orgID string, prev ledger.CreditBalance, entry ledger.CreditEntry, key string) *ledger.Mutation {
	bal := prev
	bal.OrganizationID = orgID
	bal.Balance += entry.Amount
	bal.TotalPurchased += entry.Amount
	bal.LastUpdated = entry.CreatedAt
	return &ledger.Mutation{
		Balance:    bal,
		NewEntries: []ledger.CreditEntry{entry},
		Transactions: []ledger.CreditTransaction{{
			ID:             id(),
			OrganizationID: orgID,
			Type:           ledger.TransactionPurchased,
			Amount:         entry.Amount,
			Description:    entry.Description,
			Metadata:       entry.Metadata,
			IdempotencyKey: key,
			CreatedAt:      entry.CreatedAt,
		}},
	}
}

func newEntry(orgID string, amount int64, expiresAt *time.Time) ledger.CreditEntry {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return ledger.CreditEntry{
		ID:             id(),
		OrganizationID: orgID,
		Type:           ledger.CreditTypePurchased,
		Amount:         amount,
		Remaining:      amount,
		ExpiresAt:      expiresAt,
		Description:    "test grant",
		Metadata:       ledger.Metadata{PaymentIntentID: "pi_test"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testUpdateLedgerCommits(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetBalance(ctx, "org_a")
	require.ErrorIs(t, err, ledger.ErrBalanceNotFound)

	entry := newEntry("org_a", 100, nil)
	err = s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		assert.False(t, snap.Exists)
		assert.Empty(t, snap.Entries)
		return grantMutation("org_a", snap.Balance, entry, ""), nil
	})
	require.NoError(t, err)

	bal, err := s.GetBalance(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)
	assert.Equal(t, int64(100), bal.TotalPurchased)

	entries, err := s.ListEntries(ctx, "org_a", true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.ID, entries[0].ID)
	assert.Equal(t, int64(100), entries[0].Remaining)
	assert.Equal(t, "pi_test", entries[0].Metadata.PaymentIntentID)
	assert.Nil(t, entries[0].ExpiresAt)

	txs, err := s.ListTransactions(ctx, "org_a", "", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(100), txs[0].Amount)
	assert.Equal(t, ledger.TransactionPurchased, txs[0].Type)

	// Second snapshot sees the first write
	err = s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		assert.True(t, snap.Exists)
		assert.Equal(t, int64(100), snap.Balance.Balance)
		require.Len(t, snap.Entries, 1)
		return nil, nil
	})
	require.NoError(t, err)

	// Other organizations are untouched
	_, err = s.GetBalance(ctx, "org_b")
	require.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func testFnError(t *testing.T, s Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetBalance(ctx, "org_a")
	require.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}

func testDuplicateKey(t *testing.T, s Store) {
	ctx := context.Background()

	first := newEntry("org_a", 50, nil)
	require.NoError(t, s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		return grantMutation("org_a", snap.Balance, first, "checkout:cs_1:purchase"), nil
	}))

	second := newEntry("org_a", 50, nil)
	err := s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		return grantMutation("org_a", snap.Balance, second, "checkout:cs_1:purchase"), nil
	})
	require.ErrorIs(t, err, ledger.ErrDuplicateGrant)

	bal, err := s.GetBalance(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal.Balance)

	entries, err := s.ListEntries(ctx, "org_a", false)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	txs, err := s.ListTransactions(ctx, "org_a", "", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// The same key in another organization is independent
	require.NoError(t, s.UpdateLedger(ctx, "org_b", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		return grantMutation("org_b", snap.Balance, newEntry("org_b", 5, nil), "checkout:cs_1:purchase"), nil
	}))
}

func testTransactionByKey(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetTransactionByKey(ctx, "org_a", "checkout:cs_1:purchase")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	entry := newEntry("org_a", 50, nil)
	m := grantMutation("org_a", ledger.CreditBalance{}, entry, "checkout:cs_1:purchase")
	require.NoError(t, s.UpdateLedger(ctx, "org_a", func(*ledger.Snapshot) (*ledger.Mutation, error) {
		return m, nil
	}))

	tx, err := s.GetTransactionByKey(ctx, "org_a", "checkout:cs_1:purchase")
	require.NoError(t, err)
	assert.Equal(t, m.Transactions[0].ID, tx.ID)
	assert.Equal(t, "org_a", tx.OrganizationID)
	assert.Equal(t, int64(50), tx.Amount)
	assert.Equal(t, "checkout:cs_1:purchase", tx.IdempotencyKey)

	_, err = s.GetTransactionByKey(ctx, "org_b", "checkout:cs_1:purchase")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func testConsumeReplayAfterDrain(t *testing.T, s Store) {
	ctx := context.Background()
	engine, err := ledger.NewEngine(s, ledger.Config{})
	require.NoError(t, err)

	_, err = engine.Grant(ctx, ledger.GrantRequest{
		OrganizationID: "org_a",
		Amount:         10,
		Description:    "seed",
		Source:         ledger.PurchaseCredit{PaymentIntentID: "pi_seed"},
	})
	require.NoError(t, err)

	req := ledger.ConsumeRequest{OrganizationID: "org_a", Amount: 8, IdempotencyKey: "req-1"}
	first, err := engine.Consume(ctx, req)
	require.NoError(t, err)

	second, err := engine.Consume(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(2), second.Balance)
}

func testEntryUpdates(t *testing.T, s Store) {
	ctx := context.Background()

	entry := newEntry("org_a", 30, nil)
	require.NoError(t, s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		return grantMutation("org_a", snap.Balance, entry, ""), nil
	}))

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		bal := snap.Balance
		bal.Balance -= 30
		bal.TotalUsed += 30
		return &ledger.Mutation{
			Balance:      bal,
			EntryUpdates: []ledger.EntryUpdate{{ID: entry.ID, Remaining: 0, UpdatedAt: now}},
			Transactions: []ledger.CreditTransaction{{
				ID: id(), OrganizationID: "org_a", Type: ledger.TransactionUsed, Amount: -30, CreatedAt: now,
			}},
		}, nil
	}))

	active, err := s.ListEntries(ctx, "org_a", true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListEntries(ctx, "org_a", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(0), all[0].Remaining)
	assert.Equal(t, int64(30), all[0].Amount)

	// Fully consumed entries drop out of snapshots
	require.NoError(t, s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		assert.Empty(t, snap.Entries)
		assert.Equal(t, int64(0), snap.Balance.Balance)
		return nil, nil
	}))
}

func testTransactionsOrder(t *testing.T, s Store) {
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		entry := newEntry("org_a", int64(i+1), nil)
		var txID string
		require.NoError(t, s.UpdateLedger(ctx, "org_a", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
			m := grantMutation("org_a", snap.Balance, entry, "")
			txID = m.Transactions[0].ID
			return m, nil
		}))
		ids = append(ids, txID)
	}

	page, err := s.ListTransactions(ctx, "org_a", "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)
	assert.Equal(t, ids[2], page[2].ID)

	rest, err := s.ListTransactions(ctx, "org_a", page[2].ID, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[1], rest[0].ID)
	assert.Equal(t, ids[0], rest[1].ID)
}

func testLapsedEntries(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	past := now.Add(-time.Hour)
	earlier := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)

	lapsed := newEntry("org_a", 7, &past)
	lapsedEarlier := newEntry("org_b", 3, &earlier)
	live := newEntry("org_a", 9, &future)
	forever := newEntry("org_a", 11, nil)

	for _, e := range []ledger.CreditEntry{lapsed, lapsedEarlier, live, forever} {
		require.NoError(t, s.UpdateLedger(ctx, e.OrganizationID, func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
			return grantMutation(e.OrganizationID, snap.Balance, e, ""), nil
		}))
	}

	refs, err := s.ListLapsedEntries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, lapsedEarlier.ID, refs[0].EntryID)
	assert.Equal(t, "org_b", refs[0].OrganizationID)
	assert.Equal(t, lapsed.ID, refs[1].EntryID)

	limited, err := s.ListLapsedEntries(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// Zeroed entries are no longer listed
	require.NoError(t, s.UpdateLedger(ctx, "org_b", func(snap *ledger.Snapshot) (*ledger.Mutation, error) {
		bal := snap.Balance
		bal.Balance -= 3
		return &ledger.Mutation{
			Balance:      bal,
			EntryUpdates: []ledger.EntryUpdate{{ID: lapsedEarlier.ID, Remaining: 0, UpdatedAt: now}},
			Transactions: []ledger.CreditTransaction{{
				ID: id(), OrganizationID: "org_b", Type: ledger.TransactionExpired, Amount: -3, CreatedAt: now,
			}},
		}, nil
	}))
	refs, err = s.ListLapsedEntries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, lapsed.ID, refs[0].EntryID)
}

func testSubscriptions(t *testing.T, s Store) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	_, err := s.GetSubscription(ctx, "sub_1")
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	assert.True(t, ledger.IsNotFound(err))

	sub := &billing.Subscription{
		ExternalSubscriptionID: "sub_1",
		OrganizationID:         "org_a",
		ExternalCustomerID:     "cus_1",
		ExternalPriceID:        "price_pro_monthly",
		PlanID:                 "pro",
		Status:                 billing.StatusIncomplete,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       start.AddDate(0, 1, 0),
	}
	stored, created, err := s.UpsertSubscription(ctx, sub)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, stored.InitialCreditsGranted)

	marked, err := s.MarkInitialCreditsGranted(ctx, "sub_1")
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = s.MarkInitialCreditsGranted(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, marked)

	// An upsert carrying a false marker must not clear it
	sub.Status = billing.StatusActive
	sub.InitialCreditsGranted = false
	stored, created, err = s.UpsertSubscription(ctx, sub)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, stored.InitialCreditsGranted)
	assert.Equal(t, billing.StatusActive, stored.Status)

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "org_a", got.OrganizationID)
	assert.Equal(t, "pro", got.PlanID)
	assert.True(t, got.CurrentPeriodStart.Equal(start))
	assert.True(t, got.InitialCreditsGranted)

	// A newer canceled subscription does not shadow the live one
	_, _, err = s.UpsertSubscription(ctx, &billing.Subscription{
		ExternalSubscriptionID: "sub_0",
		OrganizationID:         "org_a",
		ExternalCustomerID:     "cus_1",
		ExternalPriceID:        "price_starter_monthly",
		PlanID:                 "starter",
		Status:                 billing.StatusCanceled,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       start.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	current, err := s.GetOrganizationSubscription(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", current.ExternalSubscriptionID)

	_, err = s.GetOrganizationSubscription(ctx, "org_none")
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	_, err = s.MarkInitialCreditsGranted(ctx, "sub_missing")
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func testWebhookEvents(t *testing.T, s Store) {
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)

	stored, err := s.ClaimEvent(ctx, &billing.WebhookEvent{
		ExternalEventID: "evt_1",
		EventType:       "customer.subscription.created",
		RawPayload:      payload,
	})
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.Equal(t, payload, stored.RawPayload)

	// A second claim returns the stored row, not a new one
	again, err := s.ClaimEvent(ctx, &billing.WebhookEvent{
		ExternalEventID: "evt_1",
		EventType:       "customer.subscription.created",
		RawPayload:      []byte(`{"id":"evt_1","replayed":true}`),
	})
	require.NoError(t, err)
	assert.False(t, again.Processed)
	assert.Equal(t, payload, again.RawPayload)

	processedAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.MarkEventProcessed(ctx, "evt_1", processedAt))
	require.ErrorIs(t, s.MarkEventProcessed(ctx, "evt_1", processedAt), ledger.ErrDuplicateEvent)

	after, err := s.ClaimEvent(ctx, &billing.WebhookEvent{ExternalEventID: "evt_1", EventType: "x"})
	require.NoError(t, err)
	assert.True(t, after.Processed)
	require.NotNil(t, after.ProcessedAt)
	assert.True(t, after.ProcessedAt.Equal(processedAt))

	require.ErrorIs(t, s.MarkEventProcessed(ctx, "evt_missing", processedAt), billing.ErrEventNotFound)
}

func testCustomers(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetCustomerID(ctx, "org_a")
	require.ErrorIs(t, err, billing.ErrCustomerNotFound)

	require.NoError(t, s.SaveCustomerID(ctx, "org_a", "cus_123"))
	got, err := s.GetCustomerID(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, "cus_123", got)
}

func testConcurrentConsume(t *testing.T, s Store) {
	ctx := context.Background()
	engine, err := ledger.NewEngine(s, ledger.Config{MaxRetries: 100, RetryBackoff: time.Millisecond})
	require.NoError(t, err)

	_, err = engine.Grant(ctx, ledger.GrantRequest{
		OrganizationID: "org_a",
		Amount:         20,
		Description:    "seed",
		Source:         ledger.PurchaseCredit{PaymentIntentID: "pi_seed"},
	})
	require.NoError(t, err)

	const workers = 30
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Consume(ctx, ledger.ConsumeRequest{OrganizationID: "org_a", Amount: 1, ServiceUsed: "test"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, succeeded)
	assert.Equal(t, workers-20, insufficient)

	report, err := engine.Audit(ctx, "org_a")
	require.NoError(t, err)
	assert.True(t, report.Consistent(), "audit: %+v", report)
	assert.Equal(t, int64(0), report.Balance)
}
