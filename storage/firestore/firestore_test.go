//go:build integration

package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditledger/pkg/billing"
	"github.com/mihaimyh/creditledger/pkg/ledger"
	"github.com/mihaimyh/creditledger/storage/storagetest"
)

const testProjectID = "test-project"

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns collection names unique to one test run
func testConfig() Config {
	suffix := fmt.Sprintf("_%d", time.Now().UnixNano())
	c := DefaultConfig()
	c.BalancesCollection += suffix
	c.EntriesCollection += suffix
	c.TransactionsCollection += suffix
	c.IdempotencyCollection += suffix
	c.SubscriptionsCollection += suffix
	c.EventsCollection += suffix
	c.CustomersCollection += suffix
	c.ClockCollection += suffix
	return c
}

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := New(setupFirestoreClient(t), testConfig())
	require.NoError(t, err)
	return storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	storage, err := New(&firestore.Client{}, Config{EntriesCollection: "custom_entries"})
	require.NoError(t, err)
	assert.Equal(t, "custom_entries", storage.config.EntriesCollection)
	assert.Equal(t, "credit_balances", storage.config.BalancesCollection)
	assert.Equal(t, "billing_webhook_events", storage.config.EventsCollection)
}

func TestStorage_Suite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Store {
		return setupTestStorage(t)
	})
}

func TestStorage_Now(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	first, err := storage.Now(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), first, 10*time.Second)
	assert.Equal(t, time.UTC, first.Location())

	time.Sleep(10 * time.Millisecond)
	second, err := storage.Now(ctx)
	require.NoError(t, err)
	assert.False(t, second.Before(first))
}

func TestStorage_IdempotencyKeyCharacters(t *testing.T) {
	storage := setupTestStorage(t)
	engine, err := ledger.NewEngine(storage, ledger.Config{TimeSource: storage})
	require.NoError(t, err)
	ctx := context.Background()

	// Keys are not valid document ids on their own
	req := ledger.GrantRequest{
		OrganizationID: "org1",
		Amount:         10,
		Description:    "referral",
		Source:         ledger.BonusCredit{ReferralID: "ref/1"},
		IdempotencyKey: "referral/ref/1",
	}
	res, err := engine.Grant(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	res, err = engine.Grant(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, int64(10), res.Balance)
}

func TestStorage_MarkEventProcessedTwice(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.ClaimEvent(ctx, &billing.WebhookEvent{ExternalEventID: "evt_1", EventType: "test"})
	require.NoError(t, err)
	require.NoError(t, storage.MarkEventProcessed(ctx, "evt_1", time.Now()))
	assert.ErrorIs(t, storage.MarkEventProcessed(ctx, "evt_1", time.Now()), ledger.ErrDuplicateEvent)
	assert.ErrorIs(t, storage.MarkEventProcessed(ctx, "evt_missing", time.Now()), billing.ErrEventNotFound)
}
