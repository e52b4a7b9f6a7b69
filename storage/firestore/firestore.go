// Package firestore provides a Firestore implementation of ledger.Storage and billing.Store.
//
// Ledger writes run in Firestore transactions, which hold document locks on
// everything they read; a transaction that loses a race is aborted and
// surfaces as ledger.ErrConflict so the engine can retry it.
//
// Transaction history and the expiry sweep query composite indexes on
// (organizationId ASC, id DESC) over the transactions collection and on
// (active ASC, expiresAt ASC, id ASC) over the entries collection.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// Storage implements ledger.Storage and billing.Store using Google Cloud Firestore
type Storage struct {
	client *firestore.Client
	config Config
}

var (
	_ ledger.Storage    = (*Storage)(nil)
	_ ledger.TimeSource = (*Storage)(nil)
)

// Config holds Firestore storage configuration
type Config struct {
	// BalancesCollection holds one document per organization
	// Default: "credit_balances"
	BalancesCollection string

	// EntriesCollection holds credit entries
	// Default: "credit_entries"
	EntriesCollection string

	// TransactionsCollection holds the append-only transaction log
	// Default: "credit_transactions"
	TransactionsCollection string

	// IdempotencyCollection maps idempotency keys to transaction ids
	// Default: "credit_idempotency"
	IdempotencyCollection string

	// SubscriptionsCollection holds billing subscriptions
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// EventsCollection holds received webhook events
	// Default: "billing_webhook_events"
	EventsCollection string

	// CustomersCollection maps organizations to billing customers
	// Default: "billing_customers"
	CustomersCollection string

	// ClockCollection holds the document written to read server time
	// Default: "credit_clock"
	ClockCollection string
}

// DefaultConfig returns a Config with the default collection names
func DefaultConfig() Config {
	return Config{
		BalancesCollection:      "credit_balances",
		EntriesCollection:       "credit_entries",
		TransactionsCollection:  "credit_transactions",
		IdempotencyCollection:   "credit_idempotency",
		SubscriptionsCollection: "billing_subscriptions",
		EventsCollection:        "billing_webhook_events",
		CustomersCollection:     "billing_customers",
		ClockCollection:         "credit_clock",
	}
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	defaults := DefaultConfig()
	for _, c := range []struct {
		field *string
		def   string
	}{
		{&config.BalancesCollection, defaults.BalancesCollection},
		{&config.EntriesCollection, defaults.EntriesCollection},
		{&config.TransactionsCollection, defaults.TransactionsCollection},
		{&config.IdempotencyCollection, defaults.IdempotencyCollection},
		{&config.SubscriptionsCollection, defaults.SubscriptionsCollection},
		{&config.EventsCollection, defaults.EventsCollection},
		{&config.CustomersCollection, defaults.CustomersCollection},
		{&config.ClockCollection, defaults.ClockCollection},
	} {
		if *c.field == "" {
			*c.field = c.def
		}
	}

	return &Storage{client: client, config: config}, nil
}

// Now implements ledger.TimeSource. It writes a server timestamp and returns
// the commit time Firestore reports for it.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	wr, err := s.client.Collection(s.config.ClockCollection).Doc("now").Set(ctx, map[string]interface{}{
		"at": firestore.ServerTimestamp,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read firestore time: %w", err)
	}
	return wr.UpdateTime.UTC(), nil
}

// Close closes the Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) balanceDoc(orgID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.BalancesCollection).Doc(orgID)
}

func (s *Storage) entryDoc(entryID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.EntriesCollection).Doc(entryID)
}

func (s *Storage) transactionDoc(txID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.TransactionsCollection).Doc(txID)
}

// idempotencyDoc is keyed by a digest so caller keys may hold any character
func (s *Storage) idempotencyDoc(orgID, key string) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(orgID + "\x00" + key))
	return s.client.Collection(s.config.IdempotencyCollection).Doc(hex.EncodeToString(sum[:]))
}

func (s *Storage) subscriptionDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.config.SubscriptionsCollection).Doc(id)
}

func (s *Storage) eventDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.config.EventsCollection).Doc(id)
}

func (s *Storage) customerDoc(orgID string) *firestore.DocumentRef {
	return s.client.Collection(s.config.CustomersCollection).Doc(orgID)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// mapError translates transaction aborts into ledger.ErrConflict
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.Aborted && !errors.Is(err, ledger.ErrConflict) {
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}
