package ledger

import (
	"context"
	"time"
)

// Storage defines the interface for ledger persistence backends.
//
// Every backend serializes UpdateLedger calls for the same organization, so
// two concurrent consumers can never both pass a balance check against a
// stale snapshot. How it does so is up to the backend: row locks, optimistic
// transactions or an in-process mutex.
type Storage interface {
	// UpdateLedger loads a consistent snapshot of the organization's ledger,
	// calls fn with it and atomically commits the returned mutation.
	// fn must be free of side effects: it may be called more than once.
	// If fn returns an error, nothing is written and the error is returned as is.
	// If fn returns a nil mutation, nothing is written.
	// Backends return ErrConflict when a concurrent writer invalidated the
	// snapshot and ErrDuplicateGrant when a transaction idempotency key already exists.
	UpdateLedger(ctx context.Context, orgID string, fn MutateFunc) error

	// GetBalance returns the organization's aggregate balance.
	// Returns ErrBalanceNotFound if no grant was ever made.
	GetBalance(ctx context.Context, orgID string) (*CreditBalance, error)

	// ListEntries returns the organization's credit entries in creation order.
	// With activeOnly, only entries with Remaining > 0 are returned.
	ListEntries(ctx context.Context, orgID string, activeOnly bool) ([]CreditEntry, error)

	// ListTransactions returns up to limit transactions, newest first.
	// If before is set, only transactions with an id lower than before are returned.
	ListTransactions(ctx context.Context, orgID, before string, limit int) ([]CreditTransaction, error)

	// GetTransactionByKey returns the transaction committed under the
	// idempotency key. Returns ErrNotFound if the key was never applied.
	GetTransactionByKey(ctx context.Context, orgID, key string) (*CreditTransaction, error)

	// ListLapsedEntries returns up to limit entries across all organizations
	// with ExpiresAt <= now and Remaining > 0, soonest expiry first.
	ListLapsedEntries(ctx context.Context, now time.Time, limit int) ([]EntryRef, error)
}

// MutateFunc computes a ledger mutation from a snapshot
type MutateFunc func(snap *Snapshot) (*Mutation, error)

// Snapshot is the state UpdateLedger hands to a MutateFunc
type Snapshot struct {
	// Balance is the current aggregate. Its zero value is used when the
	// organization has none yet; Exists tells the two apart.
	Balance CreditBalance
	Exists  bool

	// Entries holds the organization's entries with Remaining > 0
	Entries []CreditEntry
}

// Entry returns the snapshot entry with the given id, or nil
func (s *Snapshot) Entry(id string) *CreditEntry {
	for i := range s.Entries {
		if s.Entries[i].ID == id {
			return &s.Entries[i]
		}
	}
	return nil
}

// Mutation is the set of writes UpdateLedger commits as a unit
type Mutation struct {
	// Balance replaces the organization's aggregate (created if absent)
	Balance CreditBalance

	// NewEntries are inserted as given
	NewEntries []CreditEntry

	// EntryUpdates set Remaining and UpdatedAt on existing entries
	EntryUpdates []EntryUpdate

	// Transactions are appended
	Transactions []CreditTransaction
}

// EntryUpdate changes the remaining amount of one entry
type EntryUpdate struct {
	ID        string
	Remaining int64
	UpdatedAt time.Time
}

// EntryRef points at an entry of an organization
type EntryRef struct {
	OrganizationID string
	EntryID        string
	ExpiresAt      time.Time
}

// TimeSource defines an interface for getting time from the storage engine.
// Using storage time keeps expiry decisions consistent across nodes.
type TimeSource interface {
	// Now returns the current time from the storage engine
	Now(ctx context.Context) (time.Time, error)
}
