package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

type balanceDoc struct {
	OrganizationID string    `firestore:"organizationId"`
	Balance        int64     `firestore:"balance"`
	TotalEarned    int64     `firestore:"totalEarned"`
	TotalPurchased int64     `firestore:"totalPurchased"`
	TotalBonus     int64     `firestore:"totalBonus"`
	TotalRefunded  int64     `firestore:"totalRefunded"`
	TotalUsed      int64     `firestore:"totalUsed"`
	LastUpdated    time.Time `firestore:"lastUpdated"`
}

func (d *balanceDoc) balance() ledger.CreditBalance {
	return ledger.CreditBalance{
		OrganizationID: d.OrganizationID,
		Balance:        d.Balance,
		TotalEarned:    d.TotalEarned,
		TotalPurchased: d.TotalPurchased,
		TotalBonus:     d.TotalBonus,
		TotalRefunded:  d.TotalRefunded,
		TotalUsed:      d.TotalUsed,
		LastUpdated:    d.LastUpdated.UTC(),
	}
}

// entryDoc carries an Active flag so the expiry sweep needs a single range filter
type entryDoc struct {
	ID             string          `firestore:"id"`
	OrganizationID string          `firestore:"organizationId"`
	Type           string          `firestore:"type"`
	Amount         int64           `firestore:"amount"`
	Remaining      int64           `firestore:"remaining"`
	Active         bool            `firestore:"active"`
	ExpiresAt      *time.Time      `firestore:"expiresAt"`
	Description    string          `firestore:"description"`
	Metadata       ledger.Metadata `firestore:"metadata"`
	CreatedAt      time.Time       `firestore:"createdAt"`
	UpdatedAt      time.Time       `firestore:"updatedAt"`
}

func toEntryDoc(e *ledger.CreditEntry) *entryDoc {
	return &entryDoc{
		ID:             e.ID,
		OrganizationID: e.OrganizationID,
		Type:           string(e.Type),
		Amount:         e.Amount,
		Remaining:      e.Remaining,
		Active:         e.Remaining > 0,
		ExpiresAt:      e.ExpiresAt,
		Description:    e.Description,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func (d *entryDoc) entry() ledger.CreditEntry {
	e := ledger.CreditEntry{
		ID:             d.ID,
		OrganizationID: d.OrganizationID,
		Type:           ledger.CreditType(d.Type),
		Amount:         d.Amount,
		Remaining:      d.Remaining,
		Description:    d.Description,
		Metadata:       d.Metadata,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.ExpiresAt != nil {
		utc := d.ExpiresAt.UTC()
		e.ExpiresAt = &utc
	}
	return e
}

type transactionDoc struct {
	ID             string          `firestore:"id"`
	OrganizationID string          `firestore:"organizationId"`
	Type           string          `firestore:"type"`
	Amount         int64           `firestore:"amount"`
	Description    string          `firestore:"description"`
	Metadata       ledger.Metadata `firestore:"metadata"`
	IdempotencyKey string          `firestore:"idempotencyKey,omitempty"`
	CreatedAt      time.Time       `firestore:"createdAt"`
}

// UpdateLedger implements ledger.Storage. All reads happen before any write,
// as Firestore transactions require.
func (s *Storage) UpdateLedger(ctx context.Context, orgID string, fn ledger.MutateFunc) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := s.loadSnapshot(tx, orgID)
		if err != nil {
			return err
		}

		m, err := fn(snap)
		if err != nil || m == nil {
			return err
		}
		if m.Balance.Balance < 0 {
			return fmt.Errorf("balance of %s would become negative", orgID)
		}

		updated := make([]ledger.CreditEntry, 0, len(m.EntryUpdates))
		for _, u := range m.EntryUpdates {
			e := snap.Entry(u.ID)
			if e == nil {
				loaded, err := s.getEntry(tx, orgID, u.ID)
				if err != nil {
					return err
				}
				e = loaded
			}
			if u.Remaining < 0 || u.Remaining > e.Amount {
				return fmt.Errorf("entry %s: remaining %d out of range", u.ID, u.Remaining)
			}
			entry := *e
			entry.Remaining = u.Remaining
			entry.UpdatedAt = u.UpdatedAt
			updated = append(updated, entry)
		}

		for _, t := range m.Transactions {
			if t.IdempotencyKey == "" {
				continue
			}
			doc, err := tx.Get(s.idempotencyDoc(orgID, t.IdempotencyKey))
			if err != nil && !isNotFound(err) {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
			if err == nil && doc.Exists() {
				return ledger.ErrDuplicateGrant
			}
		}

		return s.writeMutation(tx, orgID, m, updated)
	}, firestore.MaxAttempts(1))
	return mapError(err)
}

func (s *Storage) loadSnapshot(tx *firestore.Transaction, orgID string) (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{Balance: ledger.CreditBalance{OrganizationID: orgID}}

	doc, err := tx.Get(s.balanceDoc(orgID))
	switch {
	case err == nil && doc.Exists():
		var bd balanceDoc
		if err := doc.DataTo(&bd); err != nil {
			return nil, fmt.Errorf("failed to decode balance: %w", err)
		}
		snap.Balance = bd.balance()
		snap.Balance.OrganizationID = orgID
		snap.Exists = true
	case err != nil && !isNotFound(err):
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	q := s.client.Collection(s.config.EntriesCollection).
		Where("organizationId", "==", orgID).
		Where("active", "==", true)
	docs, err := tx.Documents(q).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list active entries: %w", err)
	}
	entries, err := decodeEntries(docs)
	if err != nil {
		return nil, err
	}
	snap.Entries = entries
	return snap, nil
}

func (s *Storage) writeMutation(
	tx *firestore.Transaction, orgID string, m *ledger.Mutation, updated []ledger.CreditEntry,
) error {
	b := m.Balance
	if err := tx.Set(s.balanceDoc(orgID), &balanceDoc{
		OrganizationID: orgID,
		Balance:        b.Balance,
		TotalEarned:    b.TotalEarned,
		TotalPurchased: b.TotalPurchased,
		TotalBonus:     b.TotalBonus,
		TotalRefunded:  b.TotalRefunded,
		TotalUsed:      b.TotalUsed,
		LastUpdated:    b.LastUpdated,
	}); err != nil {
		return err
	}

	for i := range m.NewEntries {
		e := m.NewEntries[i]
		e.OrganizationID = orgID
		if err := tx.Create(s.entryDoc(e.ID), toEntryDoc(&e)); err != nil {
			return err
		}
	}
	for i := range updated {
		e := &updated[i]
		if err := tx.Update(s.entryDoc(e.ID), []firestore.Update{
			{Path: "remaining", Value: e.Remaining},
			{Path: "active", Value: e.Remaining > 0},
			{Path: "updatedAt", Value: e.UpdatedAt},
		}); err != nil {
			return err
		}
	}

	for _, t := range m.Transactions {
		if err := tx.Create(s.transactionDoc(t.ID), &transactionDoc{
			ID:             t.ID,
			OrganizationID: orgID,
			Type:           string(t.Type),
			Amount:         t.Amount,
			Description:    t.Description,
			Metadata:       t.Metadata,
			IdempotencyKey: t.IdempotencyKey,
			CreatedAt:      t.CreatedAt,
		}); err != nil {
			return err
		}
		if t.IdempotencyKey != "" {
			if err := tx.Create(s.idempotencyDoc(orgID, t.IdempotencyKey), map[string]interface{}{
				"organizationId": orgID,
				"key":            t.IdempotencyKey,
				"transactionId":  t.ID,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Storage) getEntry(tx *firestore.Transaction, orgID, id string) (*ledger.CreditEntry, error) {
	doc, err := tx.Get(s.entryDoc(id))
	if isNotFound(err) {
		return nil, fmt.Errorf("entry %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	var ed entryDoc
	if err := doc.DataTo(&ed); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	if ed.OrganizationID != orgID {
		return nil, fmt.Errorf("entry %s: %w", id, ledger.ErrNotFound)
	}
	e := ed.entry()
	return &e, nil
}

// decodeEntries returns entries in creation order
func decodeEntries(docs []*firestore.DocumentSnapshot) ([]ledger.CreditEntry, error) {
	out := make([]ledger.CreditEntry, 0, len(docs))
	for _, doc := range docs {
		var ed entryDoc
		if err := doc.DataTo(&ed); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		out = append(out, ed.entry())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetBalance implements ledger.Storage
func (s *Storage) GetBalance(ctx context.Context, orgID string) (*ledger.CreditBalance, error) {
	doc, err := s.balanceDoc(orgID).Get(ctx)
	if isNotFound(err) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	var bd balanceDoc
	if err := doc.DataTo(&bd); err != nil {
		return nil, fmt.Errorf("failed to decode balance: %w", err)
	}
	bal := bd.balance()
	bal.OrganizationID = orgID
	return &bal, nil
}

// ListEntries implements ledger.Storage
func (s *Storage) ListEntries(ctx context.Context, orgID string, activeOnly bool) ([]ledger.CreditEntry, error) {
	q := s.client.Collection(s.config.EntriesCollection).Where("organizationId", "==", orgID)
	if activeOnly {
		q = q.Where("active", "==", true)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return decodeEntries(docs)
}

// ListTransactions implements ledger.Storage
func (s *Storage) ListTransactions(
	ctx context.Context, orgID, before string, limit int,
) ([]ledger.CreditTransaction, error) {
	q := s.client.Collection(s.config.TransactionsCollection).Where("organizationId", "==", orgID)
	if before != "" {
		q = q.Where("id", "<", before)
	}
	q = q.OrderBy("id", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]ledger.CreditTransaction, 0, len(docs))
	for _, doc := range docs {
		var td transactionDoc
		if err := doc.DataTo(&td); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		out = append(out, td.toLedger())
	}
	return out, nil
}

// GetTransactionByKey implements ledger.Storage
func (s *Storage) GetTransactionByKey(ctx context.Context, orgID, key string) (*ledger.CreditTransaction, error) {
	idem, err := s.idempotencyDoc(orgID, key).Get(ctx)
	if isNotFound(err) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	id, _ := idem.Data()["transactionId"].(string)
	if id == "" {
		return nil, ledger.ErrNotFound
	}
	doc, err := s.transactionDoc(id).Get(ctx)
	if isNotFound(err) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	var td transactionDoc
	if err := doc.DataTo(&td); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	t := td.toLedger()
	return &t, nil
}

func (td *transactionDoc) toLedger() ledger.CreditTransaction {
	return ledger.CreditTransaction{
		ID:             td.ID,
		OrganizationID: td.OrganizationID,
		Type:           ledger.TransactionType(td.Type),
		Amount:         td.Amount,
		Description:    td.Description,
		Metadata:       td.Metadata,
		IdempotencyKey: td.IdempotencyKey,
		CreatedAt:      td.CreatedAt.UTC(),
	}
}

// ListLapsedEntries implements ledger.Storage
func (s *Storage) ListLapsedEntries(ctx context.Context, now time.Time, limit int) ([]ledger.EntryRef, error) {
	q := s.client.Collection(s.config.EntriesCollection).
		Where("active", "==", true).
		Where("expiresAt", "<=", now).
		OrderBy("expiresAt", firestore.Asc).
		OrderBy("id", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed entries: %w", err)
	}
	refs := make([]ledger.EntryRef, 0, len(docs))
	for _, doc := range docs {
		var ed entryDoc
		if err := doc.DataTo(&ed); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		if ed.ExpiresAt == nil {
			continue
		}
		refs = append(refs, ledger.EntryRef{
			OrganizationID: ed.OrganizationID,
			EntryID:        ed.ID,
			ExpiresAt:      ed.ExpiresAt.UTC(),
		})
	}
	return refs, nil
}
