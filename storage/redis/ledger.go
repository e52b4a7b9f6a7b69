package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// UpdateLedger implements ledger.Storage. The snapshot is read under WATCH
// and the mutation committed with MULTI/EXEC; ErrConflict is returned when
// another writer touched the organization in between.
func (s *Storage) UpdateLedger(ctx context.Context, orgID string, fn ledger.MutateFunc) error {
	balKey := s.balanceKey(orgID)
	activeKey := s.activeKey(orgID)
	idemKey := s.idempotencyKey(orgID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		snap, err := s.loadSnapshot(ctx, tx, orgID)
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
				// Entries outside the snapshot are already zeroed
				loaded, err := s.getEntry(ctx, tx, orgID, u.ID)
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
			exists, err := tx.HExists(ctx, idemKey, t.IdempotencyKey).Result()
			if err != nil {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
			if exists {
				return ledger.ErrDuplicateGrant
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeMutation(ctx, pipe, orgID, m, updated)
		})
		return err
	}, balKey, activeKey, idemKey)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: organization %s changed during update", ledger.ErrConflict, orgID)
	}
	return err
}

func (s *Storage) loadSnapshot(ctx context.Context, tx *redis.Tx, orgID string) (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{Balance: ledger.CreditBalance{OrganizationID: orgID}}

	raw, err := tx.Get(ctx, s.balanceKey(orgID)).Bytes()
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &snap.Balance); err != nil {
			return nil, fmt.Errorf("failed to decode balance: %w", err)
		}
		snap.Exists = true
	case errors.Is(err, redis.Nil):
	default:
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	ids, err := tx.SMembers(ctx, s.activeKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active entries: %w", err)
	}
	entries, err := s.getEntries(ctx, tx, orgID, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	snap.Entries = entries
	return snap, nil
}

func (s *Storage) writeMutation(
	ctx context.Context, pipe redis.Pipeliner, orgID string, m *ledger.Mutation, updated []ledger.CreditEntry,
) error {
	bal := m.Balance
	bal.OrganizationID = orgID
	data, err := json.Marshal(bal)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.balanceKey(orgID), data, 0)

	for i := range m.NewEntries {
		e := m.NewEntries[i]
		e.OrganizationID = orgID
		if err := s.writeEntry(ctx, pipe, &e); err != nil {
			return err
		}
		pipe.ZAdd(ctx, s.entriesKey(orgID), redis.Z{Score: float64(e.CreatedAt.UnixMilli()), Member: e.ID})
	}
	for i := range updated {
		if err := s.writeEntry(ctx, pipe, &updated[i]); err != nil {
			return err
		}
	}

	for _, t := range m.Transactions {
		t.OrganizationID = orgID
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, s.txDataKey(orgID), t.ID, data)
		pipe.ZAdd(ctx, s.txIndexKey(orgID), redis.Z{Score: 0, Member: t.ID})
		if t.IdempotencyKey != "" {
			pipe.HSet(ctx, s.idempotencyKey(orgID), t.IdempotencyKey, t.ID)
		}
	}
	return nil
}

// writeEntry stores the entry and keeps the active set and expiry index in step
func (s *Storage) writeEntry(ctx context.Context, pipe redis.Pipeliner, e *ledger.CreditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.entryKey(e.OrganizationID, e.ID), data, 0)

	if e.Remaining > 0 {
		pipe.SAdd(ctx, s.activeKey(e.OrganizationID), e.ID)
		if e.ExpiresAt != nil {
			pipe.ZAdd(ctx, s.lapsingKey(), redis.Z{Score: float64(e.ExpiresAt.UnixMilli()), Member: e.ID})
			pipe.HSet(ctx, s.ownerKey(), e.ID, e.OrganizationID)
		}
		return nil
	}
	pipe.SRem(ctx, s.activeKey(e.OrganizationID), e.ID)
	if e.ExpiresAt != nil {
		pipe.ZRem(ctx, s.lapsingKey(), e.ID)
		pipe.HDel(ctx, s.ownerKey(), e.ID)
	}
	return nil
}

func (s *Storage) getEntry(ctx context.Context, c redis.Cmdable, orgID, id string) (*ledger.CreditEntry, error) {
	raw, err := c.Get(ctx, s.entryKey(orgID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("entry %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	var e ledger.CreditEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &e, nil
}

func (s *Storage) getEntries(ctx context.Context, c redis.Cmdable, orgID string, ids []string) ([]ledger.CreditEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(orgID, id)
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", err)
	}

	out := make([]ledger.CreditEntry, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var e ledger.CreditEntry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// GetBalance implements ledger.Storage
func (s *Storage) GetBalance(ctx context.Context, orgID string) (*ledger.CreditBalance, error) {
	raw, err := s.client.Get(ctx, s.balanceKey(orgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	var bal ledger.CreditBalance
	if err := json.Unmarshal(raw, &bal); err != nil {
		return nil, fmt.Errorf("failed to decode balance: %w", err)
	}
	return &bal, nil
}

// ListEntries implements ledger.Storage
func (s *Storage) ListEntries(ctx context.Context, orgID string, activeOnly bool) ([]ledger.CreditEntry, error) {
	ids, err := s.client.ZRange(ctx, s.entriesKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	entries, err := s.getEntries(ctx, s.client, orgID, ids)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return entries, nil
	}
	active := entries[:0]
	for _, e := range entries {
		if e.Remaining > 0 {
			active = append(active, e)
		}
	}
	return active, nil
}

// ListTransactions implements ledger.Storage
func (s *Storage) ListTransactions(
	ctx context.Context, orgID, before string, limit int,
) ([]ledger.CreditTransaction, error) {
	maxBound := "+"
	if before != "" {
		maxBound = "(" + before
	}
	ids, err := s.client.ZRevRangeByLex(ctx, s.txIndexKey(orgID), &redis.ZRangeBy{
		Min:   "-",
		Max:   maxBound,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.client.HMGet(ctx, s.txDataKey(orgID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	out := make([]ledger.CreditTransaction, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var t ledger.CreditTransaction
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// GetTransactionByKey implements ledger.Storage
func (s *Storage) GetTransactionByKey(ctx context.Context, orgID, key string) (*ledger.CreditTransaction, error) {
	id, err := s.client.HGet(ctx, s.idempotencyKey(orgID), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	data, err := s.client.HGet(ctx, s.txDataKey(orgID), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	var t ledger.CreditTransaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &t, nil
}

// ListLapsedEntries implements ledger.Storage
func (s *Storage) ListLapsedEntries(ctx context.Context, now time.Time, limit int) ([]ledger.EntryRef, error) {
	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.lapsingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed entries: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i] = z.Member.(string)
	}
	owners, err := s.client.HMGet(ctx, s.ownerKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entry owners: %w", err)
	}

	refs := make([]ledger.EntryRef, 0, len(zs))
	for i, z := range zs {
		orgID, ok := owners[i].(string)
		if !ok {
			continue
		}
		refs = append(refs, ledger.EntryRef{
			OrganizationID: orgID,
			EntryID:        ids[i],
			ExpiresAt:      time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return refs, nil
}
