package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultConsumeDescription = "Credits used"

// Engine is the credit accounting engine. It is the only writer of balances,
// entries and transactions; every write goes through Storage.UpdateLedger.
type Engine struct {
	storage Storage
	config  Config
}

// NewEngine creates a new engine with the given storage and configuration
func NewEngine(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Engine{
		storage: storage,
		config:  config,
	}, nil
}

// Config returns the engine configuration with defaults applied
func (e *Engine) Config() Config {
	return e.config
}

// GrantRequest describes credits to add to an organization
type GrantRequest struct {
	OrganizationID string
	Amount         int64
	Description    string
	// ExpiresAt is optional; nil entries never expire
	ExpiresAt *time.Time
	Source    GrantSource
	// IdempotencyKey makes the grant apply at most once
	IdempotencyKey string
}

// Grant adds credits to an organization. For every source except Adjustment
// it creates a consumable entry; adjustments only move the balance and leave
// an audit line. A replayed idempotency key is not an error.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	start := time.Now()
	res, err := e.grant(ctx, req)
	e.config.Metrics.RecordOperation("grant", time.Since(start), err)
	return res, err
}

func (e *Engine) grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.OrganizationID == "" {
		return nil, ErrInvalidOrganization
	}
	if req.Source == nil {
		return nil, ErrMissingSource
	}

	txType := req.Source.TransactionType()
	creditType, consumable := creditTypeOf(txType)
	if consumable && req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := e.now(ctx)
	if req.ExpiresAt != nil {
		if !consumable {
			return nil, fmt.Errorf("adjustments cannot expire: %w", ErrInvalidExpiry)
		}
		if !req.ExpiresAt.After(now) {
			return nil, ErrInvalidExpiry
		}
	}

	meta := req.Source.metadata()
	entryID := ""
	if consumable {
		entryID = newID(now)
	}
	txID := newID(now)

	var newBalance int64
	err := e.update(ctx, "grant", req.OrganizationID, func(snap *Snapshot) (*Mutation, error) {
		bal := snap.Balance
		bal.OrganizationID = req.OrganizationID

		// Negative adjustments may only take back balance that is not backed by entries
		if !consumable && req.Amount < 0 && bal.Balance+req.Amount < sumRemaining(snap.Entries) {
			return nil, ErrInsufficientCredits
		}

		bal.addGrant(txType, req.Amount)
		bal.LastUpdated = now

		m := &Mutation{
			Balance: bal,
			Transactions: []CreditTransaction{{
				ID:             txID,
				OrganizationID: req.OrganizationID,
				Type:           txType,
				Amount:         req.Amount,
				Description:    req.Description,
				Metadata:       meta,
				IdempotencyKey: req.IdempotencyKey,
				CreatedAt:      now,
			}},
		}
		if consumable {
			m.NewEntries = []CreditEntry{{
				ID:             entryID,
				OrganizationID: req.OrganizationID,
				Type:           creditType,
				Amount:         req.Amount,
				Remaining:      req.Amount,
				ExpiresAt:      req.ExpiresAt,
				Description:    req.Description,
				Metadata:       meta,
				CreatedAt:      now,
				UpdatedAt:      now,
			}}
		}
		newBalance = bal.Balance
		return m, nil
	})
	if errors.Is(err, ErrDuplicateGrant) {
		e.config.Logger.Debug("grant already applied",
			Field{Key: "organization_id", Value: req.OrganizationID},
			Field{Key: "idempotency_key", Value: req.IdempotencyKey},
		)
		bal, berr := e.GetBalance(ctx, req.OrganizationID)
		if berr != nil {
			return nil, berr
		}
		return &GrantResult{Balance: bal.Balance, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}

	e.config.Metrics.RecordGrant(string(txType), req.Amount)
	e.config.Logger.Info("credits granted",
		Field{Key: "organization_id", Value: req.OrganizationID},
		Field{Key: "type", Value: string(txType)},
		Field{Key: "amount", Value: req.Amount},
		Field{Key: "balance", Value: newBalance},
	)

	return &GrantResult{
		Balance:       newBalance,
		EntryID:       entryID,
		TransactionID: txID,
	}, nil
}

// GrantBonus grants bonus credits expiring after expiresIn, or after
// Config.DefaultBonusExpiry when expiresIn is zero.
func (e *Engine) GrantBonus(
	ctx context.Context, orgID string, amount int64, description string, expiresIn time.Duration, source BonusCredit,
) (*GrantResult, error) {
	if expiresIn <= 0 {
		expiresIn = e.config.DefaultBonusExpiry
	}
	expiresAt := e.now(ctx).Add(expiresIn)
	return e.Grant(ctx, GrantRequest{
		OrganizationID: orgID,
		Amount:         amount,
		Description:    description,
		ExpiresAt:      &expiresAt,
		Source:         source,
	})
}

// ConsumeRequest describes credits to take from an organization
type ConsumeRequest struct {
	OrganizationID string
	Amount         int64
	Description    string
	ServiceUsed    string
	// IdempotencyKey makes the consumption apply at most once
	IdempotencyKey string
}

// Consume takes credits following the pool priority. Either the whole amount
// is allocated and committed, or nothing changes and ErrInsufficientCredits
// is returned. A request whose idempotency key was already applied returns
// the earlier transaction id without checking the balance again.
func (e *Engine) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	start := time.Now()
	res, err := e.consume(ctx, req)
	e.config.Metrics.RecordOperation("consume", time.Since(start), err)

	switch {
	case err == nil:
		e.config.Metrics.RecordConsume(OutcomeSuccess, req.Amount)
	case errors.Is(err, ErrInsufficientCredits):
		e.config.Metrics.RecordConsume(OutcomeInsufficient, req.Amount)
	default:
		e.config.Metrics.RecordConsume(OutcomeError, req.Amount)
	}
	return res, err
}

func (e *Engine) consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if req.OrganizationID == "" {
		return nil, ErrInvalidOrganization
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	description := req.Description
	if description == "" {
		description = defaultConsumeDescription
	}

	if req.IdempotencyKey != "" {
		if res, ok, err := e.replayedConsume(ctx, req); ok || err != nil {
			return res, err
		}
	}

	now := e.now(ctx)
	txID := newID(now)

	var result *ConsumeResult
	err := e.update(ctx, "consume", req.OrganizationID, func(snap *Snapshot) (*Mutation, error) {
		if !snap.Exists || snap.Balance.Balance < req.Amount {
			return nil, ErrInsufficientCredits
		}

		plan, err := planConsumption(snap.Entries, e.config.Pools, req.Amount, now)
		if err != nil {
			return nil, err
		}

		updates := make([]EntryUpdate, 0, len(plan))
		for _, a := range plan {
			entry := snap.Entry(a.EntryID)
			updates = append(updates, EntryUpdate{
				ID:        a.EntryID,
				Remaining: entry.Remaining - a.Consumed,
				UpdatedAt: now,
			})
		}

		bal := snap.Balance
		bal.Balance -= req.Amount
		bal.TotalUsed += req.Amount
		bal.LastUpdated = now

		result = &ConsumeResult{
			Balance:       bal.Balance,
			Breakdown:     plan,
			TransactionID: txID,
		}
		return &Mutation{
			Balance:      bal,
			EntryUpdates: updates,
			Transactions: []CreditTransaction{{
				ID:             txID,
				OrganizationID: req.OrganizationID,
				Type:           TransactionUsed,
				Amount:         -req.Amount,
				Description:    description,
				Metadata:       Metadata{ServiceUsed: req.ServiceUsed},
				IdempotencyKey: req.IdempotencyKey,
				CreatedAt:      now,
			}},
		}, nil
	})
	// A concurrent request with the same key may have committed, and
	// possibly drained the balance, between the lookup and the update.
	if req.IdempotencyKey != "" && (errors.Is(err, ErrDuplicateGrant) || errors.Is(err, ErrInsufficientCredits)) {
		if res, ok, rerr := e.replayedConsume(ctx, req); ok || rerr != nil {
			return res, rerr
		}
	}
	if err != nil {
		return nil, err
	}

	e.config.Logger.Debug("credits consumed",
		Field{Key: "organization_id", Value: req.OrganizationID},
		Field{Key: "amount", Value: req.Amount},
		Field{Key: "service", Value: req.ServiceUsed},
		Field{Key: "balance", Value: result.Balance},
	)
	return result, nil
}

// replayedConsume reports whether the request's idempotency key was already
// applied and, if so, the result to hand back.
func (e *Engine) replayedConsume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, bool, error) {
	tx, err := e.storage.GetTransactionByKey(ctx, req.OrganizationID, req.IdempotencyKey)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	bal, err := e.GetBalance(ctx, req.OrganizationID)
	if err != nil {
		return nil, false, err
	}

	e.config.Logger.Debug("consume replayed",
		Field{Key: "organization_id", Value: req.OrganizationID},
		Field{Key: "idempotency_key", Value: req.IdempotencyKey},
		Field{Key: "transaction_id", Value: tx.ID},
	)
	return &ConsumeResult{Balance: bal.Balance, TransactionID: tx.ID, Replayed: true}, true, nil
}

// ExpireSweep zeroes every lapsed entry with remaining credits across all
// organizations. Each entry is expired in its own ledger update, so a failed
// entry does not undo the others and a rerun skips what was already zeroed.
func (e *Engine) ExpireSweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	res, err := e.expireSweep(ctx)
	e.config.Metrics.RecordOperation("expire_sweep", time.Since(start), err)
	if res != nil {
		e.config.Metrics.RecordExpired(res.ExpiredEntries, res.TotalExpired)
	}
	return res, err
}

func (e *Engine) expireSweep(ctx context.Context) (*SweepResult, error) {
	now := e.now(ctx)
	result := &SweepResult{}
	var mu sync.Mutex

	for {
		refs, err := e.storage.ListLapsedEntries(ctx, now, e.config.SweepBatchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list lapsed entries: %w", err)
		}
		if len(refs) == 0 {
			return result, nil
		}

		expiredInBatch := 0
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.config.SweepConcurrency)
		for _, ref := range refs {
			g.Go(func() error {
				amount, err := e.expireEntry(gctx, ref, now)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					e.config.Logger.Error("failed to expire entry",
						Field{Key: "organization_id", Value: ref.OrganizationID},
						Field{Key: "entry_id", Value: ref.EntryID},
						Field{Key: "error", Value: err.Error()},
					)
					return nil
				}
				if amount > 0 {
					result.ExpiredEntries++
					result.TotalExpired += amount
					expiredInBatch++
				}
				return nil
			})
		}
		// Goroutines never return errors; failures are counted instead
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return result, err
		}
		if len(refs) < e.config.SweepBatchSize || expiredInBatch == 0 {
			return result, nil
		}
	}
}

// expireEntry zeroes one lapsed entry and returns the credits it held.
// It returns 0 when the entry is already zeroed or no longer lapsed.
func (e *Engine) expireEntry(ctx context.Context, ref EntryRef, now time.Time) (int64, error) {
	txID := newID(now)
	var expired int64

	err := e.update(ctx, "expire", ref.OrganizationID, func(snap *Snapshot) (*Mutation, error) {
		expired = 0
		entry := snap.Entry(ref.EntryID)
		if entry == nil || !entry.Lapsed(now) {
			return nil, nil
		}

		expired = entry.Remaining
		bal := snap.Balance
		bal.Balance -= expired
		bal.LastUpdated = now

		return &Mutation{
			Balance:      bal,
			EntryUpdates: []EntryUpdate{{ID: entry.ID, Remaining: 0, UpdatedAt: now}},
			Transactions: []CreditTransaction{{
				ID:             txID,
				OrganizationID: ref.OrganizationID,
				Type:           TransactionExpired,
				Amount:         -expired,
				Description:    fmt.Sprintf("Expired %s credits: %s", entry.Type, entry.Description),
				Metadata:       Metadata{EntryID: entry.ID},
				CreatedAt:      now,
			}},
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

// GetBalance returns the organization's balance. Organizations that never
// received credits get a zero balance.
func (e *Engine) GetBalance(ctx context.Context, orgID string) (*CreditBalance, error) {
	if orgID == "" {
		return nil, ErrInvalidOrganization
	}
	bal, err := e.storage.GetBalance(ctx, orgID)
	if errors.Is(err, ErrBalanceNotFound) {
		return &CreditBalance{OrganizationID: orgID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

// GetBreakdown groups the organization's remaining credits by type. Entries
// expiring within Config.ExpiringSoonWindow also count towards ExpiringSoon.
func (e *Engine) GetBreakdown(ctx context.Context, orgID string) (*Breakdown, error) {
	if orgID == "" {
		return nil, ErrInvalidOrganization
	}
	entries, err := e.storage.ListEntries(ctx, orgID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	now := e.now(ctx)
	horizon := now.Add(e.config.ExpiringSoonWindow)
	out := &Breakdown{
		OrganizationID: orgID,
		ByType:         make(map[CreditType]TypeBreakdown, len(CreditTypes)),
		AsOf:           now,
	}
	for _, t := range CreditTypes {
		out.ByType[t] = TypeBreakdown{}
	}

	for _, entry := range entries {
		if entry.Remaining <= 0 {
			continue
		}
		tb := out.ByType[entry.Type]
		tb.Total += entry.Remaining
		tb.Entries++
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(horizon) {
			tb.ExpiringSoon += entry.Remaining
			out.ExpiringSoon += entry.Remaining
		}
		out.ByType[entry.Type] = tb
		out.Total += entry.Remaining
	}
	return out, nil
}

// TransactionQuery selects a page of transaction history
type TransactionQuery struct {
	// Limit defaults to Config.DefaultPageSize and is capped at Config.MaxPageSize
	Limit int
	// Before is the NextCursor of the previous page
	Before string
}

// ListTransactions returns transaction history, newest first
func (e *Engine) ListTransactions(ctx context.Context, orgID string, q TransactionQuery) (*TransactionPage, error) {
	if orgID == "" {
		return nil, ErrInvalidOrganization
	}
	limit := q.Limit
	if limit <= 0 {
		limit = e.config.DefaultPageSize
	}
	if limit > e.config.MaxPageSize {
		limit = e.config.MaxPageSize
	}

	// Fetch one extra row to know whether another page exists
	txs, err := e.storage.ListTransactions(ctx, orgID, q.Before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	page := &TransactionPage{Transactions: txs}
	if len(txs) > limit {
		page.Transactions = txs[:limit]
		page.NextCursor = txs[limit-1].ID
	}
	return page, nil
}

// Audit recomputes the organization's balance from its entries and from its
// transaction log and compares both with the stored aggregate.
func (e *Engine) Audit(ctx context.Context, orgID string) (*AuditReport, error) {
	bal, err := e.GetBalance(ctx, orgID)
	if err != nil {
		return nil, err
	}
	entries, err := e.storage.ListEntries(ctx, orgID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	report := &AuditReport{
		OrganizationID:   orgID,
		Balance:          bal.Balance,
		EntriesRemaining: sumRemaining(entries),
	}

	var expired int64
	before := ""
	for {
		txs, err := e.storage.ListTransactions(ctx, orgID, before, e.config.MaxPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list transactions: %w", err)
		}
		for _, tx := range txs {
			report.TransactionSum += tx.Amount
			switch tx.Type {
			case TransactionAdjustment:
				report.Adjustments += tx.Amount
			case TransactionExpired:
				expired += tx.Amount
			}
		}
		if len(txs) < e.config.MaxPageSize {
			break
		}
		before = txs[len(txs)-1].ID
	}

	report.Net = bal.TotalEarned + bal.TotalPurchased + bal.TotalBonus + bal.TotalRefunded -
		bal.TotalUsed + expired + report.Adjustments
	return report, nil
}

// update runs fn through Storage.UpdateLedger, retrying on write conflicts
// until the retry budget is spent.
func (e *Engine) update(ctx context.Context, op, orgID string, fn MutateFunc) error {
	for attempt := 0; ; attempt++ {
		err := e.storage.UpdateLedger(ctx, orgID, fn)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt >= e.config.MaxRetries {
			e.config.Logger.Warn("ledger conflict retries exhausted",
				Field{Key: "operation", Value: op},
				Field{Key: "organization_id", Value: orgID},
				Field{Key: "attempts", Value: attempt + 1},
			)
			return fmt.Errorf("%s for organization %s: %w", op, orgID, ErrConflictRetryExhausted)
		}
		e.config.Metrics.RecordConflictRetry(op)

		timer := time.NewTimer(e.config.RetryBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) now(ctx context.Context) time.Time {
	if e.config.TimeSource != nil {
		t, err := e.config.TimeSource.Now(ctx)
		if err == nil {
			return t.UTC()
		}
		e.config.Logger.Warn("time source unavailable, using local clock",
			Field{Key: "error", Value: err.Error()},
		)
	}
	return time.Now().UTC()
}

func sumRemaining(entries []CreditEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Remaining
	}
	return total
}
