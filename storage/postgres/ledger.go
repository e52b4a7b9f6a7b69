package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

const entryColumns = `id, organization_id, type, amount, remaining, expires_at, description, metadata, created_at, updated_at`

// UpdateLedger implements ledger.Storage
func (s *Storage) UpdateLedger(ctx context.Context, orgID string, fn ledger.MutateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Serializes writers of one organization, including its very first grant
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, orgID); err != nil {
		return mapError(fmt.Errorf("failed to lock organization: %w", err))
	}

	snap := &ledger.Snapshot{}
	bal, err := scanBalance(tx.QueryRow(ctx, balanceQuery, orgID))
	switch {
	case err == nil:
		snap.Balance = *bal
		snap.Exists = true
	case errors.Is(err, ledger.ErrBalanceNotFound):
		snap.Balance = ledger.CreditBalance{OrganizationID: orgID}
	default:
		return err
	}

	snap.Entries, err = queryEntries(ctx, tx,
		`SELECT `+entryColumns+` FROM credit_entries
			WHERE organization_id = $1 AND remaining > 0
			ORDER BY created_at, id`, orgID)
	if err != nil {
		return err
	}

	m, err := fn(snap)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}

	if err := applyMutation(ctx, tx, orgID, m); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

func applyMutation(ctx context.Context, tx pgx.Tx, orgID string, m *ledger.Mutation) error {
	b := m.Balance
	if b.Balance < 0 {
		return fmt.Errorf("balance of %s would become negative", orgID)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_balances
				(organization_id, balance, total_earned, total_purchased, total_bonus, total_refunded, total_used, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (organization_id) DO UPDATE SET
				balance = EXCLUDED.balance,
				total_earned = EXCLUDED.total_earned,
				total_purchased = EXCLUDED.total_purchased,
				total_bonus = EXCLUDED.total_bonus,
				total_refunded = EXCLUDED.total_refunded,
				total_used = EXCLUDED.total_used,
				last_updated = EXCLUDED.last_updated`,
		orgID, b.Balance, b.TotalEarned, b.TotalPurchased, b.TotalBonus, b.TotalRefunded, b.TotalUsed, b.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to write balance: %w", err)
	}

	for i := range m.NewEntries {
		e := &m.NewEntries[i]
		_, err := tx.Exec(ctx,
			`INSERT INTO credit_entries (`+entryColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, orgID, string(e.Type), e.Amount, e.Remaining, e.ExpiresAt, e.Description,
			nullableMetadata(e.Metadata), e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", e.ID, err)
		}
	}

	for _, u := range m.EntryUpdates {
		tag, err := tx.Exec(ctx,
			`UPDATE credit_entries SET remaining = $1, updated_at = $2
				WHERE id = $3 AND organization_id = $4`,
			u.Remaining, u.UpdatedAt, u.ID, orgID,
		)
		if err != nil {
			return fmt.Errorf("failed to update entry %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("entry %s: %w", u.ID, ledger.ErrNotFound)
		}
	}

	for i := range m.Transactions {
		t := &m.Transactions[i]
		var key *string
		if t.IdempotencyKey != "" {
			key = &t.IdempotencyKey
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO credit_transactions
					(id, organization_id, type, amount, description, metadata, idempotency_key, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.ID, orgID, string(t.Type), t.Amount, t.Description, nullableMetadata(t.Metadata), key, t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
		}
	}
	return nil
}

const balanceQuery = `SELECT organization_id, balance, total_earned, total_purchased, total_bonus,
		total_refunded, total_used, last_updated
	FROM credit_balances WHERE organization_id = $1`

// GetBalance implements ledger.Storage
func (s *Storage) GetBalance(ctx context.Context, orgID string) (*ledger.CreditBalance, error) {
	return scanBalance(s.pool.QueryRow(ctx, balanceQuery, orgID))
}

func scanBalance(row pgx.Row) (*ledger.CreditBalance, error) {
	var b ledger.CreditBalance
	err := row.Scan(&b.OrganizationID, &b.Balance, &b.TotalEarned, &b.TotalPurchased, &b.TotalBonus,
		&b.TotalRefunded, &b.TotalUsed, &b.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	b.LastUpdated = b.LastUpdated.UTC()
	return &b, nil
}

// ListEntries implements ledger.Storage
func (s *Storage) ListEntries(ctx context.Context, orgID string, activeOnly bool) ([]ledger.CreditEntry, error) {
	return queryEntries(ctx, s.pool,
		`SELECT `+entryColumns+` FROM credit_entries
			WHERE organization_id = $1 AND (NOT $2 OR remaining > 0)
			ORDER BY created_at, id`, orgID, activeOnly)
}

const transactionColumns = `id, organization_id, type, amount, description, metadata, idempotency_key, created_at`

// ListTransactions implements ledger.Storage
func (s *Storage) ListTransactions(
	ctx context.Context, orgID, before string, limit int,
) ([]ledger.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+`
			FROM credit_transactions
			WHERE organization_id = $1 AND ($2 = '' OR id < $2)
			ORDER BY id DESC
			LIMIT NULLIF($3, 0)`,
		orgID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTransactionByKey implements ledger.Storage
func (s *Storage) GetTransactionByKey(ctx context.Context, orgID, key string) (*ledger.CreditTransaction, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+`
			FROM credit_transactions
			WHERE organization_id = $1 AND idempotency_key = $2`,
		orgID, key)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	return t, err
}

func scanTransaction(row pgx.Row) (*ledger.CreditTransaction, error) {
	var (
		t   ledger.CreditTransaction
		typ string
		md  *ledger.Metadata
		key *string
	)
	if err := row.Scan(&t.ID, &t.OrganizationID, &typ, &t.Amount, &t.Description, &md, &key, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	t.Type = ledger.TransactionType(typ)
	if md != nil {
		t.Metadata = *md
	}
	if key != nil {
		t.IdempotencyKey = *key
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// ListLapsedEntries implements ledger.Storage
func (s *Storage) ListLapsedEntries(ctx context.Context, now time.Time, limit int) ([]ledger.EntryRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT organization_id, id, expires_at FROM credit_entries
			WHERE remaining > 0 AND expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at, id
			LIMIT NULLIF($2, 0)`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed entries: %w", err)
	}
	defer rows.Close()

	var refs []ledger.EntryRef
	for rows.Next() {
		var ref ledger.EntryRef
		if err := rows.Scan(&ref.OrganizationID, &ref.EntryID, &ref.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan lapsed entry: %w", err)
		}
		ref.ExpiresAt = ref.ExpiresAt.UTC()
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]ledger.CreditEntry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.CreditEntry
	for rows.Next() {
		var (
			e   ledger.CreditEntry
			typ string
			md  *ledger.Metadata
		)
		err := rows.Scan(&e.ID, &e.OrganizationID, &typ, &e.Amount, &e.Remaining, &e.ExpiresAt,
			&e.Description, &md, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Type = ledger.CreditType(typ)
		if md != nil {
			e.Metadata = *md
		}
		if e.ExpiresAt != nil {
			utc := e.ExpiresAt.UTC()
			e.ExpiresAt = &utc
		}
		e.CreatedAt = e.CreatedAt.UTC()
		e.UpdatedAt = e.UpdatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// nullableMetadata stores empty metadata as NULL
func nullableMetadata(m ledger.Metadata) *ledger.Metadata {
	if m.IsZero() {
		return nil
	}
	return &m
}
