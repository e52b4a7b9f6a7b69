package ledger

import (
	"sort"
	"time"
)

// PoolOrder is the order in which entries inside one pool are consumed
type PoolOrder int

const (
	// OrderByExpiry consumes the soonest-to-expire entry first; entries that
	// never expire go last
	OrderByExpiry PoolOrder = iota
	// OrderByCreation consumes the oldest entry first (FIFO)
	OrderByCreation
)

// Pool describes one consumption pool
type Pool struct {
	Type  CreditType
	Order PoolOrder
}

// DefaultPools is the consumption priority: credits most likely to expire or
// be clawed back go first, purchased credits last.
var DefaultPools = []Pool{
	{Type: CreditTypeBonus, Order: OrderByExpiry},
	{Type: CreditTypeEarned, Order: OrderByExpiry},
	{Type: CreditTypeRefunded, Order: OrderByCreation},
	{Type: CreditTypePurchased, Order: OrderByCreation},
}

// planConsumption allocates amount over entries following pools. It does not
// mutate entries. Lapsed entries are skipped. If the pools cannot cover
// amount, it returns ErrInsufficientCredits and no allocation.
func planConsumption(entries []CreditEntry, pools []Pool, amount int64, now time.Time) ([]Allocation, error) {
	byType := make(map[CreditType][]*CreditEntry, len(pools))
	for i := range entries {
		e := &entries[i]
		if e.Remaining <= 0 || e.Lapsed(now) {
			continue
		}
		byType[e.Type] = append(byType[e.Type], e)
	}

	var plan []Allocation
	left := amount
	for _, pool := range pools {
		if left == 0 {
			break
		}
		candidates := byType[pool.Type]
		sortPool(candidates, pool.Order)
		for _, e := range candidates {
			take := min(left, e.Remaining)
			plan = append(plan, Allocation{EntryID: e.ID, Type: e.Type, Consumed: take})
			left -= take
			if left == 0 {
				break
			}
		}
	}

	if left > 0 {
		return nil, ErrInsufficientCredits
	}
	return plan, nil
}

func sortPool(entries []*CreditEntry, order PoolOrder) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if order == OrderByExpiry {
			switch {
			case a.ExpiresAt == nil && b.ExpiresAt != nil:
				return false
			case a.ExpiresAt != nil && b.ExpiresAt == nil:
				return true
			case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
