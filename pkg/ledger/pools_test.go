package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanConsumption(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}
	day := 24 * time.Hour

	entries := []CreditEntry{
		{ID: "p1", Type: CreditTypePurchased, Remaining: 30, CreatedAt: now.Add(-3 * day)},
		{ID: "e-late", Type: CreditTypeEarned, Remaining: 20, ExpiresAt: at(10 * day), CreatedAt: now.Add(-5 * day)},
		{ID: "e-never", Type: CreditTypeEarned, Remaining: 4, CreatedAt: now.Add(-9 * day)},
		{ID: "b1", Type: CreditTypeBonus, Remaining: 10, ExpiresAt: at(5 * day), CreatedAt: now.Add(-1 * day)},
		{ID: "e-soon", Type: CreditTypeEarned, Remaining: 2, ExpiresAt: at(2 * day), CreatedAt: now.Add(-1 * day)},
		{ID: "b-lapsed", Type: CreditTypeBonus, Remaining: 50, ExpiresAt: at(-time.Hour), CreatedAt: now.Add(-7 * day)},
		{ID: "r1", Type: CreditTypeRefunded, Remaining: 3, CreatedAt: now.Add(-2 * day)},
		{ID: "p0", Type: CreditTypePurchased, Remaining: 1, CreatedAt: now.Add(-4 * day)},
		{ID: "empty", Type: CreditTypeBonus, Remaining: 0, ExpiresAt: at(day), CreatedAt: now},
	}

	tests := []struct {
		name   string
		amount int64
		want   []Allocation
	}{
		{
			name:   "bonus first",
			amount: 7,
			want:   []Allocation{{EntryID: "b1", Type: CreditTypeBonus, Consumed: 7}},
		},
		{
			name:   "earned by expiry with non-expiring last",
			amount: 35,
			want: []Allocation{
				{EntryID: "b1", Type: CreditTypeBonus, Consumed: 10},
				{EntryID: "e-soon", Type: CreditTypeEarned, Consumed: 2},
				{EntryID: "e-late", Type: CreditTypeEarned, Consumed: 20},
				{EntryID: "e-never", Type: CreditTypeEarned, Consumed: 3},
			},
		},
		{
			name:   "refunded then purchased oldest first",
			amount: 40,
			want: []Allocation{
				{EntryID: "b1", Type: CreditTypeBonus, Consumed: 10},
				{EntryID: "e-soon", Type: CreditTypeEarned, Consumed: 2},
				{EntryID: "e-late", Type: CreditTypeEarned, Consumed: 20},
				{EntryID: "e-never", Type: CreditTypeEarned, Consumed: 4},
				{EntryID: "r1", Type: CreditTypeRefunded, Consumed: 3},
				{EntryID: "p0", Type: CreditTypePurchased, Consumed: 1},
			},
		},
		{
			name:   "everything spendable",
			amount: 70,
			want: []Allocation{
				{EntryID: "b1", Type: CreditTypeBonus, Consumed: 10},
				{EntryID: "e-soon", Type: CreditTypeEarned, Consumed: 2},
				{EntryID: "e-late", Type: CreditTypeEarned, Consumed: 20},
				{EntryID: "e-never", Type: CreditTypeEarned, Consumed: 4},
				{EntryID: "r1", Type: CreditTypeRefunded, Consumed: 3},
				{EntryID: "p0", Type: CreditTypePurchased, Consumed: 1},
				{EntryID: "p1", Type: CreditTypePurchased, Consumed: 30},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := planConsumption(entries, DefaultPools, tt.amount, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan)
		})
	}

	t.Run("lapsed credits do not count", func(t *testing.T) {
		_, err := planConsumption(entries, DefaultPools, 71, now)
		assert.ErrorIs(t, err, ErrInsufficientCredits)
	})

	t.Run("input is not mutated", func(t *testing.T) {
		_, err := planConsumption(entries, DefaultPools, 70, now)
		require.NoError(t, err)
		assert.Equal(t, int64(30), entries[0].Remaining)
		assert.Equal(t, "p1", entries[0].ID)
	})
}

func TestPlanConsumption_CustomPools(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	entries := []CreditEntry{
		{ID: "b", Type: CreditTypeBonus, Remaining: 5, CreatedAt: now},
		{ID: "p", Type: CreditTypePurchased, Remaining: 5, CreatedAt: now},
	}

	plan, err := planConsumption(entries, []Pool{{Type: CreditTypePurchased, Order: OrderByCreation}}, 5, now)
	require.NoError(t, err)
	assert.Equal(t, []Allocation{{EntryID: "p", Type: CreditTypePurchased, Consumed: 5}}, plan)

	// Types missing from the pool table are never consumed
	_, err = planConsumption(entries, []Pool{{Type: CreditTypePurchased, Order: OrderByCreation}}, 6, now)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestSortPool_TieBreaks(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	a := &CreditEntry{ID: "b", ExpiresAt: &exp, CreatedAt: now}
	b := &CreditEntry{ID: "a", ExpiresAt: &exp, CreatedAt: now}
	c := &CreditEntry{ID: "c", ExpiresAt: &exp, CreatedAt: now.Add(-time.Minute)}

	pool := []*CreditEntry{a, b, c}
	sortPool(pool, OrderByExpiry)
	assert.Equal(t, []string{"c", "a", "b"}, []string{pool[0].ID, pool[1].ID, pool[2].ID})
}
