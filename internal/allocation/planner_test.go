package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

func day(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

func TestPlanFEFOTakesEarliestExpiryFirst(t *testing.T) {
	candidates := []Candidate{
		{BatchID: 2, BatchCode: "B2", ExpiryDate: day("2025-06-01"), Qty: 5},
		{BatchID: 1, BatchCode: "B1", ExpiryDate: day("2025-01-01"), Qty: 5},
	}
	plan, err := PlanFEFO(candidates, 7, -1, PolicyStrict)
	require.NoError(t, err)
	require.Equal(t, []Pick{
		{BatchCode: "B1", Qty: 5, ExpiryDate: day("2025-01-01")},
		{BatchCode: "B2", Qty: 2, ExpiryDate: day("2025-06-01")},
	}, plan.Picks)
	require.Equal(t, int64(7), plan.Allocated)
	require.Zero(t, plan.Short())
}

func TestPlanFEFONullExpiryLastAndTieBreakByID(t *testing.T) {
	candidates := []Candidate{
		{BatchID: 9, BatchCode: "FOREVER", Qty: 10},
		{BatchID: 4, BatchCode: "LATE", ExpiryDate: day("2026-01-01"), Qty: 1},
		{BatchID: 3, BatchCode: "TIE-B", ExpiryDate: day("2025-01-01"), Qty: 1},
		{BatchID: 2, BatchCode: "TIE-A", ExpiryDate: day("2025-01-01"), Qty: 1},
	}
	plan, err := PlanFEFO(candidates, 5, -1, PolicyStrict)
	require.NoError(t, err)
	codes := []string{}
	for _, p := range plan.Picks {
		codes = append(codes, p.BatchCode)
	}
	require.Equal(t, []string{"TIE-A", "TIE-B", "LATE", "FOREVER"}, codes)
	require.Equal(t, int64(2), plan.Picks[3].Qty)
}

func TestPlanFEFOSkipsEmptyBatches(t *testing.T) {
	candidates := []Candidate{
		{BatchID: 1, BatchCode: "EMPTY", ExpiryDate: day("2024-01-01"), Qty: 0},
		{BatchID: 2, BatchCode: "FULL", ExpiryDate: day("2025-01-01"), Qty: 3},
	}
	plan, err := PlanFEFO(candidates, 2, -1, PolicyStrict)
	require.NoError(t, err)
	require.Equal(t, []Pick{{BatchCode: "FULL", Qty: 2, ExpiryDate: day("2025-01-01")}}, plan.Picks)
}

func TestPlanFEFOShortStock(t *testing.T) {
	candidates := []Candidate{
		{BatchID: 1, BatchCode: "B1", ExpiryDate: day("2025-01-01"), Qty: 3},
		{BatchID: 2, BatchCode: "B2", Qty: 2},
	}

	_, err := PlanFEFO(candidates, 8, -1, PolicyStrict)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	plan, err := PlanFEFO(candidates, 8, -1, PolicyPartial)
	require.NoError(t, err)
	require.Equal(t, int64(5), plan.Allocated)
	require.Equal(t, int64(3), plan.Short())
	require.Len(t, plan.Picks, 2)
}

func TestPlanFEFOLimitCapsTotal(t *testing.T) {
	candidates := []Candidate{{BatchID: 1, BatchCode: "B1", Qty: 10}}

	_, err := PlanFEFO(candidates, 8, 6, PolicyStrict)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	plan, err := PlanFEFO(candidates, 8, 6, PolicyPartial)
	require.NoError(t, err)
	require.Equal(t, int64(6), plan.Allocated)
}

func TestPlanFEFOZeroIsNoop(t *testing.T) {
	plan, err := PlanFEFO(nil, 0, -1, PolicyStrict)
	require.NoError(t, err)
	require.Empty(t, plan.Picks)

	_, err = PlanFEFO(nil, -1, -1, PolicyStrict)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("", PolicyPartial)
	require.NoError(t, err)
	require.Equal(t, PolicyPartial, p)

	p, err = ParsePolicy("strict", PolicyPartial)
	require.NoError(t, err)
	require.Equal(t, PolicyStrict, p)

	_, err = ParsePolicy("greedy", PolicyStrict)
	require.ErrorIs(t, err, shared.ErrValidation)
}
