// Package allocation chooses which batches satisfy an outbound quantity,
// earliest expiry first, and posts one ledger movement per chosen batch.
package allocation

import (
	"fmt"
	"sort"
	"time"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Policy decides what happens when free stock is short.
type Policy string

const (
	// PolicyStrict fails the whole allocation when stock is short.
	PolicyStrict Policy = "strict"
	// PolicyPartial allocates whatever is available.
	PolicyPartial Policy = "partial"
)

// ParsePolicy validates a policy name. Empty selects fallback.
func ParsePolicy(raw string, fallback Policy) (Policy, error) {
	switch Policy(raw) {
	case "":
		return fallback, nil
	case PolicyStrict, PolicyPartial:
		return Policy(raw), nil
	}
	return "", shared.NewValidationError("policy", "must be strict or partial")
}

// Candidate is one batch slot that may supply stock.
type Candidate struct {
	BatchID    int64
	BatchCode  string
	ExpiryDate *time.Time
	Qty        int64
}

// Pick is the quantity taken from one batch.
type Pick struct {
	BatchCode  string     `json:"batch_code"`
	Qty        int64      `json:"qty"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

// Plan is the outcome of FEFO selection.
type Plan struct {
	Required  int64  `json:"required"`
	Allocated int64  `json:"allocated"`
	Picks     []Pick `json:"picks"`
}

// Short reports the quantity that could not be allocated.
func (p Plan) Short() int64 {
	return p.Required - p.Allocated
}

// PlanFEFO orders candidates by expiry (nulls last) then batch id and takes
// from each until required is met. limit caps the total that may be taken
// across all batches; a negative limit means no cap.
func PlanFEFO(candidates []Candidate, required, limit int64, policy Policy) (Plan, error) {
	if required < 0 {
		return Plan{}, shared.NewValidationError("qty", "must not be negative")
	}
	plan := Plan{Required: required, Picks: []Pick{}}
	if required == 0 {
		return plan, nil
	}

	ordered := make([]Candidate, 0, len(candidates))
	var available int64
	for _, c := range candidates {
		if c.Qty <= 0 {
			continue
		}
		ordered = append(ordered, c)
		available += c.Qty
	}
	sortFEFO(ordered)

	if limit >= 0 && limit < available {
		available = limit
	}
	target := required
	if available < required {
		if policy != PolicyPartial {
			return Plan{}, fmt.Errorf("allocation: need %d, %d free: %w", required, available, shared.ErrInsufficientStock)
		}
		target = available
	}

	for _, c := range ordered {
		if plan.Allocated == target {
			break
		}
		take := min(c.Qty, target-plan.Allocated)
		plan.Picks = append(plan.Picks, Pick{BatchCode: c.BatchCode, Qty: take, ExpiryDate: c.ExpiryDate})
		plan.Allocated += take
	}
	return plan, nil
}

func sortFEFO(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		a, b := c[i], c[j]
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate != nil:
			return false
		case a.ExpiryDate != nil && b.ExpiryDate == nil:
			return true
		case a.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		if a.BatchID != b.BatchID {
			return a.BatchID < b.BatchID
		}
		return a.BatchCode < b.BatchCode
	})
}
