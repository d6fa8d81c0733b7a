package checkout

import (
	"fmt"
	"sort"
)

const (
	MinLineQty = 1
	MaxLineQty = 100
)

// ValidateAndMerge checks quantity bounds, merges duplicate product ids by
// summing quantities, and returns the lines sorted by product id. The sort
// doubles as the deterministic lock order for the reservation transaction.
func ValidateAndMerge(items []ItemInput) ([]Line, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items to checkout", ErrInvalidInput)
	}

	merged := make(map[int64]int, len(items))
	for _, it := range items {
		if it.Quantity < MinLineQty || it.Quantity > MaxLineQty {
			return nil, fmt.Errorf("%w: quantity must be between %d and %d", ErrInvalidInput, MinLineQty, MaxLineQty)
		}
		merged[it.ProductID] += it.Quantity
	}

	lines := make([]Line, 0, len(merged))
	for id, qty := range merged {
		lines = append(lines, Line{ProductID: id, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}
