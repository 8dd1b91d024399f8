package inventory

import (
	"slices"
)

// Allocate plans a FIFO consumption of requested units of productID at
// locationID from batches. It never mutates its input: batches belonging to
// other products or locations and empty batches are ignored, the rest are
// consumed oldest entry date first with batch id breaking ties. Expiration
// dates do not influence the order.
//
// A plan that cannot be fully covered is still returned; the uncovered
// units are reported in Shortfall.
func Allocate(productID, locationID, requested int64, batches []Batch) (ConsumptionPlan, error) {
	if requested <= 0 {
		return ConsumptionPlan{}, ErrInvalidQuantity
	}
	candidates := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.ProductID != productID || b.LocationID != locationID || b.RemainingQuantity <= 0 {
			continue
		}
		candidates = append(candidates, b)
	}
	sortFIFO(candidates)

	plan := ConsumptionPlan{
		ProductID:  productID,
		LocationID: locationID,
		Requested:  requested,
		Lines:      []AllocationLine{},
	}
	needed := requested
	for _, b := range candidates {
		if needed == 0 {
			break
		}
		take := min(b.RemainingQuantity, needed)
		plan.Lines = append(plan.Lines, AllocationLine{
			BatchID:        b.ID,
			BatchReference: b.Reference,
			QuantityTaken:  take,
			UnitCost:       b.UnitCost,
			ExpirationDate: b.ExpirationDate,
			WillBeDepleted: take == b.RemainingQuantity,
		})
		plan.TotalAllocated += take
		needed -= take
	}
	plan.Shortfall = requested - plan.TotalAllocated
	return plan, nil
}

// Available sums the remaining units of batches.
func Available(batches []Batch) int64 {
	var total int64
	for _, b := range batches {
		if b.RemainingQuantity > 0 {
			total += b.RemainingQuantity
		}
	}
	return total
}

func sortFIFO(batches []Batch) {
	slices.SortStableFunc(batches, func(a, b Batch) int {
		if c := a.EntryDate.Compare(b.EntryDate); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
