package optimizer

import (
	"math"
	"time"
)

// CostCalculator calculates rental spend for instances
type CostCalculator struct {
	// MinimumBillable is the shortest duration a provider bills for
	MinimumBillable time.Duration
}

// NewCostCalculator creates a new cost calculator
func NewCostCalculator(minimumBillable time.Duration) *CostCalculator {
	return &CostCalculator{MinimumBillable: minimumBillable}
}

// RentalCost returns the spend for renting at pricePerHour from start to end,
// rounded to the cent
func (cc *CostCalculator) RentalCost(pricePerHour float64, start, end time.Time) float64 {
	if pricePerHour <= 0 || !end.After(start) {
		return 0
	}

	rented := end.Sub(start)
	if rented < cc.MinimumBillable {
		rented = cc.MinimumBillable
	}

	return math.Round(pricePerHour*rented.Hours()*100) / 100
}
