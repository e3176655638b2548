package models

import (
	"sort"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"github.com/shopspring/decimal"
)

// LotConsumption is one slice of a consumption plan: how much to take from
// which lot, at that lot's cost.
type LotConsumption struct {
	LotId    int
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}

// ConsumptionPlan is the FIFO engine's output. AvgUnitCost is the
// quantity-weighted average cost of the consumed portions.
type ConsumptionPlan struct {
	ItemId       int
	TotalQty     decimal.Decimal
	AvgUnitCost  decimal.Decimal
	Consumptions []LotConsumption
}

// BuildConsumptionPlan walks the lot pool oldest-first (received_at, then id)
// and takes min(remaining, still needed) from each lot until the requested
// amount is covered. All-or-nothing: if the pool cannot cover the amount the
// plan fails with an insufficient-inventory error carrying the shortfall, and
// nothing is consumed.
//
// Pure function: the caller loads (and locks) the lots, this only decides.
func BuildConsumptionPlan(itemId int, lots []InventoryLot, amount decimal.Decimal) (*ConsumptionPlan, error) {
	if !amount.IsPositive() {
		return nil, apperror.NewValidation("deduction amount must be positive")
	}

	ordered := make([]InventoryLot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	plan := &ConsumptionPlan{ItemId: itemId}
	stillNeeded := amount
	costTotal := decimal.Zero

	for _, lot := range ordered {
		if lot.Source == LotSourceInfiniteAnchor || !lot.QtyRemainingBase.IsPositive() {
			continue
		}
		take := decimal.Min(lot.QtyRemainingBase, stillNeeded)
		plan.Consumptions = append(plan.Consumptions, LotConsumption{
			LotId:    lot.ID,
			Qty:      take,
			UnitCost: lot.UnitCost,
		})
		costTotal = costTotal.Add(take.Mul(lot.UnitCost))
		stillNeeded = stillNeeded.Sub(take)
		if stillNeeded.IsZero() {
			break
		}
	}

	if stillNeeded.IsPositive() {
		available := amount.Sub(stillNeeded)
		return nil, apperror.NewInsufficientInventory(itemId, amount, available)
	}

	plan.TotalQty = amount
	plan.AvgUnitCost = costTotal.Div(amount).Round(quantityScale)
	return plan, nil
}
