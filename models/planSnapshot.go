package models

import (
	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"github.com/shopspring/decimal"
)

// PlanSnapshot freezes a production plan before any ledger mutation. It is a
// value object: built once, persisted verbatim onto the batch on successful
// start, never edited afterward. Batch start accepts only snapshots, never
// raw recipe ids, so a recipe edited mid-session cannot change an in-flight
// plan.
type PlanSnapshot struct {
	RecipeId           int             `json:"recipe_id" binding:"required"`
	RecipeVersion      int             `json:"recipe_version" binding:"required"`
	Scale              decimal.Decimal `json:"scale" binding:"required"`
	BatchType          string          `json:"batch_type"`
	ProjectedYield     decimal.Decimal `json:"projected_yield"`
	ProjectedYieldUnit int             `json:"projected_yield_unit"`
	Portioning         *string         `json:"portioning"`
	IngredientsPlan    []PlanLine      `json:"ingredients_plan" binding:"required,min=1,dive"`
	ConsumablesPlan    []PlanLine      `json:"consumables_plan" binding:"dive"`
	Containers         []PlanContainer `json:"containers" binding:"dive"`
	// Extra carries category-specific data the core does not interpret.
	Extra map[string]any `json:"extra,omitempty"`
}

type PlanLine struct {
	ItemId int             `json:"item_id" binding:"required"`
	Qty    decimal.Decimal `json:"qty" binding:"required"`
	UnitId int             `json:"unit_id" binding:"required"`
}

type PlanContainer struct {
	ItemId int `json:"item_id" binding:"required"`
	Count  int `json:"count" binding:"required,min=1"`
}

// BuildPlanSnapshot scales every recipe line by scale and resolves container
// selections into a snapshot. Pure: no ledger reads or writes.
//
// containerOverrides, when non-empty, replaces the recipe's container
// selections (the operator picked different packaging for this run).
func BuildPlanSnapshot(recipe *Recipe, scale decimal.Decimal, batchType string, containerOverrides []PlanContainer) (*PlanSnapshot, error) {
	if recipe == nil {
		return nil, apperror.NewValidation("recipe is required")
	}
	if !scale.IsPositive() {
		return nil, apperror.NewValidation("scale must be positive")
	}
	if batchType == "" {
		batchType = recipe.BatchType
	}

	snapshot := &PlanSnapshot{
		RecipeId:           recipe.ID,
		RecipeVersion:      recipe.Version,
		Scale:              scale,
		BatchType:          batchType,
		ProjectedYield:     recipe.YieldQty.Mul(scale).Round(quantityScale),
		ProjectedYieldUnit: recipe.YieldUnit,
		Portioning:         recipe.Portioning,
	}

	for _, line := range recipe.Lines {
		planned := PlanLine{
			ItemId: line.ItemId,
			Qty:    line.Qty.Mul(scale).Round(quantityScale),
			UnitId: line.UnitId,
		}
		if line.Kind == RecipeLineKindConsumable {
			snapshot.ConsumablesPlan = append(snapshot.ConsumablesPlan, planned)
		} else {
			snapshot.IngredientsPlan = append(snapshot.IngredientsPlan, planned)
		}
	}

	if len(containerOverrides) > 0 {
		snapshot.Containers = containerOverrides
	} else {
		for _, container := range recipe.Containers {
			snapshot.Containers = append(snapshot.Containers, PlanContainer{
				ItemId: container.ItemId,
				Count:  container.Count,
			})
		}
	}

	if len(snapshot.IngredientsPlan) == 0 {
		return nil, apperror.NewValidation("recipe has no ingredient lines")
	}
	return snapshot, nil
}

// deductionLines flattens the snapshot into the ordered list of deductions a
// batch start performs: ingredients, then consumables, then containers (one
// count each, in the item's record unit).
func (s *PlanSnapshot) deductionLines() []PlanLine {
	lines := make([]PlanLine, 0, len(s.IngredientsPlan)+len(s.ConsumablesPlan)+len(s.Containers))
	lines = append(lines, s.IngredientsPlan...)
	lines = append(lines, s.ConsumablesPlan...)
	for _, container := range s.Containers {
		lines = append(lines, PlanLine{
			ItemId: container.ItemId,
			Qty:    decimal.NewFromInt(int64(container.Count)),
		})
	}
	return lines
}
