package models_test

import (
	"testing"

	"bitbucket.org/craftfocus/makerbooks_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testRecipe() *models.Recipe {
	return &models.Recipe{
		ID:        10,
		Version:   3,
		Name:      "House Granola",
		BatchType: "bakery",
		YieldQty:  decimal.NewFromInt(2000),
		YieldUnit: 1,
		Lines: []models.RecipeLine{
			{ItemId: 1, Qty: decimal.NewFromInt(500), UnitId: 1, Kind: models.RecipeLineKindIngredient, SortOrder: 0},
			{ItemId: 2, Qty: decimal.RequireFromString("0.25"), UnitId: 2, Kind: models.RecipeLineKindIngredient, SortOrder: 1},
			{ItemId: 3, Qty: decimal.NewFromInt(2), UnitId: 5, Kind: models.RecipeLineKindConsumable, SortOrder: 2},
		},
		Containers: []models.RecipeContainer{
			{ItemId: 4, Count: 8},
		},
	}
}

func TestBuildPlanSnapshotScalesLines(t *testing.T) {
	snapshot, err := models.BuildPlanSnapshot(testRecipe(), decimal.RequireFromString("2.5"), "", nil)
	require.NoError(t, err)

	require.Equal(t, 10, snapshot.RecipeId)
	require.Equal(t, 3, snapshot.RecipeVersion)
	require.Equal(t, "bakery", snapshot.BatchType)
	require.Equal(t, "5000", snapshot.ProjectedYield.String())

	require.Len(t, snapshot.IngredientsPlan, 2)
	require.Equal(t, "1250", snapshot.IngredientsPlan[0].Qty.String())
	require.Equal(t, "0.625", snapshot.IngredientsPlan[1].Qty.String())

	require.Len(t, snapshot.ConsumablesPlan, 1)
	require.Equal(t, "5", snapshot.ConsumablesPlan[0].Qty.String())

	require.Len(t, snapshot.Containers, 1)
	require.Equal(t, 4, snapshot.Containers[0].ItemId)
	require.Equal(t, 8, snapshot.Containers[0].Count)
}

func TestBuildPlanSnapshotContainerOverrides(t *testing.T) {
	overrides := []models.PlanContainer{
		{ItemId: 40, Count: 12},
		{ItemId: 41, Count: 1},
	}
	snapshot, err := models.BuildPlanSnapshot(testRecipe(), decimal.NewFromInt(1), "", overrides)
	require.NoError(t, err)

	// Overrides replace the recipe's container selections entirely.
	require.Len(t, snapshot.Containers, 2)
	require.Equal(t, 40, snapshot.Containers[0].ItemId)
	require.Equal(t, 41, snapshot.Containers[1].ItemId)
}

func TestBuildPlanSnapshotBatchTypeOverride(t *testing.T) {
	snapshot, err := models.BuildPlanSnapshot(testRecipe(), decimal.NewFromInt(1), "test-kitchen", nil)
	require.NoError(t, err)
	require.Equal(t, "test-kitchen", snapshot.BatchType)
}

func TestBuildPlanSnapshotValidation(t *testing.T) {
	_, err := models.BuildPlanSnapshot(nil, decimal.NewFromInt(1), "", nil)
	require.Error(t, err)

	_, err = models.BuildPlanSnapshot(testRecipe(), decimal.Zero, "", nil)
	require.Error(t, err)

	noIngredients := testRecipe()
	noIngredients.Lines = []models.RecipeLine{
		{ItemId: 3, Qty: decimal.NewFromInt(2), UnitId: 5, Kind: models.RecipeLineKindConsumable},
	}
	_, err = models.BuildPlanSnapshot(noIngredients, decimal.NewFromInt(1), "", nil)
	require.Error(t, err)
}
