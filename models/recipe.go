package models

import (
	"context"
	"time"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Recipe is the minimal authoring store the snapshot builder reads from.
// Version increments on every edit; snapshots pin the version they were
// built against so a mid-session edit cannot change an in-flight plan.
type Recipe struct {
	ID         int               `gorm:"primary_key" json:"id"`
	BusinessId string            `gorm:"size:64;not null;index" json:"business_id"`
	Name       string            `gorm:"size:100;not null" json:"name"`
	Version    int               `gorm:"not null;default:1" json:"version"`
	BatchType  string            `gorm:"size:50" json:"batch_type"`
	YieldQty   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"yield_qty"`
	YieldUnit  int               `json:"yield_unit"`
	Portioning *string           `gorm:"size:200" json:"portioning"`
	Lines      []RecipeLine      `gorm:"foreignKey:RecipeId" json:"lines"`
	Containers []RecipeContainer `gorm:"foreignKey:RecipeId" json:"containers"`
	CreatedAt  time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type RecipeLine struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index" json:"business_id"`
	RecipeId   int             `gorm:"not null;index" json:"recipe_id"`
	ItemId     int             `gorm:"not null" json:"item_id"`
	Qty        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitId     int             `gorm:"not null" json:"unit_id"`
	Kind       RecipeLineKind  `gorm:"type:enum('ingredient','consumable');default:'ingredient'" json:"kind"`
	SortOrder  int             `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type RecipeContainer struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index" json:"business_id"`
	RecipeId   int       `gorm:"not null;index" json:"recipe_id"`
	ItemId     int       `gorm:"not null" json:"item_id"`
	Count      int       `gorm:"not null;default:1" json:"count"`
	SortOrder  int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRecipeLine struct {
	ItemId int             `json:"item_id" binding:"required"`
	Qty    decimal.Decimal `json:"qty" binding:"required"`
	UnitId int             `json:"unit_id" binding:"required"`
	Kind   RecipeLineKind  `json:"kind"`
}

type NewRecipeContainer struct {
	ItemId int `json:"item_id" binding:"required"`
	Count  int `json:"count" binding:"required,min=1"`
}

type NewRecipe struct {
	Name       string               `json:"name" binding:"required,max=100"`
	BatchType  string               `json:"batch_type"`
	YieldQty   decimal.Decimal      `json:"yield_qty"`
	YieldUnit  int                  `json:"yield_unit"`
	Portioning *string              `json:"portioning"`
	Lines      []NewRecipeLine      `json:"lines" binding:"required,min=1,dive"`
	Containers []NewRecipeContainer `json:"containers" binding:"dive"`
}

func (input *NewRecipe) validate(ctx context.Context, businessId string) error {
	itemIds := make([]int, 0, len(input.Lines)+len(input.Containers))
	for i := range input.Lines {
		if !input.Lines[i].Qty.IsPositive() {
			return apperror.NewValidation("recipe line qty must be positive")
		}
		if input.Lines[i].Kind == "" {
			input.Lines[i].Kind = RecipeLineKindIngredient
		}
		itemIds = append(itemIds, input.Lines[i].ItemId)
	}
	for _, c := range input.Containers {
		itemIds = append(itemIds, c.ItemId)
	}
	if err := utils.ValidateResourcesId[InventoryItem](ctx, businessId, itemIds); err != nil {
		return apperror.NewValidation("recipe references unknown items")
	}
	return nil
}

func CreateRecipe(ctx context.Context, businessId string, input *NewRecipe) (*Recipe, error) {
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}

	recipe := Recipe{
		BusinessId: businessId,
		Name:       input.Name,
		Version:    1,
		BatchType:  input.BatchType,
		YieldQty:   input.YieldQty,
		YieldUnit:  input.YieldUnit,
		Portioning: input.Portioning,
	}
	for i, line := range input.Lines {
		recipe.Lines = append(recipe.Lines, RecipeLine{
			BusinessId: businessId,
			ItemId:     line.ItemId,
			Qty:        line.Qty,
			UnitId:     line.UnitId,
			Kind:       line.Kind,
			SortOrder:  i,
		})
	}
	for i, container := range input.Containers {
		recipe.Containers = append(recipe.Containers, RecipeContainer{
			BusinessId: businessId,
			ItemId:     container.ItemId,
			Count:      container.Count,
			SortOrder:  i,
		})
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&recipe).Error; err != nil {
		return nil, err
	}
	return &recipe, nil
}

// GetRecipe reads a recipe with its lines and containers, redis-first. The
// cache is dropped on every edit so the snapshot builder never plans against
// a stale version.
func GetRecipe(ctx context.Context, businessId string, id int) (*Recipe, error) {
	if cached, err := utils.RetrieveRedis[Recipe](id); err == nil && cached != nil && cached.BusinessId == businessId {
		return cached, nil
	}

	db := config.GetDB()
	var recipe Recipe
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Preload("Containers", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		First(&recipe, id).Error
	if err != nil {
		return nil, apperror.NewNotFound("recipe", id)
	}
	if err := utils.StoreRedis[Recipe](&recipe, recipe.ID); err != nil {
		config.LogError(config.GetLogger(), "recipe.go", "GetRecipe", "failed to cache recipe", recipe.ID, err)
	}
	return &recipe, nil
}

// UpdateRecipe replaces lines/containers and bumps the version. In-flight
// snapshots keep the old numbers; only future plans see the edit.
func UpdateRecipe(ctx context.Context, businessId string, id int, input *NewRecipe) (*Recipe, error) {
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}
	recipe, err := GetRecipe(ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("business_id = ? AND recipe_id = ?", businessId, id).Delete(&RecipeLine{}).Error; err != nil {
			return err
		}
		if err := tx.Where("business_id = ? AND recipe_id = ?", businessId, id).Delete(&RecipeContainer{}).Error; err != nil {
			return err
		}

		recipe.Name = input.Name
		recipe.BatchType = input.BatchType
		recipe.YieldQty = input.YieldQty
		recipe.YieldUnit = input.YieldUnit
		recipe.Portioning = input.Portioning
		recipe.Version++
		recipe.Lines = nil
		recipe.Containers = nil
		for i, line := range input.Lines {
			recipe.Lines = append(recipe.Lines, RecipeLine{
				BusinessId: businessId,
				RecipeId:   id,
				ItemId:     line.ItemId,
				Qty:        line.Qty,
				UnitId:     line.UnitId,
				Kind:       line.Kind,
				SortOrder:  i,
			})
		}
		for i, container := range input.Containers {
			recipe.Containers = append(recipe.Containers, RecipeContainer{
				BusinessId: businessId,
				RecipeId:   id,
				ItemId:     container.ItemId,
				Count:      container.Count,
				SortOrder:  i,
			})
		}
		return tx.Save(recipe).Error
	})
	if err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisItem[Recipe](id); err != nil {
		config.LogError(config.GetLogger(), "recipe.go", "UpdateRecipe", "failed to drop recipe cache", id, err)
	}
	return recipe, nil
}
