package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
	"github.com/shopspring/decimal"
)

// quantityScale is the fixed-point scale of every decimal(20,4) quantity
// column. All conversion results are rounded to this scale.
const quantityScale = 4

// Unit is one entry of the tenant's unit catalog. BaseFactor is the
// multiplier to the dimension base: grams for mass, millilitres for volume,
// pieces for count.
type Unit struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;not null;index" json:"business_id"`
	Name         string          `gorm:"size:50;not null" json:"name"`
	Abbreviation string          `gorm:"size:20;not null" json:"abbreviation"`
	Dimension    UnitDimension   `gorm:"type:enum('mass','volume','count','custom');not null" json:"dimension"`
	BaseFactor   decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"base_factor"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ItemUnitMapping is a per-item override: 1 <unit> = Factor <record units of
// the item>. When present it wins over the standard table.
type ItemUnitMapping struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index" json:"business_id"`
	ItemId     int             `gorm:"not null;index:uniq_item_unit,unique" json:"item_id"`
	UnitId     int             `gorm:"not null;index:uniq_item_unit,unique" json:"unit_id"`
	Factor     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"factor"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ItemConversionContext carries the item-bound data the conversion engine may
// need: density for mass<->volume, custom mappings keyed by unit id. The
// engine itself stays a pure function over this value.
type ItemConversionContext struct {
	ItemId int
	// Density in grams per millilitre; nil when the tenant never supplied one.
	Density *decimal.Decimal
	// CustomFactors maps unit id -> record units per 1 of that unit.
	CustomFactors map[int]decimal.Decimal
	// RecordUnit is the item's unit of record.
	RecordUnit *Unit
	// RetryDescriptor echoes the logical operation for resolvable errors.
	RetryDescriptor any
}

// ConvertQuantity converts amount from one unit to another.
//
// Same-dimension conversions go through the BaseFactor table. Mass<->volume
// needs the item's density; a missing density is a resolvable error, never a
// guessed default. Per-item custom mappings override everything. Pure, no DB
// access.
func ConvertQuantity(amount decimal.Decimal, from *Unit, to *Unit, itemCtx *ItemConversionContext) (decimal.Decimal, error) {
	if from == nil || to == nil {
		return decimal.Zero, apperror.NewValidation("both units are required for conversion")
	}
	if from.BaseFactor.IsZero() || to.BaseFactor.IsZero() {
		return decimal.Zero, apperror.NewValidation("unit has a zero base factor")
	}
	if from.ID == to.ID {
		return amount.Round(quantityScale), nil
	}

	// Custom mappings convert straight into the item's record unit.
	if itemCtx != nil && itemCtx.RecordUnit != nil {
		if factor, ok := customFactor(itemCtx, from.ID); ok && to.ID == itemCtx.RecordUnit.ID {
			return amount.Mul(factor).Round(quantityScale), nil
		}
		if factor, ok := customFactor(itemCtx, to.ID); ok && from.ID == itemCtx.RecordUnit.ID {
			if factor.IsZero() {
				return decimal.Zero, apperror.NewValidation("custom unit mapping factor is zero")
			}
			return amount.Div(factor).Round(quantityScale), nil
		}
	}

	if from.Dimension == to.Dimension {
		// amount * fromFactor lands on the dimension base; divide back out.
		return amount.Mul(from.BaseFactor).Div(to.BaseFactor).Round(quantityScale), nil
	}

	// Cross-dimension: only mass<->volume is defined, via density (g/ml).
	if isMassVolumePair(from.Dimension, to.Dimension) {
		density, err := densityFor(itemCtx, from, to)
		if err != nil {
			return decimal.Zero, err
		}
		if from.Dimension == UnitDimensionVolume {
			// ml -> g -> target mass unit
			grams := amount.Mul(from.BaseFactor).Mul(density)
			return grams.Div(to.BaseFactor).Round(quantityScale), nil
		}
		// g -> ml -> target volume unit
		millilitres := amount.Mul(from.BaseFactor).Div(density)
		return millilitres.Div(to.BaseFactor).Round(quantityScale), nil
	}

	itemId := 0
	var retry any
	if itemCtx != nil {
		itemId = itemCtx.ItemId
		retry = itemCtx.RetryDescriptor
	}
	return decimal.Zero, apperror.NewResolvable(
		apperror.ResolvableMissingUnitMapping,
		fmt.Sprintf("no mapping from %s to %s", from.Abbreviation, to.Abbreviation),
		fmt.Sprintf("inventory_item:%d:unit_mapping:%d", itemId, from.ID),
		retry,
	)
}

func customFactor(itemCtx *ItemConversionContext, unitId int) (decimal.Decimal, bool) {
	if itemCtx == nil || itemCtx.CustomFactors == nil {
		return decimal.Zero, false
	}
	factor, ok := itemCtx.CustomFactors[unitId]
	return factor, ok
}

func isMassVolumePair(a, b UnitDimension) bool {
	return (a == UnitDimensionMass && b == UnitDimensionVolume) ||
		(a == UnitDimensionVolume && b == UnitDimensionMass)
}

func densityFor(itemCtx *ItemConversionContext, from, to *Unit) (decimal.Decimal, error) {
	if itemCtx != nil && itemCtx.Density != nil && itemCtx.Density.IsPositive() {
		return *itemCtx.Density, nil
	}
	itemId := 0
	var retry any
	if itemCtx != nil {
		itemId = itemCtx.ItemId
		retry = itemCtx.RetryDescriptor
	}
	return decimal.Zero, apperror.NewResolvable(
		apperror.ResolvableMissingDensity,
		fmt.Sprintf("density required to convert %s to %s", from.Abbreviation, to.Abbreviation),
		fmt.Sprintf("inventory_item:%d:density", itemId),
		retry,
	)
}

// BuildItemConversionContext loads the item-bound conversion data once per
// dispatcher call. Unit and mapping reads go through redis; both caches expire
// on their own and the mapping list is dropped eagerly on writes.
func BuildItemConversionContext(ctx context.Context, businessId string, item *InventoryItem, retryDescriptor any) (*ItemConversionContext, error) {
	recordUnit, err := getUnitCached(ctx, businessId, item.UnitId)
	if err != nil {
		return nil, apperror.NewNotFound("unit", item.UnitId)
	}

	mappings, err := listItemUnitMappingsCached(ctx, businessId)
	if err != nil {
		return nil, err
	}
	customFactors := make(map[int]decimal.Decimal)
	for _, m := range mappings {
		if m.ItemId == item.ID {
			customFactors[m.UnitId] = m.Factor
		}
	}

	return &ItemConversionContext{
		ItemId:          item.ID,
		Density:         item.Density,
		CustomFactors:   customFactors,
		RecordUnit:      recordUnit,
		RetryDescriptor: retryDescriptor,
	}, nil
}

// getUnitCached reads one unit redis-first. A cache hit from another tenant's
// key space cannot happen (keys are id-scoped and ids are global), but the
// tenant check stays so a stale entry can never cross businesses.
func getUnitCached(ctx context.Context, businessId string, unitId int) (*Unit, error) {
	if cached, err := utils.RetrieveRedis[Unit](unitId); err == nil && cached != nil && cached.BusinessId == businessId {
		return cached, nil
	}
	unit, err := utils.FetchModel[Unit](ctx, businessId, unitId)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedis[Unit](unit, unit.ID); err != nil {
		config.LogError(config.GetLogger(), "unit.go", "getUnitCached", "failed to cache unit", unit.ID, err)
	}
	return unit, nil
}

// listItemUnitMappingsCached reads the tenant's mapping list redis-first.
func listItemUnitMappingsCached(ctx context.Context, businessId string) ([]*ItemUnitMapping, error) {
	if cached, err := utils.RetrieveRedisList[ItemUnitMapping](businessId); err == nil && cached != nil {
		return cached, nil
	}
	mappings, err := utils.FetchAllModels[ItemUnitMapping](ctx, businessId)
	if err != nil {
		return nil, err
	}
	if err := utils.StoreRedisList[ItemUnitMapping](mappings, businessId); err != nil {
		config.LogError(config.GetLogger(), "unit.go", "listItemUnitMappingsCached", "failed to cache mapping list", businessId, err)
	}
	return mappings, nil
}

// standard seed units per tenant (factors to g / ml / piece)
var standardUnits = []Unit{
	{Name: "gram", Abbreviation: "g", Dimension: UnitDimensionMass, BaseFactor: decimal.NewFromInt(1)},
	{Name: "kilogram", Abbreviation: "kg", Dimension: UnitDimensionMass, BaseFactor: decimal.NewFromInt(1000)},
	{Name: "ounce", Abbreviation: "oz", Dimension: UnitDimensionMass, BaseFactor: decimal.RequireFromString("28.3495")},
	{Name: "pound", Abbreviation: "lb", Dimension: UnitDimensionMass, BaseFactor: decimal.RequireFromString("453.592")},
	{Name: "millilitre", Abbreviation: "ml", Dimension: UnitDimensionVolume, BaseFactor: decimal.NewFromInt(1)},
	{Name: "litre", Abbreviation: "l", Dimension: UnitDimensionVolume, BaseFactor: decimal.NewFromInt(1000)},
	{Name: "fluid ounce", Abbreviation: "fl-oz", Dimension: UnitDimensionVolume, BaseFactor: decimal.RequireFromString("29.5735")},
	{Name: "piece", Abbreviation: "pc", Dimension: UnitDimensionCount, BaseFactor: decimal.NewFromInt(1)},
	{Name: "dozen", Abbreviation: "dz", Dimension: UnitDimensionCount, BaseFactor: decimal.NewFromInt(12)},
}

// SeedStandardUnits inserts the standard catalog for a new tenant, skipping
// abbreviations that already exist.
func SeedStandardUnits(ctx context.Context, businessId string) error {
	db := config.GetDB()
	for _, unit := range standardUnits {
		if err := utils.ValidateUnique[Unit](ctx, businessId, "abbreviation", unit.Abbreviation, 0); err != nil {
			continue
		}
		record := unit
		record.BusinessId = businessId
		if err := db.WithContext(ctx).Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}

type NewItemUnitMapping struct {
	ItemId int             `json:"item_id" binding:"required"`
	UnitId int             `json:"unit_id" binding:"required"`
	Factor decimal.Decimal `json:"factor" binding:"required"`
}

// CreateItemUnitMapping records a per-item conversion override. This is the
// fix path for missing_unit_mapping errors: the caller saves the factor here
// and replays the failed operation.
func CreateItemUnitMapping(ctx context.Context, businessId string, input *NewItemUnitMapping) (*ItemUnitMapping, error) {
	if !input.Factor.IsPositive() {
		return nil, apperror.NewValidation("factor must be positive")
	}
	if err := utils.ValidateResourceId[InventoryItem](ctx, businessId, input.ItemId); err != nil {
		return nil, apperror.NewNotFound("inventory item", input.ItemId)
	}
	if err := utils.ValidateResourceId[Unit](ctx, businessId, input.UnitId); err != nil {
		return nil, apperror.NewNotFound("unit", input.UnitId)
	}

	mapping := ItemUnitMapping{
		BusinessId: businessId,
		ItemId:     input.ItemId,
		UnitId:     input.UnitId,
		Factor:     input.Factor,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&mapping).Error; err != nil {
		return nil, err
	}
	if err := utils.RemoveRedisList[ItemUnitMapping](businessId); err != nil {
		config.LogError(config.GetLogger(), "unit.go", "CreateItemUnitMapping", "failed to drop mapping list cache", businessId, err)
	}
	return &mapping, nil
}
