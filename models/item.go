package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryItem is one stocked thing per tenant. QuantityBase caches the sum
// of active lot remainders (anchor lots excluded); every ledger mutation keeps
// the cache and the lot sum equal within the same transaction.
type InventoryItem struct {
	ID         int      `gorm:"primary_key" json:"id"`
	BusinessId string   `gorm:"size:64;not null;index" json:"business_id"`
	Name       string   `gorm:"size:100;not null" json:"name"`
	Kind       ItemKind `gorm:"type:enum('ingredient','container','consumable','product');default:'ingredient'" json:"kind"`
	UnitId     int      `gorm:"not null" json:"unit_id"`
	// QuantityBase is the cached stock on hand in record units.
	QuantityBase decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_base"`
	LastUnitCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"last_unit_cost"`
	// Density in g/ml for mass<->volume conversion; nil until supplied.
	Density *decimal.Decimal `gorm:"type:decimal(20,8)" json:"density"`
	// CatalogRef is a non-owning pointer into the shared catalog. The catalog
	// entry may disappear without affecting this item.
	CatalogRef   *string   `gorm:"size:100" json:"catalog_ref"`
	IsPerishable *bool     `gorm:"not null;default:false" json:"is_perishable"`
	IsArchived   *bool     `gorm:"not null;default:false" json:"is_archived"`
	NeedsAudit   *bool     `gorm:"not null;default:false" json:"needs_audit"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewInventoryItem struct {
	Name         string           `json:"name" binding:"required,max=100"`
	Kind         ItemKind         `json:"kind" binding:"required"`
	UnitId       int              `json:"unit_id" binding:"required"`
	Density      *decimal.Decimal `json:"density"`
	CatalogRef   *string          `json:"catalog_ref"`
	IsPerishable *bool            `json:"is_perishable"`
}

func (input *NewInventoryItem) validate(ctx context.Context, businessId string) error {
	if !input.Kind.Valid() {
		return apperror.NewValidation("invalid item kind")
	}
	if err := utils.ValidateResourceId[Unit](ctx, businessId, input.UnitId); err != nil {
		return apperror.NewNotFound("unit", input.UnitId)
	}
	if input.Density != nil && !input.Density.IsPositive() {
		return apperror.NewValidation("density must be positive")
	}
	return nil
}

func CreateInventoryItem(ctx context.Context, businessId string, input *NewInventoryItem) (*InventoryItem, error) {
	if err := input.validate(ctx, businessId); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[InventoryItem](ctx, businessId, "name", input.Name, 0); err != nil {
		return nil, apperror.NewConflict("item name already in use")
	}

	item := InventoryItem{
		BusinessId:   businessId,
		Name:         input.Name,
		Kind:         input.Kind,
		UnitId:       input.UnitId,
		Density:      input.Density,
		CatalogRef:   input.CatalogRef,
		IsPerishable: input.IsPerishable,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetInventoryItem(ctx context.Context, businessId string, id int) (*InventoryItem, error) {
	item, err := utils.FetchModel[InventoryItem](ctx, businessId, id)
	if err != nil {
		return nil, apperror.NewNotFound("inventory item", id)
	}
	return item, nil
}

// fetchItemForUpdate reloads the item row under FOR UPDATE so concurrent
// adjustments serialize on it.
func fetchItemForUpdate(tx *gorm.DB, ctx context.Context, businessId string, id int) (*InventoryItem, error) {
	var item InventoryItem
	err := tx.WithContext(ctx).
		Raw("SELECT * FROM inventory_items WHERE business_id = ? AND id = ? FOR UPDATE", businessId, id).
		Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, apperror.NewNotFound("inventory item", id)
	}
	return &item, nil
}

// ValidateLedgerSync recomputes the lot sum and compares it to the cached
// quantity. A mismatch is an integrity error: the item is flagged for manual
// audit, never silently corrected.
func ValidateLedgerSync(tx *gorm.DB, ctx context.Context, businessId string, itemId int) error {
	var lotSum decimal.NullDecimal
	err := tx.WithContext(ctx).Model(&InventoryLot{}).
		Where("business_id = ? AND item_id = ? AND source <> ?", businessId, itemId, LotSourceInfiniteAnchor).
		Select("COALESCE(SUM(qty_remaining_base), 0)").
		Scan(&lotSum).Error
	if err != nil {
		return err
	}

	var cached decimal.Decimal
	err = tx.WithContext(ctx).Model(&InventoryItem{}).
		Where("business_id = ? AND id = ?", businessId, itemId).
		Select("quantity_base").
		Scan(&cached).Error
	if err != nil {
		return err
	}

	sum := decimal.Zero
	if lotSum.Valid {
		sum = lotSum.Decimal
	}
	if !sum.Equal(cached) {
		flagItemForAudit(ctx, businessId, itemId)
		return apperror.NewIntegrity(
			fmt.Sprintf("ledger out of sync for item %d: lot sum %s, cached %s", itemId, sum, cached))
	}
	return nil
}

// flagItemForAudit runs outside the failing transaction on purpose: the flag
// must survive the rollback.
func flagItemForAudit(ctx context.Context, businessId string, itemId int) {
	db := config.GetDB()
	logger := config.GetLogger()
	err := db.WithContext(ctx).Model(&InventoryItem{}).
		Where("business_id = ? AND id = ?", businessId, itemId).
		Update("needs_audit", true).Error
	if err != nil {
		config.LogError(logger, "item.go", "flagItemForAudit", "failed to flag item", itemId, err)
	}
}

// ItemAvailability is the stock-check projection: a hint, not a lock.
type ItemAvailability struct {
	Sufficient bool            `json:"sufficient"`
	Available  decimal.Decimal `json:"available"`
	Shortage   decimal.Decimal `json:"shortage"`
}

// CheckAvailability answers "can this many record units be supplied now" from
// the active lot pool, without mutating anything. Expired lots follow the
// tenant's deduction policy so the answer matches what a real deduction
// would see.
func CheckAvailability(ctx context.Context, businessId string, itemId int, amount decimal.Decimal, unitId int) (*ItemAvailability, error) {
	if amount.IsNegative() {
		return nil, apperror.NewValidation("amount must not be negative")
	}

	item, err := GetInventoryItem(ctx, businessId, itemId)
	if err != nil {
		return nil, err
	}

	required := amount
	if unitId != 0 && unitId != item.UnitId {
		fromUnit, err := utils.FetchModel[Unit](ctx, businessId, unitId)
		if err != nil {
			return nil, apperror.NewNotFound("unit", unitId)
		}
		itemCtx, err := BuildItemConversionContext(ctx, businessId, item, nil)
		if err != nil {
			return nil, err
		}
		required, err = ConvertQuantity(amount, fromUnit, itemCtx.RecordUnit, itemCtx)
		if err != nil {
			return nil, err
		}
	}

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, err
	}
	if !business.TracksInventory() {
		// infinite mode never runs out
		return &ItemAvailability{Sufficient: true, Available: required, Shortage: decimal.Zero}, nil
	}

	db := config.GetDB()
	available, err := sumDeductibleLots(db, ctx, businessId, itemId, business.DeductsExpiredLots())
	if err != nil {
		return nil, err
	}

	result := &ItemAvailability{Available: available, Shortage: decimal.Zero}
	if available.GreaterThanOrEqual(required) {
		result.Sufficient = true
	} else {
		result.Shortage = required.Sub(available)
	}
	return result, nil
}

func sumDeductibleLots(db *gorm.DB, ctx context.Context, businessId string, itemId int, includeExpired bool) (decimal.Decimal, error) {
	dbCtx := db.WithContext(ctx).Model(&InventoryLot{}).
		Where("business_id = ? AND item_id = ? AND source <> ? AND qty_remaining_base > 0",
			businessId, itemId, LotSourceInfiniteAnchor)
	if !includeExpired {
		dbCtx = dbCtx.Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC())
	}
	var sum decimal.NullDecimal
	if err := dbCtx.Select("COALESCE(SUM(qty_remaining_base), 0)").Scan(&sum).Error; err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}
