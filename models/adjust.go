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

// AdjustmentInput is the dispatcher's request. Amount/Unit are the caller's
// numbers; the dispatcher normalizes them into record units before touching
// the ledger. For recount, Amount is the counted physical quantity.
type AdjustmentInput struct {
	ItemId     int             `json:"item_id" binding:"required"`
	ChangeType ChangeType      `json:"change_type" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	// UnitId defaults to the item's unit of record when zero.
	UnitId int `json:"unit_id"`
	// UnitCost applies to additive operations and cost-override; additive
	// operations default to the item's last cost when omitted.
	UnitCost  *decimal.Decimal `json:"unit_cost"`
	ExpiresAt *time.Time       `json:"expires_at"`
	Note      *string          `json:"note"`
	// LotId targets cost-override at a specific lot.
	LotId *int `json:"lot_id"`
	// NewUnitId is the target unit of record for unit-convert.
	NewUnitId *int `json:"new_unit_id"`
	// IncludeExpired widens the FIFO pool for this one deduction.
	IncludeExpired *bool `json:"include_expired"`
	// edit fields
	Name         *string          `json:"name"`
	Density      *decimal.Decimal `json:"density"`
	CatalogRef   *string          `json:"catalog_ref"`
	IsPerishable *bool            `json:"is_perishable"`
	IsArchived   *bool            `json:"is_archived"`
}

// AdjustmentResult reports what one dispatcher call did to the ledger.
type AdjustmentResult struct {
	Item   *InventoryItem     `json:"item"`
	Events []InventoryHistory `json:"events"`
	// Plan is set for deductive operations.
	Plan *ConsumptionPlan `json:"plan,omitempty"`
}

// AdjustInventory is the single sanctioned entry point for inventory
// mutation. It serializes on the item (redis lock + row lock), normalizes
// units, classifies the change type, applies the mutation and the matching
// history events in one transaction, and writes the outbox feed record.
//
// Validation and resolvable errors are returned, never panicked; integrity
// errors abort the transaction and flag the item for audit.
func AdjustInventory(ctx context.Context, businessId string, userId int, input *AdjustmentInput) (*AdjustmentResult, error) {
	if businessId == "" {
		return nil, apperror.NewValidation("business id is required")
	}
	category, err := input.ChangeType.Category()
	if err != nil {
		return nil, apperror.NewValidation(err.Error())
	}

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, apperror.NewNotFound("business", businessId)
	}

	release, err := utils.ObtainItemLock(ctx, businessId, input.ItemId, "adjust.go", "AdjustInventory")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	var result *AdjustmentResult
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := fetchItemForUpdate(tx, ctx, businessId, input.ItemId)
		if err != nil {
			return err
		}

		result, err = dispatchAdjustment(tx, ctx, business, item, category, input, userId, nil)
		if err != nil {
			return err
		}

		if config.StrictLedgerSyncChecks() && business.TracksInventory() {
			if err := ValidateLedgerSync(tx, ctx, businessId, item.ID); err != nil {
				return err
			}
		}

		return PublishToLedgerFeed(ctx, tx, businessId, item.ID, LedgerReferenceTypeAdjustment, PubSubMessageActionCreate, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// dispatchAdjustment runs inside an open transaction with the item row
// already locked. Batch transitions call it directly so a multi-item start
// stays one atomic transaction.
func dispatchAdjustment(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, category ChangeCategory, input *AdjustmentInput, userId int, batchId *int) (*AdjustmentResult, error) {
	switch category {
	case ChangeCategoryAdditive:
		qtyBase, err := normalizeAmount(ctx, business.ID, item, input)
		if err != nil {
			return nil, err
		}
		return applyAdditive(tx, ctx, business, item, input, qtyBase, userId, batchId)
	case ChangeCategoryDeductive:
		qtyBase, err := normalizeAmount(ctx, business.ID, item, input)
		if err != nil {
			return nil, err
		}
		return applyDeductive(tx, ctx, business, item, input, qtyBase, userId, batchId, false)
	case ChangeCategoryEdit:
		return applyEdit(tx, ctx, business, item, input, userId)
	case ChangeCategorySpecial:
		return applySpecial(tx, ctx, business, item, input, userId)
	}
	return nil, apperror.NewValidation("invalid change category")
}

// normalizeAmount converts the caller's amount into record units and checks
// direction: quantity-changing operations need a positive, finite amount.
func normalizeAmount(ctx context.Context, businessId string, item *InventoryItem, input *AdjustmentInput) (decimal.Decimal, error) {
	if !input.Amount.IsPositive() {
		return decimal.Zero, apperror.NewValidation("amount must be positive")
	}
	if input.UnitId == 0 || input.UnitId == item.UnitId {
		return input.Amount.Round(quantityScale), nil
	}

	fromUnit, err := getUnitCached(ctx, businessId, input.UnitId)
	if err != nil {
		return decimal.Zero, apperror.NewNotFound("unit", input.UnitId)
	}
	itemCtx, err := BuildItemConversionContext(ctx, businessId, item, input)
	if err != nil {
		return decimal.Zero, err
	}
	return ConvertQuantity(input.Amount, fromUnit, itemCtx.RecordUnit, itemCtx)
}

func lotSourceForChangeType(changeType ChangeType) LotSource {
	switch changeType {
	case ChangeTypeInitialStock:
		return LotSourceInitialStock
	case ChangeTypeProductionOutput:
		return LotSourceProductionOutput
	default:
		return LotSourcePurchase
	}
}

// applyAdditive creates a new lot and its single history event.
func applyAdditive(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, input *AdjustmentInput, qtyBase decimal.Decimal, userId int, batchId *int) (*AdjustmentResult, error) {
	unitCost := item.LastUnitCost
	if input.UnitCost != nil {
		if input.UnitCost.IsNegative() {
			return nil, apperror.NewValidation("unit cost must not be negative")
		}
		unitCost = *input.UnitCost
	}

	lot := InventoryLot{
		BusinessId:       business.ID,
		ItemId:           item.ID,
		QtyOriginalBase:  qtyBase,
		QtyRemainingBase: qtyBase,
		UnitCost:         unitCost,
		Source:           lotSourceForChangeType(input.ChangeType),
		ReceivedAt:       time.Now().UTC(),
		ExpiresAt:        input.ExpiresAt,
	}
	if err := tx.WithContext(ctx).Create(&lot).Error; err != nil {
		return nil, err
	}

	event := InventoryHistory{
		BusinessId:   business.ID,
		ItemId:       item.ID,
		LotId:        lot.ID,
		ChangeType:   input.ChangeType,
		QtyDeltaBase: qtyBase,
		UnitCost:     unitCost,
		BatchId:      batchId,
		UserId:       userId,
		Note:         input.Note,
	}
	if err := appendHistory(tx, ctx, &event); err != nil {
		return nil, err
	}

	item.QuantityBase = item.QuantityBase.Add(qtyBase)
	item.LastUnitCost = unitCost
	if err := tx.WithContext(ctx).Model(&InventoryItem{}).
		Where("business_id = ? AND id = ?", business.ID, item.ID).
		Updates(map[string]interface{}{
			"quantity_base":  item.QuantityBase,
			"last_unit_cost": item.LastUnitCost,
		}).Error; err != nil {
		return nil, err
	}

	return &AdjustmentResult{Item: item, Events: []InventoryHistory{event}}, nil
}

// applyDeductive delegates lot selection to the FIFO engine and applies the
// plan: each touched lot is decremented and gets its own negative event.
// Infinite mode skips the quantity math and anchors one event instead.
func applyDeductive(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, input *AdjustmentInput, qtyBase decimal.Decimal, userId int, batchId *int, forceIncludeExpired bool) (*AdjustmentResult, error) {
	if !business.TracksInventory() {
		anchor, err := getOrCreateAnchorLot(tx, ctx, business.ID, item.ID)
		if err != nil {
			return nil, err
		}
		event := InventoryHistory{
			BusinessId:   business.ID,
			ItemId:       item.ID,
			LotId:        anchor.ID,
			ChangeType:   input.ChangeType,
			QtyDeltaBase: qtyBase.Neg(),
			BatchId:      batchId,
			UserId:       userId,
			Note:         input.Note,
		}
		if err := appendHistory(tx, ctx, &event); err != nil {
			return nil, err
		}
		return &AdjustmentResult{Item: item, Events: []InventoryHistory{event}}, nil
	}

	// Recount corrections pin the pool to the whole shelf; the per-request
	// flag cannot narrow it.
	includeExpired := forceIncludeExpired || business.DeductsExpiredLots()
	if input.IncludeExpired != nil && !forceIncludeExpired {
		includeExpired = *input.IncludeExpired
	}

	lots, err := fetchLotsForDeduction(tx, ctx, business.ID, item.ID, includeExpired)
	if err != nil {
		return nil, err
	}

	plan, err := BuildConsumptionPlan(item.ID, lots, qtyBase)
	if err != nil {
		return nil, err
	}

	events := make([]InventoryHistory, 0, len(plan.Consumptions))
	for _, consumption := range plan.Consumptions {
		res := tx.WithContext(ctx).Model(&InventoryLot{}).
			Where("business_id = ? AND id = ? AND qty_remaining_base >= ?", business.ID, consumption.LotId, consumption.Qty).
			Update("qty_remaining_base", gorm.Expr("qty_remaining_base - ?", consumption.Qty))
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected != 1 {
			// the FOR UPDATE read should make this impossible
			return nil, apperror.NewIntegrity(fmt.Sprintf("lot %d changed under deduction", consumption.LotId))
		}

		event := InventoryHistory{
			BusinessId:   business.ID,
			ItemId:       item.ID,
			LotId:        consumption.LotId,
			ChangeType:   input.ChangeType,
			QtyDeltaBase: consumption.Qty.Neg(),
			UnitCost:     consumption.UnitCost,
			BatchId:      batchId,
			UserId:       userId,
			Note:         input.Note,
		}
		if err := appendHistory(tx, ctx, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	item.QuantityBase = item.QuantityBase.Sub(plan.TotalQty)
	if err := tx.WithContext(ctx).Model(&InventoryItem{}).
		Where("business_id = ? AND id = ?", business.ID, item.ID).
		Update("quantity_base", item.QuantityBase).Error; err != nil {
		return nil, err
	}

	return &AdjustmentResult{Item: item, Events: events, Plan: plan}, nil
}

// applyEdit mutates item attributes only; no quantity change. Identity edits
// still land an audit event so the ledger explains later cost/name shifts.
func applyEdit(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, input *AdjustmentInput, userId int) (*AdjustmentResult, error) {
	updates := map[string]interface{}{}
	identityChanged := false
	if input.Name != nil && *input.Name != item.Name {
		updates["name"] = *input.Name
		item.Name = *input.Name
		identityChanged = true
	}
	if input.Density != nil {
		if !input.Density.IsPositive() {
			return nil, apperror.NewValidation("density must be positive")
		}
		updates["density"] = *input.Density
		item.Density = input.Density
	}
	if input.CatalogRef != nil {
		updates["catalog_ref"] = *input.CatalogRef
		item.CatalogRef = input.CatalogRef
	}
	if input.IsPerishable != nil {
		updates["is_perishable"] = *input.IsPerishable
		item.IsPerishable = input.IsPerishable
	}
	if input.IsArchived != nil {
		updates["is_archived"] = *input.IsArchived
		item.IsArchived = input.IsArchived
	}
	if len(updates) == 0 {
		return nil, apperror.NewValidation("nothing to edit")
	}

	if err := tx.WithContext(ctx).Model(&InventoryItem{}).
		Where("business_id = ? AND id = ?", business.ID, item.ID).
		Updates(updates).Error; err != nil {
		return nil, err
	}

	result := &AdjustmentResult{Item: item}
	if identityChanged {
		anchor, err := getOrCreateAnchorLot(tx, ctx, business.ID, item.ID)
		if err != nil {
			return nil, err
		}
		event := InventoryHistory{
			BusinessId:   business.ID,
			ItemId:       item.ID,
			LotId:        anchor.ID,
			ChangeType:   ChangeTypeMetadataEdit,
			QtyDeltaBase: decimal.Zero,
			UserId:       userId,
			Note:         input.Note,
		}
		if err := appendHistory(tx, ctx, &event); err != nil {
			return nil, err
		}
		result.Events = []InventoryHistory{event}
	}
	return result, nil
}

func applySpecial(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, input *AdjustmentInput, userId int) (*AdjustmentResult, error) {
	switch input.ChangeType {
	case ChangeTypeRecount:
		return applyRecount(tx, ctx, business, item, input, userId)
	case ChangeTypeCostOverride:
		return applyCostOverride(tx, ctx, business, item, input, userId)
	case ChangeTypeUnitConvert:
		return applyUnitConvert(tx, ctx, business, item, input, userId)
	}
	return nil, apperror.NewValidation("invalid special change type")
}

// applyRecount takes the counted physical quantity and applies the difference
// to tracked quantity as a correcting event, never a silent overwrite. A
// surplus lands in a new recount-source lot; a deficit walks the FIFO pool
// including expired lots (the count reflects the shelf, so the pool must
// too).
func applyRecount(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, input *AdjustmentInput, userId int) (*AdjustmentResult, error) {
	if !business.TracksInventory() {
		return nil, apperror.NewValidation("recount requires inventory tracking")
	}
	if input.Amount.IsNegative() {
		return nil, apperror.NewValidation("counted quantity must not be negative")
	}

	counted := input.Amount
	if input.UnitId != 0 && input.UnitId != item.UnitId {
		fromUnit, err := getUnitCached(ctx, business.ID, input.UnitId)
		if err != nil {
			return nil, apperror.NewNotFound("unit", input.UnitId)
		}
		itemCtx, err := BuildItemConversionContext(ctx, business.ID, item, input)
		if err != nil {
			return nil, err
		}
		counted, err = ConvertQuantity(counted, fromUnit, itemCtx.RecordUnit, itemCtx)
		if err != nil {
			return nil, err
		}
	}

	delta := counted.Sub(item.QuantityBase)
	if delta.IsZero() {
		return &AdjustmentResult{Item: item}, nil
	}

	correction := *input
	correction.Amount = delta.Abs()
	correction.UnitId = 0 // delta is already in record units
	if delta.IsPositive() {
		correction.ChangeType = ChangeTypeRecount
		return applyRecountSurplus(tx, ctx, business, item, &correction, delta, userId)
	}
	correction.ChangeType = ChangeTypeRecount
	return applyDeductive(tx, ctx, business, item, &correction, delta.Abs(), userId, nil, true)
}

func applyRecountSurplus(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, input *AdjustmentInput, delta decimal.Decimal, userId int) (*AdjustmentResult, error) {
	lot := InventoryLot{
		BusinessId:       business.ID,
		ItemId:           item.ID,
		QtyOriginalBase:  delta,
		QtyRemainingBase: delta,
		UnitCost:         item.LastUnitCost,
		Source:           LotSourceRecount,
		ReceivedAt:       time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&lot).Error; err != nil {
		return nil, err
	}

	event := InventoryHistory{
		BusinessId:   business.ID,
		ItemId:       item.ID,
		LotId:        lot.ID,
		ChangeType:   ChangeTypeRecount,
		QtyDeltaBase: delta,
		UnitCost:     item.LastUnitCost,
		UserId:       userId,
		Note:         input.Note,
	}
	if err := appendHistory(tx, ctx, &event); err != nil {
		return nil, err
	}

	item.QuantityBase = item.QuantityBase.Add(delta)
	if err := tx.WithContext(ctx).Model(&InventoryItem{}).
		Where("business_id = ? AND id = ?", business.ID, item.ID).
		Update("quantity_base", item.QuantityBase).Error; err != nil {
		return nil, err
	}
	return &AdjustmentResult{Item: item, Events: []InventoryHistory{event}}, nil
}

// applyCostOverride rewrites the cost basis of one specific lot, with an
// explicit zero-delta audit event on that lot.
func applyCostOverride(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, input *AdjustmentInput, userId int) (*AdjustmentResult, error) {
	if input.LotId == nil {
		return nil, apperror.NewValidation("lot_id is required for cost-override")
	}
	if input.UnitCost == nil || input.UnitCost.IsNegative() {
		return nil, apperror.NewValidation("unit_cost is required and must not be negative")
	}

	var lot InventoryLot
	err := tx.WithContext(ctx).
		Where("business_id = ? AND item_id = ? AND id = ?", business.ID, item.ID, *input.LotId).
		Clauses(forUpdateClause()).
		First(&lot).Error
	if err != nil {
		return nil, apperror.NewNotFound("inventory lot", *input.LotId)
	}
	if lot.Source == LotSourceInfiniteAnchor {
		return nil, apperror.NewValidation("cannot override cost on an anchor lot")
	}

	oldCost := lot.UnitCost
	if err := tx.WithContext(ctx).Model(&InventoryLot{}).
		Where("business_id = ? AND id = ?", business.ID, lot.ID).
		Update("unit_cost", *input.UnitCost).Error; err != nil {
		return nil, err
	}

	note := fmt.Sprintf("cost override %s -> %s", oldCost, *input.UnitCost)
	if input.Note != nil {
		note = note + "; " + *input.Note
	}
	event := InventoryHistory{
		BusinessId:   business.ID,
		ItemId:       item.ID,
		LotId:        lot.ID,
		ChangeType:   ChangeTypeCostOverride,
		QtyDeltaBase: decimal.Zero,
		UnitCost:     *input.UnitCost,
		UserId:       userId,
		Note:         &note,
	}
	if err := appendHistory(tx, ctx, &event); err != nil {
		return nil, err
	}
	return &AdjustmentResult{Item: item, Events: []InventoryHistory{event}}, nil
}

// applyUnitConvert re-expresses the item's unit of record. Every lot quantity
// is rescaled by the conversion factor and every cost by its inverse, so the
// conservation invariant and the asset value both carry over.
func applyUnitConvert(tx *gorm.DB, ctx context.Context, business *Business, item *InventoryItem, input *AdjustmentInput, userId int) (*AdjustmentResult, error) {
	if input.NewUnitId == nil {
		return nil, apperror.NewValidation("new_unit_id is required for unit-convert")
	}
	if *input.NewUnitId == item.UnitId {
		return nil, apperror.NewValidation("item already uses this unit")
	}

	// An in-progress batch holds deduction events denominated in the current
	// unit of record; a cancel after the convert would restore them at the
	// wrong scale. The convert must wait until the batch settles.
	var openLines int64
	if err := tx.WithContext(ctx).Model(&BatchLineItem{}).
		Joins("JOIN batches ON batches.id = batch_line_items.batch_id AND batches.business_id = batch_line_items.business_id").
		Where("batch_line_items.business_id = ? AND batch_line_items.item_id = ? AND batches.status = ?",
			business.ID, item.ID, BatchStatusInProgress).
		Count(&openLines).Error; err != nil {
		return nil, err
	}
	if openLines > 0 {
		return nil, apperror.NewConflict("unit-convert is blocked while an in-progress batch consumes this item")
	}

	newUnit, err := getUnitCached(ctx, business.ID, *input.NewUnitId)
	if err != nil {
		return nil, apperror.NewNotFound("unit", *input.NewUnitId)
	}
	itemCtx, err := BuildItemConversionContext(ctx, business.ID, item, input)
	if err != nil {
		return nil, err
	}

	// factor = how many new units one record unit becomes
	factor, err := ConvertQuantity(decimal.NewFromInt(1), itemCtx.RecordUnit, newUnit, itemCtx)
	if err != nil {
		return nil, err
	}
	if !factor.IsPositive() {
		return nil, apperror.NewValidation("conversion factor must be positive")
	}

	var lots []InventoryLot
	if err := tx.WithContext(ctx).
		Where("business_id = ? AND item_id = ? AND source <> ?", business.ID, item.ID, LotSourceInfiniteAnchor).
		Clauses(forUpdateClause()).
		Find(&lots).Error; err != nil {
		return nil, err
	}
	// The cache is recomputed from the rescaled remainders rather than scaled
	// independently, so per-lot rounding cannot break the conservation
	// invariant.
	newCached := decimal.Zero
	for _, lot := range lots {
		newRemaining := lot.QtyRemainingBase.Mul(factor).Round(quantityScale)
		if err := tx.WithContext(ctx).Model(&InventoryLot{}).
			Where("business_id = ? AND id = ?", business.ID, lot.ID).
			Updates(map[string]interface{}{
				"qty_original_base":  lot.QtyOriginalBase.Mul(factor).Round(quantityScale),
				"qty_remaining_base": newRemaining,
				"unit_cost":          lot.UnitCost.Div(factor).Round(quantityScale),
			}).Error; err != nil {
			return nil, err
		}
		newCached = newCached.Add(newRemaining)
	}

	item.QuantityBase = newCached
	item.LastUnitCost = item.LastUnitCost.Div(factor).Round(quantityScale)
	item.UnitId = newUnit.ID
	if err := tx.WithContext(ctx).Model(&InventoryItem{}).
		Where("business_id = ? AND id = ?", business.ID, item.ID).
		Updates(map[string]interface{}{
			"unit_id":        item.UnitId,
			"quantity_base":  item.QuantityBase,
			"last_unit_cost": item.LastUnitCost,
		}).Error; err != nil {
		return nil, err
	}

	anchor, err := getOrCreateAnchorLot(tx, ctx, business.ID, item.ID)
	if err != nil {
		return nil, err
	}
	note := fmt.Sprintf("unit of record changed from unit %d to unit %d (factor %s)", itemCtx.RecordUnit.ID, newUnit.ID, factor)
	if input.Note != nil {
		note = note + "; " + *input.Note
	}
	event := InventoryHistory{
		BusinessId:   business.ID,
		ItemId:       item.ID,
		LotId:        anchor.ID,
		ChangeType:   ChangeTypeUnitConvert,
		QtyDeltaBase: decimal.Zero,
		UserId:       userId,
		Note:         &note,
	}
	if err := appendHistory(tx, ctx, &event); err != nil {
		return nil, err
	}
	return &AdjustmentResult{Item: item, Events: []InventoryHistory{event}}, nil
}
