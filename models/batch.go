package models

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const batchStartHandler = "batch-start"

// Batch is one production run. SnapshotJSON is the frozen PlanSnapshot,
// persisted on successful start and never mutated afterward. Line items track
// actual consumption, which can exceed the plan through add-extra.
type Batch struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index;index:uniq_batch_seq,unique,priority:1" json:"business_id"`
	// SequenceNo is the per-tenant batch number shown to users; ids are global.
	SequenceNo   int64           `gorm:"not null;index:uniq_batch_seq,unique,priority:2" json:"sequence_no"`
	RecipeId     int             `gorm:"index" json:"recipe_id"`
	Status       BatchStatus     `gorm:"type:enum('planned','in_progress','completed','cancelled','failed');default:'planned';index" json:"status"`
	SnapshotJSON []byte          `gorm:"type:blob" json:"snapshot_json"`
	ActualYield  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"actual_yield"`
	FailureNote  *string         `gorm:"type:text" json:"failure_note"`
	StartedAt    *time.Time      `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at"`
	LineItems    []BatchLineItem `gorm:"foreignKey:BatchId" json:"line_items"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BatchLineItem records actual consumption per item. One line item maps onto
// one or more history events (a deduction may span multiple lots).
type BatchLineItem struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;not null;index" json:"business_id"`
	BatchId        int             `gorm:"not null;index" json:"batch_id"`
	ItemId         int             `gorm:"not null;index" json:"item_id"`
	PlannedQtyBase decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"planned_qty_base"`
	ActualQtyBase  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"actual_qty_base"`
	AvgUnitCost    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"avg_unit_cost"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *PlanSnapshot) validate() error {
	if len(s.IngredientsPlan) == 0 {
		return apperror.NewValidation("plan snapshot has no ingredient lines")
	}
	if !s.Scale.IsPositive() {
		return apperror.NewValidation("scale must be positive")
	}
	for _, line := range s.deductionLines() {
		if !line.Qty.IsPositive() {
			return apperror.NewValidation("plan quantities must be positive")
		}
	}
	return nil
}

// StartBatch runs planned -> in_progress: every snapshot line is deducted
// through the dispatcher inside one transaction. Any line failure rolls the
// whole transaction back and no batch is created. The client-supplied
// idempotency token makes retries at-most-once.
func StartBatch(ctx context.Context, businessId string, userId int, snapshot *PlanSnapshot, idempotencyToken string) (*Batch, error) {
	if businessId == "" {
		return nil, apperror.NewValidation("business id is required")
	}
	if idempotencyToken == "" {
		return nil, apperror.NewValidation("idempotency token is required")
	}
	if err := snapshot.validate(); err != nil {
		return nil, err
	}

	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, apperror.NewNotFound("business", businessId)
	}

	idem, err := claimIdempotencyKey(ctx, businessId, batchStartHandler, idempotencyToken)
	if err != nil {
		return nil, err
	}
	if idem.Status == IdempotencyStatusSucceeded {
		if idem.ResultRef == nil {
			return nil, apperror.NewIntegrity("idempotency record lost its batch reference")
		}
		return GetBatch(ctx, businessId, *idem.ResultRef)
	}

	// Serialize all stock mutation for the tenant while the multi-item
	// transaction runs.
	release, err := utils.ObtainBusinessLock(ctx, businessId, "stockLock", "batch.go", "StartBatch")
	if err != nil {
		settleIdempotencyKey(ctx, idem, IdempotencyStatusFailed, nil, err)
		return nil, err
	}
	defer release()

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		settleIdempotencyKey(ctx, idem, IdempotencyStatusFailed, nil, err)
		return nil, err
	}

	seqNo, err := utils.GetSequence[Batch](ctx, businessId)
	if err != nil {
		settleIdempotencyKey(ctx, idem, IdempotencyStatusFailed, nil, err)
		return nil, err
	}

	db := config.GetDB()
	now := time.Now().UTC()
	batch := Batch{
		BusinessId:   businessId,
		SequenceNo:   seqNo,
		RecipeId:     snapshot.RecipeId,
		Status:       BatchStatusInProgress,
		SnapshotJSON: snapshotJSON,
		StartedAt:    &now,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}

		for _, line := range snapshot.deductionLines() {
			item, err := fetchItemForUpdate(tx, ctx, businessId, line.ItemId)
			if err != nil {
				return err
			}
			input := &AdjustmentInput{
				ItemId:     line.ItemId,
				ChangeType: ChangeTypeUse,
				Amount:     line.Qty,
				UnitId:     line.UnitId,
			}
			result, err := dispatchAdjustment(tx, ctx, business, item, ChangeCategoryDeductive, input, userId, &batch.ID)
			if err != nil {
				return err
			}

			lineItem := BatchLineItem{
				BusinessId:     businessId,
				BatchId:        batch.ID,
				ItemId:         line.ItemId,
				PlannedQtyBase: consumedQty(result),
				ActualQtyBase:  consumedQty(result),
			}
			if result.Plan != nil {
				lineItem.AvgUnitCost = result.Plan.AvgUnitCost
			}
			if err := tx.Create(&lineItem).Error; err != nil {
				return err
			}
		}

		return PublishToLedgerFeed(ctx, tx, businessId, batch.ID, LedgerReferenceTypeBatch, PubSubMessageActionCreate, &batch)
	})
	if err != nil {
		settleIdempotencyKey(ctx, idem, IdempotencyStatusFailed, nil, err)
		return nil, err
	}

	settleIdempotencyKey(ctx, idem, IdempotencyStatusSucceeded, &batch.ID, nil)
	return GetBatch(ctx, businessId, batch.ID)
}

func consumedQty(result *AdjustmentResult) decimal.Decimal {
	if result.Plan != nil {
		return result.Plan.TotalQty
	}
	// infinite mode: events carry the delta
	total := decimal.Zero
	for _, event := range result.Events {
		total = total.Add(event.QtyDeltaBase.Abs())
	}
	return total
}

// claimIdempotencyKey inserts (or takes over) the token row in its own small
// transaction, so the claim survives a rollback of the main work.
func claimIdempotencyKey(ctx context.Context, businessId, handler, token string) (*IdempotencyKey, error) {
	db := config.GetDB()
	record := IdempotencyKey{
		BusinessId:  businessId,
		HandlerName: handler,
		MessageId:   token,
		Status:      IdempotencyStatusStarted,
	}
	err := db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return &record, nil
	}
	if !isDuplicateKeyError(err) {
		return nil, err
	}

	var existing IdempotencyKey
	if err := db.WithContext(ctx).
		Where("business_id = ? AND handler_name = ? AND message_id = ?", businessId, handler, token).
		First(&existing).Error; err != nil {
		return nil, err
	}
	switch existing.Status {
	case IdempotencyStatusSucceeded:
		return &existing, nil
	case IdempotencyStatusStarted:
		return nil, apperror.NewIdempotencyConflict(token)
	case IdempotencyStatusFailed:
		// earlier attempt failed cleanly; take the token over
		if err := db.WithContext(ctx).Model(&existing).
			Updates(map[string]interface{}{"status": IdempotencyStatusStarted, "last_error": nil}).Error; err != nil {
			return nil, err
		}
		existing.Status = IdempotencyStatusStarted
		return &existing, nil
	}
	return nil, apperror.NewIntegrity("idempotency record in unknown status " + string(existing.Status))
}

func settleIdempotencyKey(ctx context.Context, record *IdempotencyKey, status IdempotencyStatus, resultRef *int, cause error) {
	db := config.GetDB()
	updates := map[string]interface{}{"status": status}
	if resultRef != nil {
		updates["result_ref"] = *resultRef
	}
	if cause != nil {
		msg := cause.Error()
		updates["last_error"] = msg
	}
	if err := db.WithContext(ctx).Model(record).Updates(updates).Error; err != nil {
		config.LogError(config.GetLogger(), "batch.go", "settleIdempotencyKey", "failed to settle idempotency key", record.ID, err)
	}
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}

func GetBatch(ctx context.Context, businessId string, id int) (*Batch, error) {
	batch, err := utils.FetchModel[Batch](ctx, businessId, id, "LineItems")
	if err != nil {
		return nil, apperror.NewNotFound("batch", id)
	}
	return batch, nil
}

// fetchBatchForTransition reloads the batch row under FOR UPDATE and checks
// the state machine before any transition work starts.
func fetchBatchForTransition(tx *gorm.DB, ctx context.Context, businessId string, id int, next BatchStatus) (*Batch, error) {
	var batch Batch
	err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		Clauses(forUpdateClause()).
		First(&batch, id).Error
	if err != nil {
		return nil, apperror.NewNotFound("batch", id)
	}
	if !batch.Status.CanTransitionTo(next) {
		return nil, apperror.NewInvalidTransition("batch", string(batch.Status), string(next))
	}
	return &batch, nil
}

// AddExtraInput is one mid-run deduction beyond the frozen plan.
type AddExtraInput struct {
	ItemId int             `json:"item_id" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
	UnitId int             `json:"unit_id"`
	Note   *string         `json:"note"`
}

// AddExtraItem appends a deduction to the batch's actuals. The stored
// PlanSnapshot is not touched.
func AddExtraItem(ctx context.Context, businessId string, userId int, batchId int, input *AddExtraInput) (*Batch, error) {
	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, apperror.NewNotFound("business", businessId)
	}

	release, err := utils.ObtainItemLock(ctx, businessId, input.ItemId, "batch.go", "AddExtraItem")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := getInProgressBatch(tx, ctx, businessId, batchId)
		if err != nil {
			return err
		}

		item, err := fetchItemForUpdate(tx, ctx, businessId, input.ItemId)
		if err != nil {
			return err
		}
		adjInput := &AdjustmentInput{
			ItemId:     input.ItemId,
			ChangeType: ChangeTypeUse,
			Amount:     input.Amount,
			UnitId:     input.UnitId,
			Note:       input.Note,
		}
		result, err := dispatchAdjustment(tx, ctx, business, item, ChangeCategoryDeductive, adjInput, userId, &batch.ID)
		if err != nil {
			return err
		}

		return upsertLineItemActuals(tx, ctx, businessId, batch.ID, input.ItemId, consumedQty(result), result)
	})
	if err != nil {
		return nil, err
	}
	return GetBatch(ctx, businessId, batchId)
}

func getInProgressBatch(tx *gorm.DB, ctx context.Context, businessId string, id int) (*Batch, error) {
	var batch Batch
	err := tx.WithContext(ctx).
		Where("business_id = ?", businessId).
		Clauses(forUpdateClause()).
		First(&batch, id).Error
	if err != nil {
		return nil, apperror.NewNotFound("batch", id)
	}
	if batch.Status != BatchStatusInProgress {
		return nil, apperror.NewInvalidTransition("batch", string(batch.Status), string(BatchStatusInProgress))
	}
	return &batch, nil
}

func upsertLineItemActuals(tx *gorm.DB, ctx context.Context, businessId string, batchId, itemId int, qty decimal.Decimal, result *AdjustmentResult) error {
	var lineItem BatchLineItem
	err := tx.WithContext(ctx).
		Where("business_id = ? AND batch_id = ? AND item_id = ?", businessId, batchId, itemId).
		First(&lineItem).Error
	if err == gorm.ErrRecordNotFound {
		lineItem = BatchLineItem{
			BusinessId:    businessId,
			BatchId:       batchId,
			ItemId:        itemId,
			ActualQtyBase: qty,
		}
		if result.Plan != nil {
			lineItem.AvgUnitCost = result.Plan.AvgUnitCost
		}
		return tx.Create(&lineItem).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"actual_qty_base": lineItem.ActualQtyBase.Add(qty),
	}
	if result.Plan != nil {
		// blend the cost basis over the combined quantity
		combined := lineItem.ActualQtyBase.Add(qty)
		if combined.IsPositive() {
			blended := lineItem.AvgUnitCost.Mul(lineItem.ActualQtyBase).
				Add(result.Plan.AvgUnitCost.Mul(qty)).
				Div(combined).Round(quantityScale)
			updates["avg_unit_cost"] = blended
		}
	}
	return tx.WithContext(ctx).Model(&lineItem).Updates(updates).Error
}

// FinishInput carries the final actual yield plus any output items to restock
// (intermediate goods or finished-product lots).
type FinishInput struct {
	ActualYield decimal.Decimal `json:"actual_yield"`
	Outputs     []BatchOutput   `json:"outputs" binding:"dive"`
	Note        *string         `json:"note"`
}

type BatchOutput struct {
	ItemId   int              `json:"item_id" binding:"required"`
	Qty      decimal.Decimal  `json:"qty" binding:"required"`
	UnitId   int              `json:"unit_id"`
	UnitCost *decimal.Decimal `json:"unit_cost"`
}

// FinishBatch runs in_progress -> completed. Over/under-consumption versus
// the plan gets no retroactive correction (actuals already reflect real
// deductions); output items land as production-output lots.
func FinishBatch(ctx context.Context, businessId string, userId int, batchId int, input *FinishInput) (*Batch, error) {
	if input.ActualYield.IsNegative() {
		return nil, apperror.NewValidation("actual yield must not be negative")
	}
	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, apperror.NewNotFound("business", businessId)
	}

	release, err := utils.ObtainBusinessLock(ctx, businessId, "stockLock", "batch.go", "FinishBatch")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := fetchBatchForTransition(tx, ctx, businessId, batchId, BatchStatusCompleted)
		if err != nil {
			return err
		}

		for _, output := range input.Outputs {
			if !output.Qty.IsPositive() {
				return apperror.NewValidation("output qty must be positive")
			}
			item, err := fetchItemForUpdate(tx, ctx, businessId, output.ItemId)
			if err != nil {
				return err
			}
			adjInput := &AdjustmentInput{
				ItemId:     output.ItemId,
				ChangeType: ChangeTypeProductionOutput,
				Amount:     output.Qty,
				UnitId:     output.UnitId,
				UnitCost:   output.UnitCost,
				Note:       input.Note,
			}
			if _, err := dispatchAdjustment(tx, ctx, business, item, ChangeCategoryAdditive, adjInput, userId, &batch.ID); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		if err := tx.WithContext(ctx).Model(&Batch{}).
			Where("business_id = ? AND id = ?", businessId, batchId).
			Updates(map[string]interface{}{
				"status":       BatchStatusCompleted,
				"actual_yield": input.ActualYield,
				"finished_at":  now,
			}).Error; err != nil {
			return err
		}

		return PublishToLedgerFeed(ctx, tx, businessId, batchId, LedgerReferenceTypeBatch, PubSubMessageActionUpdate, batch)
	})
	if err != nil {
		return nil, err
	}
	return GetBatch(ctx, businessId, batchId)
}

// CancelBatch runs in_progress -> cancelled: every deduction performed during
// start/add-extra is reversed by an equal-and-opposite restock against the
// same lot, linked to the original event. The batch's net ledger footprint is
// zero afterward. Always succeeds from in_progress by construction.
func CancelBatch(ctx context.Context, businessId string, userId int, batchId int, note *string) (*Batch, error) {
	business, err := GetBusinessById(ctx, businessId)
	if err != nil {
		return nil, apperror.NewNotFound("business", businessId)
	}

	release, err := utils.ObtainBusinessLock(ctx, businessId, "stockLock", "batch.go", "CancelBatch")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := fetchBatchForTransition(tx, ctx, businessId, batchId, BatchStatusCancelled)
		if err != nil {
			return err
		}

		var deductions []InventoryHistory
		if err := tx.WithContext(ctx).
			Where("business_id = ? AND batch_id = ? AND is_reversal = ? AND qty_delta_base < 0", businessId, batchId, false).
			Order("id ASC").
			Find(&deductions).Error; err != nil {
			return err
		}

		restoredPerItem := make(map[int]decimal.Decimal)
		for _, deduction := range deductions {
			restore := deduction.QtyDeltaBase.Neg()

			if business.TracksInventory() {
				if err := tx.WithContext(ctx).Model(&InventoryLot{}).
					Where("business_id = ? AND id = ? AND source <> ?", businessId, deduction.LotId, LotSourceInfiniteAnchor).
					Update("qty_remaining_base", gorm.Expr("qty_remaining_base + ?", restore)).Error; err != nil {
					return err
				}
			}

			reversal := InventoryHistory{
				BusinessId:        businessId,
				ItemId:            deduction.ItemId,
				LotId:             deduction.LotId,
				ChangeType:        ChangeTypeRestock,
				QtyDeltaBase:      restore,
				UnitCost:          deduction.UnitCost,
				BatchId:           &batchId,
				UserId:            userId,
				Note:              note,
				IsReversal:        true,
				ReversesHistoryId: &deduction.ID,
			}
			if err := appendHistory(tx, ctx, &reversal); err != nil {
				return err
			}

			restoredPerItem[deduction.ItemId] = restoredPerItem[deduction.ItemId].Add(restore)
		}

		if business.TracksInventory() {
			for itemId, restored := range restoredPerItem {
				if err := tx.WithContext(ctx).Model(&InventoryItem{}).
					Where("business_id = ? AND id = ?", businessId, itemId).
					Update("quantity_base", gorm.Expr("quantity_base + ?", restored)).Error; err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		if err := tx.WithContext(ctx).Model(&Batch{}).
			Where("business_id = ? AND id = ?", businessId, batchId).
			Updates(map[string]interface{}{
				"status":       BatchStatusCancelled,
				"failure_note": note,
				"finished_at":  now,
			}).Error; err != nil {
			return err
		}

		return PublishToLedgerFeed(ctx, tx, businessId, batchId, LedgerReferenceTypeBatch, PubSubMessageActionUpdate, batch)
	})
	if err != nil {
		return nil, err
	}
	return GetBatch(ctx, businessId, batchId)
}

// FailBatch runs in_progress -> failed. Deductions are NOT reversed: the
// material was consumed even though the run did not succeed. Deliberate
// asymmetry with cancel.
func FailBatch(ctx context.Context, businessId string, userId int, batchId int, note *string) (*Batch, error) {
	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := fetchBatchForTransition(tx, ctx, businessId, batchId, BatchStatusFailed)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.WithContext(ctx).Model(&Batch{}).
			Where("business_id = ? AND id = ?", businessId, batchId).
			Updates(map[string]interface{}{
				"status":       BatchStatusFailed,
				"failure_note": note,
				"finished_at":  now,
			}).Error; err != nil {
			return err
		}

		return PublishToLedgerFeed(ctx, tx, businessId, batchId, LedgerReferenceTypeBatch, PubSubMessageActionUpdate, batch)
	})
	if err != nil {
		return nil, err
	}
	return GetBatch(ctx, businessId, batchId)
}
