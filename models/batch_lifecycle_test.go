package models_test

import (
	"context"
	"testing"

	"bitbucket.org/craftfocus/makerbooks_backend/apperror"
	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/models"
	"github.com/shopspring/decimal"
)

type batchFixture struct {
	gramUnit *models.Unit
	pcUnit   *models.Unit
	flour    *models.InventoryItem
	sugar    *models.InventoryItem
	jar      *models.InventoryItem
	granola  *models.InventoryItem
	recipe   *models.Recipe
}

func setupBatchFixture(t *testing.T, ctx context.Context, businessID string) *batchFixture {
	t.Helper()

	f := &batchFixture{
		gramUnit: unitByAbbreviation(t, ctx, businessID, "g"),
		pcUnit:   unitByAbbreviation(t, ctx, businessID, "pc"),
	}
	f.flour = mustCreateItem(t, ctx, businessID, "Oat Flour", models.ItemKindIngredient, f.gramUnit.ID)
	f.sugar = mustCreateItem(t, ctx, businessID, "Brown Sugar", models.ItemKindIngredient, f.gramUnit.ID)
	f.jar = mustCreateItem(t, ctx, businessID, "500ml Jar", models.ItemKindContainer, f.pcUnit.ID)
	f.granola = mustCreateItem(t, ctx, businessID, "House Granola", models.ItemKindProduct, f.gramUnit.ID)

	mustRestock(t, ctx, businessID, f.flour.ID, 10000, 2, nil)
	mustRestock(t, ctx, businessID, f.sugar.ID, 5000, 3, nil)
	mustRestock(t, ctx, businessID, f.jar.ID, 100, 1, nil)

	recipe, err := models.CreateRecipe(ctx, businessID, &models.NewRecipe{
		Name:      "House Granola",
		BatchType: "bakery",
		YieldQty:  decimal.NewFromInt(1000),
		YieldUnit: f.gramUnit.ID,
		Lines: []models.NewRecipeLine{
			{ItemId: f.flour.ID, Qty: decimal.NewFromInt(500), UnitId: f.gramUnit.ID},
			{ItemId: f.sugar.ID, Qty: decimal.NewFromInt(200), UnitId: f.gramUnit.ID},
		},
		Containers: []models.NewRecipeContainer{
			{ItemId: f.jar.ID, Count: 2},
		},
	})
	if err != nil {
		t.Fatalf("CreateRecipe: %v", err)
	}
	f.recipe = recipe
	return f
}

func (f *batchFixture) snapshot(t *testing.T, scale int64) *models.PlanSnapshot {
	t.Helper()
	snapshot, err := models.BuildPlanSnapshot(f.recipe, decimal.NewFromInt(scale), "", nil)
	if err != nil {
		t.Fatalf("BuildPlanSnapshot: %v", err)
	}
	return snapshot
}

func cachedQty(t *testing.T, ctx context.Context, businessID string, itemID int) decimal.Decimal {
	t.Helper()
	item, err := models.GetInventoryItem(ctx, businessID, itemID)
	if err != nil {
		t.Fatalf("GetInventoryItem(%d): %v", itemID, err)
	}
	return item.QuantityBase
}

func TestBatchStartConsumesPlanAtomically(t *testing.T) {
	ctx, businessID := setupIntegrationEnv(t)
	f := setupBatchFixture(t, ctx, businessID)

	snapshot := f.snapshot(t, 2)
	batch, err := models.StartBatch(ctx, businessID, 1, snapshot, "start-tok-1")
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if batch.Status != models.BatchStatusInProgress {
		t.Fatalf("expected in_progress; got %s", batch.Status)
	}
	if len(batch.LineItems) != 3 {
		t.Fatalf("expected 3 line items; got %d", len(batch.LineItems))
	}
	if batch.SequenceNo != 1 {
		t.Fatalf("first batch of the tenant should get sequence 1; got %d", batch.SequenceNo)
	}

	// flour 10000-1000, sugar 5000-400, jars 100-2 (container counts do not
	// scale with the batch)
	if got := cachedQty(t, ctx, businessID, f.flour.ID); !got.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("flour: expected 9000; got %s", got)
	}
	if got := cachedQty(t, ctx, businessID, f.sugar.ID); !got.Equal(decimal.NewFromInt(4600)) {
		t.Fatalf("sugar: expected 4600; got %s", got)
	}
	if got := cachedQty(t, ctx, businessID, f.jar.ID); !got.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("jars: expected 98; got %s", got)
	}
	requireConservation(t, ctx, businessID, f.flour.ID)
	requireConservation(t, ctx, businessID, f.sugar.ID)
	requireConservation(t, ctx, businessID, f.jar.ID)

	// Retrying with the same idempotency token returns the original batch,
	// with no second deduction.
	retry, err := models.StartBatch(ctx, businessID, 1, snapshot, "start-tok-1")
	if err != nil {
		t.Fatalf("idempotent retry: %v", err)
	}
	if retry.ID != batch.ID {
		t.Fatalf("retry created a new batch: %d vs %d", retry.ID, batch.ID)
	}
	if got := cachedQty(t, ctx, businessID, f.flour.ID); !got.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("retry must not deduct again; flour at %s", got)
	}

	// Add-extra lands on actuals, not the frozen snapshot.
	updated, err := models.AddExtraItem(ctx, businessID, 1, batch.ID, &models.AddExtraInput{
		ItemId: f.flour.ID,
		Amount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("AddExtraItem: %v", err)
	}
	var flourLine *models.BatchLineItem
	for i := range updated.LineItems {
		if updated.LineItems[i].ItemId == f.flour.ID {
			flourLine = &updated.LineItems[i]
		}
	}
	if flourLine == nil {
		t.Fatalf("missing flour line item")
	}
	if !flourLine.PlannedQtyBase.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("planned must stay 1000; got %s", flourLine.PlannedQtyBase)
	}
	if !flourLine.ActualQtyBase.Equal(decimal.NewFromInt(1100)) {
		t.Fatalf("actual should be 1100; got %s", flourLine.ActualQtyBase)
	}
	if got := cachedQty(t, ctx, businessID, f.flour.ID); !got.Equal(decimal.NewFromInt(8900)) {
		t.Fatalf("flour: expected 8900 after add-extra; got %s", got)
	}

	// A negative yield never lands on the batch.
	if _, err := models.FinishBatch(ctx, businessID, 1, batch.ID, &models.FinishInput{
		ActualYield: decimal.NewFromInt(-5),
	}); err == nil {
		t.Fatalf("expected negative yield to be rejected")
	}

	// Finish restocks the output item as a production-output lot.
	outputCost := decimal.RequireFromString("1.5")
	finished, err := models.FinishBatch(ctx, businessID, 1, batch.ID, &models.FinishInput{
		ActualYield: decimal.NewFromInt(1800),
		Outputs: []models.BatchOutput{
			{ItemId: f.granola.ID, Qty: decimal.NewFromInt(1800), UnitCost: &outputCost},
		},
	})
	if err != nil {
		t.Fatalf("FinishBatch: %v", err)
	}
	if finished.Status != models.BatchStatusCompleted {
		t.Fatalf("expected completed; got %s", finished.Status)
	}
	if !finished.ActualYield.Equal(decimal.NewFromInt(1800)) {
		t.Fatalf("expected actual yield 1800; got %s", finished.ActualYield)
	}
	if got := cachedQty(t, ctx, businessID, f.granola.ID); !got.Equal(decimal.NewFromInt(1800)) {
		t.Fatalf("granola: expected 1800; got %s", got)
	}
	db := config.GetDB()
	var outputLot models.InventoryLot
	if err := db.WithContext(ctx).
		Where("business_id = ? AND item_id = ? AND source = ?", businessID, f.granola.ID, models.LotSourceProductionOutput).
		First(&outputLot).Error; err != nil {
		t.Fatalf("expected production-output lot: %v", err)
	}

	// Completed is terminal.
	if _, err := models.FinishBatch(ctx, businessID, 1, batch.ID, &models.FinishInput{}); err == nil {
		t.Fatalf("expected second finish to be rejected")
	}
}

func TestBatchStartIsAllOrNothing(t *testing.T) {
	ctx, businessID := setupIntegrationEnv(t)
	f := setupBatchFixture(t, ctx, businessID)

	flourBefore := cachedQty(t, ctx, businessID, f.flour.ID)
	sugarBefore := cachedQty(t, ctx, businessID, f.sugar.ID)

	// Scale 22 wants 11000g flour against 10000 on hand; sugar (4400 of
	// 5000) would cover its line. Nothing may be consumed.
	_, err := models.StartBatch(ctx, businessID, 1, f.snapshot(t, 22), "start-tok-oversize")
	if !apperror.IsInsufficientInventory(err) {
		t.Fatalf("expected insufficient inventory; got %v", err)
	}

	if got := cachedQty(t, ctx, businessID, f.flour.ID); !got.Equal(flourBefore) {
		t.Fatalf("failed start leaked flour deduction: %s vs %s", got, flourBefore)
	}
	if got := cachedQty(t, ctx, businessID, f.sugar.ID); !got.Equal(sugarBefore) {
		t.Fatalf("failed start leaked sugar deduction: %s vs %s", got, sugarBefore)
	}

	db := config.GetDB()
	var batchCount int64
	if err := db.WithContext(ctx).Model(&models.Batch{}).
		Where("business_id = ?", businessID).
		Count(&batchCount).Error; err != nil {
		t.Fatalf("count batches: %v", err)
	}
	if batchCount != 0 {
		t.Fatalf("failed start left %d batch rows", batchCount)
	}

	// The idempotency claim survives the rollback as FAILED, so the token is
	// reusable once the shortage is fixed.
	var idem models.IdempotencyKey
	if err := db.WithContext(ctx).
		Where("business_id = ? AND message_id = ?", businessID, "start-tok-oversize").
		First(&idem).Error; err != nil {
		t.Fatalf("expected idempotency record: %v", err)
	}
	if idem.Status != models.IdempotencyStatusFailed {
		t.Fatalf("expected FAILED claim; got %s", idem.Status)
	}

	mustRestock(t, ctx, businessID, f.flour.ID, 2000, 2, nil)
	if _, err := models.StartBatch(ctx, businessID, 1, f.snapshot(t, 22), "start-tok-oversize"); err != nil {
		t.Fatalf("token takeover after failure: %v", err)
	}
}

func TestBatchCancelIsNetZero(t *testing.T) {
	ctx, businessID := setupIntegrationEnv(t)
	f := setupBatchFixture(t, ctx, businessID)

	flourBefore := cachedQty(t, ctx, businessID, f.flour.ID)
	sugarBefore := cachedQty(t, ctx, businessID, f.sugar.ID)
	jarBefore := cachedQty(t, ctx, businessID, f.jar.ID)

	batch, err := models.StartBatch(ctx, businessID, 1, f.snapshot(t, 3), "cancel-tok-1")
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	// Extra consumption must be reversed too.
	if _, err := models.AddExtraItem(ctx, businessID, 1, batch.ID, &models.AddExtraInput{
		ItemId: f.sugar.ID,
		Amount: decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("AddExtraItem: %v", err)
	}

	cancelled, err := models.CancelBatch(ctx, businessID, 1, batch.ID, nil)
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if cancelled.Status != models.BatchStatusCancelled {
		t.Fatalf("expected cancelled; got %s", cancelled.Status)
	}

	// Net ledger footprint is zero.
	if got := cachedQty(t, ctx, businessID, f.flour.ID); !got.Equal(flourBefore) {
		t.Fatalf("flour not restored: %s vs %s", got, flourBefore)
	}
	if got := cachedQty(t, ctx, businessID, f.sugar.ID); !got.Equal(sugarBefore) {
		t.Fatalf("sugar not restored: %s vs %s", got, sugarBefore)
	}
	if got := cachedQty(t, ctx, businessID, f.jar.ID); !got.Equal(jarBefore) {
		t.Fatalf("jars not restored: %s vs %s", got, jarBefore)
	}
	requireConservation(t, ctx, businessID, f.flour.ID)
	requireConservation(t, ctx, businessID, f.sugar.ID)
	requireConservation(t, ctx, businessID, f.jar.ID)

	// Reversals are explicit events linked to the deductions they undo; the
	// originals are never deleted.
	db := config.GetDB()
	var reversals []models.InventoryHistory
	if err := db.WithContext(ctx).
		Where("business_id = ? AND batch_id = ? AND is_reversal = ?", businessID, batch.ID, true).
		Find(&reversals).Error; err != nil {
		t.Fatalf("load reversals: %v", err)
	}
	if len(reversals) == 0 {
		t.Fatalf("expected reversal events")
	}
	for _, reversal := range reversals {
		if reversal.ReversesHistoryId == nil {
			t.Fatalf("reversal %d missing linkage", reversal.ID)
		}
		if !reversal.QtyDeltaBase.IsPositive() {
			t.Fatalf("reversal %d should restore quantity", reversal.ID)
		}
		var original models.InventoryHistory
		if err := db.WithContext(ctx).First(&original, *reversal.ReversesHistoryId).Error; err != nil {
			t.Fatalf("original event %d vanished: %v", *reversal.ReversesHistoryId, err)
		}
		if !original.QtyDeltaBase.Equal(reversal.QtyDeltaBase.Neg()) {
			t.Fatalf("reversal %d is not equal-and-opposite", reversal.ID)
		}
	}

	// Cancelled is terminal.
	if _, err := models.CancelBatch(ctx, businessID, 1, batch.ID, nil); err == nil {
		t.Fatalf("expected second cancel to be rejected")
	}
}

func TestUnitConvertWaitsForOpenBatch(t *testing.T) {
	ctx, businessID := setupIntegrationEnv(t)
	f := setupBatchFixture(t, ctx, businessID)
	kiloUnit := unitByAbbreviation(t, ctx, businessID, "kg")

	flourBefore := cachedQty(t, ctx, businessID, f.flour.ID)

	batch, err := models.StartBatch(ctx, businessID, 1, f.snapshot(t, 2), "convert-tok-1")
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	// The batch's deduction events are denominated in grams; rescaling the
	// lots underneath them would make a later cancel restore kilograms.
	_, err = models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     f.flour.ID,
		ChangeType: models.ChangeTypeUnitConvert,
		NewUnitId:  &kiloUnit.ID,
	})
	appErr, ok := apperror.AsAppError(err)
	if !ok || appErr.Code != apperror.CodeConflict {
		t.Fatalf("expected conflict while batch is open; got %v", err)
	}

	// Once the batch settles the convert goes through, and the cancel math
	// stayed exact in the meantime.
	if _, err := models.CancelBatch(ctx, businessID, 1, batch.ID, nil); err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if got := cachedQty(t, ctx, businessID, f.flour.ID); !got.Equal(flourBefore) {
		t.Fatalf("flour not restored: %s vs %s", got, flourBefore)
	}

	result, err := models.AdjustInventory(ctx, businessID, 1, &models.AdjustmentInput{
		ItemId:     f.flour.ID,
		ChangeType: models.ChangeTypeUnitConvert,
		NewUnitId:  &kiloUnit.ID,
	})
	if err != nil {
		t.Fatalf("unit-convert after cancel: %v", err)
	}
	if result.Item.UnitId != kiloUnit.ID {
		t.Fatalf("expected unit of record %d; got %d", kiloUnit.ID, result.Item.UnitId)
	}
	if got := cachedQty(t, ctx, businessID, f.flour.ID); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected 10 kg after convert; got %s", got)
	}
	requireConservation(t, ctx, businessID, f.flour.ID)
}

func TestBatchFailKeepsDeductions(t *testing.T) {
	ctx, businessID := setupIntegrationEnv(t)
	f := setupBatchFixture(t, ctx, businessID)

	batch, err := models.StartBatch(ctx, businessID, 1, f.snapshot(t, 2), "fail-tok-1")
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	note := "oven died mid-run"
	failed, err := models.FailBatch(ctx, businessID, 1, batch.ID, &note)
	if err != nil {
		t.Fatalf("FailBatch: %v", err)
	}
	if failed.Status != models.BatchStatusFailed {
		t.Fatalf("expected failed; got %s", failed.Status)
	}
	if failed.FailureNote == nil || *failed.FailureNote != note {
		t.Fatalf("expected failure note to persist")
	}

	// Unlike cancel, the material stays consumed.
	if got := cachedQty(t, ctx, businessID, f.flour.ID); !got.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("fail must keep deductions; flour at %s", got)
	}
	db := config.GetDB()
	var reversalCount int64
	if err := db.WithContext(ctx).Model(&models.InventoryHistory{}).
		Where("business_id = ? AND batch_id = ? AND is_reversal = ?", businessID, batch.ID, true).
		Count(&reversalCount).Error; err != nil {
		t.Fatalf("count reversals: %v", err)
	}
	if reversalCount != 0 {
		t.Fatalf("fail wrote %d reversal events", reversalCount)
	}
	requireConservation(t, ctx, businessID, f.flour.ID)
}
