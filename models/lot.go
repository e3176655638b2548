package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryLot is one stock receipt. QtyRemainingBase only ever decreases
// (recounts land as new correction lots, not in-place rewrites), and every
// change to it is paired with a history event in the same transaction. Lots
// are never deleted; exhausted lots stay for the audit trail.
//
// The auto-increment id doubles as the FIFO tie-break for lots received at
// the same instant.
type InventoryLot struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"size:64;not null;index" json:"business_id"`
	ItemId           int             `gorm:"not null;index:idx_lot_fifo,priority:1" json:"item_id"`
	QtyOriginalBase  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_original_base"`
	QtyRemainingBase decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_remaining_base"`
	UnitCost         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	Source           LotSource       `gorm:"type:enum('purchase','production-output','initial-stock','recount','infinite-anchor');not null" json:"source"`
	ReceivedAt       time.Time       `gorm:"not null;index:idx_lot_fifo,priority:2" json:"received_at"`
	ExpiresAt        *time.Time      `gorm:"index" json:"expires_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// fetchLotsForDeduction loads the item's open finite lots oldest-first (id
// tie-break) under FOR UPDATE, so two concurrent deductions cannot consume
// the same remainder.
func fetchLotsForDeduction(tx *gorm.DB, ctx context.Context, businessId string, itemId int, includeExpired bool) ([]InventoryLot, error) {
	var lots []InventoryLot
	dbCtx := tx.WithContext(ctx).
		Where("business_id = ? AND item_id = ? AND source <> ? AND qty_remaining_base > 0",
			businessId, itemId, LotSourceInfiniteAnchor)
	if !includeExpired {
		dbCtx = dbCtx.Where("expires_at IS NULL OR expires_at > ?", time.Now().UTC())
	}
	err := dbCtx.
		Order("received_at ASC, id ASC").
		Clauses(forUpdateClause()).
		Find(&lots).Error
	if err != nil {
		return nil, err
	}
	return lots, nil
}

// getOrCreateAnchorLot returns the item's single infinite-anchor lot,
// creating it on first use. The anchor never holds quantity; it only anchors
// history rows for non-tracking tenants.
func getOrCreateAnchorLot(tx *gorm.DB, ctx context.Context, businessId string, itemId int) (*InventoryLot, error) {
	var lot InventoryLot
	err := tx.WithContext(ctx).
		Where("business_id = ? AND item_id = ? AND source = ?", businessId, itemId, LotSourceInfiniteAnchor).
		First(&lot).Error
	if err == nil {
		return &lot, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	lot = InventoryLot{
		BusinessId:       businessId,
		ItemId:           itemId,
		QtyOriginalBase:  decimal.Zero,
		QtyRemainingBase: decimal.Zero,
		Source:           LotSourceInfiniteAnchor,
		ReceivedAt:       time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&lot).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}
