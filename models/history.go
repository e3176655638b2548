package models

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryHistory is the append-only ledger. Rows are never updated;
// corrections and cancellations are new offsetting events linked through the
// reversal columns.
type InventoryHistory struct {
	ID         int        `gorm:"primary_key" json:"id"`
	BusinessId string     `gorm:"size:64;not null;index" json:"business_id"`
	ItemId     int        `gorm:"not null;index" json:"item_id"`
	LotId      int        `gorm:"not null;index" json:"lot_id"`
	ChangeType ChangeType `gorm:"size:30;not null;index" json:"change_type"`
	// QtyDeltaBase is signed: positive for additive events, negative for
	// deductions. Per-event deltas sum to the net change of the mutation.
	QtyDeltaBase decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty_delta_base"`
	UnitCost     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	EventCode    string          `gorm:"size:20;not null;index" json:"event_code"`
	BatchId      *int            `gorm:"index" json:"batch_id"`
	UserId       int             `json:"user_id"`
	Note         *string         `gorm:"type:text" json:"note"`
	// reversal linkage (batch cancel)
	IsReversal        bool       `gorm:"not null;default:false;index" json:"is_reversal"`
	ReversesHistoryId *int       `gorm:"index" json:"reverses_history_id"`
	OccurredAt        time.Time  `gorm:"not null;index" json:"occurred_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewEventCode builds a ledger event code: change-type prefix plus a short
// uuid fragment, e.g. "USE-1A2B3C4D".
func NewEventCode(changeType ChangeType) string {
	fragment := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return changeType.EventCodePrefix() + "-" + fragment
}

// appendHistory writes one ledger event inside the caller's transaction.
func appendHistory(tx *gorm.DB, ctx context.Context, event *InventoryHistory) error {
	if event.EventCode == "" {
		event.EventCode = NewEventCode(event.ChangeType)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return tx.WithContext(ctx).Create(event).Error
}

// ListItemHistory returns the item's ledger events, newest first.
func ListItemHistory(ctx context.Context, businessId string, itemId int, limit int) ([]InventoryHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	db := gormDB()
	var events []InventoryHistory
	err := db.WithContext(ctx).
		Where("business_id = ? AND item_id = ?", businessId, itemId).
		Order("id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
