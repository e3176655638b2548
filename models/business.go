package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"bitbucket.org/craftfocus/makerbooks_backend/utils"
)

// Business is the tenant root. Billing itself lives elsewhere; the ledger only
// consumes the entitlement flags that change its behavior.
type Business struct {
	ID       string `gorm:"primary_key;size:64" json:"id"`
	Name     string `gorm:"size:100;not null" json:"name"`
	Timezone string `gorm:"size:64;default:'UTC'" json:"timezone"`
	// IsInventoryTracked=false selects infinite-anchor mode: deductions skip
	// quantity math and write history against the anchor lot only.
	IsInventoryTracked *bool `gorm:"not null;default:true" json:"is_inventory_tracked"`
	// DeductExpiredLots widens the FIFO pool to expired lots for this tenant
	// without per-request flags.
	DeductExpiredLots *bool     `gorm:"not null;default:false" json:"deduct_expired_lots"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	ID                 string `json:"id" binding:"required,max=64"`
	Name               string `json:"name" binding:"required,max=100"`
	Timezone           string `json:"timezone"`
	IsInventoryTracked *bool  `json:"is_inventory_tracked"`
	DeductExpiredLots  *bool  `json:"deduct_expired_lots"`
}

// CreateBusiness registers a tenant and seeds its standard unit catalog.
func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	business := Business{
		ID:                 input.ID,
		Name:               input.Name,
		Timezone:           input.Timezone,
		IsInventoryTracked: input.IsInventoryTracked,
		DeductExpiredLots:  input.DeductExpiredLots,
	}
	if business.Timezone == "" {
		business.Timezone = "UTC"
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	if err := SeedStandardUnits(ctx, business.ID); err != nil {
		return nil, err
	}
	return &business, nil
}

// GetBusinessById reads the tenant record, redis first.
func GetBusinessById(ctx context.Context, businessId string) (*Business, error) {
	if businessId == "" {
		return nil, errors.New("business id is required")
	}

	var business *Business
	exists, err := config.GetRedisObject("Business:"+businessId, &business)
	if err != nil {
		return nil, err
	}
	if exists && business != nil {
		return business, nil
	}

	db := config.GetDB()
	var record Business
	if err := db.WithContext(ctx).Where("id = ?", businessId).First(&record).Error; err != nil {
		return nil, err
	}
	if err := config.SetRedisObject("Business:"+businessId, &record, 0); err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *Business) TracksInventory() bool {
	return utils.DereferencePtr(b.IsInventoryTracked, true)
}

func (b *Business) DeductsExpiredLots() bool {
	if b.DeductExpiredLots != nil {
		return *b.DeductExpiredLots
	}
	return config.DeductExpiredLotsByDefault()
}

// ClearBusinessCache drops the cached tenant record after entitlement edits.
func ClearBusinessCache(businessId string) error {
	return config.RemoveRedisKey("Business:" + businessId)
}
