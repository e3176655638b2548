package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/craftfocus/makerbooks_backend/config"
	"gorm.io/gorm"
)

// Outbox publish statuses for PubSubMessageRecord.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// PubSubMessageRecord is the transactional outbox row feeding downstream
// consumers (analytics, accounting). The record commits with the ledger
// mutation; publishing happens after commit via the outbox processor.
type PubSubMessageRecord struct {
	ID                  int                 `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BusinessId          string              `gorm:"size:64;not null;index" json:"business_id"`
	TransactionDateTime time.Time           `gorm:"index;not null" json:"transaction_date_time"`
	ReferenceId         int                 `json:"reference_id"`
	ReferenceType       LedgerReferenceType `gorm:"type:enum('ADJ','BTC','ITM')" json:"reference_type"`
	Action              PubSubMessageAction `gorm:"type:enum('C','U','D')" json:"action"`
	Payload             []byte              `gorm:"type:blob" json:"payload"`
	PublishStatus       string              `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt         *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId     *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts     int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt       *time.Time          `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt            *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy            *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError    *string             `gorm:"type:text" json:"last_publish_error"`
	CorrelationId       string              `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt           time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishToLedgerFeed writes the feed record inside the caller's DB
// transaction but does NOT publish to Pub/Sub. Publishing is performed
// asynchronously by the outbox processor after commit.
func PublishToLedgerFeed(ctx context.Context, tx *gorm.DB, businessId string, refId int, refType LedgerReferenceType, action PubSubMessageAction, payload interface{}) error {
	payloadInByte, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	record := PubSubMessageRecord{
		BusinessId:          businessId,
		TransactionDateTime: time.Now().UTC(),
		ReferenceId:         refId,
		ReferenceType:       refType,
		Action:              action,
		Payload:             payloadInByte,
		PublishStatus:       OutboxPublishStatusPending,
		CorrelationId:       correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func ConvertToPubSubMessage(record PubSubMessageRecord) config.PubSubMessage {
	return config.PubSubMessage{
		ID:                  record.ID,
		BusinessId:          record.BusinessId,
		TransactionDateTime: record.TransactionDateTime,
		ReferenceId:         record.ReferenceId,
		ReferenceType:       string(record.ReferenceType),
		Action:              string(record.Action),
		Payload:             record.Payload,
		CorrelationId:       record.CorrelationId,
	}
}
