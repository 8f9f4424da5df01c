package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/utils"
	"gorm.io/gorm"
)

// EventRecord is the transactional outbox row behind every observable
// protocol event. PublishEvent writes the record inside the caller's DB
// transaction but does NOT publish; publishing is performed asynchronously
// by the outbox dispatcher after commit, so consumers never see events for
// rolled-back operations.
type EventRecord struct {
	ID               int        `gorm:"primary_key" json:"id"`
	PackageId        int        `gorm:"index;not null" json:"package_id"`
	EventType        EventType  `gorm:"size:40;index;not null" json:"event_type"`
	OccurredAt       time.Time  `gorm:"not null" json:"occurred_at"`
	Payload          []byte     `gorm:"type:mediumtext" json:"payload"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus    string     `gorm:"size:20;index;default:PENDING" json:"publish_status"`
	PublishAttempts  int        `gorm:"default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`
	LastPublishError *string    `gorm:"size:1024" json:"last_publish_error"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:64" json:"pub_sub_message_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// PublishEvent stages one protocol event in the outbox, inside tx.
func PublishEvent(ctx context.Context, tx *gorm.DB, packageId int, eventType EventType, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := EventRecord{
		PackageId:     packageId,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		Payload:       payloadJSON,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// ConvertToSettlementEvent maps an outbox row to the wire shape.
func ConvertToSettlementEvent(record EventRecord) config.SettlementEvent {
	return config.SettlementEvent{
		ID:            record.ID,
		PackageId:     record.PackageId,
		EventType:     string(record.EventType),
		OccurredAt:    record.OccurredAt,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}
