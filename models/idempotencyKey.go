package models

import "time"

// IdempotencyKey makes at-least-once delivered operations (payment
// disbursement, event redrives) safe to replay. One row per
// (handler, message); the unique index is the dedupe authority.
type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	PackageId   int               `gorm:"uniqueIndex:idx_idem;not null" json:"package_id"`
	HandlerName string            `gorm:"uniqueIndex:idx_idem;size:64;not null" json:"handler_name"`
	MessageId   string            `gorm:"uniqueIndex:idx_idem;size:128;not null" json:"message_id"`
	Status      IdempotencyStatus `gorm:"size:20;not null" json:"status"`
	LastError   *string           `gorm:"size:1024" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
