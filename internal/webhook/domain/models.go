// Package domain contains the webhook event ledger model and the pure
// notification-handling logic: signature verification, metadata extraction
// and the queue message envelope.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a stored webhook event.
type Status string

const (
	StatusReceived  Status = "RECEIVED"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Event is the durable ledger row for a received notification. Rows are
// append-only: only status, process_attempts and last_error mutate after
// creation.
type Event struct {
	ID                 snowflake.ID   `json:"id" gorm:"primaryKey"`
	MercadopagoEventID string         `json:"mercadopago_event_id" gorm:"type:text;not null;uniqueIndex"`
	NotificationID     *string        `json:"notification_id" gorm:"type:text"`
	ResourceID         *string        `json:"resource_id" gorm:"type:text"`
	Topic              *string        `json:"topic" gorm:"type:text"`
	Action             *string        `json:"action" gorm:"type:text"`
	APIVersion         *string        `json:"api_version" gorm:"type:text"`
	LiveMode           bool           `json:"live_mode" gorm:"not null;default:false"`
	CreatedAtMp        *string        `json:"created_at_mp" gorm:"type:text"`
	ReceivedAt         time.Time      `json:"received_at" gorm:"not null;index"`
	PayloadRaw         datatypes.JSON `json:"payload_raw" gorm:"type:jsonb"`
	HeadersRaw         datatypes.JSON `json:"headers_raw" gorm:"type:jsonb"`
	Status             Status         `json:"status" gorm:"type:text;not null"`
	ProcessAttempts    int            `json:"process_attempts" gorm:"not null;default:0"`
	LastError          *string        `json:"last_error" gorm:"type:text"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "mercadopago_webhook_events" }

var (
	ErrMissingEventID = errors.New("missing_event_id")
	ErrEventNotFound  = errors.New("event_not_found")
	// ErrDuplicateEvent is returned by Create when the unique constraint on
	// mercadopago_event_id rejects the row. Callers treat it as "already
	// exists", never as a fatal error.
	ErrDuplicateEvent = errors.New("duplicate_event")
)
