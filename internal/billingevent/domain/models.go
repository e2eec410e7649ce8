// Package domain contains the append-only billing event log. Events are the
// audit trail of every scheduled action taken and double as the idempotency
// record for gateway callbacks: the dedupe key is unique, so a replayed
// action surfaces as a duplicate-key error instead of a second event.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventReminderSent          EventType = "reminder_sent"
	EventChargeAttempted       EventType = "charge_attempted"
	EventChargeSucceeded       EventType = "charge_succeeded"
	EventChargeFailed          EventType = "charge_failed"
	EventSubscriptionActivated EventType = "subscription_activated"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventCallbackIgnored       EventType = "callback_ignored"
)

var ErrDuplicateEvent = errors.New("duplicate_billing_event")

// BillingEvent records a single billing action. Rows are never updated or
// deleted after creation.
type BillingEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	SubscriptionID snowflake.ID      `gorm:"not null;index"`
	EventType      EventType         `gorm:"type:text;not null"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb"`
	DedupeKey      *string           `gorm:"type:text;uniqueIndex:ux_billing_event_dedupe"`
	OccurredAt     time.Time         `gorm:"not null"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }
