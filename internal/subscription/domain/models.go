// Package domain contains the subscription model and its state machine.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/voxlabs/voxbill/internal/billingcycle"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusPendingActivation SubscriptionStatus = "PENDING_ACTIVATION"
	SubscriptionStatusActive            SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue           SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCancelled         SubscriptionStatus = "CANCELLED"
)

// BillingAttemptOutcome is the result of a payment attempt.
type BillingAttemptOutcome string

const (
	OutcomeSucceeded BillingAttemptOutcome = "SUCCEEDED"
	OutcomeFailed    BillingAttemptOutcome = "FAILED"
)

// Subscription captures a customer's billing agreement. One per user at a
// time; a user may accumulate many over their lifetime.
//
// Version is the optimistic concurrency token: every mutation is written
// conditioned on the version read, and bumps it. Scheduler workers and
// gateway callbacks race through the same guard; the loser sees
// ErrVersionConflict and retries against fresh state on the next wake.
type Subscription struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"not null;index"`
	PlanID snowflake.ID `gorm:"not null;index"`

	Status       SubscriptionStatus `gorm:"type:text;not null"`
	BillingCycle billingcycle.Cycle `gorm:"type:text;not null"`

	// StartDate is immutable after creation and anchors every cycle
	// boundary computation.
	StartDate        time.Time `gorm:"not null"`
	CurrentPeriodEnd time.Time `gorm:"not null"`

	AdditionalMinutes int `gorm:"not null;default:0"`

	// InFlightIntentID is the payment intent currently awaiting a gateway
	// callback. At most one per subscription; enforced here, not by
	// storage locking.
	InFlightIntentID *string `gorm:"type:text"`

	LastAttemptAt      *time.Time             `gorm:""`
	LastAttemptOutcome *BillingAttemptOutcome `gorm:"type:text"`

	RetryCount  int        `gorm:"not null;default:0"`
	NextRetryAt *time.Time `gorm:""`

	ActivatedAt *time.Time `gorm:""`
	CancelledAt *time.Time `gorm:""`

	// FlaggedAt marks a record that failed an integrity check. Flagged
	// subscriptions are excluded from automatic processing until
	// manually corrected.
	FlaggedAt  *time.Time `gorm:""`
	FlagReason *string    `gorm:"type:text"`

	Version   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// AddOnPurchase is one usage add-on bought by the customer. Purchases are
// the only path that increases AdditionalMinutes; cycle rollover never does.
type AddOnPurchase struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	Minutes        int          `gorm:"not null"`
	AmountCents    int64        `gorm:"not null"`
	PurchasedAt    time.Time    `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AddOnPurchase) TableName() string { return "addon_purchases" }

type TransitionReason string

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvalidTrigger       = errors.New("invalid_trigger")
	ErrAlreadyTerminal      = errors.New("subscription_already_terminal")
	ErrVersionConflict      = errors.New("subscription_version_conflict")
	ErrChargeInFlight       = errors.New("charge_already_in_flight")
	ErrNoChargeInFlight     = errors.New("no_charge_in_flight")
	ErrIntentMismatch       = errors.New("payment_intent_mismatch")
	ErrInvalidAddOnMinutes  = errors.New("invalid_addon_minutes")
	ErrDataIntegrity        = errors.New("data_integrity_violation")
	ErrSubscriptionFlagged  = errors.New("subscription_flagged")
	ErrInvalidStartDate     = errors.New("invalid_start_date")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidPlan          = errors.New("invalid_plan")
)
