package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/voxlabs/voxbill/internal/billingcycle"
)

type CreateSubscriptionRequest struct {
	UserID       snowflake.ID
	PlanID       snowflake.ID
	BillingCycle billingcycle.Cycle
	StartDate    time.Time
}

// ApplyChargeOutcomeRequest carries a resolved payment attempt into the
// state machine. PaymentIntentID must match the in-flight intent; the
// natural key (subscription, intent, outcome) makes reapplication a no-op.
type ApplyChargeOutcomeRequest struct {
	SubscriptionID  snowflake.ID
	PaymentIntentID string
	Outcome         BillingAttemptOutcome
	OccurredAt      time.Time
}

type RecordAddOnPurchaseRequest struct {
	SubscriptionID snowflake.ID
	Minutes        int
	AmountCents    int64
	PurchasedAt    time.Time
}

// Service owns all subscription mutation. Every write goes through the
// optimistic version guard; ErrVersionConflict means the caller lost a race
// and should retry against fresh state on its next cycle.
type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	GetByID(ctx context.Context, id snowflake.ID) (Subscription, error)

	// BeginChargeAttempt records a freshly created payment intent as
	// in-flight. At most one intent may be in flight per subscription.
	BeginChargeAttempt(ctx context.Context, id snowflake.ID, intentID string, at time.Time) error

	// ApplyChargeOutcome applies a gateway result to the state machine:
	// success extends the period one cycle, failure burns retry budget
	// and escalates to cancellation when the budget is spent.
	ApplyChargeOutcome(ctx context.Context, req ApplyChargeOutcomeRequest) (Subscription, error)

	// Cancel is the explicit user-initiated path.
	Cancel(ctx context.Context, id snowflake.ID, reason TransitionReason) error

	// CancelExhausted cancels a past-due subscription whose retry budget
	// is spent, driven by the scheduler.
	CancelExhausted(ctx context.Context, id snowflake.ID, at time.Time) error

	RecordAddOnPurchase(ctx context.Context, req RecordAddOnPurchaseRequest) (Subscription, error)

	// MarkReminderSent records the upcoming-renewal reminder for the given
	// period end. Returns false when the reminder was already recorded, so
	// the caller sends at most one per period.
	MarkReminderSent(ctx context.Context, id snowflake.ID, periodEnd time.Time, at time.Time) (bool, error)

	// FlagIntegrity excludes an impossible-state record from automatic
	// processing until manually corrected.
	FlagIntegrity(ctx context.Context, id snowflake.ID, reason string, at time.Time) error
}
