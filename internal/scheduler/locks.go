package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
	"gorm.io/gorm"
)

// WorkSubscription is the slim row claimed by scheduler jobs. Claims use
// FOR UPDATE SKIP LOCKED so concurrent scheduler instances divide a batch
// without blocking each other; the optimistic version guard in the
// subscription service is what actually protects the writes.
type WorkSubscription struct {
	ID               snowflake.ID
	UserID           snowflake.ID
	PlanID           snowflake.ID
	Status           subscriptiondomain.SubscriptionStatus
	BillingCycle     string
	StartDate        time.Time
	CurrentPeriodEnd time.Time
	InFlightIntentID *string
	RetryCount       int
	NextRetryAt      *time.Time
	ActivatedAt      *time.Time
	CancelledAt      *time.Time
}

const workSubscriptionColumns = `id, user_id, plan_id, status, billing_cycle, start_date,
	 current_period_end, in_flight_intent_id, retry_count, next_retry_at,
	 activated_at, cancelled_at`

// fetchSubscriptionsDueReminder claims active subscriptions whose period
// ends inside the reminder window. Rows already reminded for this period
// still match; the reminder event dedupe key makes reprocessing a no-op.
func (s *Scheduler) fetchSubscriptionsDueReminder(ctx context.Context, tx *gorm.DB, now time.Time, lead time.Duration, limit int) ([]WorkSubscription, error) {
	var subscriptions []WorkSubscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+workSubscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ?
		   AND flagged_at IS NULL
		   AND current_period_end > ?
		   AND current_period_end <= ?
		 ORDER BY current_period_end ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		now.Add(lead),
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

// fetchSubscriptionsDueCharge claims subscriptions whose charge is due and
// that have no payment attempt in flight: active ones past their period
// end, plus pending activations whose start date has arrived.
func (s *Scheduler) fetchSubscriptionsDueCharge(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]WorkSubscription, error) {
	var subscriptions []WorkSubscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+workSubscriptionColumns+`
		 FROM subscriptions
		 WHERE flagged_at IS NULL
		   AND in_flight_intent_id IS NULL
		   AND (
		       (status = ? AND current_period_end <= ?)
		    OR (status = ? AND start_date <= ?)
		   )
		 ORDER BY current_period_end ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		subscriptiondomain.SubscriptionStatusPendingActivation,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

// fetchSubscriptionsDueRetry claims past-due subscriptions whose retry
// backoff has elapsed.
func (s *Scheduler) fetchSubscriptionsDueRetry(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]WorkSubscription, error) {
	var subscriptions []WorkSubscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+workSubscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ?
		   AND flagged_at IS NULL
		   AND in_flight_intent_id IS NULL
		   AND next_retry_at IS NOT NULL
		   AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusPastDue,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

// fetchIntegrityViolations claims unflagged rows in states the state
// machine cannot produce. Reasons are resolved in Go from the claimed row.
func (s *Scheduler) fetchIntegrityViolations(ctx context.Context, tx *gorm.DB, limit int) ([]WorkSubscription, error) {
	var subscriptions []WorkSubscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+workSubscriptionColumns+`
		 FROM subscriptions
		 WHERE flagged_at IS NULL
		   AND (
		       (status = ? AND in_flight_intent_id IS NOT NULL)
		    OR (status = ? AND activated_at IS NULL)
		    OR current_period_end < start_date
		   )
		 ORDER BY id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusCancelled,
		subscriptiondomain.SubscriptionStatusActive,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func integrityReason(sub WorkSubscription) string {
	switch {
	case sub.CurrentPeriodEnd.Before(sub.StartDate):
		return "period_end_before_start_date"
	case sub.Status == subscriptiondomain.SubscriptionStatusCancelled && sub.InFlightIntentID != nil:
		return "cancelled_with_in_flight_intent"
	case sub.Status == subscriptiondomain.SubscriptionStatusActive && sub.ActivatedAt == nil:
		return "active_without_activation"
	default:
		return "unknown_integrity_violation"
	}
}

// claim runs one SKIP LOCKED fetch in a short transaction.
func (s *Scheduler) claim(ctx context.Context, fetch func(ctx context.Context, tx *gorm.DB) ([]WorkSubscription, error)) ([]WorkSubscription, error) {
	claimCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var subscriptions []WorkSubscription
	err := s.db.WithContext(claimCtx).Transaction(func(tx *gorm.DB) error {
		var err error
		subscriptions, err = fetch(claimCtx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (sub WorkSubscription) domain() subscriptiondomain.Subscription {
	return subscriptiondomain.Subscription{
		ID:               sub.ID,
		UserID:           sub.UserID,
		PlanID:           sub.PlanID,
		Status:           sub.Status,
		StartDate:        sub.StartDate,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
	}
}
