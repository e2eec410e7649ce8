package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, plan_id, status, billing_cycle, start_date, current_period_end,
			additional_minutes, in_flight_intent_id, last_attempt_at, last_attempt_outcome,
			retry_count, next_retry_at, activated_at, cancelled_at, flagged_at, flag_reason,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.UserID,
		subscription.PlanID,
		subscription.Status,
		subscription.BillingCycle,
		subscription.StartDate,
		subscription.CurrentPeriodEnd,
		subscription.AdditionalMinutes,
		subscription.InFlightIntentID,
		subscription.LastAttemptAt,
		subscription.LastAttemptOutcome,
		subscription.RetryCount,
		subscription.NextRetryAt,
		subscription.ActivatedAt,
		subscription.CancelledAt,
		subscription.FlaggedAt,
		subscription.FlagReason,
		subscription.Version,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) InsertAddOn(ctx context.Context, db *gorm.DB, purchase *subscriptiondomain.AddOnPurchase) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO addon_purchases (
			id, subscription_id, minutes, amount_cents, purchased_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		purchase.ID,
		purchase.SubscriptionID,
		purchase.Minutes,
		purchase.AmountCents,
		purchase.PurchasedAt,
		purchase.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, plan_id, status, billing_cycle, start_date, current_period_end,
		 additional_minutes, in_flight_intent_id, last_attempt_at, last_attempt_outcome,
		 retry_count, next_retry_at, activated_at, cancelled_at, flagged_at, flag_reason,
		 version, created_at, updated_at
		 FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

// UpdateVersioned writes every mutable column conditioned on readVersion.
// The version bump and the condition together are the optimistic guard:
// zero rows affected means a concurrent writer got there first.
func (r *repo) UpdateVersioned(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription, readVersion int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?,
			current_period_end = ?,
			additional_minutes = ?,
			in_flight_intent_id = ?,
			last_attempt_at = ?,
			last_attempt_outcome = ?,
			retry_count = ?,
			next_retry_at = ?,
			activated_at = ?,
			cancelled_at = ?,
			flagged_at = ?,
			flag_reason = ?,
			version = ?,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		subscription.Status,
		subscription.CurrentPeriodEnd,
		subscription.AdditionalMinutes,
		subscription.InFlightIntentID,
		subscription.LastAttemptAt,
		subscription.LastAttemptOutcome,
		subscription.RetryCount,
		subscription.NextRetryAt,
		subscription.ActivatedAt,
		subscription.CancelledAt,
		subscription.FlaggedAt,
		subscription.FlagReason,
		readVersion+1,
		subscription.UpdatedAt,
		subscription.ID,
		readVersion,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	subscription.Version = readVersion + 1
	return true, nil
}
