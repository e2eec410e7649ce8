package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/voxlabs/voxbill/internal/account/domain"
	"github.com/voxlabs/voxbill/internal/billingcycle"
	billingeventdomain "github.com/voxlabs/voxbill/internal/billingevent/domain"
	billingeventrepo "github.com/voxlabs/voxbill/internal/billingevent/repository"
	"github.com/voxlabs/voxbill/internal/clock"
	"github.com/voxlabs/voxbill/internal/config"
	"github.com/voxlabs/voxbill/internal/notification"
	"github.com/voxlabs/voxbill/internal/observability/metrics"
	plandomain "github.com/voxlabs/voxbill/internal/plan/domain"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	repo   subscriptiondomain.Repository
	events billingeventrepo.Repository

	accounts accountdomain.Service
	plans    plandomain.Service
	notifier notification.Dispatcher
	metrics  *metrics.SchedulerMetrics

	maxRetries   int
	retryBackoff time.Duration
}

type ServiceParam struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   subscriptiondomain.Repository
	Events billingeventrepo.Repository

	Accounts accountdomain.Service
	Plans    plandomain.Service
	Notifier notification.Dispatcher
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		events: p.Events,

		accounts: p.Accounts,
		plans:    p.Plans,
		notifier: p.Notifier,
		metrics: metrics.SchedulerWithConfig(metrics.Config{
			ServiceName: p.Config.AppName,
			Environment: p.Config.Environment,
		}),

		maxRetries:   p.Config.Billing.MaxRetries,
		retryBackoff: p.Config.Billing.RetryBackoff,
	}
}

// Create implements domain.Service.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidUser
	}
	if req.PlanID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlan
	}
	if req.StartDate.IsZero() {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidStartDate
	}

	cycle, err := billingcycle.Parse(string(req.BillingCycle))
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if _, err := s.accounts.GetUser(ctx, req.UserID); err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if _, err := s.plans.GetPlan(ctx, req.PlanID); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	now := s.clock.Now()
	subscription := subscriptiondomain.Subscription{
		ID:           s.genID.Generate(),
		UserID:       req.UserID,
		PlanID:       req.PlanID,
		Status:       subscriptiondomain.SubscriptionStatusPendingActivation,
		BillingCycle: cycle,
		StartDate:    req.StartDate.UTC(),
		// The first charge is due at the start date itself; the period
		// only extends once that charge succeeds.
		CurrentPeriodEnd: req.StartDate.UTC(),
		Version:          0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.repo.Insert(ctx, tx, &subscription)
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("subscription.created",
		zap.Int64("subscription_id", int64(subscription.ID)),
		zap.Int64("user_id", int64(subscription.UserID)),
		zap.String("billing_cycle", string(cycle)),
	)

	return subscription, nil
}

// GetByID implements domain.Service.
func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	subscription, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if subscription == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *subscription, nil
}

// BeginChargeAttempt implements domain.Service.
func (s *Service) BeginChargeAttempt(ctx context.Context, id snowflake.ID, intentID string, at time.Time) error {
	if strings.TrimSpace(intentID) == "" {
		return subscriptiondomain.ErrIntentMismatch
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.loadForWork(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription.InFlightIntentID != nil {
			return subscriptiondomain.ErrChargeInFlight
		}

		dedupe := fmt.Sprintf("%d:%s:attempted", id, intentID)
		event := billingeventdomain.BillingEvent{
			SubscriptionID: id,
			EventType:      billingeventdomain.EventChargeAttempted,
			DedupeKey:      &dedupe,
			Payload:        datatypes.JSONMap{"payment_intent_id": intentID},
			OccurredAt:     at,
		}
		if err := s.events.Append(ctx, tx, &event); err != nil {
			return err
		}

		readVersion := subscription.Version
		subscription.InFlightIntentID = &intentID
		attemptAt := at
		subscription.LastAttemptAt = &attemptAt
		subscription.UpdatedAt = s.clock.Now()

		ok, err := s.repo.UpdateVersioned(ctx, tx, subscription, readVersion)
		if err != nil {
			return err
		}
		if !ok {
			return subscriptiondomain.ErrVersionConflict
		}
		return nil
	})
}

// ApplyChargeOutcome implements domain.Service. The billing event is
// appended before any state changes inside the same transaction, so a
// replayed delivery aborts atomically on the dedupe key and leaves the
// subscription untouched.
func (s *Service) ApplyChargeOutcome(ctx context.Context, req subscriptiondomain.ApplyChargeOutcomeRequest) (subscriptiondomain.Subscription, error) {
	var (
		updated  subscriptiondomain.Subscription
		from, to subscriptiondomain.SubscriptionStatus
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.loadForWork(ctx, tx, req.SubscriptionID)
		if err != nil {
			return err
		}

		eventType := billingeventdomain.EventChargeFailed
		if req.Outcome == subscriptiondomain.OutcomeSucceeded {
			eventType = billingeventdomain.EventChargeSucceeded
		}
		dedupe := fmt.Sprintf("%d:%s:%s", req.SubscriptionID, req.PaymentIntentID, strings.ToLower(string(req.Outcome)))
		event := billingeventdomain.BillingEvent{
			SubscriptionID: req.SubscriptionID,
			EventType:      eventType,
			DedupeKey:      &dedupe,
			Payload:        datatypes.JSONMap{"payment_intent_id": req.PaymentIntentID},
			OccurredAt:     req.OccurredAt,
		}
		// Append before validating the intent: a replayed delivery aborts
		// here on the dedupe key, and a genuinely stale one rolls the
		// append back with the rest of the transaction.
		if err := s.events.Append(ctx, tx, &event); err != nil {
			return err
		}

		if subscription.InFlightIntentID == nil {
			return subscriptiondomain.ErrNoChargeInFlight
		}
		if *subscription.InFlightIntentID != req.PaymentIntentID {
			return subscriptiondomain.ErrIntentMismatch
		}

		from = subscription.Status
		readVersion := subscription.Version

		switch req.Outcome {
		case subscriptiondomain.OutcomeSucceeded:
			if err := s.applySuccess(ctx, tx, subscription, req.OccurredAt); err != nil {
				return err
			}
		case subscriptiondomain.OutcomeFailed:
			if err := s.applyFailure(ctx, tx, subscription, req.OccurredAt); err != nil {
				return err
			}
		default:
			return subscriptiondomain.ErrInvalidTrigger
		}

		outcome := req.Outcome
		occurredAt := req.OccurredAt
		subscription.LastAttemptOutcome = &outcome
		subscription.LastAttemptAt = &occurredAt
		subscription.InFlightIntentID = nil
		subscription.UpdatedAt = s.clock.Now()

		ok, err := s.repo.UpdateVersioned(ctx, tx, subscription, readVersion)
		if err != nil {
			return err
		}
		if !ok {
			return subscriptiondomain.ErrVersionConflict
		}

		updated = *subscription
		to = subscription.Status
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.metrics.IncSubscriptionTransition(from, to)
	s.log.Info("subscription.charge_outcome.applied",
		zap.Int64("subscription_id", int64(updated.ID)),
		zap.String("outcome", string(req.Outcome)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	switch {
	case from == subscriptiondomain.SubscriptionStatusPendingActivation && to == subscriptiondomain.SubscriptionStatusActive:
		s.notifier.SubscriptionActivated(updated)
	case to == subscriptiondomain.SubscriptionStatusPastDue && updated.NextRetryAt != nil:
		s.notifier.PaymentFailedRetryScheduled(updated, *updated.NextRetryAt)
	case to == subscriptiondomain.SubscriptionStatusCancelled:
		s.notifier.SubscriptionCancelled(updated, cancelReasonFor(from))
	}

	return updated, nil
}

func (s *Service) applySuccess(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, occurredAt time.Time) error {
	next, err := subscriptiondomain.Next(subscription.Status, subscriptiondomain.TriggerChargeSucceeded)
	if err != nil {
		return err
	}

	periodEnd, err := billingcycle.NextAfter(subscription.StartDate, subscription.BillingCycle, subscription.CurrentPeriodEnd)
	if err != nil {
		return err
	}
	subscription.CurrentPeriodEnd = periodEnd
	subscription.RetryCount = 0
	subscription.NextRetryAt = nil

	if subscription.Status == subscriptiondomain.SubscriptionStatusPendingActivation {
		activatedAt := occurredAt
		subscription.ActivatedAt = &activatedAt
		event := billingeventdomain.BillingEvent{
			SubscriptionID: subscription.ID,
			EventType:      billingeventdomain.EventSubscriptionActivated,
			OccurredAt:     occurredAt,
		}
		if err := s.events.Append(ctx, tx, &event); err != nil {
			return err
		}
	}

	subscription.Status = next
	return nil
}

func (s *Service) applyFailure(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, occurredAt time.Time) error {
	var trigger subscriptiondomain.Trigger
	switch subscription.Status {
	case subscriptiondomain.SubscriptionStatusPendingActivation:
		trigger = subscriptiondomain.TriggerActivationFailed
	case subscriptiondomain.SubscriptionStatusPastDue:
		if subscription.RetryCount+1 >= s.maxRetries {
			trigger = subscriptiondomain.TriggerRetriesExhausted
		} else {
			trigger = subscriptiondomain.TriggerChargeFailed
		}
	default:
		trigger = subscriptiondomain.TriggerChargeFailed
	}

	next, err := subscriptiondomain.Next(subscription.Status, trigger)
	if err != nil {
		return err
	}

	subscription.RetryCount++
	if next == subscriptiondomain.SubscriptionStatusPastDue {
		retryAt := occurredAt.Add(s.retryBackoff)
		subscription.NextRetryAt = &retryAt
	} else {
		subscription.NextRetryAt = nil
	}

	if next == subscriptiondomain.SubscriptionStatusCancelled {
		cancelledAt := occurredAt
		subscription.CancelledAt = &cancelledAt
		event := billingeventdomain.BillingEvent{
			SubscriptionID: subscription.ID,
			EventType:      billingeventdomain.EventSubscriptionCancelled,
			Payload:        datatypes.JSONMap{"reason": string(trigger)},
			OccurredAt:     occurredAt,
		}
		if err := s.events.Append(ctx, tx, &event); err != nil {
			return err
		}
	}

	subscription.Status = next
	return nil
}

// Cancel implements domain.Service.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason subscriptiondomain.TransitionReason) error {
	return s.cancel(ctx, id, subscriptiondomain.TriggerUserCancelled, string(reason), s.clock.Now())
}

// CancelExhausted implements domain.Service.
func (s *Service) CancelExhausted(ctx context.Context, id snowflake.ID, at time.Time) error {
	return s.cancel(ctx, id, subscriptiondomain.TriggerRetriesExhausted, string(subscriptiondomain.TriggerRetriesExhausted), at)
}

func (s *Service) cancel(ctx context.Context, id snowflake.ID, trigger subscriptiondomain.Trigger, reason string, at time.Time) error {
	var (
		updated subscriptiondomain.Subscription
		from    subscriptiondomain.SubscriptionStatus
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.loadForWork(ctx, tx, id)
		if err != nil {
			return err
		}

		next, err := subscriptiondomain.Next(subscription.Status, trigger)
		if err != nil {
			return err
		}

		event := billingeventdomain.BillingEvent{
			SubscriptionID: id,
			EventType:      billingeventdomain.EventSubscriptionCancelled,
			Payload:        datatypes.JSONMap{"reason": reason},
			OccurredAt:     at,
		}
		if err := s.events.Append(ctx, tx, &event); err != nil {
			return err
		}

		from = subscription.Status
		readVersion := subscription.Version

		cancelledAt := at
		subscription.Status = next
		subscription.CancelledAt = &cancelledAt
		subscription.InFlightIntentID = nil
		subscription.NextRetryAt = nil
		subscription.UpdatedAt = s.clock.Now()

		ok, err := s.repo.UpdateVersioned(ctx, tx, subscription, readVersion)
		if err != nil {
			return err
		}
		if !ok {
			return subscriptiondomain.ErrVersionConflict
		}

		updated = *subscription
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.IncSubscriptionTransition(from, subscriptiondomain.SubscriptionStatusCancelled)
	s.log.Info("subscription.cancelled",
		zap.Int64("subscription_id", int64(id)),
		zap.String("reason", reason),
	)
	s.notifier.SubscriptionCancelled(updated, reason)

	return nil
}

// RecordAddOnPurchase implements domain.Service.
func (s *Service) RecordAddOnPurchase(ctx context.Context, req subscriptiondomain.RecordAddOnPurchaseRequest) (subscriptiondomain.Subscription, error) {
	if req.Minutes <= 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidAddOnMinutes
	}

	var updated subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.loadForWork(ctx, tx, req.SubscriptionID)
		if err != nil {
			return err
		}

		readVersion := subscription.Version
		subscription.AdditionalMinutes += req.Minutes
		subscription.UpdatedAt = s.clock.Now()

		purchase := subscriptiondomain.AddOnPurchase{
			ID:             s.genID.Generate(),
			SubscriptionID: req.SubscriptionID,
			Minutes:        req.Minutes,
			AmountCents:    req.AmountCents,
			PurchasedAt:    req.PurchasedAt,
			CreatedAt:      s.clock.Now(),
		}
		if err := s.repo.InsertAddOn(ctx, tx, &purchase); err != nil {
			return err
		}

		ok, err := s.repo.UpdateVersioned(ctx, tx, subscription, readVersion)
		if err != nil {
			return err
		}
		if !ok {
			return subscriptiondomain.ErrVersionConflict
		}

		updated = *subscription
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	return updated, nil
}

// MarkReminderSent implements domain.Service. The dedupe key is scoped to
// the period end, so a subscription gets exactly one reminder per period
// regardless of how many scheduler passes see it inside the window.
func (s *Service) MarkReminderSent(ctx context.Context, id snowflake.ID, periodEnd time.Time, at time.Time) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.loadForWork(ctx, tx, id)
		if err != nil {
			return err
		}

		dedupe := fmt.Sprintf("%d:reminder:%s", id, periodEnd.UTC().Format(time.RFC3339))
		event := billingeventdomain.BillingEvent{
			SubscriptionID: subscription.ID,
			EventType:      billingeventdomain.EventReminderSent,
			DedupeKey:      &dedupe,
			OccurredAt:     at,
		}
		return s.events.Append(ctx, tx, &event)
	})
	if err != nil {
		if errors.Is(err, billingeventdomain.ErrDuplicateEvent) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FlagIntegrity implements domain.Service.
func (s *Service) FlagIntegrity(ctx context.Context, id snowflake.ID, reason string, at time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if subscription.FlaggedAt != nil {
			return nil
		}

		readVersion := subscription.Version
		flaggedAt := at
		subscription.FlaggedAt = &flaggedAt
		subscription.FlagReason = &reason
		subscription.UpdatedAt = s.clock.Now()

		ok, err := s.repo.UpdateVersioned(ctx, tx, subscription, readVersion)
		if err != nil {
			return err
		}
		if !ok {
			return subscriptiondomain.ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Warn("subscription.flagged",
		zap.Int64("subscription_id", int64(id)),
		zap.String("reason", reason),
	)
	return nil
}

// loadForWork fetches a subscription and rejects the states no mutation
// may touch: missing, flagged or terminal.
func (s *Service) loadForWork(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if subscription.FlaggedAt != nil {
		return nil, subscriptiondomain.ErrSubscriptionFlagged
	}
	if subscriptiondomain.IsTerminal(subscription.Status) {
		return nil, subscriptiondomain.ErrAlreadyTerminal
	}
	return subscription, nil
}

func cancelReasonFor(from subscriptiondomain.SubscriptionStatus) string {
	if from == subscriptiondomain.SubscriptionStatusPendingActivation {
		return string(subscriptiondomain.TriggerActivationFailed)
	}
	return string(subscriptiondomain.TriggerRetriesExhausted)
}
