package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/voxlabs/voxbill/internal/billingevent/domain"
	billingeventrepo "github.com/voxlabs/voxbill/internal/billingevent/repository"
	"github.com/voxlabs/voxbill/internal/clock"
	paymentdomain "github.com/voxlabs/voxbill/internal/payment/domain"
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

	clock  clock.Clock
	events billingeventrepo.Repository

	subscriptions subscriptiondomain.Service
	plans         plandomain.Service
	gateway       paymentdomain.Gateway
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Events billingeventrepo.Repository

	Subscriptions subscriptiondomain.Service
	Plans         plandomain.Service
	Gateway       paymentdomain.Gateway
}

func NewService(p ServiceParam) paymentdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("payment.service"),

		clock:  p.Clock,
		events: p.Events,

		subscriptions: p.Subscriptions,
		plans:         p.Plans,
		gateway:       p.Gateway,
	}
}

// Charge implements domain.Service.
func (s *Service) Charge(ctx context.Context, subscriptionID snowflake.ID) error {
	subscription, err := s.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if subscription.InFlightIntentID != nil {
		return subscriptiondomain.ErrChargeInFlight
	}

	plan, err := s.plans.GetPlan(ctx, subscription.PlanID)
	if err != nil {
		return err
	}

	intent, err := s.gateway.CreateChargeIntent(ctx, paymentdomain.CreateChargeIntentRequest{
		SubscriptionID: subscription.ID,
		AmountCents:    plan.PriceCents,
		Currency:       plan.Currency,
	})
	if err != nil {
		return fmt.Errorf("create charge intent: %w", err)
	}

	if err := s.subscriptions.BeginChargeAttempt(ctx, subscription.ID, intent.ID, s.clock.Now()); err != nil {
		// The gateway intent exists but was never recorded. The gateway
		// will still deliver its callback, which reconciliation rejects
		// as stale.
		s.log.Warn("payment.charge.record_failed",
			zap.Int64("subscription_id", int64(subscription.ID)),
			zap.String("payment_intent_id", intent.ID),
			zap.Error(err),
		)
		return err
	}

	s.log.Info("payment.charge.started",
		zap.Int64("subscription_id", int64(subscription.ID)),
		zap.String("payment_intent_id", intent.ID),
		zap.Int64("amount_cents", plan.PriceCents),
	)
	return nil
}

// Reconcile implements domain.Service.
func (s *Service) Reconcile(ctx context.Context, cb paymentdomain.Callback) error {
	if cb.SubscriptionID == 0 || cb.PaymentIntentID == "" {
		return paymentdomain.ErrInvalidCallback
	}
	if cb.Outcome != subscriptiondomain.OutcomeSucceeded && cb.Outcome != subscriptiondomain.OutcomeFailed {
		return paymentdomain.ErrInvalidCallback
	}

	_, err := s.subscriptions.ApplyChargeOutcome(ctx, subscriptiondomain.ApplyChargeOutcomeRequest{
		SubscriptionID:  cb.SubscriptionID,
		PaymentIntentID: cb.PaymentIntentID,
		Outcome:         cb.Outcome,
		OccurredAt:      cb.OccurredAt,
	})
	switch {
	case err == nil:
		return nil

	case errors.Is(err, billingeventdomain.ErrDuplicateEvent):
		// Same callback already applied. Acknowledge so the gateway
		// stops redelivering.
		s.log.Info("payment.reconcile.duplicate",
			zap.Int64("subscription_id", int64(cb.SubscriptionID)),
			zap.String("payment_intent_id", cb.PaymentIntentID),
		)
		return nil

	case errors.Is(err, subscriptiondomain.ErrAlreadyTerminal):
		return s.recordIgnoredCallback(ctx, cb, "subscription_terminal")

	case errors.Is(err, subscriptiondomain.ErrIntentMismatch),
		errors.Is(err, subscriptiondomain.ErrNoChargeInFlight):
		s.log.Warn("payment.reconcile.stale",
			zap.Int64("subscription_id", int64(cb.SubscriptionID)),
			zap.String("payment_intent_id", cb.PaymentIntentID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s", paymentdomain.ErrStaleCallback, cb.PaymentIntentID)

	default:
		return err
	}
}

// recordIgnoredCallback keeps the audit trail complete for callbacks that
// arrive after the subscription reached a terminal state.
func (s *Service) recordIgnoredCallback(ctx context.Context, cb paymentdomain.Callback, reason string) error {
	dedupe := fmt.Sprintf("%d:%s:ignored", cb.SubscriptionID, cb.PaymentIntentID)
	event := billingeventdomain.BillingEvent{
		SubscriptionID: cb.SubscriptionID,
		EventType:      billingeventdomain.EventCallbackIgnored,
		DedupeKey:      &dedupe,
		Payload: datatypes.JSONMap{
			"payment_intent_id": cb.PaymentIntentID,
			"outcome":           string(cb.Outcome),
			"reason":            reason,
		},
		OccurredAt: cb.OccurredAt,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.events.Append(ctx, tx, &event)
	})
	if err != nil && !errors.Is(err, billingeventdomain.ErrDuplicateEvent) {
		return err
	}

	s.log.Info("payment.reconcile.ignored",
		zap.Int64("subscription_id", int64(cb.SubscriptionID)),
		zap.String("payment_intent_id", cb.PaymentIntentID),
		zap.String("reason", reason),
	)
	return nil
}
