// Package scheduler drives the subscription billing lifecycle: renewal
// reminders, due charges, payment retries and an integrity sweep. Every
// pass is idempotent; anything interrupted or lost to a concurrent writer
// is picked up again on the next wake.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/voxlabs/voxbill/internal/clock"
	"github.com/voxlabs/voxbill/internal/notification"
	obsmetrics "github.com/voxlabs/voxbill/internal/observability/metrics"
	paymentdomain "github.com/voxlabs/voxbill/internal/payment/domain"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	PaymentSvc      paymentdomain.Service
	Notifier        notification.Dispatcher
	Config          Config `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	paymentSvc      paymentdomain.Service
	notifier        notification.Dispatcher
	maxRetries      int
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.PaymentSvc == nil || p.Notifier == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		genID:           p.GenID,
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		paymentSvc:      p.PaymentSvc,
		notifier:        p.Notifier,
		maxRetries:      cfg.MaxRetries,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one scheduler pass. Jobs run in order and a failure in
// one never blocks the others; the joined error is reported to the caller.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"reminders", func(ctx context.Context) error {
			return s.runJob(ctx, "reminders", s.cfg.BatchSize, 30*time.Second, s.RemindersJob)
		}},
		{"charges", func(ctx context.Context) error {
			return s.runJob(ctx, "charges", s.cfg.BatchSize, 2*time.Minute, s.ChargesJob)
		}},
		{"retries", func(ctx context.Context) error {
			return s.runJob(ctx, "retries", s.cfg.BatchSize, 2*time.Minute, s.RetriesJob)
		}},
		{"integrity_sweep", func(ctx context.Context) error {
			return s.runJob(ctx, "integrity_sweep", s.cfg.BatchSize, 30*time.Second, s.IntegritySweepJob)
		}},
	}

	for _, job := range jobs {
		err = errors.Join(err, job.Run(parent))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RemindersJob sends the upcoming-renewal notice to active subscriptions
// entering the reminder window. One batch per pass; the reminder event's
// dedupe key guarantees at most one notice per period.
func (s *Scheduler) RemindersJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reminders", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	now := s.clock.Now()
	lead := time.Duration(s.cfg.ReminderLeadDays) * 24 * time.Hour
	var jobErr error

	subscriptions, err := s.claim(ctx, func(ctx context.Context, tx *gorm.DB) ([]WorkSubscription, error) {
		return s.fetchSubscriptionsDueReminder(ctx, tx, now, lead, s.cfg.BatchSize)
	})
	if err != nil {
		s.logSchedulerError(run, "scheduler.reminders.claim.failed", "reminders", 0, err)
		return err
	}

	sent := 0
	for _, sub := range subscriptions {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}

		recorded, err := s.subscriptionSvc.MarkReminderSent(ctx, sub.ID, sub.CurrentPeriodEnd, now)
		if err != nil {
			jobErr = errors.Join(jobErr, s.absorbConflict("reminders", sub.ID, err))
			continue
		}
		if !recorded {
			continue
		}

		s.notifier.RenewalReminder(sub.domain(), sub.CurrentPeriodEnd)
		run.AddProcessed(1)
		sent++
	}

	if sent > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("reminders", "subscriptions", sent)
	}
	return jobErr
}

// ChargesJob starts payment attempts for subscriptions whose charge is
// due: renewals past their period end and activations past their start
// date. Attempts fan out over a bounded worker pool.
func (s *Scheduler) ChargesJob(ctx context.Context) error {
	return s.chargeLoop(ctx, "charges", func(ctx context.Context, tx *gorm.DB) ([]WorkSubscription, error) {
		return s.fetchSubscriptionsDueCharge(ctx, tx, s.clock.Now(), s.cfg.BatchSize)
	})
}

// RetriesJob re-attempts payment for past-due subscriptions whose backoff
// has elapsed. Rows that somehow kept a retry slot past the budget are
// cancelled instead of charged again.
func (s *Scheduler) RetriesJob(ctx context.Context) error {
	return s.chargeLoop(ctx, "retries", func(ctx context.Context, tx *gorm.DB) ([]WorkSubscription, error) {
		return s.fetchSubscriptionsDueRetry(ctx, tx, s.clock.Now(), s.cfg.BatchSize)
	})
}

func (s *Scheduler) chargeLoop(ctx context.Context, name string, fetch func(ctx context.Context, tx *gorm.DB) ([]WorkSubscription, error)) error {
	ctx, run, owner := s.ensureJobRun(ctx, name, s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		subscriptions, err := s.claim(ctx, fetch)
		if err != nil {
			s.logSchedulerError(run, "scheduler.charges.claim.failed", name, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(subscriptions) == 0 {
			break
		}

		processed, batchErr := s.chargeBatch(ctx, name, run, subscriptions)
		jobErr = errors.Join(jobErr, batchErr)
		run.AddProcessed(processed)
		if processed > 0 {
			obsmetrics.Scheduler().AddBatchProcessed(name, "subscriptions", processed)
		}
		// No progress means every claimed row failed; come back next wake
		// instead of spinning on the same batch.
		if processed == 0 {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) chargeBatch(ctx context.Context, name string, run *jobRun, subscriptions []WorkSubscription) (int, error) {
	var (
		mu        sync.Mutex
		batchErr  error
		processed int
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WorkerCount)

	for _, sub := range subscriptions {
		sub := sub
		g.Go(func() error {
			err := s.chargeOne(groupCtx, name, sub)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logSchedulerError(run, "scheduler.charge.failed", name, sub.ID, err)
				batchErr = errors.Join(batchErr, err)
				return nil
			}
			processed++
			return nil
		})
	}
	_ = g.Wait()

	return processed, batchErr
}

func (s *Scheduler) chargeOne(ctx context.Context, name string, sub WorkSubscription) error {
	if sub.RetryCount >= s.maxRetries && sub.Status == subscriptiondomain.SubscriptionStatusPastDue {
		return s.absorbConflict(name, sub.ID, s.subscriptionSvc.CancelExhausted(ctx, sub.ID, s.clock.Now()))
	}

	err := s.paymentSvc.Charge(ctx, sub.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, subscriptiondomain.ErrChargeInFlight):
		// Another instance started this attempt between claim and charge.
		return nil
	case errors.Is(err, paymentdomain.ErrGatewayUnavailable):
		s.log.Warn("scheduler.charge.gateway_unavailable",
			zap.String("job", name),
			zap.String("subscription_id", idString(sub.ID)),
		)
		return err
	default:
		return s.absorbConflict(name, sub.ID, err)
	}
}

// absorbConflict swallows optimistic version conflicts. The losing writer
// simply retries against fresh state on the next scheduler wake.
func (s *Scheduler) absorbConflict(job string, id snowflake.ID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, subscriptiondomain.ErrVersionConflict) {
		obsmetrics.Scheduler().IncVersionConflict(job)
		s.log.Info("scheduler.version_conflict",
			zap.String("job", job),
			zap.String("subscription_id", idString(id)),
		)
		return nil
	}
	return err
}

// IntegritySweepJob flags rows in states the state machine cannot reach.
// Flagged subscriptions are excluded from all processing until corrected.
func (s *Scheduler) IntegritySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "integrity_sweep", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	now := s.clock.Now()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		subscriptions, err := s.claim(ctx, func(ctx context.Context, tx *gorm.DB) ([]WorkSubscription, error) {
			return s.fetchIntegrityViolations(ctx, tx, s.cfg.BatchSize)
		})
		if err != nil {
			s.logSchedulerError(run, "scheduler.integrity.claim.failed", "integrity_sweep", 0, err)
			return errors.Join(jobErr, err)
		}
		if len(subscriptions) == 0 {
			break
		}

		flagged := 0
		for _, sub := range subscriptions {
			reason := integrityReason(sub)
			if err := s.subscriptionSvc.FlagIntegrity(ctx, sub.ID, reason, now); err != nil {
				jobErr = errors.Join(jobErr, s.absorbConflict("integrity_sweep", sub.ID, err))
				continue
			}
			run.AddProcessed(1)
			flagged++
		}
		if flagged == 0 {
			break
		}
		obsmetrics.Scheduler().AddBatchProcessed("integrity_sweep", "subscriptions", flagged)
	}

	return jobErr
}
