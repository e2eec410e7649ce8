// Package notification renders and sends lifecycle emails. Dispatch is
// fire-and-forget: billing state never depends on whether a notification
// went out, so failures are logged and dropped.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	accountdomain "github.com/voxlabs/voxbill/internal/account/domain"
	plandomain "github.com/voxlabs/voxbill/internal/plan/domain"
	"github.com/voxlabs/voxbill/internal/providers/email"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sendTimeout = 30 * time.Second

type Dispatcher interface {
	SubscriptionActivated(sub subscriptiondomain.Subscription)
	PaymentFailedRetryScheduled(sub subscriptiondomain.Subscription, retryAt time.Time)
	SubscriptionCancelled(sub subscriptiondomain.Subscription, reason string)
	RenewalReminder(sub subscriptiondomain.Subscription, periodEnd time.Time)

	// Flush blocks until all in-flight sends have finished.
	Flush()
}

type dispatcher struct {
	log      *zap.Logger
	emailer  email.Provider
	accounts accountdomain.Service
	plans    plandomain.Service

	wg sync.WaitGroup
}

type DispatcherParam struct {
	fx.In

	Log      *zap.Logger
	Emailer  email.Provider
	Accounts accountdomain.Service
	Plans    plandomain.Service
}

func NewDispatcher(p DispatcherParam) Dispatcher {
	return &dispatcher{
		log:      p.Log.Named("notification.dispatcher"),
		emailer:  p.Emailer,
		accounts: p.Accounts,
		plans:    p.Plans,
	}
}

func (d *dispatcher) SubscriptionActivated(sub subscriptiondomain.Subscription) {
	d.dispatch(sub, TemplateSubscriptionActivated, templateData{})
}

func (d *dispatcher) PaymentFailedRetryScheduled(sub subscriptiondomain.Subscription, retryAt time.Time) {
	d.dispatch(sub, TemplatePaymentFailedRetry, templateData{
		RetryAt: retryAt.UTC().Format("January 2, 2006 15:04 MST"),
	})
}

func (d *dispatcher) SubscriptionCancelled(sub subscriptiondomain.Subscription, reason string) {
	d.dispatch(sub, TemplateSubscriptionCancelled, templateData{Reason: reason})
}

func (d *dispatcher) RenewalReminder(sub subscriptiondomain.Subscription, periodEnd time.Time) {
	d.dispatch(sub, TemplateUpcomingRenewal, templateData{
		PeriodEnd: periodEnd.UTC().Format("January 2, 2006"),
	})
}

func (d *dispatcher) Flush() {
	d.wg.Wait()
}

// dispatch resolves recipient and plan, renders and sends on a background
// goroutine. The caller's context is deliberately not used: it is usually
// tied to a transaction that has already committed.
func (d *dispatcher) dispatch(sub subscriptiondomain.Subscription, templateName string, data templateData) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := d.send(ctx, sub, templateName, data); err != nil {
			d.log.Warn("notification.dispatch.failed",
				zap.String("template", templateName),
				zap.Int64("subscription_id", int64(sub.ID)),
				zap.Error(err),
			)
			return
		}

		d.log.Info("notification.dispatched",
			zap.String("template", templateName),
			zap.Int64("subscription_id", int64(sub.ID)),
		)
	}()
}

func (d *dispatcher) send(ctx context.Context, sub subscriptiondomain.Subscription, templateName string, data templateData) error {
	user, err := d.accounts.GetUser(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	plan, err := d.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return fmt.Errorf("resolve plan: %w", err)
	}

	data.PlanName = plan.Name
	data.Amount = fmt.Sprintf("%s %.2f", plan.Currency, float64(plan.PriceCents)/100)
	data.IncludedMinutes = plan.IncludedMinutes

	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, templateName, data); err != nil {
		return fmt.Errorf("render template %s: %w", templateName, err)
	}

	return d.emailer.Send(ctx, []string{user.Email}, subjects[templateName], body.String())
}
