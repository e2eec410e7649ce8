package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	accountdomain "github.com/voxlabs/voxbill/internal/account/domain"
	accountservice "github.com/voxlabs/voxbill/internal/account/service"
	"github.com/voxlabs/voxbill/internal/billingcycle"
	billingeventdomain "github.com/voxlabs/voxbill/internal/billingevent/domain"
	billingeventrepo "github.com/voxlabs/voxbill/internal/billingevent/repository"
	"github.com/voxlabs/voxbill/internal/clock"
	"github.com/voxlabs/voxbill/internal/config"
	obsmetrics "github.com/voxlabs/voxbill/internal/observability/metrics"
	paymentdomain "github.com/voxlabs/voxbill/internal/payment/domain"
	paymentservice "github.com/voxlabs/voxbill/internal/payment/service"
	plandomain "github.com/voxlabs/voxbill/internal/plan/domain"
	planservice "github.com/voxlabs/voxbill/internal/plan/service"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
	subscriptionrepo "github.com/voxlabs/voxbill/internal/subscription/repository"
	subscriptionservice "github.com/voxlabs/voxbill/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// capturingGateway hands out sequential intent IDs and remembers every
// intent so the test can play the gateway's callbacks back later.
type capturingGateway struct {
	mu      sync.Mutex
	serial  int
	intents []paymentdomain.ChargeIntent
}

func (g *capturingGateway) CreateChargeIntent(ctx context.Context, req paymentdomain.CreateChargeIntentRequest) (paymentdomain.ChargeIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.serial++
	intent := paymentdomain.ChargeIntent{
		ID:             fmt.Sprintf("pi_%d", g.serial),
		SubscriptionID: req.SubscriptionID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
	}
	g.intents = append(g.intents, intent)
	return intent, nil
}

func (g *capturingGateway) drainFrom(cursor int) ([]paymentdomain.ChargeIntent, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fresh := append([]paymentdomain.ChargeIntent(nil), g.intents[cursor:]...)
	return fresh, len(g.intents)
}

type countingNotifier struct {
	mu        sync.Mutex
	activated int
	retries   int
	cancelled int
	reminders int
}

func (n *countingNotifier) SubscriptionActivated(subscriptiondomain.Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activated++
}

func (n *countingNotifier) PaymentFailedRetryScheduled(subscriptiondomain.Subscription, time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retries++
}

func (n *countingNotifier) SubscriptionCancelled(subscriptiondomain.Subscription, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled++
}

func (n *countingNotifier) RenewalReminder(subscriptiondomain.Subscription, time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders++
}

func (n *countingNotifier) Flush() {}

func (n *countingNotifier) counts() (int, int, int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activated, n.retries, n.cancelled, n.reminders
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func openSchedulerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	})

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.AddOnPurchase{},
		&billingeventdomain.BillingEvent{},
		&plandomain.Plan{},
		&accountdomain.User{},
	))
	return db
}

type schedulerEnv struct {
	db        *gorm.DB
	scheduler *Scheduler
	subs      subscriptiondomain.Service
	payments  paymentdomain.Service
	events    billingeventrepo.Repository
	gateway   *capturingGateway
	notifier  *countingNotifier
	clock     *clock.FakeClock
	userID    snowflake.ID
	planID    snowflake.ID
}

func newSchedulerEnv(t *testing.T, start time.Time) *schedulerEnv {
	t.Helper()

	db := openSchedulerTestDB(t)

	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(start)
	log := zap.NewNop()

	userID := node.Generate()
	require.NoError(t, db.Create(&accountdomain.User{
		ID:               userID,
		Email:            "owner@example.com",
		RegistrationDate: start,
	}).Error)

	planID := node.Generate()
	require.NoError(t, db.Create(&plandomain.Plan{
		ID:              planID,
		Name:            "Starter",
		PriceCents:      4900,
		Currency:        "USD",
		IncludedMinutes: 500,
		BillingPeriod:   "monthly",
		CreatedAt:       start,
	}).Error)

	events := billingeventrepo.Provide(node)
	notifier := &countingNotifier{}
	plans := planservice.NewService(planservice.ServiceParam{DB: db, Log: log})
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		Config: config.Config{
			Billing: config.BillingConfig{MaxRetries: 3, RetryBackoff: 24 * time.Hour},
		},
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    fakeClock,
		Repo:     subscriptionrepo.Provide(),
		Events:   events,
		Accounts: accountservice.NewService(accountservice.ServiceParam{DB: db, Log: log}),
		Plans:    plans,
		Notifier: notifier,
	})

	gateway := &capturingGateway{}
	payments := paymentservice.NewService(paymentservice.ServiceParam{
		DB:            db,
		Log:           log,
		Clock:         fakeClock,
		Events:        events,
		Subscriptions: subs,
		Plans:         plans,
		Gateway:       gateway,
	})

	sched, err := New(Params{
		DB:              db,
		Log:             log,
		GenID:           node,
		Clock:           fakeClock,
		SubscriptionSvc: subs,
		PaymentSvc:      payments,
		Notifier:        notifier,
		Config: Config{
			RunInterval:      15 * time.Minute,
			BatchSize:        10,
			WorkerCount:      2,
			MaxRetries:       3,
			ReminderLeadDays: 3,
		},
	})
	require.NoError(t, err)

	return &schedulerEnv{
		db:        db,
		scheduler: sched,
		subs:      subs,
		payments:  payments,
		events:    events,
		gateway:   gateway,
		notifier:  notifier,
		clock:     fakeClock,
		userID:    userID,
		planID:    planID,
	}
}

// TestScheduler_FakeClock_FullLifecycle walks one monthly subscription
// through activation, a renewal reminder, a failed renewal, the retry
// ladder and final cancellation, advancing a fake clock one day at a time
// and replaying gateway callbacks after every pass.
func TestScheduler_FakeClock_FullLifecycle(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newSchedulerEnv(t, start)
	ctx := context.Background()

	created, err := env.subs.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		UserID:       env.userID,
		PlanID:       env.planID,
		BillingCycle: billingcycle.CycleMonthly,
		StartDate:    start,
	})
	require.NoError(t, err)

	// The first intent is the activation charge and succeeds; every later
	// intent is a failing renewal attempt.
	outcomeFor := func(intentID string) subscriptiondomain.BillingAttemptOutcome {
		if intentID == "pi_1" {
			return subscriptiondomain.OutcomeSucceeded
		}
		return subscriptiondomain.OutcomeFailed
	}

	cursor := 0
	deliverCallbacks := func() {
		var fresh []paymentdomain.ChargeIntent
		fresh, cursor = env.gateway.drainFrom(cursor)
		for _, intent := range fresh {
			err := env.payments.Reconcile(ctx, paymentdomain.Callback{
				SubscriptionID:  intent.SubscriptionID,
				PaymentIntentID: intent.ID,
				Outcome:         outcomeFor(intent.ID),
				OccurredAt:      env.clock.Now(),
			})
			require.NoError(t, err)
		}
	}

	// Simulate 40 days of scheduler wakes, one pass per day.
	for day := 0; day < 40; day++ {
		require.NotPanics(t, func() {
			_ = env.scheduler.RunOnce(ctx)
		})
		deliverCallbacks()
		env.clock.Advance(24 * time.Hour)
	}

	sub, err := env.subs.GetByID(ctx, created.ID)
	require.NoError(t, err)

	// Jan 1: activation charge succeeded.
	require.NotNil(t, sub.ActivatedAt)
	assert.True(t, sub.ActivatedAt.Equal(start))

	// Feb 1 renewal failed three times a day apart, then cancelled.
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.True(t, sub.CancelledAt.Equal(time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, sub.InFlightIntentID)
	assert.Nil(t, sub.FlaggedAt, "healthy data must not be flagged by the integrity sweep")

	// Four intents total: activation plus three renewal attempts.
	assert.Equal(t, 4, cursor)

	attempted, err := env.events.CountByType(ctx, env.db, created.ID, billingeventdomain.EventChargeAttempted)
	require.NoError(t, err)
	assert.Equal(t, int64(4), attempted)

	// The reminder window spans Jan 29-31 and the job ran once per day, but
	// the dedupe key keeps it to a single reminder.
	reminders, err := env.events.CountByType(ctx, env.db, created.ID, billingeventdomain.EventReminderSent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reminders)

	cancellations, err := env.events.CountByType(ctx, env.db, created.ID, billingeventdomain.EventSubscriptionCancelled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cancellations)

	activatedN, retriesN, cancelledN, remindersN := env.notifier.counts()
	assert.Equal(t, 1, activatedN)
	assert.Equal(t, 2, retriesN, "a retry notice per non-final failure")
	assert.Equal(t, 1, cancelledN)
	assert.Equal(t, 1, remindersN)
}

func TestScheduler_RenewalChargesOnPeriodEnd(t *testing.T) {
	start := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	env := newSchedulerEnv(t, start)
	ctx := context.Background()

	created, err := env.subs.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		UserID:       env.userID,
		PlanID:       env.planID,
		BillingCycle: billingcycle.CycleMonthly,
		StartDate:    start,
	})
	require.NoError(t, err)

	cursor := 0
	deliver := func(outcome subscriptiondomain.BillingAttemptOutcome) {
		var fresh []paymentdomain.ChargeIntent
		fresh, cursor = env.gateway.drainFrom(cursor)
		for _, intent := range fresh {
			require.NoError(t, env.payments.Reconcile(ctx, paymentdomain.Callback{
				SubscriptionID:  intent.SubscriptionID,
				PaymentIntentID: intent.ID,
				Outcome:         outcome,
				OccurredAt:      env.clock.Now(),
			}))
		}
	}

	// Run for two full periods with every charge succeeding. Jan 31 anchors
	// clamp to Feb 28 and then return to Mar 31 without drifting.
	for day := 0; day < 62; day++ {
		_ = env.scheduler.RunOnce(ctx)
		deliver(subscriptiondomain.OutcomeSucceeded)
		env.clock.Advance(24 * time.Hour)
	}

	sub, err := env.subs.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)),
		"period ends track the Jan 31 anchor: Feb 28, Mar 31, Apr 30")
	assert.Equal(t, 3, cursor, "activation plus two renewals")
}

func TestScheduler_IntegritySweepFlagsImpossibleStates(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newSchedulerEnv(t, start)
	ctx := context.Background()

	created, err := env.subs.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		UserID:       env.userID,
		PlanID:       env.planID,
		BillingCycle: billingcycle.CycleMonthly,
		StartDate:    start,
	})
	require.NoError(t, err)

	// Corrupt the row the way a bad manual edit would: active without an
	// activation timestamp.
	require.NoError(t, env.db.Exec(
		`UPDATE subscriptions SET status = ?, activated_at = NULL, version = version + 1 WHERE id = ?`,
		subscriptiondomain.SubscriptionStatusActive, created.ID,
	).Error)

	require.NoError(t, env.scheduler.IntegritySweepJob(ctx))

	sub, err := env.subs.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, sub.FlaggedAt)
	require.NotNil(t, sub.FlagReason)
	assert.Equal(t, "active_without_activation", *sub.FlagReason)

	// Flagged rows are invisible to every job: a full pass creates no intents.
	_ = env.scheduler.RunOnce(ctx)
	_, total := env.gateway.drainFrom(0)
	assert.Equal(t, 0, total)
}

func TestScheduler_GatewayOutageIsolatesBatch(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newSchedulerEnv(t, start)
	ctx := context.Background()

	created, err := env.subs.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		UserID:       env.userID,
		PlanID:       env.planID,
		BillingCycle: billingcycle.CycleMonthly,
		StartDate:    start,
	})
	require.NoError(t, err)

	outage := &outageGateway{}
	payments := paymentservice.NewService(paymentservice.ServiceParam{
		DB:            env.db,
		Log:           zap.NewNop(),
		Clock:         env.clock,
		Events:        env.events,
		Subscriptions: env.subs,
		Plans:         planservice.NewService(planservice.ServiceParam{DB: env.db, Log: zap.NewNop()}),
		Gateway:       outage,
	})
	env.scheduler.paymentSvc = payments

	err = env.scheduler.ChargesJob(ctx)
	assert.ErrorIs(t, err, paymentdomain.ErrGatewayUnavailable)

	// The failed attempt left no in-flight intent; the next wake retries.
	sub, err := env.subs.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, sub.InFlightIntentID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPendingActivation, sub.Status)
}

type outageGateway struct{}

func (outageGateway) CreateChargeIntent(context.Context, paymentdomain.CreateChargeIntentRequest) (paymentdomain.ChargeIntent, error) {
	return paymentdomain.ChargeIntent{}, paymentdomain.ErrGatewayUnavailable
}

func TestScheduler_New_RequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
