package notification

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	accountdomain "github.com/voxlabs/voxbill/internal/account/domain"
	plandomain "github.com/voxlabs/voxbill/internal/plan/domain"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
	"go.uber.org/zap"
)

type sentMail struct {
	to      []string
	subject string
	body    string
}

type recordingEmailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (r *recordingEmailer) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMail{to: to, subject: subject, body: htmlBody})
	return nil
}

func (r *recordingEmailer) all() []sentMail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMail(nil), r.sent...)
}

type staticAccounts struct {
	user accountdomain.User
}

func (s staticAccounts) GetUser(ctx context.Context, userID snowflake.ID) (accountdomain.User, error) {
	if userID != s.user.ID {
		return accountdomain.User{}, accountdomain.ErrUserNotFound
	}
	return s.user, nil
}

type staticPlans struct {
	plan plandomain.Plan
}

func (s staticPlans) GetPlan(ctx context.Context, planID snowflake.ID) (plandomain.Plan, error) {
	if planID != s.plan.ID {
		return plandomain.Plan{}, plandomain.ErrPlanNotFound
	}
	return s.plan, nil
}

func newTestDispatcher(t *testing.T) (Dispatcher, *recordingEmailer, subscriptiondomain.Subscription) {
	t.Helper()

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	user := accountdomain.User{ID: node.Generate(), Email: "owner@example.com"}
	plan := plandomain.Plan{
		ID:              node.Generate(),
		Name:            "Starter",
		PriceCents:      4900,
		Currency:        "USD",
		IncludedMinutes: 500,
	}
	emailer := &recordingEmailer{}

	d := NewDispatcher(DispatcherParam{
		Log:      zap.NewNop(),
		Emailer:  emailer,
		Accounts: staticAccounts{user: user},
		Plans:    staticPlans{plan: plan},
	})

	sub := subscriptiondomain.Subscription{
		ID:     node.Generate(),
		UserID: user.ID,
		PlanID: plan.ID,
	}
	return d, emailer, sub
}

func TestDispatcher_SubscriptionActivated(t *testing.T) {
	d, emailer, sub := newTestDispatcher(t)

	d.SubscriptionActivated(sub)
	d.Flush()

	sent := emailer.all()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"owner@example.com"}, sent[0].to)
	assert.Equal(t, subjects[TemplateSubscriptionActivated], sent[0].subject)
	assert.Contains(t, sent[0].body, "Starter")
	assert.Contains(t, sent[0].body, "500 minutes")
}

func TestDispatcher_RenewalReminder(t *testing.T) {
	d, emailer, sub := newTestDispatcher(t)

	periodEnd := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	d.RenewalReminder(sub, periodEnd)
	d.Flush()

	sent := emailer.all()
	require.Len(t, sent, 1)
	assert.Equal(t, subjects[TemplateUpcomingRenewal], sent[0].subject)
	assert.Contains(t, sent[0].body, "February 1, 2025")
	assert.Contains(t, sent[0].body, "USD 49.00")
}

func TestDispatcher_PaymentFailedRetryScheduled(t *testing.T) {
	d, emailer, sub := newTestDispatcher(t)

	retryAt := time.Date(2025, 2, 2, 9, 30, 0, 0, time.UTC)
	d.PaymentFailedRetryScheduled(sub, retryAt)
	d.Flush()

	sent := emailer.all()
	require.Len(t, sent, 1)
	assert.Equal(t, subjects[TemplatePaymentFailedRetry], sent[0].subject)
	assert.Contains(t, sent[0].body, "February 2, 2025 09:30 UTC")
}

func TestDispatcher_SubscriptionCancelled(t *testing.T) {
	d, emailer, sub := newTestDispatcher(t)

	d.SubscriptionCancelled(sub, "payment retries exhausted")
	d.Flush()

	sent := emailer.all()
	require.Len(t, sent, 1)
	assert.Equal(t, subjects[TemplateSubscriptionCancelled], sent[0].subject)
	assert.Contains(t, sent[0].body, "payment retries exhausted")
}

func TestDispatcher_UnknownRecipientIsDropped(t *testing.T) {
	d, emailer, sub := newTestDispatcher(t)
	sub.UserID = snowflake.ID(999999)

	d.SubscriptionActivated(sub)
	d.Flush()

	assert.Empty(t, emailer.all(), "send failures are logged and dropped")
}

func TestDispatcher_FlushWaitsForInFlightSends(t *testing.T) {
	d, emailer, sub := newTestDispatcher(t)

	for i := 0; i < 10; i++ {
		d.RenewalReminder(sub, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	}
	d.Flush()

	assert.Len(t, emailer.all(), 10)
}

func TestTemplates_AllNamesRender(t *testing.T) {
	for name := range subjects {
		var sb strings.Builder
		err := templates.ExecuteTemplate(&sb, name, templateData{
			PlanName:        "Starter",
			Amount:          "USD 49.00",
			PeriodEnd:       "February 1, 2025",
			RetryAt:         "February 2, 2025 09:30 UTC",
			Reason:          "user_requested",
			IncludedMinutes: 500,
		})
		require.NoError(t, err, name)
		assert.NotEmpty(t, strings.TrimSpace(sb.String()), name)
	}
}
