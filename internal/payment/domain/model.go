// Package domain is the boundary to the external payment gateway. The
// gateway is asynchronous: charging creates an intent, and the outcome
// arrives later as a callback.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
)

type ChargeIntent struct {
	ID             string
	SubscriptionID snowflake.ID
	AmountCents    int64
	Currency       string
	CreatedAt      time.Time
}

type CreateChargeIntentRequest struct {
	SubscriptionID snowflake.ID
	AmountCents    int64
	Currency       string
}

type Gateway interface {
	CreateChargeIntent(ctx context.Context, req CreateChargeIntentRequest) (ChargeIntent, error)
}

// Callback is one gateway delivery. The gateway retries deliveries until
// acknowledged, so the same callback may arrive more than once.
type Callback struct {
	SubscriptionID  snowflake.ID
	PaymentIntentID string
	Outcome         subscriptiondomain.BillingAttemptOutcome
	OccurredAt      time.Time
}

var (
	ErrStaleCallback      = errors.New("stale_callback")
	ErrInvalidCallback    = errors.New("invalid_callback")
	ErrGatewayUnavailable = errors.New("payment_gateway_unavailable")
)

type Service interface {
	// Charge creates a gateway intent for the subscription's plan price
	// and records it as the in-flight attempt.
	Charge(ctx context.Context, subscriptionID snowflake.ID) error

	// Reconcile applies one gateway callback. Duplicate deliveries and
	// callbacks for terminal subscriptions are acknowledged without
	// changing state.
	Reconcile(ctx context.Context, cb Callback) error
}
