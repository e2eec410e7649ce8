package gateway

import (
	"context"
	"errors"

	"github.com/sony/gobreaker/v2"
	"github.com/voxlabs/voxbill/internal/payment/domain"
	"go.uber.org/zap"
)

type breakerGateway struct {
	next    domain.Gateway
	breaker *gobreaker.CircuitBreaker[domain.ChargeIntent]
}

// WithBreaker wraps a gateway with a circuit breaker. While the breaker is
// open, charge attempts fail fast with ErrGatewayUnavailable and the
// affected subscriptions are retried on the next scheduler wake.
func WithBreaker(next domain.Gateway, log *zap.Logger) domain.Gateway {
	log = log.Named("payment.gateway.breaker")

	settings := gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker.state_changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &breakerGateway{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[domain.ChargeIntent](settings),
	}
}

func (g *breakerGateway) CreateChargeIntent(ctx context.Context, req domain.CreateChargeIntentRequest) (domain.ChargeIntent, error) {
	intent, err := g.breaker.Execute(func() (domain.ChargeIntent, error) {
		return g.next.CreateChargeIntent(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.ChargeIntent{}, domain.ErrGatewayUnavailable
		}
		return domain.ChargeIntent{}, err
	}
	return intent, nil
}
