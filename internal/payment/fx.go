package payment

import (
	"github.com/voxlabs/voxbill/internal/config"
	"github.com/voxlabs/voxbill/internal/payment/domain"
	"github.com/voxlabs/voxbill/internal/payment/gateway"
	"github.com/voxlabs/voxbill/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(NewGatewayFromConfig),
	fx.Provide(service.NewService),
)

func NewGatewayFromConfig(cfg config.Config, log *zap.Logger) domain.Gateway {
	return gateway.WithBreaker(gateway.NewHTTP(gateway.Config{
		BaseURL: cfg.GatewayBaseURL,
		APIKey:  cfg.GatewayAPIKey,
	}), log)
}
