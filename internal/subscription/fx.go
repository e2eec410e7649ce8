package subscription

import (
	"github.com/voxlabs/voxbill/internal/subscription/repository"
	"github.com/voxlabs/voxbill/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
