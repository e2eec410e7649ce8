package billingevent

import (
	"github.com/voxlabs/voxbill/internal/billingevent/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("billingevent",
	fx.Provide(repository.Provide),
)
