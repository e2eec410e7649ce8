package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/voxlabs/voxbill/internal/account"
	"github.com/voxlabs/voxbill/internal/billingevent"
	"github.com/voxlabs/voxbill/internal/clock"
	"github.com/voxlabs/voxbill/internal/config"
	"github.com/voxlabs/voxbill/internal/logger"
	"github.com/voxlabs/voxbill/internal/migration"
	"github.com/voxlabs/voxbill/internal/notification"
	"github.com/voxlabs/voxbill/internal/payment"
	"github.com/voxlabs/voxbill/internal/plan"
	"github.com/voxlabs/voxbill/internal/providers/email"
	"github.com/voxlabs/voxbill/internal/scheduler"
	"github.com/voxlabs/voxbill/internal/subscription"
	"github.com/voxlabs/voxbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Domain services required by the scheduler
		scheduler.Module,
		subscription.Module,
		billingevent.Module,
		payment.Module,
		plan.Module,
		account.Module,
		notification.Module,
		email.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
