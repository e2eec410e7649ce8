package scheduler

import (
	"context"

	"github.com/voxlabs/voxbill/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:      cfg.Billing.RunInterval,
		BatchSize:        cfg.Billing.BatchSize,
		WorkerCount:      cfg.Billing.WorkerCount,
		MaxRetries:       cfg.Billing.MaxRetries,
		ReminderLeadDays: cfg.Billing.ReminderLeadDays,
	}.withDefaults()
}

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(runCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			sched.notifier.Flush()
			return nil
		},
	})
}
