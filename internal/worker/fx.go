package worker

import (
	"context"

	billingservice "github.com/presenq/billing/internal/billing/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("worker",
	fx.Provide(
		func(s *billingservice.ReconcileService) Processor { return s },
		New,
	),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, consumer *Consumer, log *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := consumer.Run(runCtx); err != nil && runCtx.Err() == nil {
					log.Error("worker stopped unexpectedly", zap.Error(err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
