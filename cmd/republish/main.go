// Command republish re-drives failed webhook events through the exchange and
// exits. It is meant to run from cron or an operator shell.
package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/presenq/billing/internal/config"
	"github.com/presenq/billing/internal/logger"
	"github.com/presenq/billing/internal/metrics"
	"github.com/presenq/billing/internal/mq"
	"github.com/presenq/billing/internal/webhook"
	webhookservice "github.com/presenq/billing/internal/webhook/service"
	"github.com/presenq/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultBatchSize = 1000

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		mq.Module,

		webhook.Module,
		fx.Invoke(run),
	)
	app.Run()
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, svc *webhookservice.RepublishService, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer func() { _ = shutdowner.Shutdown() }()

				summary, err := svc.Execute(context.Background(), defaultBatchSize)
				if err != nil {
					log.Error("republish run failed", zap.Error(err))
					return
				}
				log.Info("republish run completed",
					zap.Int("processed", summary.Processed),
					zap.Int("succeeded", summary.Succeeded),
					zap.Int("failed", summary.Failed),
					zap.Int("sent_to_dlq", summary.SentToDlq))
			}()
			return nil
		},
	})
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
