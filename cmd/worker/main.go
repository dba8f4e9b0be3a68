package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/presenq/billing/internal/billing"
	"github.com/presenq/billing/internal/config"
	"github.com/presenq/billing/internal/logger"
	"github.com/presenq/billing/internal/mercadopago"
	"github.com/presenq/billing/internal/metrics"
	"github.com/presenq/billing/internal/migration"
	"github.com/presenq/billing/internal/mq"
	"github.com/presenq/billing/internal/worker"
	"github.com/presenq/billing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		mq.Module,

		mercadopago.Module,
		billing.Module,
		worker.Module,
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
