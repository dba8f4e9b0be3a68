package mq

import (
	"context"

	"github.com/presenq/billing/internal/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newConnection(lc fx.Lifecycle, cfg Config, log *zap.Logger) *Connection {
	conn := NewConnection(cfg.URL, log)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			conn.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return conn.Close()
		},
	})
	return conn
}

func newPublisher(conn *Connection, cfg Config, log *zap.Logger, obsMetrics *metrics.Metrics) Publisher {
	return NewPublisher(conn, cfg.PublishTimeoutMs, log, obsMetrics)
}

// Module wires the broker connection, topology bootstrap and publisher.
var Module = fx.Module("mq",
	fx.Provide(
		NewConfig,
		newConnection,
		newPublisher,
	),
	fx.Invoke(func(lc fx.Lifecycle, conn *Connection, cfg Config, log *zap.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return Bootstrap(ctx, conn, cfg, log)
			},
		})
	}),
)
