package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// retryDeadLetterKey is where expired retry-tier messages re-enter the live
// exchange; the process queue's wildcard binding captures it.
const retryDeadLetterKey = "mercadopago.retry"

// Bootstrap idempotently declares the exchanges, queues and bindings: a topic
// exchange for live events, a direct dead-letter exchange, the durable
// process queue, one TTL queue per retry tier and the terminal DLQ.
func Bootstrap(ctx context.Context, connection *Connection, cfg Config, log *zap.Logger) error {
	ch, err := connection.EnsureChannel(ctx)
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(cfg.DLX, "direct", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(cfg.ProcessQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(cfg.ProcessQueue, "mercadopago.#", cfg.Exchange, false, nil); err != nil {
		return err
	}

	for _, retryQueue := range cfg.RetryQueues {
		args := amqp.Table{
			"x-message-ttl":             int32(retryQueue.TTLMs),
			"x-dead-letter-exchange":    cfg.Exchange,
			"x-dead-letter-routing-key": retryDeadLetterKey,
		}
		if _, err := ch.QueueDeclare(retryQueue.Name, true, false, false, false, args); err != nil {
			return err
		}
		if err := ch.QueueBind(retryQueue.Name, retryQueue.RoutingKey, cfg.DLX, false, nil); err != nil {
			return err
		}
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(cfg.DLQQueue, cfg.DLQRoutingKey, cfg.DLX, false, nil); err != nil {
		return err
	}

	retryNames := make([]string, 0, len(cfg.RetryQueues))
	for _, q := range cfg.RetryQueues {
		retryNames = append(retryNames, q.Name)
	}
	log.Info("rabbitmq bootstrap complete",
		zap.String("exchange", cfg.Exchange),
		zap.String("dlx", cfg.DLX),
		zap.String("process_queue", cfg.ProcessQueue),
		zap.String("dlq_queue", cfg.DLQQueue),
		zap.Strings("retry_queues", retryNames),
	)
	return nil
}
