// Package worker consumes queued notifications and drives reconciliation,
// escalating failures through the tiered retry queues.
package worker

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	billingservice "github.com/presenq/billing/internal/billing/service"
	"github.com/presenq/billing/internal/metrics"
	"github.com/presenq/billing/internal/mq"
	"github.com/presenq/billing/pkg/records"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const consumeRetryDelay = 5 * time.Second

// Processor reconciles one decoded message.
type Processor interface {
	Execute(ctx context.Context, message records.Record) (*billingservice.ReconcileResult, error)
}

type Params struct {
	fx.In

	Conn       *mq.Connection
	Cfg        mq.Config
	Processor  Processor
	Publisher  mq.Publisher
	Log        *zap.Logger
	ObsMetrics *metrics.Metrics `optional:"true"`
}

type Consumer struct {
	conn       *mq.Connection
	cfg        mq.Config
	processor  Processor
	publisher  mq.Publisher
	log        *zap.Logger
	obsMetrics *metrics.Metrics
}

func New(p Params) *Consumer {
	return &Consumer{
		conn:       p.Conn,
		cfg:        p.Cfg,
		processor:  p.Processor,
		publisher:  p.Publisher,
		log:        p.Log.Named("worker"),
		obsMetrics: p.ObsMetrics,
	}
}

// Run consumes until the context is cancelled. A lost channel is re-acquired
// through the shared connection and consumption resumes.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch, err := c.conn.EnsureChannel(ctx)
		if err != nil {
			c.log.Warn("channel unavailable, retrying", zap.Error(err))
			if !sleepCtx(ctx, consumeRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			c.log.Error("failed to set prefetch", zap.Error(err))
			if !sleepCtx(ctx, consumeRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		deliveries, err := ch.Consume(c.cfg.ProcessQueue, "", false, false, false, false, nil)
		if err != nil {
			c.log.Error("failed to start consuming", zap.Error(err))
			if !sleepCtx(ctx, consumeRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		c.log.Info("worker consuming",
			zap.String("queue", c.cfg.ProcessQueue),
			zap.Int("prefetch", c.cfg.Prefetch))

		if !c.consumeLoop(ctx, deliveries) {
			return ctx.Err()
		}
		c.log.Warn("delivery stream closed, reconnecting")
	}
}

// consumeLoop returns false when the context ended, true when the stream
// closed and consumption should restart.
func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle processes a single delivery and settles it exactly once.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	payload, ok := decodePayload(d.Body)
	if !ok {
		c.log.Error("invalid message body", zap.ByteString("raw", d.Body))
		c.publishToDLQ(ctx, records.Record{
			"error": "invalid_json",
			"raw":   string(d.Body),
		}, d, 0, "invalid_json")
		c.ack(d)
		c.recordOutcome("invalid_json")
		return
	}

	result, err := c.processor.Execute(ctx, payload)
	if err == nil {
		c.log.Info("message processed",
			zap.String("status", string(result.Status)),
			zap.String("reason", result.Reason),
			zap.String("payment_id", result.PaymentID),
			zap.String("payment_status", result.PaymentStatus),
			zap.String("user_id", result.UserID),
			zap.String("plan_code", result.PlanCode))
		c.ack(d)
		c.recordOutcome(string(result.Status))
		return
	}

	attempts := resolveAttempts(d, payload)
	nextAttempt := attempts + 1
	reason := err.Error()

	retryPayload := records.Record{}
	for key, value := range payload {
		retryPayload[key] = value
	}
	retryPayload["attempts"] = nextAttempt
	retryPayload["lastError"] = reason

	if nextAttempt >= c.cfg.MaxAttempts {
		if c.publishToDLQ(ctx, retryPayload, d, nextAttempt, reason) {
			c.ack(d)
			c.recordOutcome("dead_lettered")
		} else {
			c.nackRequeue(d)
			c.recordOutcome("requeued")
		}
		return
	}

	if c.publishToRetry(ctx, retryPayload, d, nextAttempt, reason) {
		c.ack(d)
		c.recordOutcome("retried")
	} else {
		c.nackRequeue(d)
		c.recordOutcome("requeued")
	}
}

func (c *Consumer) publishToRetry(ctx context.Context, payload records.Record, d amqp.Delivery, attempts int, reason string) bool {
	tier, ok := selectRetryTier(c.cfg.RetryQueues, attempts)
	if !ok {
		return c.publishToDLQ(ctx, payload, d, attempts, "retry_queue_unavailable")
	}

	result := c.publisher.Publish(ctx, mq.PublishInput{
		Exchange:      c.cfg.DLX,
		RoutingKey:    tier.RoutingKey,
		Payload:       payload,
		Headers:       buildRetryHeaders(d, attempts, reason),
		MessageID:     resolveMessageID(d, payload),
		CorrelationID: resolveCorrelationID(d, payload),
	})
	if !result.Published {
		c.log.Error("retry publish failed",
			zap.String("error", result.Error),
			zap.Int("attempts", attempts),
			zap.String("routing_key", tier.RoutingKey))
		return false
	}

	c.log.Warn("retry scheduled",
		zap.Int("attempts", attempts),
		zap.Int("delay_ms", tier.TTLMs),
		zap.String("routing_key", tier.RoutingKey))
	return true
}

func (c *Consumer) publishToDLQ(ctx context.Context, payload records.Record, d amqp.Delivery, attempts int, reason string) bool {
	result := c.publisher.Publish(ctx, mq.PublishInput{
		Exchange:      c.cfg.DLX,
		RoutingKey:    c.cfg.DLQRoutingKey,
		Payload:       payload,
		Headers:       buildRetryHeaders(d, attempts, reason),
		MessageID:     resolveMessageID(d, payload),
		CorrelationID: resolveCorrelationID(d, payload),
	})
	if !result.Published {
		c.log.Error("dlq publish failed",
			zap.String("error", result.Error),
			zap.Int("attempts", attempts))
		return false
	}

	c.log.Warn("message sent to dlq", zap.Int("attempts", attempts))
	return true
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Error("ack failed", zap.Error(err))
	}
}

func (c *Consumer) nackRequeue(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		c.log.Error("nack failed", zap.Error(err))
	}
}

func (c *Consumer) recordOutcome(outcome string) {
	if c.obsMetrics != nil {
		c.obsMetrics.RecordProcessOutcome(outcome)
	}
}

func decodePayload(body []byte) (records.Record, bool) {
	var payload records.Record
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, false
	}
	return payload, true
}

// selectRetryTier clamps attempts onto the tier ladder so late attempts keep
// using the longest delay.
func selectRetryTier(tiers []mq.RetryQueue, attempts int) (mq.RetryQueue, bool) {
	if len(tiers) == 0 {
		return mq.RetryQueue{}, false
	}
	index := attempts - 1
	if index < 0 {
		index = 0
	}
	if index >= len(tiers) {
		index = len(tiers) - 1
	}
	return tiers[index], true
}

// resolveAttempts reads the attempt count from the x-attempts header first,
// then the payload, defaulting to zero for a first failure.
func resolveAttempts(d amqp.Delivery, payload records.Record) int {
	if value, ok := headerNumber(d.Headers, "x-attempts"); ok {
		return value
	}
	if payload != nil {
		if value, ok := records.AsNumber(payload["attempts"]); ok {
			return int(value)
		}
	}
	return 0
}

func headerNumber(headers amqp.Table, key string) (int, bool) {
	if headers == nil {
		return 0, false
	}
	value, found := headers[key]
	if !found {
		return 0, false
	}
	switch cast := value.(type) {
	case int:
		return cast, true
	case int8:
		return int(cast), true
	case int16:
		return int(cast), true
	case int32:
		return int(cast), true
	case int64:
		return int(cast), true
	case float32:
		return int(cast), true
	case float64:
		return int(cast), true
	case string:
		if parsed, ok := records.AsNumber(cast); ok {
			return int(parsed), true
		}
	}
	return 0, false
}

func resolveCorrelationID(d amqp.Delivery, payload records.Record) string {
	if d.CorrelationId != "" {
		return d.CorrelationId
	}
	if payload != nil {
		if value, ok := records.AsString(payload["requestId"]); ok {
			return value
		}
	}
	return ""
}

func resolveMessageID(d amqp.Delivery, payload records.Record) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	if payload != nil {
		if value, ok := records.AsString(payload["eventId"]); ok {
			return value
		}
	}
	return ""
}

func buildRetryHeaders(d amqp.Delivery, attempts int, reason string) map[string]any {
	headers := map[string]any{}
	for key, value := range d.Headers {
		headers[key] = value
	}
	headers["x-attempts"] = int32(attempts)
	headers["x-error"] = reason
	headers["x-original-routing-key"] = d.RoutingKey
	return headers
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
