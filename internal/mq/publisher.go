package mq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/presenq/billing/internal/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// PublishInput describes one outbound message.
type PublishInput struct {
	Exchange      string
	RoutingKey    string
	Payload       any
	Headers       map[string]any
	MessageID     string
	CorrelationID string
	TimeoutMs     int
}

// PublishResult is the outcome of a publish attempt. Publish-level failures
// are reported here, never as a returned error.
type PublishResult struct {
	Published bool
	MessageID string
	Error     string
}

// Publisher publishes a message and waits for broker confirmation.
type Publisher interface {
	Publish(ctx context.Context, input PublishInput) PublishResult
}

type rabbitPublisher struct {
	connection       *Connection
	defaultTimeoutMs int
	log              *zap.Logger
	obsMetrics       *metrics.Metrics
}

// NewPublisher builds the confirm-mode publisher. obsMetrics may be nil.
func NewPublisher(connection *Connection, defaultTimeoutMs int, log *zap.Logger, obsMetrics *metrics.Metrics) Publisher {
	return &rabbitPublisher{
		connection:       connection,
		defaultTimeoutMs: defaultTimeoutMs,
		log:              log.Named("mq.publisher"),
		obsMetrics:       obsMetrics,
	}
}

func (p *rabbitPublisher) Publish(ctx context.Context, input PublishInput) PublishResult {
	result := p.publish(ctx, input)
	if p.obsMetrics != nil {
		if result.Published {
			p.obsMetrics.RecordPublish("confirmed")
		} else {
			p.obsMetrics.RecordPublish("failed")
		}
	}
	return result
}

func (p *rabbitPublisher) publish(ctx context.Context, input PublishInput) PublishResult {
	messageID := input.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	ch, err := p.connection.EnsureChannel(ctx)
	if err != nil {
		return PublishResult{Published: false, MessageID: messageID, Error: "channel_unavailable"}
	}

	body, err := json.Marshal(input.Payload)
	if err != nil {
		p.log.Error("payload serialize failed", zap.Error(err))
		return PublishResult{Published: false, MessageID: messageID, Error: err.Error()}
	}

	headers := amqp.Table{}
	for key, value := range input.Headers {
		headers[key] = value
	}
	if input.CorrelationID != "" {
		if _, exists := headers["x-request-id"]; !exists {
			headers["x-request-id"] = input.CorrelationID
		}
	}

	timeoutMs := input.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = p.defaultTimeoutMs
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	publishCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		publishCtx,
		input.Exchange,
		input.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:     "application/json",
			ContentEncoding: "utf-8",
			DeliveryMode:    amqp.Persistent,
			MessageId:       messageID,
			CorrelationId:   input.CorrelationID,
			Headers:         headers,
			Timestamp:       time.Now(),
			Body:            body,
		},
	)
	if err != nil {
		return PublishResult{Published: false, MessageID: messageID, Error: err.Error()}
	}

	// The confirm or the timeout settles the result, whichever is first.
	select {
	case <-confirmation.Done():
		if confirmation.Acked() {
			return PublishResult{Published: true, MessageID: messageID}
		}
		return PublishResult{Published: false, MessageID: messageID, Error: "broker_nack"}
	case <-publishCtx.Done():
		return PublishResult{Published: false, MessageID: messageID, Error: "publish_timeout"}
	}
}
