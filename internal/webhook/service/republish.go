package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/presenq/billing/internal/mq"
	webhookdomain "github.com/presenq/billing/internal/webhook/domain"
	"github.com/presenq/billing/pkg/records"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const dlqMarker = "max_attempts_reached"

// RepublishSummary is the batch outcome returned to the job runner.
type RepublishSummary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	SentToDlq int `json:"sent_to_dlq"`
}

type RepublishParams struct {
	fx.In

	Repo      webhookdomain.Repository
	Publisher mq.Publisher
	MqCfg     mq.Config
	Log       *zap.Logger
}

// RepublishService re-drives FAILED events: rebuilds the envelope from the
// stored payload and pushes it back through the exchange, or parks the event
// on the DLQ once it has exhausted its attempts.
type RepublishService struct {
	repo      webhookdomain.Repository
	publisher mq.Publisher
	mqCfg     mq.Config
	log       *zap.Logger
}

func NewRepublishService(p RepublishParams) *RepublishService {
	return &RepublishService{
		repo:      p.Repo,
		publisher: p.Publisher,
		mqCfg:     p.MqCfg,
		log:       p.Log.Named("webhook.republish"),
	}
}

func (s *RepublishService) Execute(ctx context.Context, limit int) (*RepublishSummary, error) {
	events, err := s.repo.ListFailed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}

	summary := &RepublishSummary{}
	for i := range events {
		event := &events[i]
		summary.Processed++
		if event.ProcessAttempts >= s.mqCfg.MaxAttempts {
			if s.sendToDlq(ctx, event) {
				summary.SentToDlq++
			} else {
				summary.Failed++
			}
			continue
		}
		if s.republish(ctx, event) {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	s.log.Info("republish batch finished",
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("sent_to_dlq", summary.SentToDlq))
	return summary, nil
}

func (s *RepublishService) republish(ctx context.Context, event *webhookdomain.Event) bool {
	message, requestID := s.rebuildMessage(event)
	routingKey := webhookdomain.BuildRoutingKey(event.Topic, event.Action)

	result := s.publisher.Publish(ctx, mq.PublishInput{
		Exchange:      s.mqCfg.Exchange,
		RoutingKey:    routingKey,
		Payload:       message,
		MessageID:     event.MercadopagoEventID,
		CorrelationID: requestID,
	})
	if !result.Published {
		s.markFailure(ctx, event, result.Error)
		return false
	}

	processed := webhookdomain.StatusProcessed
	if _, err := s.repo.UpdateStatusByEventID(ctx, event.MercadopagoEventID, webhookdomain.StatusUpdate{
		Status:         &processed,
		ClearLastError: true,
	}); err != nil {
		s.log.Error("status update after republish failed",
			zap.String("event_id", event.MercadopagoEventID),
			zap.Error(err))
	}
	return true
}

func (s *RepublishService) sendToDlq(ctx context.Context, event *webhookdomain.Event) bool {
	message, requestID := s.rebuildMessage(event)

	result := s.publisher.Publish(ctx, mq.PublishInput{
		Exchange:   s.mqCfg.DLX,
		RoutingKey: s.mqCfg.DLQRoutingKey,
		Payload:    message,
		Headers: map[string]any{
			"x-attempts": int32(event.ProcessAttempts),
			"x-error":    dlqMarker,
		},
		MessageID:     event.MercadopagoEventID,
		CorrelationID: requestID,
	})
	if !result.Published {
		s.log.Error("dlq publish failed",
			zap.String("event_id", event.MercadopagoEventID),
			zap.String("error", result.Error))
		return false
	}

	marker := dlqMarker
	failed := webhookdomain.StatusFailed
	if _, err := s.repo.UpdateStatusByEventID(ctx, event.MercadopagoEventID, webhookdomain.StatusUpdate{
		Status:    &failed,
		LastError: &marker,
	}); err != nil {
		s.log.Error("status update after dlq handoff failed",
			zap.String("event_id", event.MercadopagoEventID),
			zap.Error(err))
	}
	s.log.Warn("event exhausted attempts, parked on dlq",
		zap.String("event_id", event.MercadopagoEventID),
		zap.Int("attempts", event.ProcessAttempts))
	return true
}

func (s *RepublishService) markFailure(ctx context.Context, event *webhookdomain.Event, cause string) {
	failed := webhookdomain.StatusFailed
	lastError := sanitizeError(cause)
	if _, err := s.repo.UpdateStatusByEventID(ctx, event.MercadopagoEventID, webhookdomain.StatusUpdate{
		Status:            &failed,
		LastError:         &lastError,
		IncrementAttempts: true,
	}); err != nil {
		s.log.Error("status update after republish failure failed",
			zap.String("event_id", event.MercadopagoEventID),
			zap.Error(err))
	}
}

// rebuildMessage reconstitutes the wire envelope from the stored row. The
// request id is recovered from the captured headers so the retried publish
// keeps its original correlation, and the stored attempt count rides along
// so the consumer resumes its counter instead of starting over.
func (s *RepublishService) rebuildMessage(event *webhookdomain.Event) (records.Record, string) {
	var payload records.Record
	if len(event.PayloadRaw) > 0 {
		_ = json.Unmarshal(event.PayloadRaw, &payload)
	}
	var headers records.Record
	if len(event.HeadersRaw) > 0 {
		_ = json.Unmarshal(event.HeadersRaw, &headers)
	}

	requestID := ""
	if headers != nil {
		if v, ok := records.AsString(headers["x-request-id"]); ok {
			requestID = v
		} else if v, ok := records.AsString(headers["x-correlation-id"]); ok {
			requestID = v
		}
	}

	message := webhookdomain.BuildMessage(webhookdomain.MessageInput{
		EventID:     event.MercadopagoEventID,
		Topic:       event.Topic,
		Action:      event.Action,
		CreatedAtMp: event.CreatedAtMp,
		LiveMode:    event.LiveMode,
		Payload:     payload,
		Headers:     headers,
		RequestID:   requestID,
	})
	message["attempts"] = event.ProcessAttempts
	return message, requestID
}
