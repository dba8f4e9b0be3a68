// Package service implements the webhook use cases: idempotent receipt with
// publish-through, and batch republish of failed events.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/presenq/billing/internal/metrics"
	"github.com/presenq/billing/internal/mq"
	webhookdomain "github.com/presenq/billing/internal/webhook/domain"
	"github.com/presenq/billing/pkg/records"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ReceiveInput is a parsed notification plus its transport context.
type ReceiveInput struct {
	Payload   records.Record
	Headers   records.Record
	RequestID string
}

// ReceiveOutput reports what happened to the notification. Created=false is
// the idempotent-replay path: nothing was persisted or published.
type ReceiveOutput struct {
	Event     *webhookdomain.Event
	Created   bool
	Published bool
	Status    webhookdomain.Status
}

type ReceiveParams struct {
	fx.In

	Repo       webhookdomain.Repository
	Publisher  mq.Publisher
	MqCfg      mq.Config
	Log        *zap.Logger
	ObsMetrics *metrics.Metrics `optional:"true"`
}

// ReceiveService orchestrates verify -> dedupe -> persist -> publish ->
// status update. Each step is a commit point: a persisted row survives a
// failed publish leg and is re-driven later by the republish job.
type ReceiveService struct {
	repo       webhookdomain.Repository
	publisher  mq.Publisher
	mqCfg      mq.Config
	log        *zap.Logger
	obsMetrics *metrics.Metrics
}

func NewReceiveService(p ReceiveParams) *ReceiveService {
	return &ReceiveService{
		repo:       p.Repo,
		publisher:  p.Publisher,
		mqCfg:      p.MqCfg,
		log:        p.Log.Named("webhook.receive"),
		obsMetrics: p.ObsMetrics,
	}
}

func (s *ReceiveService) Execute(ctx context.Context, input ReceiveInput) (*ReceiveOutput, error) {
	meta := webhookdomain.ExtractMetadata(input.Payload)
	if meta.EventID == "" {
		return nil, webhookdomain.ErrMissingEventID
	}

	existing, err := s.repo.FindByEventID(ctx, meta.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}
	if existing != nil {
		s.recordOutcome("duplicate")
		return &ReceiveOutput{Event: existing, Created: false, Published: false, Status: existing.Status}, nil
	}

	event, err := s.createEvent(ctx, meta, input)
	if err != nil {
		return nil, err
	}
	if event == nil {
		// Lost a first-delivery race; the winner's row is authoritative.
		winner, err := s.repo.FindByEventID(ctx, meta.EventID)
		if err != nil || winner == nil {
			return nil, fmt.Errorf("failed to register webhook: %w", err)
		}
		s.recordOutcome("duplicate")
		return &ReceiveOutput{Event: winner, Created: false, Published: false, Status: winner.Status}, nil
	}

	message := webhookdomain.BuildMessage(webhookdomain.MessageInput{
		EventID:     meta.EventID,
		Topic:       meta.Topic,
		Action:      meta.Action,
		CreatedAtMp: meta.CreatedAtMp,
		LiveMode:    meta.LiveMode,
		Payload:     input.Payload,
		Headers:     input.Headers,
		RequestID:   input.RequestID,
	})
	routingKey := webhookdomain.BuildRoutingKey(meta.Topic, meta.Action)

	result := s.publisher.Publish(ctx, mq.PublishInput{
		Exchange:      s.mqCfg.Exchange,
		RoutingKey:    routingKey,
		Payload:       message,
		MessageID:     meta.EventID,
		CorrelationID: input.RequestID,
	})

	if result.Published {
		processed := webhookdomain.StatusProcessed
		updated, err := s.repo.UpdateStatusByEventID(ctx, meta.EventID, webhookdomain.StatusUpdate{
			Status:         &processed,
			ClearLastError: true,
		})
		if err != nil {
			s.log.Error("status update after publish failed",
				zap.String("event_id", meta.EventID),
				zap.Error(err))
			updated = event
		}
		s.recordOutcome("published")
		return &ReceiveOutput{Event: updated, Created: true, Published: true, Status: updated.Status}, nil
	}

	failed := webhookdomain.StatusFailed
	lastError := sanitizeError(result.Error)
	updated, err := s.repo.UpdateStatusByEventID(ctx, meta.EventID, webhookdomain.StatusUpdate{
		Status:            &failed,
		LastError:         &lastError,
		IncrementAttempts: true,
	})
	if err != nil {
		s.log.Error("status update after publish failure failed",
			zap.String("event_id", meta.EventID),
			zap.Error(err))
		updated = event
	}
	s.log.Warn("webhook publish failed",
		zap.String("event_id", meta.EventID),
		zap.String("request_id", input.RequestID),
		zap.String("error", lastError))
	s.recordOutcome("publish_failed")
	// Receipt still succeeded: the row is persisted and the republish job
	// owns recovery of the publish leg.
	return &ReceiveOutput{Event: updated, Created: true, Published: false, Status: updated.Status}, nil
}

// createEvent persists the RECEIVED row. A nil event with nil error signals a
// unique-constraint race lost to a concurrent first delivery.
func (s *ReceiveService) createEvent(ctx context.Context, meta webhookdomain.Metadata, input ReceiveInput) (*webhookdomain.Event, error) {
	payloadRaw, err := json.Marshal(input.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}
	headersRaw, err := json.Marshal(input.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}

	event, err := s.repo.Create(ctx, &webhookdomain.Event{
		MercadopagoEventID: meta.EventID,
		NotificationID:     meta.NotificationID,
		ResourceID:         meta.ResourceID,
		Topic:              meta.Topic,
		Action:             meta.Action,
		APIVersion:         meta.APIVersion,
		LiveMode:           meta.LiveMode,
		CreatedAtMp:        meta.CreatedAtMp,
		ReceivedAt:         time.Now().UTC(),
		PayloadRaw:         datatypes.JSON(payloadRaw),
		HeadersRaw:         datatypes.JSON(headersRaw),
		Status:             webhookdomain.StatusReceived,
		ProcessAttempts:    0,
	})
	if errors.Is(err, webhookdomain.ErrDuplicateEvent) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}
	return event, nil
}

func (s *ReceiveService) recordOutcome(outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookOutcome(outcome)
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

const maxStoredErrorLen = 500

// sanitizeError collapses whitespace and caps length before persisting; full
// detail stays in logs only.
func sanitizeError(value string) string {
	normalized := strings.TrimSpace(whitespaceRun.ReplaceAllString(value, " "))
	if len(normalized) > maxStoredErrorLen {
		return normalized[:maxStoredErrorLen]
	}
	return normalized
}
