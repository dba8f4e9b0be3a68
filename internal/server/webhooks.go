package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/presenq/billing/internal/webhook/domain"
	webhookservice "github.com/presenq/billing/internal/webhook/service"
	"github.com/presenq/billing/pkg/records"
	"go.uber.org/zap"
)

// HandleMercadoPagoWebhook ingests a provider notification. It always
// answers 200 for an accepted event, including replays, so the provider
// stops redelivering.
func (s *Server) HandleMercadoPagoWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil || len(rawBody) == 0 {
		AbortWithError(c, newValidationError("body", "invalid_body", "invalid request body"))
		return
	}

	var payload records.Record
	if err := json.Unmarshal(rawBody, &payload); err != nil || payload == nil {
		AbortWithError(c, newValidationError("body", "invalid_json", "request body is not a JSON object"))
		return
	}

	meta := webhookdomain.ExtractMetadata(payload)

	// Some notification modes only carry the resource id in the query string.
	queryDataID := resolveQueryDataID(c)
	if meta.EventID == "" && queryDataID != "" {
		payload["id"] = queryDataID
		meta = webhookdomain.ExtractMetadata(payload)
	}

	requestID := requestIDFrom(c)

	if s.cfg.WebhookSecret != "" && s.cfg.WebhookStrictSignature {
		dataID := queryDataID
		if meta.ResourceID != nil {
			dataID = *meta.ResourceID
		} else if meta.NotificationID != nil {
			dataID = *meta.NotificationID
		}

		validation := webhookdomain.VerifySignature(webhookdomain.SignatureInput{
			SignatureHeader: c.GetHeader("x-signature"),
			Secret:          s.cfg.WebhookSecret,
			RequestID:       c.GetHeader("x-request-id"),
			DataID:          dataID,
			ToleranceSec:    s.cfg.WebhookToleranceSec,
		})
		if !validation.Valid {
			s.log.Warn("webhook signature rejected",
				zap.String("request_id", requestID),
				zap.String("reason", validation.Reason),
				zap.String("data_id", dataID),
				zap.String("signature_timestamp", validation.Details.Timestamp))
			AbortWithError(c, newValidationError("signature", "invalid_signature", validation.Reason))
			return
		}
	}

	result, err := s.receiveSvc.Execute(c.Request.Context(), webhookservice.ReceiveInput{
		Payload:   payload,
		Headers:   normalizeHeaders(c.Request.Header),
		RequestID: requestID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":   true,
		"duplicate":  !result.Created,
		"event_id":   meta.EventID,
		"request_id": requestID,
		"published":  result.Published,
		"status":     result.Status,
	})
}

func normalizeHeaders(header http.Header) records.Record {
	normalized := records.Record{}
	for key, values := range header {
		if len(values) == 0 {
			continue
		}
		lowered := strings.ToLower(key)
		if len(values) == 1 {
			normalized[lowered] = values[0]
			continue
		}
		normalized[lowered] = strings.Join(values, ", ")
	}
	return normalized
}

func resolveQueryDataID(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("id")); id != "" {
		return id
	}
	return strings.TrimSpace(c.Query("data.id"))
}
