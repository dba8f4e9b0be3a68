package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/presenq/billing/internal/mq"
	"github.com/presenq/billing/pkg/records"
)

// HandleInternalPublishMock publishes an arbitrary or synthetic message so
// the broker topology can be exercised without a real provider event.
func (s *Server) HandleInternalPublishMock(c *gin.Context) {
	var body records.Record
	_ = c.ShouldBindJSON(&body)
	if body == nil {
		body = records.Record{}
	}

	exchange, ok := records.AsString(body["exchange"])
	if !ok {
		exchange = s.mqCfg.Exchange
	}
	routingKey, ok := records.AsString(body["routingKey"])
	if !ok {
		routingKey = "mercadopago.internal.test"
	}

	requestID := requestIDFrom(c)
	payload, ok := records.IsRecord(body["payload"])
	if !ok {
		payload = mockPayload(requestID)
	}

	result := s.publisher.Publish(c.Request.Context(), mq.PublishInput{
		Exchange:      exchange,
		RoutingKey:    routingKey,
		Payload:       payload,
		CorrelationID: requestID,
	})

	c.JSON(http.StatusOK, gin.H{
		"requestId":  requestID,
		"published":  result.Published,
		"exchange":   exchange,
		"routingKey": routingKey,
		"payload":    payload,
		"messageId":  result.MessageID,
		"error":      result.Error,
	})
}

func (s *Server) HandleInternalMqStatus(c *gin.Context) {
	status := s.conn.Status()

	retryNames := make([]string, 0, len(s.mqCfg.RetryQueues))
	for _, queue := range s.mqCfg.RetryQueues {
		retryNames = append(retryNames, queue.Name)
	}

	c.JSON(http.StatusOK, gin.H{
		"connected": status.Connected,
		"channel":   status.ChannelReady,
		"exchange":  s.mqCfg.Exchange,
		"dlx":       s.mqCfg.DLX,
		"queues": gin.H{
			"process": s.mqCfg.ProcessQueue,
			"dlq":     s.mqCfg.DLQQueue,
			"retry":   retryNames,
		},
	})
}

func mockPayload(requestID string) records.Record {
	return records.Record{
		"eventId":   "mock_" + uuid.NewString(),
		"topic":     "payment",
		"action":    "payment.created",
		"createdAt": time.Now().UTC().Format(time.RFC3339),
		"liveMode":  false,
		"data":      records.Record{"id": "mock_" + uuid.NewString()},
		"headers":   records.Record{},
		"requestId": requestID,
	}
}
