package domain

import (
	"strings"

	"github.com/presenq/billing/pkg/records"
)

const routingKeyPrefix = "mercadopago"

// MessageInput is everything needed to build the retry-safe queue envelope.
type MessageInput struct {
	EventID     string
	Topic       *string
	Action      *string
	CreatedAtMp *string
	LiveMode    bool
	Payload     records.Record
	Headers     records.Record
	RequestID   string
}

// BuildMessage builds the canonical message envelope published to the live
// exchange. The same builder is used on first receipt and on republish so a
// replayed event is indistinguishable from a fresh one.
func BuildMessage(input MessageInput) records.Record {
	var requestID any
	if input.RequestID != "" {
		requestID = input.RequestID
	}
	payload := input.Payload
	if payload == nil {
		payload = records.Record{}
	}
	headers := input.Headers
	if headers == nil {
		headers = records.Record{}
	}

	return records.Record{
		"eventId":   input.EventID,
		"topic":     derefOrNil(input.Topic),
		"action":    derefOrNil(input.Action),
		"createdAt": derefOrNil(input.CreatedAtMp),
		"liveMode":  input.LiveMode,
		"data":      payload,
		"headers":   headers,
		"requestId": requestID,
	}
}

// BuildRoutingKey derives the routing key from topic and action. When the
// action already carries the topic prefix ("payment.created" under topic
// "payment") the topic segment is not repeated.
func BuildRoutingKey(topic, action *string) string {
	topicValue := normalizeSegment(topic)
	actionValue := normalizeSegment(action)
	if strings.HasPrefix(actionValue, topicValue+".") {
		return routingKeyPrefix + "." + actionValue
	}
	return routingKeyPrefix + "." + topicValue + "." + actionValue
}

func normalizeSegment(value *string) string {
	if value == nil {
		return "unknown"
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func derefOrNil(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
