package domain

import (
	"github.com/presenq/billing/pkg/records"
)

// Metadata is the canonical identity/topic record extracted from an
// arbitrary notification payload.
type Metadata struct {
	EventID        string
	NotificationID *string
	ResourceID     *string
	Topic          *string
	Action         *string
	APIVersion     *string
	LiveMode       bool
	CreatedAtMp    *string
}

// ExtractMetadata normalizes a raw notification object. It is deterministic
// and total over arbitrary JSON-like input: missing or oddly typed fields
// degrade to nil, never to a panic.
func ExtractMetadata(payload records.Record) Metadata {
	var meta Metadata

	if id, ok := records.AsString(payload["id"]); ok {
		meta.NotificationID = &id
	}
	if raw, ok := payload.GetNested("data", "id"); ok {
		if id, ok := records.AsString(raw); ok {
			meta.ResourceID = &id
		}
	}

	switch {
	case meta.NotificationID != nil:
		meta.EventID = *meta.NotificationID
	case meta.ResourceID != nil:
		meta.EventID = *meta.ResourceID
	}

	topicRaw, ok := payload["type"]
	if !ok {
		topicRaw = payload["topic"]
	}
	if topic, isStr := topicRaw.(string); isStr && topic != "" {
		meta.Topic = &topic
	}
	if action, isStr := payload["action"].(string); isStr && action != "" {
		meta.Action = &action
	}
	if apiVersion, isStr := payload["api_version"].(string); isStr && apiVersion != "" {
		meta.APIVersion = &apiVersion
	}
	if liveMode, isBool := payload["live_mode"].(bool); isBool {
		meta.LiveMode = liveMode
	}
	if createdAt, isStr := payload["date_created"].(string); isStr && createdAt != "" {
		meta.CreatedAtMp = &createdAt
	}

	return meta
}
