// Package mq owns the RabbitMQ connection, the confirm-mode publisher and the
// retry/DLQ topology.
package mq

import (
	"fmt"
	"sort"

	"github.com/presenq/billing/internal/config"
)

// RetryQueue describes one delay tier. Messages parked here dead-letter back
// into the live exchange when their TTL expires.
type RetryQueue struct {
	Name       string
	TTLMs      int
	RoutingKey string
}

// Config is the broker-facing configuration derived from the app config.
type Config struct {
	URL              string
	Exchange         string
	DLX              string
	ProcessQueue     string
	DLQQueue         string
	DLQRoutingKey    string
	RetryQueues      []RetryQueue
	MaxAttempts      int
	PublishTimeoutMs int
	Prefetch         int
}

const dlqRoutingKey = "dlq"

// NewConfig derives the broker topology from the application configuration.
// Tier TTLs are de-duplicated and sorted ascending so tier index corresponds
// to escalating delay.
func NewConfig(cfg config.Config) Config {
	ttls := normalizeTTLs(cfg.RetryTTLsMs)
	retryQueues := make([]RetryQueue, 0, len(ttls))
	for _, ttl := range ttls {
		label := formatTTLLabel(ttl)
		retryQueues = append(retryQueues, RetryQueue{
			Name:       fmt.Sprintf("%s.retry.%s", cfg.MQExchangeEvents, label),
			TTLMs:      ttl,
			RoutingKey: "retry." + label,
		})
	}

	return Config{
		URL:              cfg.RabbitURL,
		Exchange:         cfg.MQExchangeEvents,
		DLX:              cfg.MQExchangeDLX,
		ProcessQueue:     cfg.MQQueueProcess,
		DLQQueue:         cfg.MQQueueDLQ,
		DLQRoutingKey:    dlqRoutingKey,
		RetryQueues:      retryQueues,
		MaxAttempts:      cfg.MaxAttempts,
		PublishTimeoutMs: cfg.PublishTimeoutMs,
		Prefetch:         cfg.WorkerPrefetch,
	}
}

func normalizeTTLs(raw []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(raw))
	for _, ttl := range raw {
		if ttl <= 0 || seen[ttl] {
			continue
		}
		seen[ttl] = true
		out = append(out, ttl)
	}
	sort.Ints(out)
	return out
}

// Labels use the largest unit that divides the delay evenly so queue names
// stay stable and readable across restarts.
func formatTTLLabel(ttlMs int) string {
	switch {
	case ttlMs%3600000 == 0:
		return fmt.Sprintf("%dh", ttlMs/3600000)
	case ttlMs%60000 == 0:
		return fmt.Sprintf("%dm", ttlMs/60000)
	case ttlMs%1000 == 0:
		return fmt.Sprintf("%ds", ttlMs/1000)
	default:
		return fmt.Sprintf("%dms", ttlMs)
	}
}
