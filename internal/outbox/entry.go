// Package outbox delivers appended events to external systems. Entries are
// written in the append transaction; the dispatcher delivers them at least
// once, independently of the write path.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/assetledger/internal/domain"
	"example.com/backstage/services/assetledger/internal/models"
)

// Delivery topics.
const (
	TopicWebhook    = "webhook"
	TopicServiceBus = "servicebus"
	TopicSearch     = "search"
)

// KnownTopic reports whether topic has a deliverer.
func KnownTopic(topic string) bool {
	switch topic {
	case TopicWebhook, TopicServiceBus, TopicSearch:
		return true
	}
	return false
}

// NewEntries builds one pending entry per topic announcing e. The payload is
// the full event envelope so receivers can verify the hash themselves.
func NewEntries(e domain.Event, topics []string, now time.Time) ([]models.OutboxEntry, error) {
	if len(topics) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode outbox payload: %w", err)
	}
	now = now.UTC()
	entries := make([]models.OutboxEntry, 0, len(topics))
	for _, topic := range topics {
		if !KnownTopic(topic) {
			return nil, fmt.Errorf("unknown outbox topic %q", topic)
		}
		entries = append(entries, models.OutboxEntry{
			ID:            uuid.NewString(),
			EventID:       e.EventID,
			EntityID:      e.EntityID,
			AssetID:       e.AssetID,
			Topic:         topic,
			Payload:       string(payload),
			Status:        models.OutboxPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return entries, nil
}

// DecodeEvent recovers the envelope carried by an entry.
func DecodeEvent(entry models.OutboxEntry) (domain.Event, error) {
	var e domain.Event
	if err := json.Unmarshal([]byte(entry.Payload), &e); err != nil {
		return e, fmt.Errorf("decode outbox payload %s: %w", entry.ID, err)
	}
	return e, nil
}
