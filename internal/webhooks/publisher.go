package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bustrack/internal/store"
)

// Event types emitted by the notification and tracking paths.
const (
	EventNotificationSent = "notification.sent"
	EventBusStopUpdated   = "bus.stop_updated"
	EventTripCompleted    = "trip.completed"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit enqueues the event for every subscription matching the event type.
// Nil-safe and best-effort: emitting never fails the operation that caused it.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) {
	if p == nil || p.Store == nil {
		return
	}
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":   fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type": eventType,
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"data": data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body)
	}
}
