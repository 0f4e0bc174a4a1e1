package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/i-super/Saleor-sub000/internal/domain"
	"github.com/i-super/Saleor-sub000/internal/services"
)

// NotificationMessage is the payload delivered to the notification workers via Pub/Sub.
type NotificationMessage struct {
	Event   domain.NotifyEvent `json:"event"`
	Payload map[string]any     `json:"payload"`
	SentAt  time.Time          `json:"sentAt"`
}

// PubSubNotifier hands customer notifications to the mailer through a Pub/Sub topic.
type PubSubNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	now     func() time.Time
}

var _ services.Notifier = (*PubSubNotifier)(nil)

// NewPubSubNotifier constructs a Pub/Sub backed notifier.
func NewPubSubNotifier(topic *pubsub.Topic) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	return &PubSubNotifier{
		topic:   topic,
		marshal: json.Marshal,
		now:     time.Now,
	}, nil
}

// Notify publishes the notification and waits for the server acknowledgement.
func (p *PubSubNotifier) Notify(ctx context.Context, event domain.NotifyEvent, payload map[string]any) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	if strings.TrimSpace(string(event)) == "" {
		return errors.New("pubsub notifier: event is required")
	}

	data, err := p.marshal(NotificationMessage{Event: event, Payload: payload, SentAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := map[string]string{"event": string(event)}
	setAttr(attrs, "orderId", stringField(payload, "orderId"))
	setAttr(attrs, "giftCardId", stringField(payload, "giftCardId"))
	setAttr(attrs, "email", stringField(payload, "email"))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification %s: %w", event, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	value, _ := payload[key].(string)
	return value
}
