package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/orders/internal/services"
)

// OrderEventMessage is the wire format published for order domain events.
type OrderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	BuyerID        string         `json:"buyerId,omitempty"`
	SellerID       string         `json:"sellerId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubOrderEventPublisher publishes order events to a Pub/Sub topic. Messages for one order share
// an ordering key so subscribers observe status changes in order.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(OrderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		BuyerID:        event.BuyerID,
		SellerID:       event.SellerID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)

	orderingKey := strings.TrimSpace(event.OrderID)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})

	if _, err := result.Get(ctx); err != nil {
		if orderingKey != "" {
			p.topic.ResumePublish(orderingKey)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
