package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/payoffsolar/api/internal/services"
)

// orderEventMessage is the JSON body consumers receive.
type orderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func newOrderEventMessage(event services.OrderEvent) orderEventMessage {
	return orderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}
}

// PubSubOrderPublisher publishes order events to a Pub/Sub topic. Messages for
// the same order share an ordering key so subscribers see them in commit order.
type PubSubOrderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderPublisher(topic *pubsub.Topic) (*PubSubOrderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *PubSubOrderPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(newOrderEventMessage(event))
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: strings.TrimSpace(event.OrderID),
	})
	if _, err := result.Get(ctx); err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.topic.ResumePublish(strings.TrimSpace(event.OrderID))
		return fmt.Errorf("publish order event %s: %w", event.Type, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

// LogOrderPublisher writes events to the log. It serves local runs without a
// Pub/Sub topic.
type LogOrderPublisher struct {
	logger *zap.Logger
}

// NewLogOrderPublisher returns a publisher that only logs.
func NewLogOrderPublisher(logger *zap.Logger) *LogOrderPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogOrderPublisher{logger: logger}
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *LogOrderPublisher) PublishOrderEvent(_ context.Context, event services.OrderEvent) error {
	p.logger.Info("order event",
		zap.String("type", event.Type),
		zap.String("order_id", event.OrderID),
		zap.String("previous_status", event.PreviousStatus),
		zap.String("current_status", event.CurrentStatus),
		zap.String("actor_id", event.ActorID),
		zap.Any("metadata", event.Metadata),
	)
	return nil
}
