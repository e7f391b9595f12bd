package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/bookhaven/api/internal/services"
)

// PubSubJobPublisher publishes background job messages to a Pub/Sub topic.
type PubSubJobPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubJobPublisher constructs a Pub/Sub backed job publisher.
func NewPubSubJobPublisher(topic *pubsub.Topic) (*PubSubJobPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub job publisher: topic is required")
	}
	return &PubSubJobPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishJob enqueues a background job message on the configured topic.
func (p *PubSubJobPublisher) PublishJob(ctx context.Context, message services.JobMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub job publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal job message: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "jobId", message.JobID)
	setAttr(attrs, "kind", message.Kind)
	setAttr(attrs, "requestedBy", message.RequestedBy)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish job message: %w", err)
	}
	return id, nil
}

// PubSubOrderEventPublisher emits order lifecycle events for downstream
// consumers (notifications, analytics).
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type orderEventEnvelope struct {
	Type        string         `json:"type"`
	OrderID     string         `json:"orderId"`
	OrderNumber string         `json:"orderNumber,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Status      string         `json:"status"`
	PrevStatus  string         `json:"prevStatus,omitempty"`
	ActorID     string         `json:"actorId,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PublishOrderEvent emits one lifecycle event on the order events topic.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	envelope := orderEventEnvelope{
		Type:        event.Type,
		OrderID:     event.OrderID,
		OrderNumber: event.OrderNumber,
		UserID:      event.UserID,
		Status:      string(event.Status),
		ActorID:     event.ActorID,
		Reason:      event.Reason,
		OccurredAt:  event.OccurredAt,
		Metadata:    event.Metadata,
	}
	if event.PrevStatus != nil {
		envelope.PrevStatus = string(*event.PrevStatus)
	}

	data, err := p.marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// PubSubStockEventPublisher emits stock adjustment events for analytics and
// low-stock alerting.
type PubSubStockEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubStockEventPublisher constructs a Pub/Sub backed stock event publisher.
func NewPubSubStockEventPublisher(topic *pubsub.Topic) (*PubSubStockEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub stock event publisher: topic is required")
	}
	return &PubSubStockEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type stockEventEnvelope struct {
	Type          string         `json:"type"`
	ProductID     string         `json:"productId"`
	UserRef       string         `json:"userRef,omitempty"`
	OrderRef      string         `json:"orderRef,omitempty"`
	DeltaOnHand   int            `json:"deltaOnHand"`
	DeltaReserved int            `json:"deltaReserved"`
	OnHand        int            `json:"onHand"`
	Reserved      int            `json:"reserved"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PublishStockEvent emits one stock adjustment on the stock events topic.
func (p *PubSubStockEventPublisher) PublishStockEvent(ctx context.Context, event services.StockEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub stock event publisher: not initialised")
	}

	data, err := p.marshal(stockEventEnvelope{
		Type:          event.Type,
		ProductID:     event.ProductID,
		UserRef:       event.UserRef,
		OrderRef:      event.OrderRef,
		DeltaOnHand:   event.DeltaOnHand,
		DeltaReserved: event.DeltaReserved,
		OnHand:        event.OnHand,
		Reserved:      event.Reserved,
		OccurredAt:    event.OccurredAt,
		Metadata:      event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal stock event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "productId", event.ProductID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish stock event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var (
	_ services.JobMessagePublisher = (*PubSubJobPublisher)(nil)
	_ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)
	_ services.StockEventPublisher = (*PubSubStockEventPublisher)(nil)
)
