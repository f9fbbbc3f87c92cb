// Package events relays order lifecycle events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"orderhub/internal/logging"
)

const (
	OrderCreated       = "order.created"
	OrderStatusChanged = "order.status_changed"
	BusinessClosed     = "business.closed"
	BusinessReopened   = "business.reopened"
)

// Event is the envelope written to the topic.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Business string    `json:"business"`
	TS       time.Time `json:"ts"`
	Data     any       `json:"data"`
}

type Publisher interface {
	Emit(ctx context.Context, businessPublicID, eventType string, data any) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, string, string, any) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by business so that one business's events
// stay ordered within a partition.
type KafkaPublisher struct {
	w   messageWriter
	log *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &KafkaPublisher{w: w, log: logging.OrNop(log)}, nil
}

func (p *KafkaPublisher) Emit(ctx context.Context, businessPublicID, eventType string, data any) error {
	evt := Event{
		ID:       "evt_" + uuid.NewString(),
		Type:     eventType,
		Business: businessPublicID,
		TS:       time.Now().UTC(),
		Data:     data,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(businessPublicID),
		Value:   body,
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(eventType)}},
	})
	if err != nil {
		p.log.Warn("event publish failed", zap.String("type", eventType), zap.String("business", businessPublicID), zap.Error(err))
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
