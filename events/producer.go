// events/producer.go
// Package events publishes lifecycle notifications to Kafka for downstream
// consumers (mailers, analytics). Publishing is best effort: a broker
// outage never blocks or invalidates the lifecycle transition that
// produced the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/google/uuid"
)

const (
	TypeOrderCompleted = "order.completed"
	TypeOrderCancelled = "order.cancelled"
	TypeOrderRefunded  = "order.refunded"
	TypeDeliveryReady  = "delivery.ready"
)

// Notification is the envelope written to the notification topic.
type Notification struct {
	Type      string      `json:"type"`
	OrderID   uuid.UUID   `json:"order_id"`
	UserID    uuid.UUID   `json:"user_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Producer publishes notifications. A nil Producer is a no-op so callers
// never have to branch on whether Kafka is configured.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a Kafka notification producer
func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	if len(brokers) == 0 {
		return nil
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

// Publish writes one notification keyed by order id.
func (p *Producer) Publish(ctx context.Context, n Notification) {
	if p == nil {
		return
	}
	n.Timestamp = time.Now()
	value, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("failed to encode notification", zap.Error(err))
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.OrderID.String()),
		Value: value,
	})
	if err != nil {
		p.logger.Error("failed to publish notification",
			zap.String("type", n.Type),
			zap.String("order_id", n.OrderID.String()),
			zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
