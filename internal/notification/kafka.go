package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message is the JSON envelope published for each notification.
type Message struct {
	UserID    string                 `json:"user_id"`
	Kind      string                 `json:"kind"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// KafkaNotifier publishes notifications to a Kafka topic, keyed by user id so
// a consumer sees one user's messages in order.
type KafkaNotifier struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaNotifier creates a notifier publishing to the given brokers/topic.
func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
	return &KafkaNotifier{writer: writer, logger: logger}
}

var _ Notifier = (*KafkaNotifier)(nil)

// Notify publishes the message. Failures are logged and dropped.
func (n *KafkaNotifier) Notify(ctx context.Context, userID uuid.UUID, kind string, payload map[string]interface{}) {
	msg := Message{
		UserID:    userID.String(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("failed to marshal notification", zap.Error(err))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := n.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(userID.String()),
		Value: value,
	}); err != nil {
		n.logger.Error("failed to publish notification",
			zap.String("kind", kind),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
