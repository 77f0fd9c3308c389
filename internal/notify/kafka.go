package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaBroadcaster publishes events as JSON to a Kafka topic, keyed by subject ref so one
// subject's events stay ordered within a partition.
type KafkaBroadcaster struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaBroadcaster creates a broadcaster writing to topic. It returns nil when brokers or
// topic is empty. Call Close when shutting down.
func NewKafkaBroadcaster(brokers []string, topic string) *KafkaBroadcaster {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaBroadcaster{writer: writer, topic: topic}
}

// Broadcast serializes the event and writes it with a short timeout.
func (k *KafkaBroadcaster) Broadcast(ctx context.Context, e Event) error {
	if k == nil || k.writer == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	return k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(e.SubjectRef),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
}

// Close closes the Kafka writer. Safe to call on nil.
func (k *KafkaBroadcaster) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
