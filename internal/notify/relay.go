package notify

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader used by Relay.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Sink receives raw event JSON read from Kafka.
type Sink interface {
	PushEventJSON(ctx context.Context, rawJSON []byte) error
}

// NewKafkaReader returns a consumer-group reader for the events topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
}

// Relay copies events from reader to sink until ctx is cancelled. Push failures are logged
// and the message is skipped.
func Relay(ctx context.Context, reader MessageReader, sink Sink) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("notify: kafka read error: %v", err)
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := sink.PushEventJSON(pushCtx, msg.Value); err != nil {
			log.Printf("notify: loki push failed: %v", err)
		}
		cancel()
	}
}
