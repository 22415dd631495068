package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/finvault/ledger-core/internal/interfaces"
)

// Publisher ships audit events to a Kafka topic. It implements the
// AuditSink contract: callers treat failures as best-effort.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Publisher for one topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

var _ interfaces.AuditSink = (*Publisher)(nil)

// RecordEvent publishes one event, keyed by kind so consumers can
// partition by event type.
func (p *Publisher) RecordEvent(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(kind),
		Value: data,
	})
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
