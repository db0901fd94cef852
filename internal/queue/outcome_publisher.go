package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// OutcomePublisher mirrors processed call callbacks onto a Kafka topic for
// downstream analytics. The callback consumer tolerates a nil publisher;
// state transitions in the coordination store never depend on it.
type OutcomePublisher struct {
	writer *kafka.Writer
}

// NewOutcomePublisher constructs a publisher for the given topic.
func NewOutcomePublisher(k *Kafka, topic string) *OutcomePublisher {
	return &OutcomePublisher{writer: k.NewWriter(topic)}
}

// PublishOutcome emits one callback as an event.
func (p *OutcomePublisher) PublishOutcome(ctx context.Context, cb CallCallback) error {
	value, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("outcome publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(cb.CallID),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("outcome publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *OutcomePublisher) Close() error {
	return p.writer.Close()
}
