package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/models"
)

const publishTimeout = 5 * time.Second

// messageWriter is the subset of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes run events to Kafka
type Producer struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewProducer creates a new Kafka producer. Messages are keyed by symbol so
// every event for one instrument lands on the same partition.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
		now:    time.Now,
	}
}

// PublishRunCompleted publishes the summary of a finished ingestion run
func (p *Producer) PublishRunCompleted(ctx context.Context, out models.Outcome) error {
	event := models.RunEvent{
		EventType:  models.EventRunCompleted,
		RunID:      out.RunID,
		Symbol:     out.Symbol,
		Period:     out.Period,
		Fetched:    out.Fetched,
		Inserted:   out.Inserted,
		Skipped:    out.Skipped,
		Status:     out.Status,
		DurationMs: out.Duration.Milliseconds(),
		Timestamp:  p.now().UTC(),
	}
	if out.Err != nil {
		event.ErrorKind = string(errs.KindOf(out.Err))
	}
	return p.publish(ctx, out.Symbol, event)
}

// OnRunComplete lets the producer observe orchestrator runs
func (p *Producer) OnRunComplete(ctx context.Context, out models.Outcome) error {
	return p.PublishRunCompleted(ctx, out)
}

func (p *Producer) publish(ctx context.Context, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka topic %s: %w", p.topic, err)
	}

	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
