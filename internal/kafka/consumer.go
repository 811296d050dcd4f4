package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/logging"
	"github.com/trogers1052/market-data-ingestor/internal/models"
	"github.com/trogers1052/market-data-ingestor/internal/scheduler"
)

// messageReader is the subset of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Backfiller runs an on-demand ingestion for one symbol
type Backfiller interface {
	Trigger(ctx context.Context, symbol string, period models.Period) (models.Outcome, error)
}

// Consumer reads instrument lifecycle events and backfills history for
// instruments that become active.
type Consumer struct {
	reader   messageReader
	topic    string
	backfill Backfiller
	period   models.Period
	logger   *slog.Logger

	// handled holds the newest event time processed per symbol
	mu      sync.Mutex
	handled map[string]time.Time
}

// NewConsumer creates a new Kafka consumer for instrument events
func NewConsumer(brokers []string, topic, groupID string, backfill Backfiller, period models.Period, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(reader, topic, backfill, period, logger)
}

func newConsumer(reader messageReader, topic string, backfill Backfiller, period models.Period, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Consumer{
		reader:   reader,
		topic:    topic,
		backfill: backfill,
		period:   period,
		logger:   logger.With("component", "kafka_consumer", "topic", topic),
		handled:  make(map[string]time.Time),
	}
}

// Start consumes messages until ctx is cancelled. A message is committed
// once it has been handled; handling errors are logged and the message is
// committed anyway so one bad event cannot block the partition.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer shutting down")
				return nil
			}
			c.logger.Error("error reading message", "error", err)
			continue
		}

		if err := c.processMessage(ctx, msg); err != nil {
			if ctx.Err() != nil || errs.Is(err, errs.Cancelled) {
				// Leave the offset uncommitted so the event is redelivered
				return nil
			}
			c.logger.Error("error processing message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("error committing message", "offset", msg.Offset, "error", err)
		}
	}
}

// processMessage handles a single Kafka message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	c.logger.Debug("received message", "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))

	var event models.InstrumentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal instrument event: %w", err)
	}

	switch event.EventType {
	case models.EventInstrumentAdded, models.EventInstrumentActivated:
	case models.EventInstrumentDeactivated:
		c.logger.Info("instrument deactivated, scheduled runs will skip it", "symbol", event.Symbol)
		return nil
	default:
		c.logger.Debug("ignoring event type", "event_type", event.EventType)
		return nil
	}

	symbol, err := models.NormalizeSymbol(event.Symbol)
	if err != nil {
		return fmt.Errorf("invalid symbol in %s event: %w", event.EventType, err)
	}

	period := c.period
	if event.Period != "" {
		if period, err = models.ParsePeriod(event.Period); err != nil {
			return fmt.Errorf("invalid period %q for %s: %w", event.Period, symbol, err)
		}
	}

	// Check for duplicate delivery
	if c.alreadyHandled(symbol, event.Timestamp) {
		c.logger.Info("event already handled, skipping", "symbol", symbol, "event_time", event.Timestamp)
		return nil
	}

	out, err := c.backfill.Trigger(ctx, symbol, period)
	if err != nil {
		if errs.Is(err, errs.Cancelled) || errors.Is(err, scheduler.ErrStopped) {
			return errs.E(errs.Cancelled, "kafka.backfill", err)
		}
		return fmt.Errorf("failed to backfill %s: %w", symbol, err)
	}
	if out.Status == models.RunCancelled {
		return errs.Errorf(errs.Cancelled, "kafka.backfill", "backfill of %s cancelled", symbol)
	}
	c.markHandled(symbol, event.Timestamp)

	c.logger.Info("backfill completed",
		"symbol", symbol,
		"event_type", event.EventType,
		"period", period.String(),
		"status", out.Status,
		"inserted", out.Inserted,
	)
	return nil
}

func (c *Consumer) alreadyHandled(symbol string, at time.Time) bool {
	if at.IsZero() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.handled[symbol]
	return ok && !at.After(last)
}

func (c *Consumer) markHandled(symbol string, at time.Time) {
	if at.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.handled[symbol]) {
		c.handled[symbol] = at
	}
}

// Close closes the Kafka consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
