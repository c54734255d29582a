package kafka

import (
	"context"
	"errors"

	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

type Consumer struct {
	reader *kafka.Reader
	dlq    *Producer
}

type EventHandler func(ctx context.Context, event models.BusEvent) error

func NewConsumer(brokers []string, topic string, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader}
}

// WithDeadLetter routes messages whose handler fails to p instead of dropping them.
func (c *Consumer) WithDeadLetter(p *Producer) *Consumer {
	c.dlq = p
	return c
}

func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			continue
		}

		var event models.BusEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			logger.Log.WithError(err).Error("Failed to unmarshal event")
			_ = c.reader.CommitMessages(ctx, message)
			continue
		}

		if err := handler(ctx, event); err != nil {
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"event_id": event.ID,
			}).Error("Failed to process event")
			c.deadLetter(ctx, message, err)
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			logger.Log.WithError(err).Error("Failed to commit message")
		}
	}
}

// deadLetter parks a failed message. Offsets are committed in order, so a
// failed message is never redelivered once a later one commits.
func (c *Consumer) deadLetter(ctx context.Context, message kafka.Message, cause error) {
	if c.dlq == nil {
		return
	}
	if err := c.dlq.Forward(ctx, message, cause.Error()); err != nil {
		logger.Log.WithError(err).Error("Failed to dead-letter message")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
