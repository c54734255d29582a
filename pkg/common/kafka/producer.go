package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/citypulse/platform/pkg/common/logger"
	"github.com/citypulse/platform/pkg/common/models"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer}
}

// PublishEvent writes one envelope keyed by source so a source's batches stay ordered.
func (p *Producer) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	event := models.BusEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(source),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source", Value: []byte(source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": eventType,
		}).Error("Failed to publish event")
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": eventType,
		"topic":      p.writer.Topic,
	}).Debug("Event published")

	return nil
}

// Forward copies a message verbatim, adding a header with the failure reason.
func (p *Producer) Forward(ctx context.Context, message kafka.Message, reason string) error {
	headers := append([]kafka.Header{}, message.Headers...)
	headers = append(headers, kafka.Header{Key: "error", Value: []byte(reason)})
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     message.Key,
		Value:   message.Value,
		Headers: headers,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
