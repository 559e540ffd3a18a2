package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher publishes completion events keyed by logical date, so that
// re-runs for the same date land on the same partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	logger zerolog.Logger
}

// NewKafkaPublisher builds a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, writeTimeout time.Duration, logger zerolog.Logger) *KafkaPublisher {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		WriteTimeout:           writeTimeout,
	}
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		logger: logger.With().Str("component", "notify_kafka").Logger(),
	}
}

// Notify implements Notifier.
func (p *KafkaPublisher) Notify(ctx context.Context, completion Completion) error {
	msg, err := completionMessage(completion)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	p.logger.Info().Str("topic", p.topic).Str("ds", completion.LogicalDate).Msg("completion published (kafka)")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func completionMessage(c Completion) (kafka.Message, error) {
	value, err := json.Marshal(c)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal completion: %w", err)
	}
	return kafka.Message{
		Key:   []byte(c.LogicalDate),
		Value: value,
		Headers: []kafka.Header{
			{Key: "run_id", Value: []byte(c.RunID)},
		},
	}, nil
}

var _ Notifier = (*KafkaPublisher)(nil)
